// Package nut13 implements deterministic derivation of secrets and blinding
// factors from a wallet seed, the basis for counter based backup recovery.
// See https://github.com/cashubtc/nuts/blob/main/13.md
package nut13

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/crypto"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const purpose = 129372

// DeriveKeysetPath derives m/129372'/0'/keyset_k_int' for the given keyset,
// the parent path every per-counter derivation hangs off.
func DeriveKeysetPath(master *hdkeychain.ExtendedKey, keysetId string) (*hdkeychain.ExtendedKey, error) {
	keysetBytes, err := hex.DecodeString(keysetId)
	if err != nil {
		return nil, err
	}
	keysetIdInt := binary.BigEndian.Uint64(keysetBytes) % (1<<31 - 1)

	purposePath, err := master.Derive(hdkeychain.HardenedKeyStart + purpose)
	if err != nil {
		return nil, err
	}

	coinType, err := purposePath.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	return coinType.Derive(hdkeychain.HardenedKeyStart + uint32(keysetIdInt))
}

// DeriveSecret derives the proof secret at m/129372'/0'/keyset_k_int'/counter'/0.
func DeriveSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return "", err
	}

	secretPath, err := counterPath.Derive(0)
	if err != nil {
		return "", err
	}

	secretKey, err := secretPath.ECPrivKey()
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(secretKey.Serialize()), nil
}

// DeriveBlindingFactor derives the blinding factor at
// m/129372'/0'/keyset_k_int'/counter'/1.
func DeriveBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return nil, err
	}

	rPath, err := counterPath.Derive(1)
	if err != nil {
		return nil, err
	}

	return rPath.ECPrivKey()
}

// DeriveOutputData derives secret and blinding factor for one counter value
// and blinds them into a ready to send output.
func DeriveOutputData(keysetPath *hdkeychain.ExtendedKey, counter uint32, keysetId string, amount uint64) (cashu.OutputData, error) {
	secret, err := DeriveSecret(keysetPath, counter)
	if err != nil {
		return cashu.OutputData{}, err
	}

	r, err := DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return cashu.OutputData{}, err
	}

	B_, r, err := crypto.BlindMessage(secret, r)
	if err != nil {
		return cashu.OutputData{}, err
	}

	return cashu.OutputData{
		BlindedMessage: cashu.BlindedMessage{
			Amount: amount,
			B_:     hex.EncodeToString(B_.SerializeCompressed()),
			Id:     keysetId,
		},
		Secret: secret,
		R:      hex.EncodeToString(r.Serialize()),
	}, nil
}

// DeriveOutputs derives one output per amount using consecutive counter
// values starting at startCounter. The i-th output uses startCounter+i, so a
// caller that reserved a counter range of len(amounts) consumes exactly that
// range.
func DeriveOutputs(keysetPath *hdkeychain.ExtendedKey, startCounter uint32, keysetId string, amounts []uint64) ([]cashu.OutputData, error) {
	outputs := make([]cashu.OutputData, len(amounts))
	for i, amount := range amounts {
		output, err := DeriveOutputData(keysetPath, startCounter+uint32(i), keysetId, amount)
		if err != nil {
			return nil, err
		}
		outputs[i] = output
	}
	return outputs, nil
}
