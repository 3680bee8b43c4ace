package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

// WalletKeyset is the wallet-side view of a mint keyset: public keys only,
// plus the fee and activity flags needed to select inputs and price swaps.
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	InputFeePpk uint
}

// Denominations returns the sorted amounts this keyset carries keys for.
func (ks *WalletKeyset) Denominations() []uint64 {
	denominations := make([]uint64, 0, len(ks.PublicKeys))
	for amount := range ks.PublicKeys {
		denominations = append(denominations, amount)
	}
	slices.Sort(denominations)
	return denominations
}

// MapPubKeys parses the hex encoded keys returned by a mint into usable
// public keys.
func MapPubKeys(keys map[uint64]string) (map[uint64]*secp256k1.PublicKey, error) {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, pubkeyHex := range keys {
		pubkeyBytes, err := hex.DecodeString(pubkeyHex)
		if err != nil {
			return nil, err
		}
		pubkey, err := secp256k1.ParsePubKey(pubkeyBytes)
		if err != nil {
			return nil, err
		}
		publicKeys[amount] = pubkey
	}
	return publicKeys, nil
}

// MintKeyset holds the private keys of a keyset. Only test fixtures acting
// as a mint use this.
type MintKeyset struct {
	Id          string
	Unit        string
	Active      bool
	Keys        map[uint64]KeyPair
	InputFeePpk uint
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

func GenerateKeyset(seed, derivationPath string, inputFeePpk uint) *MintKeyset {
	keys := make(map[uint64]KeyPair, maxOrder)

	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		hash := sha256.Sum256([]byte(seed + derivationPath + strconv.FormatUint(amount, 10)))
		privKey, pubKey := btcec.PrivKeyFromBytes(hash[:])
		keys[amount] = KeyPair{PrivateKey: privKey, PublicKey: pubKey}
	}

	return &MintKeyset{
		Id:          DeriveKeysetId(keys),
		Unit:        "sat",
		Active:      true,
		Keys:        keys,
		InputFeePpk: inputFeePpk,
	}
}

// DeriveKeysetId computes the keyset id from the public keys: sorted by
// amount, concatenated, hashed, "00" version byte plus the first 14 hex
// characters.
func DeriveKeysetId(keys map[uint64]KeyPair) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	pubkeys := make([]byte, 0, len(keys)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keys[amount].PublicKey.SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// PublicKeys returns the hex encoded public keys by amount, the form served
// on the keys endpoint.
func (ks *MintKeyset) PublicKeys() map[uint64]string {
	pubkeys := make(map[uint64]string, len(ks.Keys))
	for amount, key := range ks.Keys {
		pubkeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return pubkeys
}

// WalletView strips the private keys, producing the keyset as a wallet
// would see it after fetching from the mint.
func (ks *MintKeyset) WalletView(mintURL string) *WalletKeyset {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(ks.Keys))
	for amount, key := range ks.Keys {
		publicKeys[amount] = key.PublicKey
	}
	return &WalletKeyset{
		Id:          ks.Id,
		MintURL:     mintURL,
		Unit:        ks.Unit,
		Active:      ks.Active,
		PublicKeys:  publicKeys,
		InputFeePpk: ks.InputFeePpk,
	}
}
