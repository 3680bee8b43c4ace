package settlement

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/cashu/nuts/nut08"
	"github.com/cashtill/cashtill/cashu/nuts/nut12"
	"github.com/cashtill/cashtill/cashu/nuts/nut13"
	"github.com/cashtill/cashtill/crypto"
	"github.com/cashtill/cashtill/storage"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// OutputDeriver hands out deterministically derived outputs backed by the
// persisted counter state. Every derivation burns a fresh counter range, so
// retries of an operation whose outcome is unknown must reuse the saved
// OutputData rather than derive again.
type OutputDeriver struct {
	store storage.Store
}

func NewOutputDeriver(store storage.Store) *OutputDeriver {
	return &OutputDeriver{store: store}
}

func (d *OutputDeriver) keysetPath(keysetId string) (*hdkeychain.ExtendedKey, error) {
	seed, err := d.store.GetSeed()
	if err != nil {
		return nil, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	return nut13.DeriveKeysetPath(master, keysetId)
}

// DeriveOutputs reserves len(amounts) fresh counter indices for the keyset
// and derives one blinded output per amount.
func (d *OutputDeriver) DeriveOutputs(storeId, keysetId string, amounts []uint64) ([]cashu.OutputData, error) {
	if len(amounts) == 0 {
		return []cashu.OutputData{}, nil
	}

	keysetPath, err := d.keysetPath(keysetId)
	if err != nil {
		return nil, err
	}

	start, err := d.store.ReserveCounter(storeId, keysetId, uint32(len(amounts)))
	if err != nil {
		return nil, err
	}
	return nut13.DeriveOutputs(keysetPath, start, keysetId, amounts)
}

// DeriveBlankOutputs derives the blank outputs a melt sends along to absorb
// overpaid fee reserve. The mint assigns amounts when signing, so the
// messages carry a placeholder amount of 1.
func (d *OutputDeriver) DeriveBlankOutputs(storeId, keysetId string, feeReserve uint64) ([]cashu.OutputData, error) {
	count := nut08.BlankOutputCount(feeReserve)
	amounts := make([]uint64, count)
	for i := range amounts {
		amounts[i] = 1
	}
	return d.DeriveOutputs(storeId, keysetId, amounts)
}

// ConstructProofs unblinds the returned signatures into proofs using the
// blinding data saved when the outputs were derived. Signatures are matched
// to outputs by position; a count mismatch is the caller's problem to
// handle before calling. DLEQ proofs are verified when the mint attached
// them.
func ConstructProofs(signatures cashu.BlindedSignatures, outputs []cashu.OutputData, keyset *crypto.WalletKeyset) (cashu.Proofs, error) {
	if len(signatures) > len(outputs) {
		return nil, fmt.Errorf("mint returned %v signatures for %v outputs", len(signatures), len(outputs))
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		// blank outputs get their real amount from the signature
		K, ok := keyset.PublicKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("keyset '%v' has no key for amount %v", keyset.Id, signature.Amount)
		}

		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, fmt.Errorf("invalid signature from mint: %v", err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid signature from mint: %v", err)
		}

		output := outputs[i]
		if signature.DLEQ != nil {
			if !nut12.VerifyBlindSignatureDLEQ(*signature.DLEQ, K, output.BlindedMessage.B_, signature.C_) {
				return nil, errors.New("mint returned signature with invalid DLEQ proof")
			}
		}

		r, err := output.ParseBlindingFactor()
		if err != nil {
			return nil, err
		}
		C := crypto.UnblindSignature(C_, r, K)

		proof := cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: output.Secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
		if signature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: signature.DLEQ.E,
				S: signature.DLEQ.S,
				R: output.R,
			}
		}
		proofs[i] = proof
	}
	return proofs, nil
}
