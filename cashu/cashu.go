// Package cashu contains the core types and pure protocol logic
// shared by every component of the settlement engine: proofs, blinded
// messages, amount splitting and fee arithmetic.
package cashu

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

type Unit int

const (
	Sat Unit = iota
)

func (unit Unit) String() string {
	switch unit {
	case Sat:
		return "sat"
	default:
		return "unknown"
	}
}

// Cashu BlindedMessage. See https://github.com/cashubtc/nuts/blob/main/00.md#blindedmessage
type BlindedMessage struct {
	Amount  uint64 `json:"amount"`
	B_      string `json:"B_"`
	Id      string `json:"id"`
	Witness string `json:"witness,omitempty"`
}

type BlindedMessages []BlindedMessage

func (bm BlindedMessages) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, msg := range bm {
		totalAmount += msg.Amount
	}
	return totalAmount
}

// Cashu BlindedSignature. See https://github.com/cashubtc/nuts/blob/main/00.md#blindsignature
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	C_     string `json:"C_"`
	Id     string `json:"id"`
	// pointer so that omitempty works
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, sig := range bs {
		totalAmount += sig.Amount
	}
	return totalAmount
}

// Cashu Proof. See https://github.com/cashubtc/nuts/blob/main/00.md#proof
type Proof struct {
	Amount  uint64 `json:"amount"`
	Id      string `json:"id"`
	Secret  string `json:"secret"`
	C       string `json:"C"`
	Witness string `json:"witness,omitempty"`
	// pointer so that omitempty works
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

// Amount returns the total amount from the array of Proof
func (proofs Proofs) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, proof := range proofs {
		totalAmount += proof.Amount
	}
	return totalAmount
}

// KeysetIds returns the distinct keyset ids referenced by the proofs.
func (proofs Proofs) KeysetIds() []string {
	ids := make([]string, 0, 1)
	for _, proof := range proofs {
		if !slices.Contains(ids, proof.Id) {
			ids = append(ids, proof.Id)
		}
	}
	return ids
}

type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// OutputData is the blinding data behind one pending output: the blinded
// message sent to the mint together with the secret and blinding factor
// needed to turn a returned signature into a proof. It is persisted as part
// of a recovery record so that an interrupted operation can be finished
// later without deriving a second set of secrets.
type OutputData struct {
	BlindedMessage BlindedMessage `json:"blindedMessage"`
	Secret         string         `json:"secret"`
	// hex encoded blinding factor
	R string `json:"r"`
}

// BlindedMessagesFromOutputData extracts the blinded messages from the
// output data preserving order.
func BlindedMessagesFromOutputData(outputs []OutputData) BlindedMessages {
	msgs := make(BlindedMessages, len(outputs))
	for i, output := range outputs {
		msgs[i] = output.BlindedMessage
	}
	return msgs
}

func SortOutputData(outputs []OutputData) {
	slices.SortStableFunc(outputs, func(a, b OutputData) int {
		if a.BlindedMessage.Amount < b.BlindedMessage.Amount {
			return -1
		}
		if a.BlindedMessage.Amount > b.BlindedMessage.Amount {
			return 1
		}
		return 0
	})
}

// ParseBlindingFactor decodes the hex encoded blinding factor back into a
// private key.
func (od OutputData) ParseBlindingFactor() (*secp256k1.PrivateKey, error) {
	rBytes, err := hex.DecodeString(od.R)
	if err != nil {
		return nil, fmt.Errorf("invalid blinding factor: %v", err)
	}
	return secp256k1.PrivKeyFromBytes(rBytes), nil
}

// AmountSplit returns the binary decomposition of amount, e.g 13 -> [1, 4, 8],
// used to build blinded messages for split operations.
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}

var (
	ErrInsufficientAmount  = errors.New("requested amount is greater than the input amount")
	ErrUnknownDenomination = errors.New("keyset does not support provided amount")
)

// SplitForPayment splits the total of inputAmounts into a send part summing
// to exactly requested and a keep part holding the change, both decomposed
// greedily into the largest supported denominations. denominations is the
// set of amounts the keyset has keys for.
func SplitForPayment(inputAmounts []uint64, denominations []uint64, requested uint64) (keep []uint64, send []uint64, err error) {
	var total uint64 = 0
	for _, amount := range inputAmounts {
		if !slices.Contains(denominations, amount) {
			return nil, nil, ErrUnknownDenomination
		}
		total += amount
	}
	if requested > total {
		return nil, nil, ErrInsufficientAmount
	}

	send, err = SplitToDenominations(requested, denominations)
	if err != nil {
		return nil, nil, err
	}

	change := total - requested
	if change == 0 {
		return []uint64{}, send, nil
	}
	keep, err = SplitToDenominations(change, denominations)
	if err != nil {
		return nil, nil, err
	}
	return keep, send, nil
}

// SplitToDenominations decomposes amount using the largest available
// denominations first. With power-of-two denominations this is the canonical
// binary split; when the binary split would need a denomination the keyset
// does not carry, the largest carried one is repeated.
func SplitToDenominations(amount uint64, denominations []uint64) ([]uint64, error) {
	sorted := make([]uint64, len(denominations))
	copy(sorted, denominations)
	slices.Sort(sorted)
	slices.Reverse(sorted)

	split := make([]uint64, 0)
	remaining := amount
	for _, denom := range sorted {
		for denom <= remaining {
			split = append(split, denom)
			remaining -= denom
		}
	}
	if remaining != 0 {
		return nil, ErrUnknownDenomination
	}
	slices.Sort(split)
	return split, nil
}

// ComputeFee returns the keyset fee for spending the proofs, rounded up per
// mint convention: ceil of the summed input_fee_ppk over 1000. An input
// referencing a keyset id missing from feePpk is a hard error so that
// fee-bearing keysets can never slip through disguised as free ones.
func ComputeFee(proofs Proofs, feePpk map[string]uint) (uint64, error) {
	var totalPpk uint64 = 0
	for _, proof := range proofs {
		ppk, ok := feePpk[proof.Id]
		if !ok {
			return 0, fmt.Errorf("unknown keyset id %v in inputs", proof.Id)
		}
		totalPpk += uint64(ppk)
	}
	return (totalPpk + 999) / 1000, nil
}

func CheckDuplicateProofs(proofs Proofs) bool {
	seen := make(map[string]bool, len(proofs))
	for _, proof := range proofs {
		if seen[proof.Secret] {
			return true
		}
		seen[proof.Secret] = true
	}
	return false
}
