// Package storage persists every durable record the settlement engine
// relies on: proofs, keysets, derivation counters, recovery records,
// exported tokens and the wallet seed.
package storage

import (
	"errors"
	"time"

	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/crypto"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateSecret signals a proof insert whose secret is already in
	// the ledger. Either a replay or a derivation bug, never overwrite.
	ErrDuplicateSecret = errors.New("proof with duplicate secret")

	// ErrKeysetConflict signals an attempt to register a keyset id that
	// already belongs to a different mint.
	ErrKeysetConflict = errors.New("keyset id already registered for a different mint")
)

type ProofState int

const (
	// spendable by the engine
	Available ProofState = iota
	// serialized into an exported token, no longer spendable locally
	Exported
	// confirmed spent at the mint
	Spent
)

func (state ProofState) String() string {
	switch state {
	case Available:
		return "Available"
	case Exported:
		return "Exported"
	case Spent:
		return "Spent"
	default:
		return "unknown"
	}
}

type StoredProof struct {
	cashu.Proof
	StoreId string     `json:"storeId"`
	MintURL string     `json:"mintUrl"`
	State   ProofState `json:"state"`
}

type OperationType int

const (
	SwapOperation OperationType = iota
	MeltOperation
)

func (op OperationType) String() string {
	switch op {
	case SwapOperation:
		return "Swap"
	case MeltOperation:
		return "Melt"
	default:
		return "unknown"
	}
}

type MeltDetails struct {
	MeltQuoteId        string `json:"meltQuoteId"`
	Expiry             uint64 `json:"expiry"`
	LightningInvoiceId string `json:"lightningInvoiceId"`
	Status             string `json:"status"`
}

// FailedTransaction is the durable recovery record written when a swap or
// melt hit a transport fault after outputs were derived, leaving the
// outcome at the mint unknown. It carries everything needed to finish the
// operation later without burning a second counter range.
type FailedTransaction struct {
	Id          string             `json:"id"`
	InvoiceId   string             `json:"invoiceId"`
	StoreId     string             `json:"storeId"`
	MintURL     string             `json:"mintUrl"`
	Unit        string             `json:"unit"`
	InputProofs cashu.Proofs       `json:"inputProofs"`
	InputAmount uint64             `json:"inputAmount"`
	Operation   OperationType      `json:"operation"`
	OutputData  []cashu.OutputData `json:"outputData"`
	MeltDetails *MeltDetails       `json:"meltDetails,omitempty"`
	// true when the payment already counted for the invoice at the time the
	// record was written; recovery must not register it a second time
	PaymentRegistered bool      `json:"paymentRegistered"`
	RetryCount        int       `json:"retryCount"`
	LastRetried       time.Time `json:"lastRetried"`
	Details           string    `json:"details,omitempty"`
	Resolved          bool      `json:"resolved"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ExportedToken is a batch of previously owned proofs re-serialized for
// withdrawal. Its constituent proofs are marked Exported on creation and
// the token is marked used once the mint reports them spent.
type ExportedToken struct {
	Id        string    `json:"id"`
	StoreId   string    `json:"storeId"`
	MintURL   string    `json:"mintUrl"`
	Token     string    `json:"token"`
	Amount    uint64    `json:"amount"`
	Secrets   []string  `json:"secrets"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"createdAt"`
}

type Store interface {
	// Proofs. SaveProofs rejects any proof whose secret already exists.
	SaveProofs(proofs []StoredProof) error
	GetProofs(storeId string, state ProofState) ([]StoredProof, error)
	GetProofsByKeysetId(keysetId string) ([]StoredProof, error)
	UpdateProofsState(secrets []string, state ProofState) error
	DeleteProof(secret string) error

	// Keysets. PutKeyset is insert-if-absent: re-registering the same
	// (mint, keyset id) pair is a no-op, registering a seen id for a
	// different mint fails with ErrKeysetConflict.
	PutKeyset(keyset *crypto.WalletKeyset) error
	GetKeyset(keysetId string) (*crypto.WalletKeyset, error)
	ResolveKeyset(keysetId string) (mintURL string, unit string, err error)
	GetMintKeysets(mintURL string) ([]crypto.WalletKeyset, error)

	// Counters. ReserveCounter atomically bumps the stored counter by n
	// and returns the pre-bump value, so concurrent callers always get
	// disjoint index ranges.
	ReserveCounter(storeId, keysetId string, n uint32) (uint32, error)
	GetCounter(storeId, keysetId string) (uint32, error)
	GetCounters(storeId string) (map[string]uint32, error)
	SetCounter(storeId, keysetId string, value uint32) error

	// Recovery records. ResolveFailedTransaction reports whether this call
	// performed the transition, false if the record was already resolved.
	SaveFailedTransaction(failedTx FailedTransaction) error
	UpdateFailedTransaction(failedTx FailedTransaction) error
	GetUnresolvedTransactions() ([]FailedTransaction, error)
	ResolveFailedTransaction(id string) (bool, error)

	// Exported tokens.
	SaveExportedToken(token ExportedToken) error
	GetExportedTokens(includeUsed bool) ([]ExportedToken, error)
	MarkExportedTokenUsed(id string) error

	// Seed.
	SaveMnemonicSeed(mnemonic string, seed []byte) error
	GetSeed() ([]byte, error)
	GetMnemonic() (string, error)
	SetSeedVerified(verified bool) error
	IsSeedVerified() (bool, error)
}
