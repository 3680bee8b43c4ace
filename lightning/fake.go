package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// FakeBackend is an in-memory Lightning backend for tests. Invoices start
// out unpaid; tests settle them explicitly with SettleInvoice.
type FakeBackend struct {
	mu       sync.Mutex
	invoices map[string]Invoice
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{invoices: make(map[string]Invoice)}
}

func (fb *FakeBackend) CreateInvoice(ctx context.Context, amount uint64, memo string, expiry time.Duration) (Invoice, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return Invoice{}, err
	}
	paymentHash := sha256.Sum256(random[:])

	signingKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return Invoice{}, err
	}

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description(memo),
		zpay32.Expiry(expiry),
	)
	if err != nil {
		return Invoice{}, err
	}

	paymentRequest, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(signingKey, msg, true), nil
		},
	})
	if err != nil {
		return Invoice{}, err
	}

	hash := hex.EncodeToString(paymentHash[:])
	created := Invoice{
		Id:             hash,
		PaymentRequest: paymentRequest,
		PaymentHash:    hash,
		Amount:         amount,
		Status:         Unpaid,
		ExpiresAt:      time.Now().Add(expiry),
	}

	fb.mu.Lock()
	fb.invoices[created.Id] = created
	fb.mu.Unlock()

	return created, nil
}

func (fb *FakeBackend) InvoiceStatus(ctx context.Context, id string) (Invoice, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoice, ok := fb.invoices[id]
	if !ok {
		return Invoice{}, errors.New("invoice does not exist")
	}
	if invoice.Status == Unpaid && time.Now().After(invoice.ExpiresAt) {
		invoice.Status = Expired
		fb.invoices[id] = invoice
	}
	return invoice, nil
}

// SettleInvoice marks an invoice as paid.
func (fb *FakeBackend) SettleInvoice(id string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoice, ok := fb.invoices[id]
	if !ok {
		return errors.New("invoice does not exist")
	}
	invoice.Status = Paid
	fb.invoices[id] = invoice
	return nil
}
