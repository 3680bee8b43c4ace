// Package lightning defines the interface to the merchant's Lightning
// backend. Settlement only needs the receiving side: creating invoices for
// mints to pay and independently confirming whether they were paid.
package lightning

import (
	"context"
	"fmt"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

type InvoiceStatus int

const (
	Unpaid InvoiceStatus = iota
	Paid
	Expired
)

func (status InvoiceStatus) String() string {
	switch status {
	case Unpaid:
		return "Unpaid"
	case Paid:
		return "Paid"
	case Expired:
		return "Expired"
	default:
		return "unknown"
	}
}

type Invoice struct {
	Id             string
	PaymentRequest string
	PaymentHash    string
	// invoice amount in the node's accounting unit (sat)
	Amount    uint64
	Status    InvoiceStatus
	ExpiresAt time.Time
}

// Client interface to interact with a Lightning backend
type Client interface {
	CreateInvoice(ctx context.Context, amount uint64, memo string, expiry time.Duration) (Invoice, error)
	InvoiceStatus(ctx context.Context, id string) (Invoice, error)
}

// InvoiceAmountMsat decodes a bolt11 payment request and returns its amount
// in millisatoshis.
func InvoiceAmountMsat(paymentRequest string) (uint64, error) {
	bolt11, err := decodepay.Decodepay(paymentRequest)
	if err != nil {
		return 0, fmt.Errorf("error decoding invoice: %v", err)
	}
	if bolt11.MSatoshi < 0 {
		return 0, fmt.Errorf("invoice carries negative amount")
	}
	return uint64(bolt11.MSatoshi), nil
}
