package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/cashu/nuts/nut05"
	"github.com/cashtill/cashtill/crypto"
	"github.com/cashtill/cashtill/lightning"
	"github.com/cashtill/cashtill/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const meltInvoiceExpiry = time.Hour

// MeltEngine converts customer proofs straight into a Lightning payment to
// the merchant's node.
type MeltEngine struct {
	client    MintAPI
	lnBackend lightning.Client
	registry  *KeysetRegistry
	deriver   *OutputDeriver
	store     storage.Store
	logger    *logrus.Logger
}

func NewMeltEngine(client MintAPI, lnBackend lightning.Client, registry *KeysetRegistry,
	deriver *OutputDeriver, store storage.Store, logger *logrus.Logger) *MeltEngine {
	return &MeltEngine{
		client:    client,
		lnBackend: lnBackend,
		registry:  registry,
		deriver:   deriver,
		store:     store,
		logger:    logger,
	}
}

// MaxMeltQuote is a melt quote sized so that the token covers invoice
// amount, lightning fee reserve and keyset fee exactly.
type MaxMeltQuote struct {
	Quote     *nut05.PostMeltQuoteBolt11Response
	Invoice   lightning.Invoice
	KeysetFee uint64
}

// msatToSat floors, the merchant never rounds value in its own favor
// upward past what the token carries.
func msatToSat(msat uint64) uint64 {
	return msat / 1000
}

// CreateMaxMeltQuote sizes an invoice to the maximum the token can pay.
// The mint's fee reserve depends on the invoice amount, so an initial
// oversized invoice samples the reserve first and the real invoice is cut
// down by reserve and keyset fee.
func (e *MeltEngine) CreateMaxMeltQuote(ctx context.Context, mintURL string,
	tokenAmount, unitPriceMsat, keysetFee uint64) (*MaxMeltQuote, error) {

	initialSat := msatToSat(tokenAmount * unitPriceMsat)
	if initialSat == 0 {
		return nil, validationErrorf("token worth of %v units is below 1 sat", tokenAmount)
	}
	initialInvoice, err := e.lnBackend.CreateInvoice(ctx, initialSat, "", meltInvoiceExpiry)
	if err != nil {
		return nil, err
	}

	initialQuote, err := e.client.CreateMeltQuote(ctx, mintURL, nut05.PostMeltQuoteBolt11Request{
		Request: initialInvoice.PaymentRequest,
		Unit:    cashu.Sat.String(),
	})
	if err != nil {
		return nil, classify(err)
	}

	feeReserve := initialQuote.FeeReserve
	if feeReserve+keysetFee >= tokenAmount {
		return nil, validationErrorf(
			"fees of %v leave nothing to pay out of %v units", feeReserve+keysetFee, tokenAmount)
	}

	payableUnits := tokenAmount - feeReserve - keysetFee
	payableSat := msatToSat(payableUnits * unitPriceMsat)
	if payableSat == 0 {
		return nil, validationErrorf("payable amount of %v units is below 1 sat", payableUnits)
	}

	finalInvoice, err := e.lnBackend.CreateInvoice(ctx, payableSat, "", meltInvoiceExpiry)
	if err != nil {
		return nil, err
	}
	finalQuote, err := e.client.CreateMeltQuote(ctx, mintURL, nut05.PostMeltQuoteBolt11Request{
		Request: finalInvoice.PaymentRequest,
		Unit:    cashu.Sat.String(),
	})
	if err != nil {
		return nil, classify(err)
	}

	if finalQuote.Amount+finalQuote.FeeReserve+keysetFee > tokenAmount {
		return nil, validationErrorf(
			"mint raised its fee reserve between quotes: %v + %v + %v exceeds %v",
			finalQuote.Amount, finalQuote.FeeReserve, keysetFee, tokenAmount)
	}

	return &MaxMeltQuote{
		Quote:     finalQuote,
		Invoice:   finalInvoice,
		KeysetFee: keysetFee,
	}, nil
}

// Melt submits the inputs against the quote. Success requires both the
// mint reporting the quote paid and the merchant's own node confirming the
// invoice settled; the two views can diverge and the mint's word alone is
// not trusted.
func (e *MeltEngine) Melt(ctx context.Context, storeId, invoiceId, mintURL string,
	maxQuote *MaxMeltQuote, inputs cashu.Proofs) (*Outcome, error) {

	keyset, err := e.registry.ActiveKeyset(ctx, mintURL)
	if err != nil {
		return nil, err
	}

	blankOutputs, err := e.deriver.DeriveBlankOutputs(storeId, keyset.Id, maxQuote.Quote.FeeReserve)
	if err != nil {
		return nil, err
	}

	meltRes, err := e.client.Melt(ctx, mintURL, nut05.PostMeltBolt11Request{
		Quote:   maxQuote.Quote.Quote,
		Inputs:  inputs,
		Outputs: cashu.BlindedMessagesFromOutputData(blankOutputs),
	})
	if err != nil {
		if isTransportFault(err) {
			return e.recordIndeterminate(storeId, invoiceId, mintURL, maxQuote, inputs, blankOutputs,
				nut05.Pending, err.Error())
		}
		return nil, classify(err)
	}

	switch meltRes.State {
	case nut05.Paid:
		lnInvoice, lnErr := e.lnBackend.InvoiceStatus(ctx, maxQuote.Invoice.Id)
		if lnErr != nil || lnInvoice.Status != lightning.Paid {
			// mint claims paid but the node does not agree; hand it to
			// recovery instead of trusting the mint blindly
			e.logger.WithFields(logrus.Fields{
				"meltQuoteId": maxQuote.Quote.Quote,
				"invoiceId":   maxQuote.Invoice.Id,
				"mint":        mintURL,
			}).Error("mint reports melt paid but lightning invoice is not settled")
			return e.recordIndeterminate(storeId, invoiceId, mintURL, maxQuote, inputs, blankOutputs,
				nut05.Pending, "mint reports paid, lightning invoice not settled")
		}
		return e.settleMelt(storeId, invoiceId, mintURL, maxQuote, inputs, blankOutputs, meltRes.Change, keyset)

	case nut05.Pending:
		return e.recordIndeterminate(storeId, invoiceId, mintURL, maxQuote, inputs, blankOutputs,
			nut05.Pending, "mint reports melt pending")

	default:
		// quote unpaid, inputs were not consumed
		return nil, fmt.Errorf("mint did not pay melt quote '%v'", maxQuote.Quote.Quote)
	}
}

func (e *MeltEngine) settleMelt(storeId, invoiceId, mintURL string, maxQuote *MaxMeltQuote,
	inputs cashu.Proofs, blankOutputs []cashu.OutputData, change cashu.BlindedSignatures,
	keyset *crypto.WalletKeyset) (*Outcome, error) {

	changeProofs := cashu.Proofs{}
	if len(change) > 0 {
		proofs, err := ConstructProofs(change, blankOutputs[:min(len(change), len(blankOutputs))], keyset)
		if err == nil {
			changeProofs = proofs
		} else {
			e.logger.WithField("meltQuoteId", maxQuote.Quote.Quote).
				Warnf("could not reconstruct change proofs: %v", err)
		}
	}

	if len(changeProofs) > 0 {
		if err := e.saveProofs(storeId, mintURL, changeProofs); err != nil {
			// the payment went through; only the change failed to persist
			failedTx := e.newFailedTransaction(storeId, invoiceId, mintURL, maxQuote, inputs, blankOutputs,
				nut05.Paid.String(), fmt.Sprintf("melt succeeded but change could not be persisted: %v", err))
			failedTx.PaymentRegistered = true
			if saveErr := e.store.SaveFailedTransaction(failedTx); saveErr != nil {
				return nil, fmt.Errorf("melt succeeded but persistence failed twice: %v, %v", err, saveErr)
			}
			return &Outcome{State: SettledShort, FailedTxId: failedTx.Id}, nil
		}
	}

	return &Outcome{State: Settled, Proofs: changeProofs}, nil
}

func (e *MeltEngine) recordIndeterminate(storeId, invoiceId, mintURL string, maxQuote *MaxMeltQuote,
	inputs cashu.Proofs, blankOutputs []cashu.OutputData, status nut05.State, details string) (*Outcome, error) {

	failedTx := e.newFailedTransaction(storeId, invoiceId, mintURL, maxQuote, inputs, blankOutputs,
		status.String(), details)
	if err := e.store.SaveFailedTransaction(failedTx); err != nil {
		return nil, fmt.Errorf("melt outcome unknown and recovery record could not be saved: %v", err)
	}
	e.logger.WithFields(logrus.Fields{
		"failedTxId":  failedTx.Id,
		"meltQuoteId": maxQuote.Quote.Quote,
		"mint":        mintURL,
	}).Warn("melt outcome unknown, recovery record saved")
	return &Outcome{State: Indeterminate, FailedTxId: failedTx.Id}, nil
}

func (e *MeltEngine) newFailedTransaction(storeId, invoiceId, mintURL string, maxQuote *MaxMeltQuote,
	inputs cashu.Proofs, outputs []cashu.OutputData, status, details string) storage.FailedTransaction {
	return storage.FailedTransaction{
		Id:          uuid.NewString(),
		InvoiceId:   invoiceId,
		StoreId:     storeId,
		MintURL:     mintURL,
		Unit:        cashu.Sat.String(),
		InputProofs: inputs,
		InputAmount: inputs.Amount(),
		Operation:   storage.MeltOperation,
		OutputData:  outputs,
		MeltDetails: &storage.MeltDetails{
			MeltQuoteId:        maxQuote.Quote.Quote,
			Expiry:             maxQuote.Quote.Expiry,
			LightningInvoiceId: maxQuote.Invoice.Id,
			Status:             status,
		},
		Details:   details,
		CreatedAt: time.Now(),
	}
}

func (e *MeltEngine) saveProofs(storeId, mintURL string, proofs cashu.Proofs) error {
	stored := make([]storage.StoredProof, len(proofs))
	for i, proof := range proofs {
		stored[i] = storage.StoredProof{
			Proof:   proof,
			StoreId: storeId,
			MintURL: mintURL,
			State:   storage.Available,
		}
	}
	return classify(e.store.SaveProofs(stored))
}
