package settlement

import (
	"context"
	"slices"

	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/cashu/nuts/nut04"
	"github.com/cashtill/cashtill/lightning"
	"github.com/cashtill/cashtill/mintclient"
	"github.com/sirupsen/logrus"
)

// PaymentModel decides what happens to accepted ecash.
type PaymentModel int

const (
	// only tokens from trusted mints are accepted, and they are held as ecash
	TrustedMintsOnly PaymentModel = iota
	// trusted mints are held as ecash, everything else is melted to Lightning
	HoldWhenTrusted
	// every accepted token is melted to Lightning immediately
	AutoConvert
)

func (model PaymentModel) String() string {
	switch model {
	case TrustedMintsOnly:
		return "TrustedMintsOnly"
	case HoldWhenTrusted:
		return "HoldWhenTrusted"
	case AutoConvert:
		return "AutoConvert"
	default:
		return "unknown"
	}
}

// units quoted against the mint to sample how much a token unit is worth
const priceSampleUnits = 1000

type Config struct {
	Model PaymentModel
	// normalized mint URLs the merchant is willing to hold ecash from
	TrustedMints []string
	Fees         FeeConfig
}

// PaymentRequest is one inbound token presented against a merchant invoice.
type PaymentRequest struct {
	StoreId   string
	InvoiceId string
	Token     string
	// what the merchant invoice demands, in sat
	AmountDue uint64
}

type PaymentResult struct {
	Outcome *Outcome
	MintURL string
	// token amount consumed, the amount registered against the invoice
	Amount uint64
	// true when the token was melted to Lightning instead of held
	Converted bool
}

// Orchestrator drives a payment from serialized token to registered
// settlement: validation, pricing, the trust decision, the swap or melt,
// and finally registering with the sink. Indeterminate outcomes are NOT
// registered here; recovery does that once the outcome is known.
type Orchestrator struct {
	client   MintAPI
	swap     *SwapEngine
	melt     *MeltEngine
	registry *KeysetRegistry
	fees     *FeeValidator
	sink     SettlementSink
	config   Config
	logger   *logrus.Logger
}

func NewOrchestrator(client MintAPI, swap *SwapEngine, melt *MeltEngine, registry *KeysetRegistry,
	sink SettlementSink, config Config, logger *logrus.Logger) *Orchestrator {

	normalized := make([]string, 0, len(config.TrustedMints))
	for _, mintURL := range config.TrustedMints {
		if canonical, err := mintclient.NormalizeMintURL(mintURL); err == nil {
			normalized = append(normalized, canonical)
		}
	}
	config.TrustedMints = normalized

	return &Orchestrator{
		client:   client,
		swap:     swap,
		melt:     melt,
		registry: registry,
		fees:     NewFeeValidator(config.Fees),
		sink:     sink,
		config:   config,
		logger:   logger,
	}
}

func (o *Orchestrator) ProcessPayment(ctx context.Context, request PaymentRequest) (*PaymentResult, error) {
	token, err := cashu.DecodeToken(request.Token)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	simplified, err := cashu.SimplifyToken(token)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if simplified.Unit != cashu.Sat.String() {
		return nil, validationErrorf("unsupported token unit '%v'", simplified.Unit)
	}
	if cashu.CheckDuplicateProofs(simplified.Proofs) {
		return nil, validationErrorf("token contains duplicate proofs")
	}

	mintURL, err := mintclient.NormalizeMintURL(simplified.Mint)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	keysetIds := simplified.Proofs.KeysetIds()
	if err := o.registry.ValidateOwnership(ctx, mintURL, keysetIds); err != nil {
		return nil, err
	}

	unitPriceMsat, err := o.sampleUnitPrice(ctx, mintURL)
	if err != nil {
		return nil, err
	}

	tokenAmount := simplified.Proofs.Amount()
	worthSat := tokenAmount * unitPriceMsat / 1000
	if worthSat < request.AmountDue {
		return nil, validationErrorf(
			"token worth %v sat does not cover the %v sat due", worthSat, request.AmountDue)
	}

	feePpk, err := o.registry.FeePpk(ctx, mintURL, keysetIds)
	if err != nil {
		return nil, err
	}

	trusted := slices.Contains(o.config.TrustedMints, mintURL)
	hold := false
	switch o.config.Model {
	case TrustedMintsOnly:
		if !trusted {
			return nil, validationErrorf("mint '%v' is not trusted", mintURL)
		}
		hold = true
	case HoldWhenTrusted:
		hold = trusted
	case AutoConvert:
		hold = false
	}

	var outcome *Outcome
	if hold {
		keysetFee, err := o.fees.Validate(simplified.Proofs, feePpk, 0)
		if err != nil {
			return nil, err
		}
		outcome, err = o.swap.Receive(ctx, request.StoreId, request.InvoiceId, mintURL, simplified.Proofs, keysetFee)
		if err != nil {
			return nil, err
		}
	} else {
		keysetFee, err := cashu.ComputeFee(simplified.Proofs, feePpk)
		if err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
		maxQuote, err := o.melt.CreateMaxMeltQuote(ctx, mintURL, tokenAmount, unitPriceMsat, keysetFee)
		if err != nil {
			return nil, err
		}
		if _, err := o.fees.Validate(simplified.Proofs, feePpk, maxQuote.Quote.FeeReserve); err != nil {
			return nil, err
		}
		outcome, err = o.melt.Melt(ctx, request.StoreId, request.InvoiceId, mintURL, maxQuote, simplified.Proofs)
		if err != nil {
			return nil, err
		}
	}

	result := &PaymentResult{
		Outcome:   outcome,
		MintURL:   mintURL,
		Amount:    tokenAmount,
		Converted: !hold,
	}

	switch outcome.State {
	case Settled, SettledShort:
		if err := o.sink.RegisterPayment(request.InvoiceId, tokenAmount); err != nil {
			return result, err
		}
		o.logger.WithFields(logrus.Fields{
			"invoiceId": request.InvoiceId,
			"mint":      mintURL,
			"amount":    tokenAmount,
			"outcome":   outcome.State.String(),
			"converted": result.Converted,
		}).Info("payment settled")
	default:
		o.logger.WithFields(logrus.Fields{
			"invoiceId":  request.InvoiceId,
			"mint":       mintURL,
			"failedTxId": outcome.FailedTxId,
		}).Warn("payment outcome unknown, awaiting recovery")
	}
	return result, nil
}

// sampleUnitPrice asks the mint what minting a fixed block of units costs
// on Lightning and derives the per-unit price in msat from the invoice.
func (o *Orchestrator) sampleUnitPrice(ctx context.Context, mintURL string) (uint64, error) {
	quote, err := o.client.CreateMintQuote(ctx, mintURL, nut04.PostMintQuoteBolt11Request{
		Amount: priceSampleUnits,
		Unit:   cashu.Sat.String(),
	})
	if err != nil {
		return 0, err
	}

	msat, err := lightning.InvoiceAmountMsat(quote.Request)
	if err != nil {
		return 0, validationErrorf("mint returned an unreadable quote invoice: %v", err)
	}
	unitPriceMsat := msat / priceSampleUnits
	if unitPriceMsat == 0 {
		return 0, validationErrorf("mint prices a unit below 1 msat")
	}
	return unitPriceMsat, nil
}
