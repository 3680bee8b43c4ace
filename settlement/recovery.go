package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/cashu/nuts/nut05"
	"github.com/cashtill/cashtill/cashu/nuts/nut07"
	"github.com/cashtill/cashtill/cashu/nuts/nut09"
	"github.com/cashtill/cashtill/crypto"
	"github.com/cashtill/cashtill/lightning"
	"github.com/cashtill/cashtill/storage"
	"github.com/sirupsen/logrus"
)

// SettlementSink registers a logically settled payment with the
// surrounding system. Called exactly once per settled payment.
type SettlementSink interface {
	RegisterPayment(invoiceId string, amount uint64) error
}

type Resolution int

const (
	ResolutionSuccess Resolution = iota
	ResolutionFailed
	ResolutionPending
	ResolutionUnknown
)

func (r Resolution) String() string {
	switch r {
	case ResolutionSuccess:
		return "SUCCESS"
	case ResolutionFailed:
		return "FAILED"
	case ResolutionPending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

type PollResult struct {
	Resolution Resolution
	// proofs recovered by the poll (change for melt, restored outputs for swap)
	Proofs cashu.Proofs
	Detail string
}

// RecoveryCoordinator drives unresolved FailedTransactions to an outcome by
// polling the mint and the Lightning node. Marking the record resolved is
// the exactly-once commit point for registering the payment.
type RecoveryCoordinator struct {
	client    MintAPI
	lnBackend lightning.Client
	registry  *KeysetRegistry
	store     storage.Store
	sink      SettlementSink
	logger    *logrus.Logger
}

func NewRecoveryCoordinator(client MintAPI, lnBackend lightning.Client, registry *KeysetRegistry,
	store storage.Store, sink SettlementSink, logger *logrus.Logger) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		client:    client,
		lnBackend: lnBackend,
		registry:  registry,
		store:     store,
		sink:      sink,
		logger:    logger,
	}
}

// Run polls every unresolved recovery record once.
func (c *RecoveryCoordinator) Run(ctx context.Context) error {
	failedTxs, err := c.store.GetUnresolvedTransactions()
	if err != nil {
		return err
	}
	for _, failedTx := range failedTxs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.Resolve(ctx, failedTx); err != nil {
			c.logger.WithField("failedTxId", failedTx.Id).
				Errorf("error resolving failed transaction: %v", err)
		}
	}
	return nil
}

// Resolve polls one record and commits the outcome.
func (c *RecoveryCoordinator) Resolve(ctx context.Context, failedTx storage.FailedTransaction) error {
	var result PollResult
	var err error
	switch failedTx.Operation {
	case storage.MeltOperation:
		result, err = c.PollFailedMelt(ctx, failedTx)
	case storage.SwapOperation:
		result, err = c.PollFailedSwap(ctx, failedTx)
	default:
		return fmt.Errorf("unknown operation type %v", failedTx.Operation)
	}
	if err != nil {
		return err
	}

	switch result.Resolution {
	case ResolutionSuccess:
		return c.commitSuccess(failedTx, result)
	case ResolutionFailed:
		resolvedNow, err := c.store.ResolveFailedTransaction(failedTx.Id)
		if err != nil {
			return err
		}
		if resolvedNow {
			c.logger.WithFields(logrus.Fields{
				"failedTxId": failedTx.Id,
				"detail":     result.Detail,
			}).Warn("failed transaction resolved as failed")
		}
		return nil
	default:
		failedTx.RetryCount++
		failedTx.LastRetried = time.Now()
		if result.Detail != "" {
			failedTx.Details = result.Detail
		}
		return c.store.UpdateFailedTransaction(failedTx)
	}
}

// commitSuccess persists recovered proofs and registers the payment. The
// atomic resolved flip guarantees a duplicate poll registers nothing.
func (c *RecoveryCoordinator) commitSuccess(failedTx storage.FailedTransaction, result PollResult) error {
	resolvedNow, err := c.store.ResolveFailedTransaction(failedTx.Id)
	if err != nil {
		return err
	}
	if !resolvedNow {
		return nil
	}

	if len(result.Proofs) > 0 {
		stored := make([]storage.StoredProof, len(result.Proofs))
		for i, proof := range result.Proofs {
			stored[i] = storage.StoredProof{
				Proof:   proof,
				StoreId: failedTx.StoreId,
				MintURL: failedTx.MintURL,
				State:   storage.Available,
			}
		}
		if err := c.store.SaveProofs(stored); err != nil {
			c.logger.WithField("failedTxId", failedTx.Id).
				Errorf("recovered proofs could not be persisted: %v", err)
		}
	}

	if failedTx.InvoiceId != "" && !failedTx.PaymentRegistered {
		if err := c.sink.RegisterPayment(failedTx.InvoiceId, failedTx.InputAmount); err != nil {
			return fmt.Errorf("error registering recovered payment: %v", err)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"failedTxId": failedTx.Id,
		"invoiceId":  failedTx.InvoiceId,
		"recovered":  result.Proofs.Amount(),
	}).Info("failed transaction resolved as success")
	return nil
}

// PollFailedMelt inspects the Lightning invoice first, then the mint's
// melt quote.
func (c *RecoveryCoordinator) PollFailedMelt(ctx context.Context, failedTx storage.FailedTransaction) (PollResult, error) {
	if failedTx.MeltDetails == nil {
		return PollResult{}, fmt.Errorf("melt recovery record '%v' missing melt details", failedTx.Id)
	}

	lnInvoice, err := c.lnBackend.InvoiceStatus(ctx, failedTx.MeltDetails.LightningInvoiceId)
	if err != nil {
		return PollResult{Resolution: ResolutionUnknown, Detail: err.Error()}, nil
	}
	if lnInvoice.Status == lightning.Expired {
		return PollResult{Resolution: ResolutionFailed, Detail: "lightning invoice expired"}, nil
	}

	currentQuote, err := c.client.GetMeltQuoteState(ctx, failedTx.MintURL, failedTx.MeltDetails.MeltQuoteId)
	if err != nil {
		if isTransportFault(err) {
			return PollResult{Resolution: ResolutionUnknown, Detail: err.Error()}, nil
		}
		return PollResult{}, classify(err)
	}

	resolution := compareMeltQuotes(failedTx.MeltDetails.Status, currentQuote.State, failedTx.MeltDetails.Expiry)
	if resolution == ResolutionSuccess && lnInvoice.Status != lightning.Paid {
		// the mint says paid, the node disagrees; keep polling rather than
		// trust the mint
		c.logger.WithFields(logrus.Fields{
			"failedTxId":  failedTx.Id,
			"meltQuoteId": failedTx.MeltDetails.MeltQuoteId,
		}).Error("mint reports melt paid but lightning invoice is not settled")
		return PollResult{Resolution: ResolutionPending, Detail: "mint paid, lightning invoice not settled"}, nil
	}

	if resolution != ResolutionSuccess {
		return PollResult{Resolution: resolution}, nil
	}

	changeProofs, err := c.reconstructChange(ctx, failedTx, currentQuote.Change)
	if err != nil {
		c.logger.WithField("failedTxId", failedTx.Id).
			Warnf("could not reconstruct change proofs: %v", err)
		changeProofs = cashu.Proofs{}
	}
	return PollResult{Resolution: ResolutionSuccess, Proofs: changeProofs}, nil
}

// compareMeltQuotes maps the recorded and current quote states to a
// resolution. A prior PAID is authoritative. A quote that was PENDING and
// now reads UNPAID is treated as never having happened; some mints might
// reopen such a quote, but the conservative reading is the safe one.
func compareMeltQuotes(priorStatus string, current nut05.State, expiry uint64) Resolution {
	if nut05.StringToState(priorStatus) == nut05.Paid {
		return ResolutionSuccess
	}

	switch current {
	case nut05.Paid:
		return ResolutionSuccess
	case nut05.Pending:
		return ResolutionPending
	case nut05.Unpaid:
		if nut05.StringToState(priorStatus) == nut05.Pending {
			return ResolutionFailed
		}
		if uint64(time.Now().Unix()) > expiry {
			return ResolutionFailed
		}
		return ResolutionPending
	default:
		return ResolutionUnknown
	}
}

func (c *RecoveryCoordinator) reconstructChange(ctx context.Context, failedTx storage.FailedTransaction,
	change cashu.BlindedSignatures) (cashu.Proofs, error) {
	if len(change) == 0 || len(failedTx.OutputData) == 0 {
		return cashu.Proofs{}, nil
	}
	keysetId := failedTx.OutputData[0].BlindedMessage.Id
	keyset, err := c.registry.GetKeyset(ctx, failedTx.MintURL, keysetId)
	if err != nil {
		return nil, err
	}
	outputs := failedTx.OutputData
	if len(change) < len(outputs) {
		outputs = outputs[:len(change)]
	}
	return ConstructProofs(change, outputs, keyset)
}

// PollFailedSwap first checks whether the inputs were actually spent; an
// untouched input set means the swap never took effect. Otherwise the
// saved blinded messages are replayed against the restore endpoint.
func (c *RecoveryCoordinator) PollFailedSwap(ctx context.Context, failedTx storage.FailedTransaction) (PollResult, error) {
	Ys, err := proofYs(failedTx.InputProofs)
	if err != nil {
		return PollResult{}, err
	}

	statesRes, err := c.client.CheckProofStates(ctx, failedTx.MintURL, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		if isTransportFault(err) {
			return PollResult{Resolution: ResolutionUnknown, Detail: err.Error()}, nil
		}
		return PollResult{}, classify(err)
	}

	allUnspent := true
	for _, proofState := range statesRes.States {
		if proofState.State != nut07.Unspent {
			allUnspent = false
			break
		}
	}
	if allUnspent {
		return PollResult{Resolution: ResolutionFailed, Detail: "inputs unspent, swap never took effect"}, nil
	}

	restoreRes, err := c.client.Restore(ctx, failedTx.MintURL, nut09.PostRestoreRequest{
		Outputs: cashu.BlindedMessagesFromOutputData(failedTx.OutputData),
	})
	if err != nil {
		if isTransportFault(err) {
			return PollResult{Resolution: ResolutionUnknown, Detail: err.Error()}, nil
		}
		return PollResult{}, classify(err)
	}

	if len(restoreRes.Signatures) != len(failedTx.OutputData) {
		detail := fmt.Sprintf("inputs/outputs unbalanced: inputs spent but mint restored %v of %v outputs",
			len(restoreRes.Signatures), len(failedTx.OutputData))
		c.logger.WithField("failedTxId", failedTx.Id).Error(detail)
		return PollResult{Resolution: ResolutionFailed, Detail: detail}, nil
	}

	keysetId := failedTx.OutputData[0].BlindedMessage.Id
	keyset, err := c.registry.GetKeyset(ctx, failedTx.MintURL, keysetId)
	if err != nil {
		return PollResult{}, err
	}
	proofs, err := ConstructProofs(restoreRes.Signatures, failedTx.OutputData, keyset)
	if err != nil {
		return PollResult{}, err
	}
	return PollResult{Resolution: ResolutionSuccess, Proofs: proofs}, nil
}

// proofYs computes the checkstate keys, HashToCurve over each secret.
func proofYs(proofs cashu.Proofs) ([]string, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return Ys, nil
}
