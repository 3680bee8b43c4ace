package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/cashu/nuts/nut03"
	"github.com/cashtill/cashtill/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SwapEngine turns customer-provided proofs into freshly derived ones owned
// by the merchant wallet.
type SwapEngine struct {
	client   MintAPI
	registry *KeysetRegistry
	deriver  *OutputDeriver
	store    storage.Store
	logger   *logrus.Logger
}

func NewSwapEngine(client MintAPI, registry *KeysetRegistry, deriver *OutputDeriver, store storage.Store, logger *logrus.Logger) *SwapEngine {
	return &SwapEngine{
		client:   client,
		registry: registry,
		deriver:  deriver,
		store:    store,
		logger:   logger,
	}
}

// Receive swaps the inputs for the merchant's own proofs, splitting the
// input total minus the keyset fee into canonical denominations against the
// mint's active keyset.
func (e *SwapEngine) Receive(ctx context.Context, storeId, invoiceId, mintURL string, inputs cashu.Proofs, keysetFee uint64) (*Outcome, error) {
	total := inputs.Amount()
	if keysetFee >= total {
		return nil, validationErrorf("keyset fee of %v consumes the whole input amount of %v", keysetFee, total)
	}

	keyset, err := e.registry.ActiveKeyset(ctx, mintURL)
	if err != nil {
		return nil, err
	}

	targetAmounts := cashu.AmountSplit(total - keysetFee)
	return e.Swap(ctx, storeId, invoiceId, mintURL, inputs, targetAmounts, keyset.Id)
}

// Swap executes the swap protocol step. A transport fault after outputs
// were derived produces a recovery record instead of an error: the counter
// range is burned and recovery must finish the operation with the same
// blinding data.
func (e *SwapEngine) Swap(ctx context.Context, storeId, invoiceId, mintURL string, inputs cashu.Proofs, targetAmounts []uint64, keysetId string) (*Outcome, error) {
	keyset, err := e.registry.GetKeyset(ctx, mintURL, keysetId)
	if err != nil {
		return nil, err
	}

	outputs, err := e.deriver.DeriveOutputs(storeId, keysetId, targetAmounts)
	if err != nil {
		return nil, err
	}

	swapRes, err := e.client.Swap(ctx, mintURL, nut03.PostSwapRequest{
		Inputs:  inputs,
		Outputs: cashu.BlindedMessagesFromOutputData(outputs),
	})
	if err != nil {
		if isTransportFault(err) {
			failedTx := e.newFailedTransaction(storeId, invoiceId, mintURL, inputs, outputs, err.Error())
			if saveErr := e.store.SaveFailedTransaction(failedTx); saveErr != nil {
				return nil, fmt.Errorf("swap outcome unknown and recovery record could not be saved: %v", saveErr)
			}
			e.logger.WithFields(logrus.Fields{
				"failedTxId": failedTx.Id,
				"mint":       mintURL,
			}).Warn("swap outcome unknown, recovery record saved")
			return &Outcome{State: Indeterminate, FailedTxId: failedTx.Id}, nil
		}
		// the mint refused before consuming the inputs
		return nil, classify(err)
	}

	signatures := swapRes.Signatures
	if len(signatures) < len(outputs) {
		// inputs were consumed, so the payment counts, but the recoverable
		// value is short and someone has to look at it
		proofs, constructErr := ConstructProofs(signatures, outputs[:len(signatures)], keyset)
		if constructErr != nil {
			proofs = cashu.Proofs{}
		}
		if err := e.saveProofs(storeId, mintURL, proofs); err != nil {
			proofs = cashu.Proofs{}
		}
		failedTx := e.newFailedTransaction(storeId, invoiceId, mintURL, inputs, outputs,
			fmt.Sprintf("mint returned %v signatures for %v outputs", len(signatures), len(outputs)))
		// the payment counts now; recovery only retrieves the missing value
		failedTx.PaymentRegistered = true
		if saveErr := e.store.SaveFailedTransaction(failedTx); saveErr != nil {
			return nil, fmt.Errorf("swap came back short and recovery record could not be saved: %v", saveErr)
		}
		e.logger.WithFields(logrus.Fields{
			"failedTxId": failedTx.Id,
			"mint":       mintURL,
			"signatures": len(signatures),
			"outputs":    len(outputs),
		}).Warn("swap returned fewer signatures than outputs")
		return &Outcome{State: SettledShort, Proofs: proofs, FailedTxId: failedTx.Id}, nil
	}

	proofs, err := ConstructProofs(signatures, outputs, keyset)
	if err != nil {
		return nil, err
	}
	if err := e.saveProofs(storeId, mintURL, proofs); err != nil {
		// inputs are spent, the value exists, only local persistence failed
		failedTx := e.newFailedTransaction(storeId, invoiceId, mintURL, inputs, outputs,
			fmt.Sprintf("swap succeeded but proofs could not be persisted: %v", err))
		failedTx.PaymentRegistered = true
		if saveErr := e.store.SaveFailedTransaction(failedTx); saveErr != nil {
			return nil, fmt.Errorf("swap succeeded but persistence failed twice: %v, %v", err, saveErr)
		}
		return &Outcome{State: SettledShort, FailedTxId: failedTx.Id}, nil
	}

	return &Outcome{State: Settled, Proofs: proofs}, nil
}

func (e *SwapEngine) saveProofs(storeId, mintURL string, proofs cashu.Proofs) error {
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

func (e *SwapEngine) newFailedTransaction(storeId, invoiceId, mintURL string,
	inputs cashu.Proofs, outputs []cashu.OutputData, details string) storage.FailedTransaction {
	return storage.FailedTransaction{
		Id:          uuid.NewString(),
		InvoiceId:   invoiceId,
		StoreId:     storeId,
		MintURL:     mintURL,
		Unit:        cashu.Sat.String(),
		InputProofs: inputs,
		InputAmount: inputs.Amount(),
		Operation:   storage.SwapOperation,
		OutputData:  outputs,
		Details:     details,
		CreatedAt:   time.Now(),
	}
}
