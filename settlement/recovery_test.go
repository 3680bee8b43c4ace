package settlement

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/cashu/nuts/nut13"
	"github.com/cashtill/cashtill/storage"
)

func TestRecoverPaidMelt(t *testing.T) {
	env := newTestEnv(t)
	engine := NewMeltEngine(env.mint, env.node, env.registry, env.deriver, env.store, env.logger)
	coordinator := NewRecoveryCoordinator(env.mint, env.node, env.registry, env.store, env.sink, env.logger)
	ctx := context.Background()

	maxQuote, err := engine.CreateMaxMeltQuote(ctx, env.mint.url, 100, 1000, 1)
	if err != nil {
		t.Fatalf("unexpected error creating quote: %v", err)
	}

	env.mint.meltErrButPaid = true
	inputs := env.mint.mintProofs(t, []uint64{64, 32, 4})
	outcome, err := engine.Melt(ctx, "store1", "invoice1", env.mint.url, maxQuote, inputs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.State != Indeterminate {
		t.Fatalf("expected outcome '%v' but got '%v'", Indeterminate, outcome.State)
	}

	if err := coordinator.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the record resolved and the payment registered exactly once
	failedTxs, err := env.store.GetUnresolvedTransactions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failedTxs) != 0 {
		t.Fatalf("expected no unresolved records but got %v", len(failedTxs))
	}
	payments := env.sink.registered()
	if len(payments) != 1 {
		t.Fatalf("expected 1 registered payment but got %v", len(payments))
	}
	if payments[0].invoiceId != "invoice1" || payments[0].amount != inputs.Amount() {
		t.Fatalf("expected payment of %v for 'invoice1' but got %v for '%v'",
			inputs.Amount(), payments[0].amount, payments[0].invoiceId)
	}

	// the overpaid reserve was recovered as change
	stored, err := env.store.GetProofs("store1", storage.Available)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var changeAmount uint64
	for _, proof := range stored {
		changeAmount += proof.Amount
	}
	if expected := env.mint.feeReserve - env.mint.actualFee; changeAmount != expected {
		t.Fatalf("expected recovered change of %v but got %v", expected, changeAmount)
	}

	// a second run must not register the payment again
	if err := coordinator.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payments := env.sink.registered(); len(payments) != 1 {
		t.Fatalf("expected 1 registered payment after second run but got %v", len(payments))
	}
}

func TestRecoverSwapNeverHappened(t *testing.T) {
	env := newTestEnv(t)
	engine := NewSwapEngine(env.mint, env.registry, env.deriver, env.store, env.logger)
	coordinator := NewRecoveryCoordinator(env.mint, env.node, env.registry, env.store, env.sink, env.logger)
	ctx := context.Background()

	// the request never reached the mint, inputs stay unspent
	env.mint.swapErr = transportFault("swap")
	inputs := env.mint.mintProofs(t, []uint64{32, 8})
	outcome, err := engine.Receive(ctx, "store1", "invoice1", env.mint.url, inputs, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.State != Indeterminate {
		t.Fatalf("expected outcome '%v' but got '%v'", Indeterminate, outcome.State)
	}

	if err := coordinator.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failedTxs, err := env.store.GetUnresolvedTransactions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failedTxs) != 0 {
		t.Fatalf("expected no unresolved records but got %v", len(failedTxs))
	}
	// a swap that never took effect is not a payment
	if payments := env.sink.registered(); len(payments) != 0 {
		t.Fatalf("expected no registered payments but got %v", len(payments))
	}
}

func TestRecoverCompletedSwap(t *testing.T) {
	env := newTestEnv(t)
	engine := NewSwapEngine(env.mint, env.registry, env.deriver, env.store, env.logger)
	coordinator := NewRecoveryCoordinator(env.mint, env.node, env.registry, env.store, env.sink, env.logger)
	ctx := context.Background()

	// the mint processed the swap but the response was lost
	env.mint.swapErrAfterProcess = true
	inputs := env.mint.mintProofs(t, []uint64{32, 8})
	outcome, err := engine.Receive(ctx, "store1", "invoice1", env.mint.url, inputs, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.State != Indeterminate {
		t.Fatalf("expected outcome '%v' but got '%v'", Indeterminate, outcome.State)
	}

	if err := coordinator.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failedTxs, err := env.store.GetUnresolvedTransactions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failedTxs) != 0 {
		t.Fatalf("expected no unresolved records but got %v", len(failedTxs))
	}

	// the restored outputs became our proofs and the payment registered
	stored, err := env.store.GetProofs("store1", storage.Available)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var recovered uint64
	for _, proof := range stored {
		recovered += proof.Amount
	}
	if recovered != inputs.Amount() {
		t.Fatalf("expected recovered proofs for %v but got %v", inputs.Amount(), recovered)
	}
	payments := env.sink.registered()
	if len(payments) != 1 {
		t.Fatalf("expected 1 registered payment but got %v", len(payments))
	}
	if payments[0].amount != inputs.Amount() {
		t.Fatalf("expected registered amount %v but got %v", inputs.Amount(), payments[0].amount)
	}
}

func TestRecoverAlreadyCountedPayment(t *testing.T) {
	env := newTestEnv(t)
	orchestrator := newOrchestrator(env, defaultConfig(env, TrustedMintsOnly))
	coordinator := NewRecoveryCoordinator(env.mint, env.node, env.registry, env.store, env.sink, env.logger)
	ctx := context.Background()

	// occupy the first derived secret so that persisting the swapped proofs
	// fails after the mint has already consumed the inputs
	seed, err := env.store.GetSeed()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	keysetPath, err := nut13.DeriveKeysetPath(master, env.mint.keyset.Id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outputs, err := nut13.DeriveOutputs(keysetPath, 0, env.mint.keyset.Id, []uint64{1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = env.store.SaveProofs([]storage.StoredProof{{
		Proof:   cashu.Proof{Amount: 1, Id: env.mint.keyset.Id, Secret: outputs[0].Secret, C: "00"},
		StoreId: "store1",
		MintURL: env.mint.url,
		State:   storage.Available,
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tokenStr := serializeToken(t, env, []uint64{64, 32, 8})
	result, err := orchestrator.ProcessPayment(ctx, PaymentRequest{
		StoreId:   "store1",
		InvoiceId: "invoice1",
		Token:     tokenStr,
		AmountDue: 100,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome.State != SettledShort {
		t.Fatalf("expected outcome '%v' but got '%v'", SettledShort, result.Outcome.State)
	}
	if payments := env.sink.registered(); len(payments) != 1 {
		t.Fatalf("expected 1 registered payment but got %v", len(payments))
	}

	// recovery resolves the record, but the payment already counted when the
	// swap settled short
	if err := coordinator.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	failedTxs, err := env.store.GetUnresolvedTransactions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failedTxs) != 0 {
		t.Fatalf("expected no unresolved records but got %v", len(failedTxs))
	}
	if payments := env.sink.registered(); len(payments) != 1 {
		t.Fatalf("payment registered %v times, want exactly once", len(payments))
	}
}

func TestRecoverMintUnreachable(t *testing.T) {
	env := newTestEnv(t)
	engine := NewSwapEngine(env.mint, env.registry, env.deriver, env.store, env.logger)
	coordinator := NewRecoveryCoordinator(env.mint, env.node, env.registry, env.store, env.sink, env.logger)
	ctx := context.Background()

	env.mint.swapErr = transportFault("swap")
	inputs := env.mint.mintProofs(t, []uint64{16})
	if _, err := engine.Receive(ctx, "store1", "invoice1", env.mint.url, inputs, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// still unreachable when recovery polls
	env.mint.checkStatesErr = transportFault("checkstate")
	if err := coordinator.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failedTxs, err := env.store.GetUnresolvedTransactions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failedTxs) != 1 {
		t.Fatalf("expected record to stay unresolved but got %v records", len(failedTxs))
	}
	if failedTxs[0].RetryCount != 1 {
		t.Fatalf("expected retry count 1 but got %v", failedTxs[0].RetryCount)
	}
	if payments := env.sink.registered(); len(payments) != 0 {
		t.Fatalf("expected no registered payments but got %v", len(payments))
	}
}
