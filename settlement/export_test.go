package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/crypto"
	"github.com/cashtill/cashtill/storage"
)

func newExporter(env *testEnv) *Exporter {
	swapEngine := NewSwapEngine(env.mint, env.registry, env.deriver, env.store, env.logger)
	return NewExporter(env.mint, swapEngine, env.registry, env.store, env.logger)
}

func saveAvailable(t *testing.T, env *testEnv, storeId string, proofs cashu.Proofs) {
	t.Helper()
	stored := make([]storage.StoredProof, len(proofs))
	for i, proof := range proofs {
		stored[i] = storage.StoredProof{
			Proof:   proof,
			StoreId: storeId,
			MintURL: env.mint.url,
			State:   storage.Available,
		}
	}
	if err := env.store.SaveProofs(stored); err != nil {
		t.Fatalf("unexpected error saving proofs: %v", err)
	}
}

func TestExportExactMatch(t *testing.T) {
	env := newTestEnv(t)
	exporter := newExporter(env)

	saveAvailable(t, env, "store1", env.mint.mintProofs(t, []uint64{32, 8, 2}))

	exported, err := exporter.ExportProofs(context.Background(), "store1", env.mint.url, 40)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exported.Amount != 40 {
		t.Fatalf("expected token amount 40 but got %v", exported.Amount)
	}

	token, err := cashu.DecodeToken(exported.Token)
	if err != nil {
		t.Fatalf("exported token does not decode: %v", err)
	}
	if token.Amount() != 40 {
		t.Fatalf("expected decoded amount 40 but got %v", token.Amount())
	}
	if token.Mint() != env.mint.url {
		t.Fatalf("expected mint '%v' but got '%v'", env.mint.url, token.Mint())
	}

	// the token's proofs are no longer spendable, the rest still are
	available, err := env.store.GetProofs("store1", storage.Available)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(available) != 1 || available[0].Amount != 2 {
		t.Fatalf("expected only the 2 sat proof left available, got %v proofs", len(available))
	}
}

func TestExportWithSwap(t *testing.T) {
	env := newTestEnv(t)
	exporter := newExporter(env)

	saveAvailable(t, env, "store1", env.mint.mintProofs(t, []uint64{32}))

	exported, err := exporter.ExportProofs(context.Background(), "store1", env.mint.url, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, err := cashu.DecodeToken(exported.Token)
	if err != nil {
		t.Fatalf("exported token does not decode: %v", err)
	}
	if token.Amount() != 5 {
		t.Fatalf("expected decoded amount 5 but got %v", token.Amount())
	}

	// 32 in, 5 exported, 1 keyset fee, the rest stays available
	available, err := env.store.GetProofs("store1", storage.Available)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var remaining uint64
	for _, proof := range available {
		remaining += proof.Amount
	}
	if remaining != 26 {
		t.Fatalf("expected 26 available after export but got %v", remaining)
	}
}

func TestExportInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	exporter := newExporter(env)

	saveAvailable(t, env, "store1", env.mint.mintProofs(t, []uint64{8, 2}))

	_, err := exporter.ExportProofs(context.Background(), "store1", env.mint.url, 100)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error but got %v", err)
	}
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t)
	exporter := newExporter(env)
	ctx := context.Background()

	saveAvailable(t, env, "store1", env.mint.mintProofs(t, []uint64{16, 4}))
	exported, err := exporter.ExportProofs(ctx, "store1", env.mint.url, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// nothing redeemed yet
	reconciled, err := exporter.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reconciled != 0 {
		t.Fatalf("expected 0 reconciled tokens but got %v", reconciled)
	}

	// the customer redeems the token at the mint
	for _, secret := range exported.Secrets {
		Y, err := crypto.HashToCurve([]byte(secret))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		env.mint.spent[hex.EncodeToString(Y.SerializeCompressed())] = true
	}

	reconciled, err = exporter.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reconciled != 1 {
		t.Fatalf("expected 1 reconciled token but got %v", reconciled)
	}

	tokens, err := env.store.GetExportedTokens(true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tokens) != 1 || !tokens[0].Used {
		t.Fatal("expected the exported token to be marked used")
	}
	outstanding, err := env.store.GetExportedTokens(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outstanding) != 0 {
		t.Fatalf("expected no outstanding tokens but got %v", len(outstanding))
	}
}
