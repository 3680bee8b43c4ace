package settlement

import (
	"context"
	"slices"
	"time"

	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/cashu/nuts/nut07"
	"github.com/cashtill/cashtill/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Exporter turns stored proofs back into bearer tokens for withdrawal and
// tracks them until the mint reports them spent.
type Exporter struct {
	client   MintAPI
	swap     *SwapEngine
	registry *KeysetRegistry
	store    storage.Store
	logger   *logrus.Logger
}

func NewExporter(client MintAPI, swap *SwapEngine, registry *KeysetRegistry,
	store storage.Store, logger *logrus.Logger) *Exporter {
	return &Exporter{
		client:   client,
		swap:     swap,
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

// ExportProofs serializes amount worth of the store's proofs at the given
// mint into a token. An exact denomination match avoids the mint entirely;
// otherwise the selected proofs are swapped into a split that carries the
// amount exactly, at the cost of the keyset fee. The token's proofs are
// marked Exported and are no longer spendable locally.
func (x *Exporter) ExportProofs(ctx context.Context, storeId, mintURL string, amount uint64) (*storage.ExportedToken, error) {
	if amount == 0 {
		return nil, validationErrorf("cannot export zero amount")
	}

	available, err := x.store.GetProofs(storeId, storage.Available)
	if err != nil {
		return nil, err
	}
	candidates := make([]storage.StoredProof, 0, len(available))
	for _, stored := range available {
		if stored.MintURL == mintURL {
			candidates = append(candidates, stored)
		}
	}

	// exact subset first, no fee and no mint round trip
	if subset := selectExact(candidates, amount); subset != nil {
		return x.buildToken(storeId, mintURL, subset, amount)
	}

	keyset, err := x.registry.ActiveKeyset(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	feePpk := map[string]uint{}
	for _, stored := range candidates {
		if _, ok := feePpk[stored.Id]; !ok {
			cached, err := x.registry.GetKeyset(ctx, mintURL, stored.Id)
			if err != nil {
				return nil, err
			}
			feePpk[stored.Id] = cached.InputFeePpk
		}
	}

	selected, fee, err := selectForSwap(candidates, amount, feePpk)
	if err != nil {
		return nil, err
	}

	selectedProofs := make(cashu.Proofs, len(selected))
	var total uint64
	for i, stored := range selected {
		selectedProofs[i] = stored.Proof
		total += stored.Amount
	}

	sendAmounts, err := cashu.SplitToDenominations(amount, keyset.Denominations())
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	targetAmounts := append(sendAmounts, cashu.AmountSplit(total-fee-amount)...)

	outcome, err := x.swap.Swap(ctx, storeId, "", mintURL, selectedProofs, targetAmounts, keyset.Id)
	if err != nil {
		return nil, err
	}
	if outcome.State != Settled {
		return nil, validationErrorf("swap for export did not settle cleanly, see recovery record '%v'", outcome.FailedTxId)
	}

	// consumed originals are gone for good
	for _, stored := range selected {
		if err := x.store.DeleteProof(stored.Secret); err != nil {
			x.logger.Warnf("error deleting swapped proof: %v", err)
		}
	}

	tokenProofs := pickByAmounts(outcome.Proofs, sendAmounts)
	if tokenProofs == nil {
		return nil, validationErrorf("swap returned proofs that cannot carry %v exactly", amount)
	}
	stored := make([]storage.StoredProof, len(tokenProofs))
	for i, proof := range tokenProofs {
		stored[i] = storage.StoredProof{Proof: proof, StoreId: storeId, MintURL: mintURL}
	}
	return x.buildToken(storeId, mintURL, stored, amount)
}

func (x *Exporter) buildToken(storeId, mintURL string, selected []storage.StoredProof, amount uint64) (*storage.ExportedToken, error) {
	proofs := make(cashu.Proofs, len(selected))
	secrets := make([]string, len(selected))
	for i, stored := range selected {
		proofs[i] = stored.Proof
		secrets[i] = stored.Secret
	}

	token, err := cashu.NewTokenV4(proofs, mintURL, cashu.Sat)
	if err != nil {
		return nil, err
	}
	serialized, err := token.Serialize()
	if err != nil {
		return nil, err
	}

	if err := x.store.UpdateProofsState(secrets, storage.Exported); err != nil {
		return nil, err
	}

	exported := storage.ExportedToken{
		Id:        uuid.NewString(),
		StoreId:   storeId,
		MintURL:   mintURL,
		Token:     serialized,
		Amount:    amount,
		Secrets:   secrets,
		CreatedAt: time.Now(),
	}
	if err := x.store.SaveExportedToken(exported); err != nil {
		return nil, err
	}

	x.logger.WithFields(logrus.Fields{
		"tokenId": exported.Id,
		"mint":    mintURL,
		"amount":  amount,
	}).Info("exported token")
	return &exported, nil
}

// Reconcile checks outstanding exported tokens against their mints and
// marks the fully redeemed ones used.
func (x *Exporter) Reconcile(ctx context.Context) (int, error) {
	tokens, err := x.store.GetExportedTokens(false)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, token := range tokens {
		if ctx.Err() != nil {
			return reconciled, ctx.Err()
		}

		Ys := make([]string, len(token.Secrets))
		for i, secret := range token.Secrets {
			Y, err := proofYs(cashu.Proofs{{Secret: secret}})
			if err != nil {
				return reconciled, err
			}
			Ys[i] = Y[0]
		}

		statesRes, err := x.client.CheckProofStates(ctx, token.MintURL, nut07.PostCheckStateRequest{Ys: Ys})
		if err != nil {
			x.logger.WithField("tokenId", token.Id).
				Warnf("error checking exported token state: %v", err)
			continue
		}

		allSpent := len(statesRes.States) > 0
		for _, proofState := range statesRes.States {
			if proofState.State != nut07.Spent {
				allSpent = false
				break
			}
		}
		if !allSpent {
			continue
		}

		if err := x.store.MarkExportedTokenUsed(token.Id); err != nil {
			return reconciled, err
		}
		if err := x.store.UpdateProofsState(token.Secrets, storage.Spent); err != nil {
			return reconciled, err
		}
		reconciled++
		x.logger.WithFields(logrus.Fields{
			"tokenId": token.Id,
			"amount":  token.Amount,
		}).Info("exported token redeemed")
	}
	return reconciled, nil
}

// selectExact finds a subset of the candidates summing to exactly amount,
// largest denominations first. Returns nil when no exact cover exists.
func selectExact(candidates []storage.StoredProof, amount uint64) []storage.StoredProof {
	sorted := make([]storage.StoredProof, len(candidates))
	copy(sorted, candidates)
	slices.SortFunc(sorted, func(a, b storage.StoredProof) int {
		if a.Amount > b.Amount {
			return -1
		}
		if a.Amount < b.Amount {
			return 1
		}
		return 0
	})

	selected := make([]storage.StoredProof, 0)
	remaining := amount
	for _, stored := range sorted {
		if stored.Amount <= remaining {
			selected = append(selected, stored)
			remaining -= stored.Amount
		}
	}
	if remaining != 0 {
		return nil
	}
	return selected
}

// selectForSwap picks proofs covering amount plus the swap fee they incur.
// Adding a proof can raise the fee, so selection loops until the total
// covers both.
func selectForSwap(candidates []storage.StoredProof, amount uint64, feePpk map[string]uint) ([]storage.StoredProof, uint64, error) {
	sorted := make([]storage.StoredProof, len(candidates))
	copy(sorted, candidates)
	slices.SortFunc(sorted, func(a, b storage.StoredProof) int {
		if a.Amount > b.Amount {
			return -1
		}
		if a.Amount < b.Amount {
			return 1
		}
		return 0
	})

	selected := make([]storage.StoredProof, 0)
	selectedProofs := make(cashu.Proofs, 0)
	var total uint64
	for _, stored := range sorted {
		selected = append(selected, stored)
		selectedProofs = append(selectedProofs, stored.Proof)
		total += stored.Amount

		fee, err := cashu.ComputeFee(selectedProofs, feePpk)
		if err != nil {
			return nil, 0, &ValidationError{Reason: err.Error()}
		}
		if total >= amount+fee {
			return selected, fee, nil
		}
	}
	return nil, 0, validationErrorf("insufficient balance to export %v", amount)
}

// pickByAmounts extracts one proof per requested amount. Returns nil if the
// proofs cannot satisfy the multiset.
func pickByAmounts(proofs cashu.Proofs, amounts []uint64) cashu.Proofs {
	remaining := make(cashu.Proofs, len(proofs))
	copy(remaining, proofs)

	picked := make(cashu.Proofs, 0, len(amounts))
	for _, amount := range amounts {
		found := -1
		for i, proof := range remaining {
			if proof.Amount == amount {
				found = i
				break
			}
		}
		if found == -1 {
			return nil
		}
		picked = append(picked, remaining[found])
		remaining = append(remaining[:found], remaining[found+1:]...)
	}
	return picked
}
