package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/cashtill/cashtill/crypto"
	"github.com/cashtill/cashtill/storage"
	"github.com/sirupsen/logrus"
)

// KeysetRegistry owns the local mapping from keyset id to mint. Keysets are
// fetched once and cached indefinitely; a keyset id can never migrate to a
// different mint.
type KeysetRegistry struct {
	client MintAPI
	store  storage.Store
	logger *logrus.Logger
}

func NewKeysetRegistry(client MintAPI, store storage.Store, logger *logrus.Logger) *KeysetRegistry {
	return &KeysetRegistry{client: client, store: store, logger: logger}
}

// Resolve maps a keyset id to the mint that owns it.
func (r *KeysetRegistry) Resolve(keysetId string) (mintURL string, unit string, err error) {
	return r.store.ResolveKeyset(keysetId)
}

// GetKeyset returns the keyset, fetching it from its mint on first use.
// The mint URL must already be canonicalized.
func (r *KeysetRegistry) GetKeyset(ctx context.Context, mintURL, keysetId string) (*crypto.WalletKeyset, error) {
	keyset, err := r.store.GetKeyset(keysetId)
	if err == nil {
		return keyset, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return r.fetchKeyset(ctx, mintURL, keysetId)
}

func (r *KeysetRegistry) fetchKeyset(ctx context.Context, mintURL, keysetId string) (*crypto.WalletKeyset, error) {
	keysRes, err := r.client.GetKeysetById(ctx, mintURL, keysetId)
	if err != nil {
		return nil, err
	}
	if len(keysRes.Keysets) == 0 {
		return nil, validationErrorf("mint '%v' does not know keyset '%v'", mintURL, keysetId)
	}

	keysetsRes, err := r.client.GetKeysets(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	active := false
	inputFeePpk := uint(0)
	for _, keysetInfo := range keysetsRes.Keysets {
		if keysetInfo.Id == keysetId {
			active = keysetInfo.Active
			inputFeePpk = keysetInfo.InputFeePpk
			break
		}
	}

	keys := keysRes.Keysets[0]
	publicKeys, err := crypto.MapPubKeys(keys.Keys)
	if err != nil {
		return nil, fmt.Errorf("mint returned invalid keys: %v", err)
	}

	keyset := &crypto.WalletKeyset{
		Id:          keys.Id,
		MintURL:     mintURL,
		Unit:        keys.Unit,
		Active:      active,
		PublicKeys:  publicKeys,
		InputFeePpk: inputFeePpk,
	}
	if err := r.register(keyset); err != nil {
		return nil, err
	}
	// the stored keyset is authoritative; a concurrent fetch may have won
	// the insert and PutKeyset verified ours matches it
	return r.store.GetKeyset(keysetId)
}

// register persists the keyset. The store's insert-if-absent makes the
// loser of a cross-mint race fail hard instead of overwriting.
func (r *KeysetRegistry) register(keyset *crypto.WalletKeyset) error {
	if err := r.store.PutKeyset(keyset); err != nil {
		if errors.Is(err, storage.ErrKeysetConflict) {
			r.logger.WithFields(logrus.Fields{
				"keysetId": keyset.Id,
				"mint":     keyset.MintURL,
			}).Error("keyset id collision across mints")
			return &IntegrityConflictError{Detail: err.Error()}
		}
		return err
	}
	return nil
}

// ActiveKeyset returns the mint's active sat keyset, the one new outputs
// are derived against.
func (r *KeysetRegistry) ActiveKeyset(ctx context.Context, mintURL string) (*crypto.WalletKeyset, error) {
	keysetsRes, err := r.client.GetKeysets(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	for _, keysetInfo := range keysetsRes.Keysets {
		if keysetInfo.Active && keysetInfo.Unit == "sat" {
			return r.GetKeyset(ctx, mintURL, keysetInfo.Id)
		}
	}
	return nil, validationErrorf("mint '%v' has no active sat keyset", mintURL)
}

// ValidateOwnership fails when any keyset id already belongs to a mint
// other than the claimed one. Called before committing a swap or melt so
// that a stolen keyset id is caught before proofs are spent.
func (r *KeysetRegistry) ValidateOwnership(ctx context.Context, mintURL string, keysetIds []string) error {
	for _, keysetId := range keysetIds {
		ownerURL, _, err := r.store.ResolveKeyset(keysetId)
		if errors.Is(err, storage.ErrNotFound) {
			if _, err := r.GetKeyset(ctx, mintURL, keysetId); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if ownerURL != mintURL {
			r.logger.WithFields(logrus.Fields{
				"keysetId": keysetId,
				"claimed":  mintURL,
				"owner":    ownerURL,
			}).Error("token claims keyset owned by a different mint")
			return &IntegrityConflictError{
				Detail: fmt.Sprintf("keyset '%v' belongs to '%v', not '%v'", keysetId, ownerURL, mintURL),
			}
		}
	}
	return nil
}

// FeePpk builds the fee lookup for the given keyset ids, fetching any
// keysets not seen before.
func (r *KeysetRegistry) FeePpk(ctx context.Context, mintURL string, keysetIds []string) (map[string]uint, error) {
	feePpk := make(map[string]uint, len(keysetIds))
	for _, keysetId := range keysetIds {
		keyset, err := r.GetKeyset(ctx, mintURL, keysetId)
		if err != nil {
			return nil, err
		}
		feePpk[keysetId] = keyset.InputFeePpk
	}
	return feePpk, nil
}
