package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"time"

	"github.com/cashtill/cashtill/crypto"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	bolt "go.etcd.io/bbolt"
)

const (
	proofsBucket         = "proofs"
	keysetsBucket        = "keysets"
	countersBucket       = "counters"
	failedTxBucket       = "failed_transactions"
	exportedTokensBucket = "exported_tokens"
	seedBucket           = "seed"

	mnemonicKey     = "mnemonic"
	seedKey         = "seed"
	seedVerifiedKey = "verified"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "cashtill.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initBuckets(); err != nil {
		return nil, fmt.Errorf("error setting up db: %v", err)
	}
	return boltdb, nil
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) initBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			proofsBucket,
			keysetsBucket,
			countersBucket,
			failedTxBucket,
			exportedTokensBucket,
			seedBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveProofs(proofs []StoredProof) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, proof := range proofs {
			key := []byte(proof.Secret)
			if proofsb.Get(key) != nil {
				return fmt.Errorf("%w: %v", ErrDuplicateSecret, proof.Secret)
			}
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := proofsb.Put(key, jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetProofs(storeId string, state ProofState) ([]StoredProof, error) {
	proofs := []StoredProof{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		return proofsb.ForEach(func(k, v []byte) error {
			var proof StoredProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return fmt.Errorf("invalid proof found in db: %v", err)
			}
			if proof.StoreId == storeId && proof.State == state {
				proofs = append(proofs, proof)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

func (db *BoltDB) GetProofsByKeysetId(keysetId string) ([]StoredProof, error) {
	proofs := []StoredProof{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		return proofsb.ForEach(func(k, v []byte) error {
			var proof StoredProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return fmt.Errorf("invalid proof found in db: %v", err)
			}
			if proof.Id == keysetId {
				proofs = append(proofs, proof)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return proofs, nil
}

func (db *BoltDB) UpdateProofsState(secrets []string, state ProofState) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, secret := range secrets {
			val := proofsb.Get([]byte(secret))
			if val == nil {
				return fmt.Errorf("%w: proof '%v'", ErrNotFound, secret)
			}
			var proof StoredProof
			if err := json.Unmarshal(val, &proof); err != nil {
				return fmt.Errorf("invalid proof found in db: %v", err)
			}
			proof.State = state
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return err
			}
			if err := proofsb.Put([]byte(secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) DeleteProof(secret string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		if proofsb.Get([]byte(secret)) == nil {
			return fmt.Errorf("%w: proof '%v'", ErrNotFound, secret)
		}
		return proofsb.Delete([]byte(secret))
	})
}

// storedKeyset is the serialized form of a wallet keyset, with public keys
// hex encoded.
type storedKeyset struct {
	Id          string            `json:"id"`
	MintURL     string            `json:"mintUrl"`
	Unit        string            `json:"unit"`
	Active      bool              `json:"active"`
	PublicKeys  map[uint64]string `json:"publicKeys"`
	InputFeePpk uint              `json:"inputFeePpk"`
}

func toStoredKeyset(keyset *crypto.WalletKeyset) storedKeyset {
	publicKeys := make(map[uint64]string, len(keyset.PublicKeys))
	for amount, pubkey := range keyset.PublicKeys {
		publicKeys[amount] = hex.EncodeToString(pubkey.SerializeCompressed())
	}
	return storedKeyset{
		Id:          keyset.Id,
		MintURL:     keyset.MintURL,
		Unit:        keyset.Unit,
		Active:      keyset.Active,
		PublicKeys:  publicKeys,
		InputFeePpk: keyset.InputFeePpk,
	}
}

func (sk storedKeyset) walletKeyset() (*crypto.WalletKeyset, error) {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(sk.PublicKeys))
	for amount, pubkeyHex := range sk.PublicKeys {
		pubkeyBytes, err := hex.DecodeString(pubkeyHex)
		if err != nil {
			return nil, err
		}
		pubkey, err := secp256k1.ParsePubKey(pubkeyBytes)
		if err != nil {
			return nil, err
		}
		publicKeys[amount] = pubkey
	}
	return &crypto.WalletKeyset{
		Id:          sk.Id,
		MintURL:     sk.MintURL,
		Unit:        sk.Unit,
		Active:      sk.Active,
		PublicKeys:  publicKeys,
		InputFeePpk: sk.InputFeePpk,
	}, nil
}

func (db *BoltDB) PutKeyset(keyset *crypto.WalletKeyset) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))

		if val := keysetsb.Get([]byte(keyset.Id)); val != nil {
			var existing storedKeyset
			if err := json.Unmarshal(val, &existing); err != nil {
				return fmt.Errorf("invalid keyset found in db: %v", err)
			}
			if existing.MintURL != keyset.MintURL {
				return fmt.Errorf("%w: id '%v' belongs to '%v'",
					ErrKeysetConflict, keyset.Id, existing.MintURL)
			}
			// a keyset is immutable under its id; a mint presenting
			// different keys or fee for a known id fails hard
			incoming := toStoredKeyset(keyset)
			if !maps.Equal(existing.PublicKeys, incoming.PublicKeys) ||
				existing.InputFeePpk != incoming.InputFeePpk {
				return fmt.Errorf("%w: keys for id '%v' changed", ErrKeysetConflict, keyset.Id)
			}
			return nil
		}

		jsonKeyset, err := json.Marshal(toStoredKeyset(keyset))
		if err != nil {
			return err
		}
		return keysetsb.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeyset(keysetId string) (*crypto.WalletKeyset, error) {
	var stored storedKeyset
	err := db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		val := keysetsb.Get([]byte(keysetId))
		if val == nil {
			return fmt.Errorf("%w: keyset '%v'", ErrNotFound, keysetId)
		}
		return json.Unmarshal(val, &stored)
	})
	if err != nil {
		return nil, err
	}
	return stored.walletKeyset()
}

func (db *BoltDB) ResolveKeyset(keysetId string) (string, string, error) {
	var stored storedKeyset
	err := db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		val := keysetsb.Get([]byte(keysetId))
		if val == nil {
			return fmt.Errorf("%w: keyset '%v'", ErrNotFound, keysetId)
		}
		return json.Unmarshal(val, &stored)
	})
	if err != nil {
		return "", "", err
	}
	return stored.MintURL, stored.Unit, nil
}

func (db *BoltDB) GetMintKeysets(mintURL string) ([]crypto.WalletKeyset, error) {
	keysets := []crypto.WalletKeyset{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.ForEach(func(k, v []byte) error {
			var stored storedKeyset
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("invalid keyset found in db: %v", err)
			}
			if stored.MintURL != mintURL {
				return nil
			}
			keyset, err := stored.walletKeyset()
			if err != nil {
				return err
			}
			keysets = append(keysets, *keyset)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keysets, nil
}

func counterKey(storeId, keysetId string) []byte {
	return []byte(storeId + "/" + keysetId)
}

func (db *BoltDB) ReserveCounter(storeId, keysetId string, n uint32) (uint32, error) {
	var start uint32
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		countersb := tx.Bucket([]byte(countersBucket))
		key := counterKey(storeId, keysetId)

		var current uint32 = 0
		if val := countersb.Get(key); val != nil {
			current = binary.BigEndian.Uint32(val)
		}
		start = current

		next := make([]byte, 4)
		binary.BigEndian.PutUint32(next, current+n)
		return countersb.Put(key, next)
	})
	if err != nil {
		return 0, err
	}
	return start, nil
}

func (db *BoltDB) GetCounter(storeId, keysetId string) (uint32, error) {
	var counter uint32 = 0
	err := db.bolt.View(func(tx *bolt.Tx) error {
		countersb := tx.Bucket([]byte(countersBucket))
		if val := countersb.Get(counterKey(storeId, keysetId)); val != nil {
			counter = binary.BigEndian.Uint32(val)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return counter, nil
}

// GetCounters returns every counter of the store keyed by keyset id.
func (db *BoltDB) GetCounters(storeId string) (map[string]uint32, error) {
	counters := make(map[string]uint32)
	prefix := []byte(storeId + "/")
	err := db.bolt.View(func(tx *bolt.Tx) error {
		countersb := tx.Bucket([]byte(countersBucket))
		cursor := countersb.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			counters[string(k[len(prefix):])] = binary.BigEndian.Uint32(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counters, nil
}

func (db *BoltDB) SetCounter(storeId, keysetId string, value uint32) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		countersb := tx.Bucket([]byte(countersBucket))
		val := make([]byte, 4)
		binary.BigEndian.PutUint32(val, value)
		return countersb.Put(counterKey(storeId, keysetId), val)
	})
}

func (db *BoltDB) SaveFailedTransaction(failedTx FailedTransaction) error {
	if failedTx.Id == "" {
		return errors.New("failed transaction missing id")
	}
	if failedTx.CreatedAt.IsZero() {
		failedTx.CreatedAt = time.Now()
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		failedb := tx.Bucket([]byte(failedTxBucket))
		jsonTx, err := json.Marshal(failedTx)
		if err != nil {
			return err
		}
		return failedb.Put([]byte(failedTx.Id), jsonTx)
	})
}

func (db *BoltDB) UpdateFailedTransaction(failedTx FailedTransaction) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		failedb := tx.Bucket([]byte(failedTxBucket))
		if failedb.Get([]byte(failedTx.Id)) == nil {
			return fmt.Errorf("%w: failed transaction '%v'", ErrNotFound, failedTx.Id)
		}
		jsonTx, err := json.Marshal(failedTx)
		if err != nil {
			return err
		}
		return failedb.Put([]byte(failedTx.Id), jsonTx)
	})
}

func (db *BoltDB) GetUnresolvedTransactions() ([]FailedTransaction, error) {
	failedTxs := []FailedTransaction{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		failedb := tx.Bucket([]byte(failedTxBucket))
		return failedb.ForEach(func(k, v []byte) error {
			var failedTx FailedTransaction
			if err := json.Unmarshal(v, &failedTx); err != nil {
				return fmt.Errorf("invalid failed transaction found in db: %v", err)
			}
			if !failedTx.Resolved {
				failedTxs = append(failedTxs, failedTx)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return failedTxs, nil
}

// ResolveFailedTransaction flips the record to resolved. The check and the
// write happen in one transaction, so of any number of concurrent callers
// exactly one observes true.
func (db *BoltDB) ResolveFailedTransaction(id string) (bool, error) {
	resolvedNow := false
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		failedb := tx.Bucket([]byte(failedTxBucket))
		val := failedb.Get([]byte(id))
		if val == nil {
			return fmt.Errorf("%w: failed transaction '%v'", ErrNotFound, id)
		}
		var failedTx FailedTransaction
		if err := json.Unmarshal(val, &failedTx); err != nil {
			return fmt.Errorf("invalid failed transaction found in db: %v", err)
		}
		if failedTx.Resolved {
			return nil
		}
		failedTx.Resolved = true
		jsonTx, err := json.Marshal(failedTx)
		if err != nil {
			return err
		}
		if err := failedb.Put([]byte(id), jsonTx); err != nil {
			return err
		}
		resolvedNow = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return resolvedNow, nil
}

func (db *BoltDB) SaveExportedToken(token ExportedToken) error {
	if token.Id == "" {
		return errors.New("exported token missing id")
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		exportedb := tx.Bucket([]byte(exportedTokensBucket))
		jsonToken, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return exportedb.Put([]byte(token.Id), jsonToken)
	})
}

func (db *BoltDB) GetExportedTokens(includeUsed bool) ([]ExportedToken, error) {
	tokens := []ExportedToken{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		exportedb := tx.Bucket([]byte(exportedTokensBucket))
		return exportedb.ForEach(func(k, v []byte) error {
			var token ExportedToken
			if err := json.Unmarshal(v, &token); err != nil {
				return fmt.Errorf("invalid exported token found in db: %v", err)
			}
			if includeUsed || !token.Used {
				tokens = append(tokens, token)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (db *BoltDB) MarkExportedTokenUsed(id string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		exportedb := tx.Bucket([]byte(exportedTokensBucket))
		val := exportedb.Get([]byte(id))
		if val == nil {
			return fmt.Errorf("%w: exported token '%v'", ErrNotFound, id)
		}
		var token ExportedToken
		if err := json.Unmarshal(val, &token); err != nil {
			return fmt.Errorf("invalid exported token found in db: %v", err)
		}
		token.Used = true
		jsonToken, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return exportedb.Put([]byte(id), jsonToken)
	})
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		if err := seedb.Put([]byte(mnemonicKey), []byte(mnemonic)); err != nil {
			return err
		}
		return seedb.Put([]byte(seedKey), seed)
	})
}

func (db *BoltDB) GetSeed() ([]byte, error) {
	var seed []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		val := seedb.Get([]byte(seedKey))
		if val == nil {
			return fmt.Errorf("%w: seed", ErrNotFound)
		}
		seed = bytes.Clone(val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seed, nil
}

func (db *BoltDB) GetMnemonic() (string, error) {
	var mnemonic string
	err := db.bolt.View(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		val := seedb.Get([]byte(mnemonicKey))
		if val == nil {
			return fmt.Errorf("%w: mnemonic", ErrNotFound)
		}
		mnemonic = string(val)
		return nil
	})
	if err != nil {
		return "", err
	}
	return mnemonic, nil
}

func (db *BoltDB) SetSeedVerified(verified bool) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		val := []byte{0}
		if verified {
			val = []byte{1}
		}
		return seedb.Put([]byte(seedVerifiedKey), val)
	})
}

func (db *BoltDB) IsSeedVerified() (bool, error) {
	verified := false
	err := db.bolt.View(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		val := seedb.Get([]byte(seedVerifiedKey))
		verified = len(val) == 1 && val[0] == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return verified, nil
}
