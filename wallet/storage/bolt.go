package storage

import (
	"encoding/json"
	"errors"
	"path/filepath"

	"github.com/elnosh/paynode/paynet"
	bolt "go.etcd.io/bbolt"
)

const (
	keysetsBucket    = "keysets"
	proofsBucket     = "proofs"
	mintQuotesBucket = "mint_quotes"
)

var ErrQuoteNotFound = errors.New("quote not found")

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, nil)
	if err != nil {
		return nil, err
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, err
	}
	return boltdb, nil
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{keysetsBucket, proofsBucket, mintQuotesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveProofs(proofs paynet.Proofs) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, proof := range proofs {
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return err
			}
			if err := proofsb.Put([]byte(proof.Secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetProofs() paynet.Proofs {
	proofs := paynet.Proofs{}

	db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		return proofsb.ForEach(func(k, v []byte) error {
			var proof paynet.Proof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			proofs = append(proofs, proof)
			return nil
		})
	})

	return proofs
}

func (db *BoltDB) GetProofsByKeysetId(id string) paynet.Proofs {
	proofs := paynet.Proofs{}
	for _, proof := range db.GetProofs() {
		if proof.KeysetId == id {
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (db *BoltDB) DeleteProof(secret string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(proofsBucket)).Delete([]byte(secret))
	})
}

func (db *BoltDB) SaveKeyset(keyset WalletKeyset) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		jsonKeyset, err := json.Marshal(keyset)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(keysetsBucket)).Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() ([]WalletKeyset, error) {
	keysets := []WalletKeyset{}

	err := db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.ForEach(func(k, v []byte) error {
			var keyset WalletKeyset
			if err := json.Unmarshal(v, &keyset); err != nil {
				return err
			}
			keysets = append(keysets, keyset)
			return nil
		})
	})

	return keysets, err
}

func (db *BoltDB) SaveMintQuote(quote WalletMintQuote) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		jsonQuote, err := json.Marshal(quote)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(mintQuotesBucket)).Put([]byte(quote.Id), jsonQuote)
	})
}

func (db *BoltDB) GetMintQuote(id string) (WalletMintQuote, error) {
	var quote WalletMintQuote

	err := db.bolt.View(func(tx *bolt.Tx) error {
		jsonQuote := tx.Bucket([]byte(mintQuotesBucket)).Get([]byte(id))
		if jsonQuote == nil {
			return ErrQuoteNotFound
		}
		return json.Unmarshal(jsonQuote, &quote)
	})

	return quote, err
}

func (db *BoltDB) DeleteMintQuote(id string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(mintQuotesBucket)).Delete([]byte(id))
	})
}
