package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/beaconhq/event-pipeline/internal/domain"
)

const boltFileName = "pending.db"

var bucketBatches = []byte("batches")

// BoltStore is the embedded, single-file Store backend.
//
// bbolt is the default because it is pure Go (no external process), ACID per
// transaction — which gives the crash-atomicity the Store contract demands —
// and a single file under the configured data directory.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the store file under dir.
func OpenBolt(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("bolt store: create dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, boltFileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("bolt store: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBatches)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt store: init bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Append(_ context.Context, b *domain.Batch) error {
	val, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("bolt store: marshal batch %s: %w", b.ID, err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBatches).Put([]byte(b.ID), val)
	}); err != nil {
		return fmt.Errorf("bolt store: put batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *BoltStore) LoadAll(_ context.Context) ([]*domain.Batch, error) {
	var batches []*domain.Batch
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBatches).ForEach(func(k, v []byte) error {
			var b domain.Batch
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("unmarshal batch %s: %w", string(k), err)
			}
			batches = append(batches, &b)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt store: load all: %w", err)
	}
	return batches, nil
}

func (s *BoltStore) Remove(_ context.Context, batchID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketBatches)
		if bkt.Get([]byte(batchID)) == nil {
			return ErrNotFound
		}
		return bkt.Delete([]byte(batchID))
	})
	if err != nil {
		return err
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// compile-time check that BoltStore implements Store
var _ Store = (*BoltStore)(nil)
