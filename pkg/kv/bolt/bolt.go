// Package bolt implements the single-file embedded kv.Store backend: a
// single bbolt bucket holding a two-column (key, value) table, modelled on
// the teacher's BoltStore in spirit (one bolt.DB, bucket-per-concern,
// explicit Update/View transactions) but collapsed to the one logical bucket
// Jacquard's flat key space needs.
package bolt

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/log"
	bolt "go.etcd.io/bbolt"
)

var logger = log.WithComponent("kv.bolt")

var dataBucket = []byte("jacquard")

// Store is a bbolt-backed kv.Store. bbolt serializes writers internally, so
// this backend never needs to signal kv.ErrRetry: by the time a write
// transaction begins, it already has exclusive access.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database file under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "jacquard.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv/bolt: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kv/bolt: create bucket: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("opened bolt store")
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Begin(ctx context.Context) (kv.Tx, error) {
	boltTx, err := s.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("kv/bolt: begin write: %w", err)
	}
	return &tx{boltTx: boltTx, readOnly: false}, nil
}

func (s *Store) BeginReadOnly(ctx context.Context) (kv.Tx, error) {
	boltTx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("kv/bolt: begin read: %w", err)
	}
	return &tx{boltTx: boltTx, readOnly: true}, nil
}

type tx struct {
	boltTx   *bolt.Tx
	readOnly bool
}

func (t *tx) Get(ctx context.Context, key string) ([]byte, error) {
	b := t.boltTx.Bucket(dataBucket)
	value := b.Get([]byte(key))
	if value == nil {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (t *tx) Keys(ctx context.Context) ([]string, error) {
	b := t.boltTx.Bucket(dataBucket)
	var keys []string
	err := b.ForEach(func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	return keys, err
}

func (t *tx) Commit(ctx context.Context, changes map[string][]byte, deletions map[string]struct{}) error {
	if t.readOnly {
		if len(changes) == 0 && len(deletions) == 0 {
			return t.boltTx.Rollback()
		}
		t.boltTx.Rollback()
		return &kv.ReadOnlyWriteError{Keys: collectKeys(changes, deletions)}
	}

	b := t.boltTx.Bucket(dataBucket)
	for k, v := range changes {
		if err := b.Put([]byte(k), v); err != nil {
			t.boltTx.Rollback()
			return fmt.Errorf("kv/bolt: put %q: %w", k, err)
		}
	}
	for k := range deletions {
		if err := b.Delete([]byte(k)); err != nil {
			t.boltTx.Rollback()
			return fmt.Errorf("kv/bolt: delete %q: %w", k, err)
		}
	}

	return t.boltTx.Commit()
}

func (t *tx) Rollback(ctx context.Context) error {
	return t.boltTx.Rollback()
}

func (t *tx) ReadOnly() bool {
	return t.readOnly
}

func collectKeys(changes map[string][]byte, deletions map[string]struct{}) []string {
	keys := make([]string, 0, len(changes)+len(deletions))
	for k := range changes {
		keys = append(keys, k)
	}
	for k := range deletions {
		keys = append(keys, k)
	}
	return keys
}
