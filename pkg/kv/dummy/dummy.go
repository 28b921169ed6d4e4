// Package dummy implements an in-memory kv.Store, used by tests and local
// bring-up. It mirrors the original DummyStore: no real concurrency control,
// commit always succeeds, nothing is ever retried.
package dummy

import (
	"context"
	"sync"

	"github.com/jacquard/jacquard/pkg/kv"
)

// Store is a trivial in-memory kv.Store. The zero value is ready to use.
type Store struct {
	mu   sync.Mutex
	data map[string][]byte
}

// New creates a Store, optionally pre-populated with raw JSON bytes keyed by
// logical key.
func New(initial map[string][]byte) *Store {
	data := make(map[string][]byte, len(initial))
	for k, v := range initial {
		data[k] = append([]byte(nil), v...)
	}
	return &Store{data: data}
}

func (s *Store) Begin(ctx context.Context) (kv.Tx, error) {
	return &tx{store: s, readOnly: false}, nil
}

func (s *Store) BeginReadOnly(ctx context.Context) (kv.Tx, error) {
	return &tx{store: s, readOnly: true}, nil
}

type tx struct {
	store    *Store
	readOnly bool
}

func (t *tx) Get(ctx context.Context, key string) ([]byte, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	value, ok := t.store.data[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (t *tx) Keys(ctx context.Context) ([]string, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	keys := make([]string, 0, len(t.store.data))
	for k := range t.store.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (t *tx) Commit(ctx context.Context, changes map[string][]byte, deletions map[string]struct{}) error {
	if t.readOnly {
		if len(changes) == 0 && len(deletions) == 0 {
			return nil
		}
		return &kv.ReadOnlyWriteError{Keys: collectKeys(changes, deletions)}
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if t.store.data == nil {
		t.store.data = make(map[string][]byte)
	}
	for k, v := range changes {
		t.store.data[k] = append([]byte(nil), v...)
	}
	for k := range deletions {
		delete(t.store.data, k)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	return nil
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
