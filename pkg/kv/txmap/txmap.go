// Package txmap gives callers a mutable, JSON-codec'd view over a single
// kv.Tx: a write-through cache of decoded values plus the scoped-transaction
// helper that enforces spec 4.1's commit rules.
package txmap

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/log"
)

var logger = log.WithComponent("txmap")

// cacheEntry distinguishes "not yet read" from "read/written and found to be
// absent", so a second Get of a missing key keeps reporting kv.ErrNotFound
// instead of quietly returning the zero value.
type cacheEntry struct {
	value   json.RawMessage
	present bool
}

// Map is a mutable mapping view over one kv.Tx. Values are staged as raw
// JSON; Get/Set decode/encode through the canonical encoding/json codec.
type Map struct {
	tx        kv.Tx
	storeKeys []string
	keysRead  bool

	cache     map[string]cacheEntry
	changes   map[string][]byte
	deletions map[string]struct{}
}

// New wraps tx for mutable access within the lifetime of that transaction.
func New(tx kv.Tx) *Map {
	return &Map{
		tx:        tx,
		cache:     make(map[string]cacheEntry),
		changes:   make(map[string][]byte),
		deletions: make(map[string]struct{}),
	}
}

// Get decodes the value stored at key into out (a pointer). It returns
// kv.ErrNotFound if the key has no value, whether that absence was observed
// from the backend or recorded by a Delete earlier in this transaction.
func (m *Map) Get(ctx context.Context, key string, out interface{}) error {
	if entry, ok := m.cache[key]; ok {
		if !entry.present {
			return kv.ErrNotFound
		}
		return json.Unmarshal(entry.value, out)
	}

	raw, err := m.tx.Get(ctx, key)
	if err == kv.ErrNotFound {
		m.cache[key] = cacheEntry{present: false}
		return kv.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("txmap: get %q: %w", key, err)
	}

	m.cache[key] = cacheEntry{value: json.RawMessage(raw), present: true}
	return json.Unmarshal(raw, out)
}

// Set stages value (marshalled to canonical JSON) to be written at key on
// flush/commit, discarding any pending deletion of that key.
func (m *Map) Set(key string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("txmap: encode %q: %w", key, err)
	}

	m.cache[key] = cacheEntry{value: json.RawMessage(encoded), present: true}
	m.changes[key] = encoded
	delete(m.deletions, key)
	return nil
}

// Delete marks key for removal on flush/commit. It returns kv.ErrNotFound if
// the key has no current value in this transaction's view — deleting an
// absent key is a caller error, not a silent success (spec 4.2, and the
// "open question" the spec resolves explicitly in that direction).
func (m *Map) Delete(ctx context.Context, key string) error {
	var probe json.RawMessage
	if err := m.Get(ctx, key, &probe); err != nil {
		return err
	}

	delete(m.changes, key)
	m.deletions[key] = struct{}{}
	m.cache[key] = cacheEntry{present: false}
	return nil
}

// Keys returns the union of (backend keys - deletions) and changes, sorted.
func (m *Map) Keys(ctx context.Context) ([]string, error) {
	if !m.keysRead {
		storeKeys, err := m.tx.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("txmap: list keys: %w", err)
		}
		m.storeKeys = storeKeys
		m.keysRead = true
	}

	seen := make(map[string]struct{}, len(m.storeKeys)+len(m.changes))
	for _, key := range m.storeKeys {
		if _, deleted := m.deletions[key]; deleted {
			continue
		}
		seen[key] = struct{}{}
	}
	for key := range m.changes {
		seen[key] = struct{}{}
	}

	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result, nil
}

// Dirty reports whether this map has any staged change or deletion.
func (m *Map) Dirty() bool {
	return len(m.changes) > 0 || len(m.deletions) > 0
}

// Changes returns the staged writes, for Commit.
func (m *Map) Changes() map[string][]byte {
	return m.changes
}

// Deletions returns the staged deletions, for Commit.
func (m *Map) Deletions() map[string]struct{} {
	return m.deletions
}

// WithTransaction begins a transaction on store (read-only or read-write),
// wraps it in a *Map, and runs fn. On normal return it enforces the scoped
// transaction rules from spec 4.1:
//
//   - no staged writes: rollback, no commit is ever issued for an unmodified
//     transaction
//   - staged writes on a read-only transaction: Commit rejects them with a
//     *kv.ReadOnlyWriteError naming the offending keys
//   - staged writes on a read-write transaction: Commit is called
//
// On error (or panic) from fn, the transaction is rolled back and the error
// propagates (panics are re-raised after rollback).
func WithTransaction(ctx context.Context, store kv.Store, readOnly bool, fn func(ctx context.Context, m *Map) error) (err error) {
	var tx kv.Tx
	if readOnly {
		tx, err = store.BeginReadOnly(ctx)
	} else {
		tx, err = store.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("txmap: begin: %w", err)
	}

	m := New(tx)

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(ctx, m); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Warn().Err(rbErr).Msg("rollback after error failed")
		}
		return err
	}

	if !m.Dirty() {
		return tx.Rollback(ctx)
	}

	if commitErr := tx.Commit(ctx, m.Changes(), m.Deletions()); commitErr != nil {
		return commitErr
	}
	return nil
}
