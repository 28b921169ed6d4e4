// Package kv defines the transactional key-value store abstraction that the
// rest of Jacquard is built on: a backend plug (Store), the scoped
// transaction lifecycle rules around it, and the error values a backend uses
// to signal optimistic-concurrency conflicts.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrRetry is returned by Tx.Commit when an optimistic-concurrency check
// detects a conflicting write since the transaction began. Callers should
// not attempt to interpret or recover partial state; the whole unit of work
// must be reissued, which is what pkg/retry does.
//
// A backend must never return ErrRetry from a read-only transaction's
// Commit: txmap.WithTransaction only commits a read-only transaction that
// staged writes, and that Commit rejects them with *ReadOnlyWriteError.
var ErrRetry = errors.New("kv: transaction conflict, retry")

// ErrNotFound is returned by Tx.Get, and by the transaction map's Delete,
// when the requested key has no value.
var ErrNotFound = errors.New("kv: key not found")

// ReadOnlyWriteError is returned by Commit when a read-only transaction
// accumulated writes. It names the offending keys so the caller (almost
// always a programming mistake) can be diagnosed without a debugger.
type ReadOnlyWriteError struct {
	Keys []string
}

func (e *ReadOnlyWriteError) Error() string {
	return fmt.Sprintf("kv: commit attempted on read-only transaction, modified keys: %v", e.Keys)
}

// Tx is a single begun transaction against a backend. All keys passed to and
// returned from a Tx are logical keys (e.g. "buckets/17"); any
// backend-idiomatic rewriting (slashes to colons, key prefixes) happens
// inside the backend and is never visible to callers.
type Tx interface {
	// Get returns the raw stored bytes for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Keys returns every logical key currently visible in this transaction's
	// view of the store, in no particular order (txmap.Map.Keys sorts).
	Keys(ctx context.Context) ([]string, error)

	// Commit applies changes (key -> new value) and deletions (set of keys)
	// atomically. A read-only transaction must reject any non-empty
	// changes/deletions with a *ReadOnlyWriteError. A read-write transaction
	// may fail with ErrRetry on a detected conflict; any other error is
	// fatal to the unit of work.
	Commit(ctx context.Context, changes map[string][]byte, deletions map[string]struct{}) error

	// Rollback discards the transaction. It is always safe to call,
	// including after a failed Commit.
	Rollback(ctx context.Context) error

	// ReadOnly reports whether this transaction was opened read-only.
	ReadOnly() bool
}

// Store is the capability a backend plug implements: the ability to begin
// read-write or read-only transactions. Concrete backends live under
// pkg/kv/{dummy,bolt,redis,clonedredis,raftkv}.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	BeginReadOnly(ctx context.Context) (Tx, error)
}

// Copy transfers every key from src to dst inside one transaction on each
// side. It is used by the administrative CLI to migrate between backends,
// e.g. dummy -> bolt during local bring-up.
func Copy(ctx context.Context, src, dst Store) error {
	srcTx, err := src.BeginReadOnly(ctx)
	if err != nil {
		return fmt.Errorf("kv: begin source read: %w", err)
	}
	defer srcTx.Rollback(ctx)

	keys, err := srcTx.Keys(ctx)
	if err != nil {
		return fmt.Errorf("kv: list source keys: %w", err)
	}

	changes := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, err := srcTx.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("kv: read source key %q: %w", key, err)
		}
		changes[key] = value
	}

	dstTx, err := dst.Begin(ctx)
	if err != nil {
		return fmt.Errorf("kv: begin destination write: %w", err)
	}

	if err := dstTx.Commit(ctx, changes, nil); err != nil {
		dstTx.Rollback(ctx)
		return fmt.Errorf("kv: commit copied data: %w", err)
	}

	return nil
}
