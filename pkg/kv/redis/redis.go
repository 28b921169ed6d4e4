// Package redis implements the remote KV backend described in spec 4.1: a
// Redis-like store where each read-write transaction WATCHes the keys it
// reads and commits through a transactional pipeline, surfacing kv.ErrRetry
// on a detected conflict. Read-only transactions never WATCH anything and so
// can never conflict.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/log"
)

var logger = log.WithComponent("kv.redis")

const indexKey = "index"

// Store is a kv.Store backed by a Redis-compatible server.
type Store struct {
	client *goredis.Client
	prefix string
}

// New wraps an already-configured Redis client. prefix namespaces every key
// this store touches (e.g. "jacquard") so multiple logical stores can share
// one Redis instance.
func New(client *goredis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Open is a convenience constructor parsing a redis:// URL, mirroring the
// connection style of LerianStudio-midaz's mredis.RedisConnection.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv/redis: parse url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv/redis: ping: %w", err)
	}

	logger.Info().Str("prefix", prefix).Msg("connected to redis")
	return New(client, prefix), nil
}

// encodeKey rewrites a logical key ("buckets/17") to its Redis-idiomatic
// form ("jacquard:buckets:17"). Colons are forbidden in logical keys because
// they would become ambiguous with this rewrite.
func (s *Store) encodeKey(logical string) (string, error) {
	if strings.Contains(logical, ":") {
		return "", fmt.Errorf("kv/redis: logical key %q contains a forbidden colon", logical)
	}
	return s.prefix + ":" + strings.ReplaceAll(logical, "/", ":"), nil
}

func (s *Store) decodeKey(encoded string) string {
	trimmed := strings.TrimPrefix(encoded, s.prefix+":")
	return strings.ReplaceAll(trimmed, ":", "/")
}

func (s *Store) indexSetKey() string {
	return s.prefix + ":" + indexKey
}

func (s *Store) Begin(ctx context.Context) (kv.Tx, error) {
	return &tx{store: s, readOnly: false, reads: make(map[string][]byte), readAbsent: make(map[string]bool)}, nil
}

func (s *Store) BeginReadOnly(ctx context.Context) (kv.Tx, error) {
	return &tx{store: s, readOnly: true}, nil
}

type tx struct {
	store    *Store
	readOnly bool

	// reads/readAbsent record the snapshot observed for every key read in a
	// read-write transaction, so Commit can detect whether any of them
	// changed underneath it (our stand-in for Redis WATCH, since the
	// go-redis API wants the whole read-check-write body in one closure).
	reads      map[string][]byte
	readAbsent map[string]bool
}

func (t *tx) Get(ctx context.Context, key string) ([]byte, error) {
	encoded, err := t.store.encodeKey(key)
	if err != nil {
		return nil, err
	}

	value, err := t.store.client.Get(ctx, encoded).Bytes()
	if errors.Is(err, goredis.Nil) {
		if !t.readOnly {
			t.readAbsent[key] = true
		}
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv/redis: get %q: %w", key, err)
	}

	if !t.readOnly {
		t.reads[key] = append([]byte(nil), value...)
	}
	return value, nil
}

func (t *tx) Keys(ctx context.Context) ([]string, error) {
	members, err := t.store.client.SMembers(ctx, t.store.indexSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("kv/redis: list index: %w", err)
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = m
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

	watched := make([]string, 0, len(t.reads)+len(t.readAbsent))
	for key := range t.reads {
		encoded, err := t.store.encodeKey(key)
		if err != nil {
			return err
		}
		watched = append(watched, encoded)
	}
	for key := range t.readAbsent {
		encoded, err := t.store.encodeKey(key)
		if err != nil {
			return err
		}
		watched = append(watched, encoded)
	}

	txErr := t.store.client.Watch(ctx, func(rtx *goredis.Tx) error {
		for key, snapshot := range t.reads {
			encoded, _ := t.store.encodeKey(key)
			current, err := rtx.Get(ctx, encoded).Bytes()
			if errors.Is(err, goredis.Nil) || string(current) != string(snapshot) {
				return kv.ErrRetry
			}
			if err != nil {
				return err
			}
		}
		for key := range t.readAbsent {
			encoded, _ := t.store.encodeKey(key)
			exists, err := rtx.Exists(ctx, encoded).Result()
			if err != nil {
				return err
			}
			if exists != 0 {
				return kv.ErrRetry
			}
		}

		_, err := rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for key, value := range changes {
				encoded, err := t.store.encodeKey(key)
				if err != nil {
					return err
				}
				pipe.Set(ctx, encoded, value, 0)
				pipe.SAdd(ctx, t.store.indexSetKey(), key)
			}
			for key := range deletions {
				encoded, err := t.store.encodeKey(key)
				if err != nil {
					return err
				}
				pipe.Del(ctx, encoded)
				pipe.SRem(ctx, t.store.indexSetKey(), key)
			}
			return nil
		})
		return err
	}, watched...)

	if errors.Is(txErr, kv.ErrRetry) || errors.Is(txErr, goredis.TxFailedErr) {
		return kv.ErrRetry
	}
	if txErr != nil {
		return fmt.Errorf("kv/redis: commit: %w", txErr)
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
