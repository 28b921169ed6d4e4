// Package clonedredis implements the cloned-remote backend from spec 4.1: a
// single Redis key holds the entire dataset, serialised under a random
// state-token; a published channel announces state-token changes; each
// process keeps a local mirror kept current by a subscriber goroutine, a
// periodic poll, and a synchronous fetch on every Begin.
package clonedredis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/log"
)

var logger = log.WithComponent("kv.clonedredis")

const (
	pollInterval    = 30 * time.Second
	staleStateTTL   = 30 * time.Minute
	pointerSuffix   = ":pointer"
	stateKeyPrefix  = ":state:"
	channelSuffix   = ":state-changes"
	initialPointer  = "" // sentinel: no dataset published yet
)

// Store is the cloned-remote kv.Store. The dataset lives client-side as a
// mirror map guarded by mu; every Begin resynchronises it against Redis
// before the transaction's caller sees anything.
type Store struct {
	client *goredis.Client
	prefix string

	mu      sync.RWMutex
	token   string
	dataset map[string]json.RawMessage

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Open connects to client, performs an initial synchronous fetch, and starts
// the background subscriber and poller. Call Close to stop them.
func Open(ctx context.Context, client *goredis.Client, prefix string) (*Store, error) {
	s := &Store{
		client:  client,
		prefix:  prefix,
		dataset: make(map[string]json.RawMessage),
		stopCh:  make(chan struct{}),
	}

	if err := s.sync(ctx); err != nil {
		return nil, fmt.Errorf("kv/clonedredis: initial sync: %w", err)
	}

	s.wg.Add(2)
	go s.subscribeLoop()
	go s.pollLoop()

	return s, nil
}

// Close stops the background subscriber and poller. The mirror stops
// updating after this returns; the Store must not be used afterwards.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Store) pointerKey() string  { return s.prefix + pointerSuffix }
func (s *Store) channelName() string { return s.prefix + channelSuffix }
func (s *Store) stateKey(token string) string {
	return s.prefix + stateKeyPrefix + token
}

func (s *Store) subscribeLoop() {
	defer s.wg.Done()

	pubsub := s.client.Subscribe(context.Background(), s.channelName())
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-s.stopCh:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := s.sync(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("resync after state-change notification failed")
			}
		}
	}
}

func (s *Store) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.sync(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("periodic resync failed")
			}
		}
	}
}

// sync fetches the current pointer and, if it differs from the locally held
// token, fetches and decodes the corresponding state object into the
// mirror.
func (s *Store) sync(ctx context.Context) error {
	token, err := s.client.Get(ctx, s.pointerKey()).Result()
	if errors.Is(err, goredis.Nil) {
		token = initialPointer
	} else if err != nil {
		return fmt.Errorf("kv/clonedredis: read pointer: %w", err)
	}

	s.mu.RLock()
	current := s.token
	s.mu.RUnlock()
	if token == current {
		return nil
	}

	dataset := make(map[string]json.RawMessage)
	if token != initialPointer {
		raw, err := s.client.Get(ctx, s.stateKey(token)).Bytes()
		if err != nil {
			return fmt.Errorf("kv/clonedredis: read state %s: %w", token, err)
		}
		if err := json.Unmarshal(raw, &dataset); err != nil {
			return fmt.Errorf("kv/clonedredis: decode state %s: %w", token, err)
		}
	}

	s.mu.Lock()
	s.token = token
	s.dataset = dataset
	s.mu.Unlock()
	return nil
}

func (s *Store) snapshot() (string, map[string]json.RawMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make(map[string]json.RawMessage, len(s.dataset))
	for k, v := range s.dataset {
		cp[k] = v
	}
	return s.token, cp
}

func (s *Store) Begin(ctx context.Context) (kv.Tx, error) {
	if err := s.sync(ctx); err != nil {
		return nil, err
	}
	token, snap := s.snapshot()
	return &tx{store: s, readOnly: false, tokenAtBegin: token, snapshot: snap}, nil
}

func (s *Store) BeginReadOnly(ctx context.Context) (kv.Tx, error) {
	if err := s.sync(ctx); err != nil {
		return nil, err
	}
	_, snap := s.snapshot()
	return &tx{store: s, readOnly: true, snapshot: snap}, nil
}

type tx struct {
	store        *Store
	readOnly     bool
	tokenAtBegin string
	snapshot     map[string]json.RawMessage
}

func (t *tx) Get(ctx context.Context, key string) ([]byte, error) {
	value, ok := t.snapshot[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return []byte(value), nil
}

func (t *tx) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(t.snapshot))
	for k := range t.snapshot {
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

	next := make(map[string]json.RawMessage, len(t.snapshot))
	for k, v := range t.snapshot {
		next[k] = v
	}
	for k, v := range changes {
		next[k] = json.RawMessage(v)
	}
	for k := range deletions {
		delete(next, k)
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("kv/clonedredis: encode dataset: %w", err)
	}

	newToken := uuid.New().String()

	swapped, err := t.store.compareAndSwap(ctx, t.tokenAtBegin, newToken, encoded)
	if err != nil {
		return fmt.Errorf("kv/clonedredis: commit: %w", err)
	}
	if !swapped {
		if syncErr := t.store.sync(ctx); syncErr != nil {
			logger.Warn().Err(syncErr).Msg("resync after conflicting commit failed")
		}
		return kv.ErrRetry
	}

	t.store.mu.Lock()
	t.store.token = newToken
	t.store.dataset = next
	t.store.mu.Unlock()

	return nil
}

// compareAndSwap publishes a new state object and repoints the pointer key
// only if it still equals expectedToken, using a WATCH/MULTI pipeline as the
// optimistic-concurrency check. It expires the superseded state object after
// staleStateTTL rather than deleting it immediately, so any transaction that
// is mid-read of the old snapshot still succeeds.
func (s *Store) compareAndSwap(ctx context.Context, expectedToken, newToken string, encoded []byte) (bool, error) {
	swapped := false

	err := s.client.Watch(ctx, func(rtx *goredis.Tx) error {
		current, err := rtx.Get(ctx, s.pointerKey()).Result()
		if errors.Is(err, goredis.Nil) {
			current = initialPointer
		} else if err != nil {
			return err
		}

		if current != expectedToken {
			return nil // conflict: leave swapped false
		}

		_, err = rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, s.stateKey(newToken), encoded, 0)
			pipe.Set(ctx, s.pointerKey(), newToken, 0)
			if expectedToken != initialPointer {
				pipe.Expire(ctx, s.stateKey(expectedToken), staleStateTTL)
			}
			pipe.Publish(ctx, s.channelName(), newToken)
			return nil
		})
		if err != nil {
			return err
		}

		swapped = true
		return nil
	}, s.pointerKey())

	if errors.Is(err, goredis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
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
