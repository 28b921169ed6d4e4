// Package odm is the lightweight object-document layer from spec 4.3: typed
// records with an identity-map session, dirty tracking, flush-time
// validation, and the single forward-compatibility hook
// (UpgradeRawData) that lets a Model reinterpret an old on-disk shape.
package odm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/kv/txmap"
)

// Model is implemented by every record type the ODM manages (Bucket,
// Experiment). Unlike the original's descriptor fields, validation and
// (de)serialisation are plain methods — Go has no attribute interception to
// piggy-back dirty-marking on, so that's the session's job instead (see
// MarkInstanceDirty).
type Model interface {
	// StorageName is the pluralised collection name a PK is stored under,
	// e.g. Bucket -> "buckets".
	StorageName() string
	// PK returns this instance's primary key.
	PK() string
	// MarshalFields renders the model's current field state as the raw
	// JSON object that gets written to storage.
	MarshalFields() (json.RawMessage, error)
	// UnmarshalFields hydrates the model's fields from previously-stored
	// (and already upgraded) raw JSON.
	UnmarshalFields(raw json.RawMessage) error
	// Validate is run on every dirty instance before it is written. It
	// should check null-ability and field-specific constraints.
	Validate() error
}

// RawUpgrader is optionally implemented by a Model to promote an old
// on-disk shape to the current one — e.g. Bucket promoting a bare JSON
// array to {"entries": [...]}. Defaults to identity when not implemented.
type RawUpgrader interface {
	UpgradeRawData(raw json.RawMessage) (json.RawMessage, error)
}

// DefaultMode controls what Session.Get does when a key is absent.
type DefaultMode int

const (
	// DefaultRaise returns kv.ErrNotFound.
	DefaultRaise DefaultMode = iota
	// DefaultEmptyInstance returns the zero-value instance passed in,
	// without attaching it to the session.
	DefaultEmptyInstance
	// DefaultCreateAndAdd attaches the zero-value instance passed in to the
	// session (as if Add had been called) and returns it.
	DefaultCreateAndAdd
)

// ProgrammerError marks conditions spec 4.3/4.9 calls out as caller bugs
// rather than ordinary runtime failures. Add raises it for a duplicate pk
// within one session; attaching one instance to two sessions is not
// detected.
type ProgrammerError struct {
	Msg string
}

func (e *ProgrammerError) Error() string { return "odm: " + e.Msg }

type instanceKey struct {
	storageName string
	pk          string
}

// Session is an identity-mapped, dirty-tracked view over either a
// txmap.Map or three raw get/put/delete callables — both constructions
// mirror the original Session's dual constructor.
type Session struct {
	mu sync.Mutex

	get func(ctx context.Context, key string) ([]byte, error)
	put func(ctx context.Context, key string, value []byte) error
	del func(ctx context.Context, key string) error

	owner     map[instanceKey]*Session // never populated; attachment is not tracked across sessions
	instances map[instanceKey]Model
	dirty     map[instanceKey]struct{}
	removed   map[instanceKey]struct{}
}

// NewFromMap builds a Session backed by a transaction map, the common case
// inside a kv transaction.
func NewFromMap(m *txmap.Map) *Session {
	return New(
		func(ctx context.Context, key string) ([]byte, error) {
			var raw json.RawMessage
			if err := m.Get(ctx, key, &raw); err != nil {
				return nil, err
			}
			return raw, nil
		},
		func(ctx context.Context, key string, value []byte) error {
			return m.Set(key, json.RawMessage(value))
		},
		func(ctx context.Context, key string) error {
			return m.Delete(ctx, key)
		},
	)
}

// New builds a Session from three explicit storage callables.
func New(
	get func(ctx context.Context, key string) ([]byte, error),
	put func(ctx context.Context, key string, value []byte) error,
	del func(ctx context.Context, key string) error,
) *Session {
	return &Session{
		get:       get,
		put:       put,
		del:       del,
		instances: make(map[instanceKey]Model),
		dirty:     make(map[instanceKey]struct{}),
		removed:   make(map[instanceKey]struct{}),
	}
}

func storageKey(storageName, pk string) string {
	return storageName + "/" + pk
}

func keyOf(m Model) instanceKey {
	return instanceKey{storageName: m.StorageName(), pk: m.PK()}
}

// Add attaches a freshly-constructed instance to this session and marks it
// dirty so it is written on flush.
func (s *Session) Add(instance Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(instance)
	if _, exists := s.instances[key]; exists {
		return &ProgrammerError{Msg: fmt.Sprintf("multiple instances for pk %q", key.pk)}
	}

	s.instances[key] = instance
	s.dirty[key] = struct{}{}
	delete(s.removed, key)
	return nil
}

// Remove detaches instance from the session and marks its pk for deletion
// on flush.
func (s *Session) Remove(instance Model) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(instance)
	delete(s.instances, key)
	delete(s.dirty, key)
	s.removed[key] = struct{}{}
}

// MarkInstanceDirty forces instance to be (re-)written on the next flush,
// even if the caller mutated its fields directly rather than through a
// setter.
func (s *Session) MarkInstanceDirty(instance Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[keyOf(instance)] = struct{}{}
}

// Get fetches an instance by pk, consulting the identity map first. newFn
// must construct a zero-value instance for this model type with pk already
// set; it is used both to decode into and to satisfy the non-raise default
// modes.
func Get[T Model](ctx context.Context, s *Session, pk string, mode DefaultMode, newFn func(pk string) T) (T, error) {
	var zero T

	blank := newFn(pk)
	key := instanceKey{storageName: blank.StorageName(), pk: pk}

	s.mu.Lock()
	if existing, ok := s.instances[key]; ok {
		s.mu.Unlock()
		typed, ok := existing.(T)
		if !ok {
			return zero, fmt.Errorf("odm: instance for pk %q is not of the requested type", pk)
		}
		return typed, nil
	}
	s.mu.Unlock()

	raw, err := s.get(ctx, storageKey(key.storageName, pk))
	if err == kv.ErrNotFound {
		switch mode {
		case DefaultEmptyInstance:
			return blank, nil
		case DefaultCreateAndAdd:
			if addErr := s.Add(blank); addErr != nil {
				return zero, addErr
			}
			return blank, nil
		default:
			return zero, kv.ErrNotFound
		}
	}
	if err != nil {
		return zero, fmt.Errorf("odm: fetch %q: %w", pk, err)
	}

	if upgrader, ok := Model(blank).(RawUpgrader); ok {
		raw, err = upgrader.UpgradeRawData(raw)
		if err != nil {
			return zero, fmt.Errorf("odm: upgrade raw data for %q: %w", pk, err)
		}
	}

	if err := blank.UnmarshalFields(raw); err != nil {
		return zero, fmt.Errorf("odm: decode %q: %w", pk, err)
	}

	s.mu.Lock()
	s.instances[key] = blank
	s.mu.Unlock()

	return blank, nil
}

// Flush validates and writes every dirty instance, and deletes every
// removed pk, silently ignoring deletes of pks absent from storage (spec
// 4.3: "silent if absent").
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	dirtyKeys := make([]instanceKey, 0, len(s.dirty))
	for key := range s.dirty {
		dirtyKeys = append(dirtyKeys, key)
	}
	removedKeys := make([]instanceKey, 0, len(s.removed))
	for key := range s.removed {
		removedKeys = append(removedKeys, key)
	}
	s.mu.Unlock()

	for _, key := range dirtyKeys {
		s.mu.Lock()
		instance, ok := s.instances[key]
		s.mu.Unlock()
		if !ok {
			continue
		}

		if err := instance.Validate(); err != nil {
			return fmt.Errorf("odm: validate %s/%s: %w", key.storageName, key.pk, err)
		}

		raw, err := instance.MarshalFields()
		if err != nil {
			return fmt.Errorf("odm: encode %s/%s: %w", key.storageName, key.pk, err)
		}

		if err := s.put(ctx, storageKey(key.storageName, key.pk), raw); err != nil {
			return fmt.Errorf("odm: write %s/%s: %w", key.storageName, key.pk, err)
		}
	}

	for _, key := range removedKeys {
		if err := s.del(ctx, storageKey(key.storageName, key.pk)); err != nil && err != kv.ErrNotFound {
			return fmt.Errorf("odm: delete %s/%s: %w", key.storageName, key.pk, err)
		}
	}

	s.mu.Lock()
	s.dirty = make(map[instanceKey]struct{})
	s.removed = make(map[instanceKey]struct{})
	s.mu.Unlock()

	return nil
}

// Transaction opens a read-write kv transaction, wraps it in a Session, runs
// fn, and flushes on normal return — matching session.transaction(store)
// from spec 4.3. On error from fn the transaction is rolled back without
// flushing.
func Transaction(ctx context.Context, store kv.Store, fn func(ctx context.Context, s *Session) error) error {
	return txmap.WithTransaction(ctx, store, false, func(ctx context.Context, m *txmap.Map) error {
		session := NewFromMap(m)
		if err := fn(ctx, session); err != nil {
			return err
		}
		return session.Flush(ctx)
	})
}

// ReadOnlyTransaction is the read-only counterpart. It flushes on normal
// return like Transaction: a read-only Session's Get never dirties anything,
// so a session used only for reads stages no writes, while an instance the
// caller attached with Add/MarkInstanceDirty is staged and the commit fails
// as a read-only write.
func ReadOnlyTransaction(ctx context.Context, store kv.Store, fn func(ctx context.Context, s *Session) error) error {
	return txmap.WithTransaction(ctx, store, true, func(ctx context.Context, m *txmap.Map) error {
		session := NewFromMap(m)
		if err := fn(ctx, session); err != nil {
			return err
		}
		return session.Flush(ctx)
	})
}
