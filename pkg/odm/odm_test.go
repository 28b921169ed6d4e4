package odm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/kv/dummy"
)

// widget is a minimal fixture Model, standing in for Bucket/Experiment in
// these session-mechanics tests.
type widget struct {
	pk       string
	Name     string
	invalid  bool
	upgraded bool
}

func newWidget(pk string) *widget { return &widget{pk: pk} }

func (w *widget) StorageName() string { return "widgets" }
func (w *widget) PK() string          { return w.pk }

func (w *widget) MarshalFields() (json.RawMessage, error) {
	return json.Marshal(struct {
		Name string `json:"name"`
	}{Name: w.Name})
}

func (w *widget) UnmarshalFields(raw json.RawMessage) error {
	var decoded struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	w.Name = decoded.Name
	return nil
}

func (w *widget) Validate() error {
	if w.invalid {
		return &ProgrammerError{Msg: "widget marked invalid"}
	}
	return nil
}

func TestSessionAddThenGetReturnsSameInstance(t *testing.T) {
	session := New(
		func(ctx context.Context, key string) ([]byte, error) { return nil, kv.ErrNotFound },
		func(ctx context.Context, key string, value []byte) error { return nil },
		func(ctx context.Context, key string) error { return nil },
	)

	w := newWidget("1")
	require.NoError(t, session.Add(w))

	got, err := Get(context.Background(), session, "1", DefaultRaise, newWidget)
	require.NoError(t, err)
	assert.Same(t, w, got)
}

func TestSessionAddDuplicatePKErrors(t *testing.T) {
	session := New(
		func(ctx context.Context, key string) ([]byte, error) { return nil, kv.ErrNotFound },
		func(ctx context.Context, key string, value []byte) error { return nil },
		func(ctx context.Context, key string) error { return nil },
	)

	require.NoError(t, session.Add(newWidget("1")))
	err := session.Add(newWidget("1"))
	var progErr *ProgrammerError
	assert.ErrorAs(t, err, &progErr)
}

func TestGetDefaultRaiseOnMissing(t *testing.T) {
	session := New(
		func(ctx context.Context, key string) ([]byte, error) { return nil, kv.ErrNotFound },
		func(ctx context.Context, key string, value []byte) error { return nil },
		func(ctx context.Context, key string) error { return nil },
	)

	_, err := Get(context.Background(), session, "missing", DefaultRaise, newWidget)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestGetDefaultEmptyInstanceDoesNotAttach(t *testing.T) {
	session := New(
		func(ctx context.Context, key string) ([]byte, error) { return nil, kv.ErrNotFound },
		func(ctx context.Context, key string, value []byte) error { return nil },
		func(ctx context.Context, key string) error { return nil },
	)

	w, err := Get(context.Background(), session, "missing", DefaultEmptyInstance, newWidget)
	require.NoError(t, err)
	assert.Equal(t, "missing", w.PK())

	// Not attached: Flush should write nothing, and a second Get does not
	// return the same pointer.
	require.NoError(t, session.Flush(context.Background()))
	w2, err := Get(context.Background(), session, "missing", DefaultEmptyInstance, newWidget)
	require.NoError(t, err)
	assert.NotSame(t, w, w2)
}

func TestGetDefaultCreateAndAddAttachesAndFlushWrites(t *testing.T) {
	store := dummy.New(nil)

	err := Transaction(context.Background(), store, func(ctx context.Context, s *Session) error {
		w, err := Get(ctx, s, "1", DefaultCreateAndAdd, newWidget)
		if err != nil {
			return err
		}
		w.Name = "created"
		s.MarkInstanceDirty(w)
		return nil
	})
	require.NoError(t, err)

	err = ReadOnlyTransaction(context.Background(), store, func(ctx context.Context, s *Session) error {
		w, err := Get(ctx, s, "1", DefaultRaise, newWidget)
		require.NoError(t, err)
		assert.Equal(t, "created", w.Name)
		return nil
	})
	require.NoError(t, err)
}

func TestFlushValidatesDirtyInstances(t *testing.T) {
	store := dummy.New(nil)

	err := Transaction(context.Background(), store, func(ctx context.Context, s *Session) error {
		w := newWidget("1")
		w.invalid = true
		return s.Add(w)
	})
	var progErr *ProgrammerError
	assert.ErrorAs(t, err, &progErr)
}

func TestRemoveDeletesOnFlushSilentIfAbsent(t *testing.T) {
	store := dummy.New(nil)

	// Removing an instance that was never actually persisted must not
	// surface kv.ErrNotFound from the underlying delete.
	err := Transaction(context.Background(), store, func(ctx context.Context, s *Session) error {
		w, err := Get(ctx, s, "1", DefaultCreateAndAdd, newWidget)
		if err != nil {
			return err
		}
		s.Remove(w)
		return nil
	})
	require.NoError(t, err)
}

func TestReadOnlyTransactionWriteFailsAtCommit(t *testing.T) {
	store := dummy.New(nil)

	err := ReadOnlyTransaction(context.Background(), store, func(ctx context.Context, s *Session) error {
		w := newWidget("1")
		return s.Add(w)
	})
	assert.Error(t, err)
}

func TestMarkInstanceDirtyRewritesMutatedFields(t *testing.T) {
	store := dummy.New(nil)

	err := Transaction(context.Background(), store, func(ctx context.Context, s *Session) error {
		w, err := Get(ctx, s, "1", DefaultCreateAndAdd, newWidget)
		if err != nil {
			return err
		}
		w.Name = "first"
		s.MarkInstanceDirty(w)
		return nil
	})
	require.NoError(t, err)

	err = Transaction(context.Background(), store, func(ctx context.Context, s *Session) error {
		w, err := Get(ctx, s, "1", DefaultRaise, newWidget)
		if err != nil {
			return err
		}
		w.Name = "second"
		s.MarkInstanceDirty(w)
		return nil
	})
	require.NoError(t, err)

	err = ReadOnlyTransaction(context.Background(), store, func(ctx context.Context, s *Session) error {
		w, err := Get(ctx, s, "1", DefaultRaise, newWidget)
		require.NoError(t, err)
		assert.Equal(t, "second", w.Name)
		return nil
	})
	require.NoError(t, err)
}
