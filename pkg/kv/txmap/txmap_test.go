package txmap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/kv/dummy"
)

func TestMapGetNotFoundThenSetThenGet(t *testing.T) {
	store := dummy.New(nil)
	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	m := New(tx)

	var out string
	err = m.Get(context.Background(), "a", &out)
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, m.Set("a", "value"))

	err = m.Get(context.Background(), "a", &out)
	require.NoError(t, err)
	assert.Equal(t, "value", out)
}

func TestMapDeleteOfAbsentKeyErrors(t *testing.T) {
	store := dummy.New(nil)
	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	m := New(tx)

	err = m.Delete(context.Background(), "nope")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestMapDeleteThenGetStillNotFound(t *testing.T) {
	store := dummy.New(map[string][]byte{"a": []byte(`"x"`)})
	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	m := New(tx)

	require.NoError(t, m.Delete(context.Background(), "a"))

	var out string
	err = m.Get(context.Background(), "a", &out)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestMapSetAfterDeleteCancelsDeletion(t *testing.T) {
	store := dummy.New(map[string][]byte{"a": []byte(`"x"`)})
	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	m := New(tx)

	require.NoError(t, m.Delete(context.Background(), "a"))
	require.NoError(t, m.Set("a", "y"))

	_, deleted := m.Deletions()["a"]
	assert.False(t, deleted)

	var out string
	require.NoError(t, m.Get(context.Background(), "a", &out))
	assert.Equal(t, "y", out)
}

func TestMapKeysUnionsStoreAndChangesMinusDeletions(t *testing.T) {
	store := dummy.New(map[string][]byte{"a": []byte(`1`), "b": []byte(`2`)})
	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	m := New(tx)

	require.NoError(t, m.Set("c", 3))
	require.NoError(t, m.Delete(context.Background(), "a"))

	keys, err := m.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys)
}

func TestMapDirty(t *testing.T) {
	store := dummy.New(nil)
	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	m := New(tx)

	assert.False(t, m.Dirty())
	require.NoError(t, m.Set("a", 1))
	assert.True(t, m.Dirty())
}

func TestWithTransactionRollsBackWhenClean(t *testing.T) {
	store := dummy.New(nil)

	err := WithTransaction(context.Background(), store, false, func(ctx context.Context, m *Map) error {
		var out string
		_ = m.Get(ctx, "a", &out) // a read-only access, no writes staged
		return nil
	})
	require.NoError(t, err)

	// Nothing was committed, so a fresh read-only transaction sees nothing.
	err = WithTransaction(context.Background(), store, true, func(ctx context.Context, m *Map) error {
		keys, err := m.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTransactionCommitsWhenDirty(t *testing.T) {
	store := dummy.New(nil)

	err := WithTransaction(context.Background(), store, false, func(ctx context.Context, m *Map) error {
		return m.Set("a", "value")
	})
	require.NoError(t, err)

	err = WithTransaction(context.Background(), store, true, func(ctx context.Context, m *Map) error {
		var out string
		return m.Get(ctx, "a", &out)
	})
	require.NoError(t, err)
}

func TestWithTransactionReadOnlyWriteFailsCommit(t *testing.T) {
	store := dummy.New(nil)

	err := WithTransaction(context.Background(), store, true, func(ctx context.Context, m *Map) error {
		return m.Set("a", "value")
	})
	var roErr *kv.ReadOnlyWriteError
	require.ErrorAs(t, err, &roErr)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	store := dummy.New(nil)
	sentinel := assert.AnError

	err := WithTransaction(context.Background(), store, false, func(ctx context.Context, m *Map) error {
		require.NoError(t, m.Set("a", "value"))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	err = WithTransaction(context.Background(), store, true, func(ctx context.Context, m *Map) error {
		keys, err := m.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTransactionRePanics(t *testing.T) {
	store := dummy.New(nil)

	assert.Panics(t, func() {
		_ = WithTransaction(context.Background(), store, false, func(ctx context.Context, m *Map) error {
			panic("boom")
		})
	})
}
