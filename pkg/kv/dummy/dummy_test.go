package dummy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacquard/jacquard/pkg/kv"
)

func TestStoreGetNotFound(t *testing.T) {
	store := New(nil)
	tx, err := store.BeginReadOnly(context.Background())
	require.NoError(t, err)

	_, err = tx.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStoreCommitThenGet(t *testing.T) {
	store := New(nil)

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	err = tx.Commit(context.Background(), map[string][]byte{"a": []byte(`1`)}, nil)
	require.NoError(t, err)

	tx2, err := store.BeginReadOnly(context.Background())
	require.NoError(t, err)
	value, err := tx2.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []byte(`1`), value)
}

func TestStoreReadOnlyCommitRejectsWrites(t *testing.T) {
	store := New(map[string][]byte{"a": []byte(`1`)})

	tx, err := store.BeginReadOnly(context.Background())
	require.NoError(t, err)

	err = tx.Commit(context.Background(), map[string][]byte{"a": []byte(`2`)}, nil)
	var roErr *kv.ReadOnlyWriteError
	require.ErrorAs(t, err, &roErr)
	assert.Equal(t, []string{"a"}, roErr.Keys)
}

func TestStoreReadOnlyCommitWithNoChangesSucceeds(t *testing.T) {
	store := New(nil)
	tx, err := store.BeginReadOnly(context.Background())
	require.NoError(t, err)
	assert.NoError(t, tx.Commit(context.Background(), nil, nil))
}

func TestStoreDeletionRemovesKey(t *testing.T) {
	store := New(map[string][]byte{"a": []byte(`1`)})

	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background(), nil, map[string]struct{}{"a": {}}))

	tx2, err := store.BeginReadOnly(context.Background())
	require.NoError(t, err)
	_, err = tx2.Get(context.Background(), "a")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStoreKeysReflectsCurrentState(t *testing.T) {
	store := New(map[string][]byte{"a": []byte(`1`), "b": []byte(`2`)})

	tx, err := store.BeginReadOnly(context.Background())
	require.NoError(t, err)
	keys, err := tx.Keys(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestStoreGetReturnsACopyNotAliasedStorage(t *testing.T) {
	store := New(map[string][]byte{"a": []byte(`1`)})

	tx, err := store.BeginReadOnly(context.Background())
	require.NoError(t, err)
	value, err := tx.Get(context.Background(), "a")
	require.NoError(t, err)
	value[0] = 'x'

	tx2, err := store.BeginReadOnly(context.Background())
	require.NoError(t, err)
	value2, err := tx2.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []byte(`1`), value2)
}
