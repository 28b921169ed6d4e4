package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacquard/jacquard/pkg/constraints"
)

func TestDummyLookupHitAndMiss(t *testing.T) {
	d := NewDummy(constraints.User{ID: "alice", Tags: map[string]struct{}{"beta": {}}})

	u, err := d.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "alice", u.ID)

	u, err = d.Lookup(context.Background(), "bob")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestDummyAllUsers(t *testing.T) {
	d := NewDummy(
		constraints.User{ID: "alice"},
		constraints.User{ID: "bob"},
	)

	users, err := d.AllUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestUnionLookupReturnsFirstMatch(t *testing.T) {
	first := NewDummy(constraints.User{ID: "alice", Tags: map[string]struct{}{"from-first": {}}})
	second := NewDummy(constraints.User{ID: "alice", Tags: map[string]struct{}{"from-second": {}}})

	union := NewUnion(first, second)
	u, err := union.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	_, hasFirst := u.Tags["from-first"]
	assert.True(t, hasFirst)
}

func TestUnionLookupFallsThroughToNextSubdirectory(t *testing.T) {
	first := NewDummy(constraints.User{ID: "alice"})
	second := NewDummy(constraints.User{ID: "bob"})

	union := NewUnion(first, second)
	u, err := union.Lookup(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "bob", u.ID)
}

func TestEmptyUnionAlwaysMisses(t *testing.T) {
	union := NewUnion()
	u, err := union.Lookup(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestUnionAllUsersDedupesKeepingEarliest(t *testing.T) {
	first := NewDummy(constraints.User{ID: "alice", Tags: map[string]struct{}{"from-first": {}}})
	second := NewDummy(
		constraints.User{ID: "alice", Tags: map[string]struct{}{"from-second": {}}},
		constraints.User{ID: "bob"},
	)

	union := NewUnion(first, second)
	users, err := union.AllUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)

	byID := make(map[string]constraints.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	_, hasFirst := byID["alice"].Tags["from-first"]
	assert.True(t, hasFirst)
}
