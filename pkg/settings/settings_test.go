package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacquard/jacquard/pkg/buckets"
	"github.com/jacquard/jacquard/pkg/constraints"
	"github.com/jacquard/jacquard/pkg/directory"
	"github.com/jacquard/jacquard/pkg/kv/dummy"
	"github.com/jacquard/jacquard/pkg/kv/txmap"
)

func TestGetSettingsDefaultsOnly(t *testing.T) {
	store := dummy.New(nil)
	require.NoError(t, txmap.WithTransaction(context.Background(), store, false, func(ctx context.Context, m *txmap.Map) error {
		return m.Set("defaults", map[string]interface{}{"pony": "default"})
	}))

	resolver := New(store, nil)
	result, err := resolver.GetSettings(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"pony": "default"}, result)
}

func TestGetSettingsMergesBucketOverDefaults(t *testing.T) {
	store := dummy.New(nil)
	require.NoError(t, txmap.WithTransaction(context.Background(), store, false, func(ctx context.Context, m *txmap.Map) error {
		return m.Set("defaults", map[string]interface{}{"pony": "default", "horse": "kept"})
	}))

	err := buckets.Release(context.Background(), store, "rollout:feature", constraints.Universal(), []buckets.Branch{
		{ID: buckets.RolloutBranchID, NBuckets: buckets.NumBuckets, Settings: map[string]interface{}{"pony": "bucket"}},
	})
	require.NoError(t, err)

	resolver := New(store, nil)
	result, err := resolver.GetSettings(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "bucket", result["pony"])
	assert.Equal(t, "kept", result["horse"])
}

func TestGetSettingsAppliesOverridesLast(t *testing.T) {
	store := dummy.New(nil)
	require.NoError(t, txmap.WithTransaction(context.Background(), store, false, func(ctx context.Context, m *txmap.Map) error {
		if err := m.Set("defaults", map[string]interface{}{"pony": "default"}); err != nil {
			return err
		}
		return m.Set("overrides/alice", map[string]interface{}{"pony": "override"})
	}))

	err := buckets.Release(context.Background(), store, "rollout:feature", constraints.Universal(), []buckets.Branch{
		{ID: buckets.RolloutBranchID, NBuckets: buckets.NumBuckets, Settings: map[string]interface{}{"pony": "bucket"}},
	})
	require.NoError(t, err)

	resolver := New(store, nil)
	result, err := resolver.GetSettings(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "override", result["pony"])
}

func TestGetSettingsRequiresDirectoryWhenBucketNeedsConstraints(t *testing.T) {
	store := dummy.New(nil)

	restricted, err := constraints.FromJSON(map[string]interface{}{"required_tags": []interface{}{"beta"}})
	require.NoError(t, err)

	err = buckets.Release(context.Background(), store, "exp", restricted, []buckets.Branch{
		{ID: "a", NBuckets: buckets.NumBuckets, Settings: map[string]interface{}{"feature": true}},
	})
	require.NoError(t, err)

	resolver := New(store, nil)
	_, err = resolver.GetSettings(context.Background(), "alice")
	var progErr *ProgrammerError
	assert.ErrorAs(t, err, &progErr)
}

func TestGetSettingsUsesDirectoryWhenBucketNeedsConstraints(t *testing.T) {
	store := dummy.New(nil)

	restricted, err := constraints.FromJSON(map[string]interface{}{"required_tags": []interface{}{"beta"}})
	require.NoError(t, err)

	err = buckets.Release(context.Background(), store, "exp", restricted, []buckets.Branch{
		{ID: "a", NBuckets: buckets.NumBuckets, Settings: map[string]interface{}{"feature": true}},
	})
	require.NoError(t, err)

	dir := directory.NewDummy(constraints.User{ID: "alice", Tags: map[string]struct{}{"beta": {}}})
	resolver := New(store, dir)

	result, err := resolver.GetSettings(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, true, result["feature"])

	resolver2 := New(store, directory.NewDummy())
	// An unknown user is looked up as anonymous, and these constraints leave
	// anonymous users included, so the bucket's settings still apply.
	result2, err := resolver2.GetSettings(context.Background(), "unknown-user")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"feature": true}, result2)
}

func TestPartitionUsersMatchesUserBucket(t *testing.T) {
	ids := []string{"alice", "bob", "carol"}
	partitioned := PartitionUsers(ids)

	for _, id := range ids {
		assert.Equal(t, buckets.UserBucket(id), partitioned[id])
	}
}
