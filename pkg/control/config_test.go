package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacquard/jacquard/pkg/experiments"
	"github.com/jacquard/jacquard/pkg/kv/dummy"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return parsed
}

func loadAndLaunchFoo(t *testing.T, cfg *Config) {
	t.Helper()
	def := `{"id":"foo","branches":[{"id":"bar","settings":{"pony":"horse"},"percent":50},{"id":"baz","settings":{"pony":"zebra"},"percent":50}]}`
	require.NoError(t, experiments.Load(context.Background(), cfg.Store, []byte(def), experiments.FormatJSON, false))
	require.NoError(t, experiments.Launch(context.Background(), cfg.Store, "foo", false, mustParseTime(t, "2026-01-01T00:00:00Z")))
}

func TestConfigListAndGetExperiment(t *testing.T) {
	store := dummy.New(nil)
	cfg := New(store, nil)
	loadAndLaunchFoo(t, cfg)

	list, err := cfg.ListExperiments(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "foo", list[0].PK())

	exp, err := cfg.GetExperiment(context.Background(), "foo")
	require.NoError(t, err)
	assert.True(t, exp.IsActive())
}

func TestConfigPartitionUsersAssignsExactlyOneBranchPerUser(t *testing.T) {
	store := dummy.New(nil)
	cfg := New(store, nil)
	loadAndLaunchFoo(t, cfg)

	ids := []string{"alice", "bob", "carol", "dave", "erin"}
	result, err := cfg.PartitionUsers(context.Background(), "foo", ids)
	require.NoError(t, err)

	for _, id := range ids {
		branch, ok := result[id]
		require.True(t, ok)
		assert.Contains(t, []string{"", "bar", "baz"}, branch)
	}
}

func TestConfigStatsProviderReflectsLaunchedExperiment(t *testing.T) {
	store := dummy.New(nil)
	cfg := New(store, nil)

	assert.Equal(t, 0, cfg.ActiveExperiments())
	assert.Equal(t, 0, cfg.ConcludedExperiments())
	assert.Equal(t, 0, cfg.BucketsOccupied())

	loadAndLaunchFoo(t, cfg)

	assert.Equal(t, 1, cfg.ActiveExperiments())
	assert.Equal(t, 0, cfg.ConcludedExperiments())
	assert.Greater(t, cfg.BucketsOccupied(), 0)

	require.NoError(t, experiments.Conclude(context.Background(), store, "foo", "", mustParseTime(t, "2026-02-01T00:00:00Z")))

	assert.Equal(t, 0, cfg.ActiveExperiments())
	assert.Equal(t, 1, cfg.ConcludedExperiments())
	assert.Equal(t, 0, cfg.BucketsOccupied())
}
