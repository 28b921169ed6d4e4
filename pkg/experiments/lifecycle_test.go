package experiments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/kv/dummy"
	"github.com/jacquard/jacquard/pkg/kv/txmap"
)

func loadFooDefinition(t *testing.T, store kv.Store) {
	t.Helper()
	def := `{"id":"foo","branches":[{"id":"bar","settings":{"pony":"horse"}}]}`
	require.NoError(t, Load(context.Background(), store, []byte(def), FormatJSON, false))
}

func TestLaunchConcludeCycle(t *testing.T) {
	store := dummy.New(nil)
	loadFooDefinition(t, store)

	now := mustParseTime(t, "2026-01-01T00:00:00Z")
	require.NoError(t, Launch(context.Background(), store, "foo", false, now))

	active, err := ActiveIDs(context.Background(), store)
	require.NoError(t, err)
	assert.Contains(t, active, "foo")

	exp, err := Get(context.Background(), store, "foo")
	require.NoError(t, err)
	assert.True(t, exp.IsActive())
	assert.True(t, now.Equal(*exp.Launched))

	concludedAt := mustParseTime(t, "2026-02-01T00:00:00Z")
	require.NoError(t, Conclude(context.Background(), store, "foo", "bar", concludedAt))

	active, err = ActiveIDs(context.Background(), store)
	require.NoError(t, err)
	assert.NotContains(t, active, "foo")

	concluded, err := ConcludedIDs(context.Background(), store)
	require.NoError(t, err)
	assert.Contains(t, concluded, "foo")

	err = txmap.WithTransaction(context.Background(), store, true, func(ctx context.Context, m *txmap.Map) error {
		defaults, err := getDefaults(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"pony": "horse"}, defaults)
		return nil
	})
	require.NoError(t, err)
}

func TestLaunchRejectsAlreadyActive(t *testing.T) {
	store := dummy.New(nil)
	loadFooDefinition(t, store)

	now := mustParseTime(t, "2026-01-01T00:00:00Z")
	require.NoError(t, Launch(context.Background(), store, "foo", false, now))

	err := Launch(context.Background(), store, "foo", false, now)
	var illegal *IllegalTransitionError
	assert.ErrorAs(t, err, &illegal)
}

func TestLaunchRequiresRelaunchFlagAfterConclude(t *testing.T) {
	store := dummy.New(nil)
	loadFooDefinition(t, store)

	launchedAt := mustParseTime(t, "2026-01-01T00:00:00Z")
	require.NoError(t, Launch(context.Background(), store, "foo", false, launchedAt))

	concludedAt := mustParseTime(t, "2026-02-01T00:00:00Z")
	require.NoError(t, Conclude(context.Background(), store, "foo", "", concludedAt))

	err := Launch(context.Background(), store, "foo", false, launchedAt)
	var illegal *IllegalTransitionError
	assert.ErrorAs(t, err, &illegal)

	require.NoError(t, Launch(context.Background(), store, "foo", true, launchedAt))
	exp, err := Get(context.Background(), store, "foo")
	require.NoError(t, err)
	assert.True(t, exp.IsActive())
}

func TestConcludeRejectsNeverLaunched(t *testing.T) {
	store := dummy.New(nil)
	loadFooDefinition(t, store)

	err := Conclude(context.Background(), store, "foo", "", mustParseTime(t, "2026-01-01T00:00:00Z"))
	var illegal *IllegalTransitionError
	assert.ErrorAs(t, err, &illegal)
}

func TestLoadRefusesToOverwriteLiveExperimentWithoutSkipLaunched(t *testing.T) {
	store := dummy.New(nil)
	loadFooDefinition(t, store)
	require.NoError(t, Launch(context.Background(), store, "foo", false, mustParseTime(t, "2026-01-01T00:00:00Z")))

	def := `{"id":"foo","branches":[{"id":"bar","settings":{"pony":"zebra"}}]}`
	err := Load(context.Background(), store, []byte(def), FormatJSON, false)
	var illegal *IllegalTransitionError
	assert.ErrorAs(t, err, &illegal)

	require.NoError(t, Load(context.Background(), store, []byte(def), FormatJSON, true))
}

func TestLaunchSpecialisesEraConstraintsOnBucketEntries(t *testing.T) {
	store := dummy.New(nil)
	def := `{"id":"foo","branches":[{"id":"bar","settings":{"pony":"horse"}}],"constraints":{"era":"new"}}`
	require.NoError(t, Load(context.Background(), store, []byte(def), FormatJSON, false))

	now := mustParseTime(t, "2026-03-15T00:00:00Z")
	require.NoError(t, Launch(context.Background(), store, "foo", false, now))

	// The stored Experiment record keeps the original relative era, but the
	// bucket-ring entries created at launch must carry the specialised
	// absolute bound instead (spec 8, scenario 5).
	var entryJSON map[string]interface{}
	err := txmap.WithTransaction(context.Background(), store, true, func(ctx context.Context, m *txmap.Map) error {
		keys, err := m.Keys(ctx)
		require.NoError(t, err)
		for _, key := range keys {
			if key == "experiments/foo" || key == "active-experiments" {
				continue
			}
			var raw map[string]interface{}
			require.NoError(t, m.Get(ctx, key, &raw))
			entries, _ := raw["entries"].([]interface{})
			for _, e := range entries {
				entry, _ := e.(map[string]interface{})
				if entry == nil {
					continue
				}
				c, _ := entry["constraints"].(map[string]interface{})
				if c != nil {
					entryJSON = c
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, entryJSON)
	assert.Contains(t, entryJSON, "joined_after")
	assert.NotContains(t, entryJSON, "era")
}
