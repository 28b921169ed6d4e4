package experiments

import (
	"context"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/kv/txmap"
)

// These process-level keys (spec 6) are plain mappings/lists, not ODM
// models, so they're read and written straight through the transaction map
// rather than through a Session.

const (
	activeExperimentsKey    = "active-experiments"
	concludedExperimentsKey = "concluded-experiments"
	defaultsKey             = "defaults"
)

func getStringList(ctx context.Context, m *txmap.Map, key string) ([]string, error) {
	var list []string
	if err := m.Get(ctx, key, &list); err != nil {
		if err == kv.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return list, nil
}

func getDefaults(ctx context.Context, m *txmap.Map) (map[string]interface{}, error) {
	var defaults map[string]interface{}
	if err := m.Get(ctx, defaultsKey, &defaults); err != nil {
		if err == kv.ErrNotFound {
			return map[string]interface{}{}, nil
		}
		return nil, err
	}
	return defaults, nil
}

// Defaults reads the process-wide defaults mapping from m, the txmap.Map
// view belonging to an already-open transaction. Exported so pkg/settings
// can read it without duplicating the ErrNotFound-as-empty handling.
func Defaults(ctx context.Context, m *txmap.Map) (map[string]interface{}, error) {
	return getDefaults(ctx, m)
}

// Overrides reads "overrides/<userID>" (absent treated as empty), for
// pkg/settings.
func Overrides(ctx context.Context, m *txmap.Map, userID string) (map[string]interface{}, error) {
	var overrides map[string]interface{}
	if err := m.Get(ctx, overridesKey(userID), &overrides); err != nil {
		if err == kv.ErrNotFound {
			return map[string]interface{}{}, nil
		}
		return nil, err
	}
	return overrides, nil
}

func overridesKey(userID string) string {
	return "overrides/" + userID
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func withoutString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
