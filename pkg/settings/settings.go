// Package settings implements the resolution pipeline from spec 4.8:
// defaults merged with bucket-derived experiment settings (subject to
// per-entry constraints) merged with per-user overrides, later values
// winning.
package settings

import (
	"context"
	"fmt"

	"github.com/jacquard/jacquard/pkg/buckets"
	"github.com/jacquard/jacquard/pkg/constraints"
	"github.com/jacquard/jacquard/pkg/directory"
	"github.com/jacquard/jacquard/pkg/experiments"
	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/kv/txmap"
	"github.com/jacquard/jacquard/pkg/log"
	"github.com/jacquard/jacquard/pkg/metrics"
	"github.com/jacquard/jacquard/pkg/odm"
)

var logger = log.WithComponent("settings")

// ProgrammerError marks an invocation that needs a Directory but wasn't
// given one (spec 4.8/4.9: "no directory set, operating on a bucket that
// requires constraints, is a programmer error").
type ProgrammerError struct {
	Msg string
}

func (e *ProgrammerError) Error() string { return "settings: " + e.Msg }

// Resolver computes effective settings for a user id. Dir may be nil if no
// live bucket ever carries non-universal constraints; GetSettings fails
// with ProgrammerError the first time that assumption is violated.
type Resolver struct {
	Store kv.Store
	Dir   directory.Directory
}

// New builds a Resolver over store, with an optional directory.
func New(store kv.Store, dir directory.Directory) *Resolver {
	return &Resolver{Store: store, Dir: dir}
}

// GetSettings implements spec 4.8's algorithm: read defaults, hash the user
// to its bucket, consult the directory only if that bucket needs
// constraints, merge bucket settings, then apply the user's overrides.
func (r *Resolver) GetSettings(ctx context.Context, userID string) (map[string]interface{}, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SettingsResolutionDuration)

	var result map[string]interface{}

	err := txmap.WithTransaction(ctx, r.Store, true, func(ctx context.Context, m *txmap.Map) error {
		session := odm.NewFromMap(m)

		defaults, err := experiments.Defaults(ctx, m)
		if err != nil {
			return fmt.Errorf("settings: read defaults: %w", err)
		}

		bucketIdx := buckets.UserBucket(userID)
		bucket, err := odm.Get(ctx, session, fmt.Sprintf("%d", bucketIdx), odm.DefaultEmptyInstance, buckets.NewBucket)
		if err != nil {
			return fmt.Errorf("settings: read bucket %d: %w", bucketIdx, err)
		}

		var user *constraints.User
		if bucket.NeedsConstraints() {
			if r.Dir == nil {
				return &ProgrammerError{Msg: fmt.Sprintf("bucket %d needs directory constraints but no directory is configured", bucketIdx)}
			}
			user, err = r.Dir.Lookup(ctx, userID)
			if err != nil {
				return fmt.Errorf("settings: directory lookup %q: %w", userID, err)
			}
		}

		bucketSettings := bucket.GetSettings(user, constraints.Context{})

		overrides, err := experiments.Overrides(ctx, m, userID)
		if err != nil {
			return fmt.Errorf("settings: read overrides for %q: %w", userID, err)
		}

		merged := make(map[string]interface{}, len(defaults)+len(bucketSettings)+len(overrides))
		for k, v := range defaults {
			merged[k] = v
		}
		for k, v := range bucketSettings {
			merged[k] = v
		}
		for k, v := range overrides {
			merged[k] = v
		}
		result = merged
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("user_id", userID).Int("settings", len(result)).Msg("resolved settings")
	return result, nil
}

// PartitionUsers reports, for each of userIDs, which bucket index it falls
// into — the building block behind the "experiment partition" external
// interface (spec 6).
func PartitionUsers(userIDs []string) map[string]int {
	out := make(map[string]int, len(userIDs))
	for _, id := range userIDs {
		out[id] = buckets.UserBucket(id)
	}
	return out
}
