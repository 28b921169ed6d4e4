// Package control provides Config, the dependency-injected facade an
// external HTTP or CLI layer drives (spec 6/9): it carries the KV store and
// directory handles and exposes the four operations spec.md names as the
// core's external interface, plus the metrics.StatsProvider the background
// collector samples.
package control

import (
	"context"
	"fmt"

	"github.com/jacquard/jacquard/pkg/buckets"
	"github.com/jacquard/jacquard/pkg/directory"
	"github.com/jacquard/jacquard/pkg/experiments"
	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/log"
	"github.com/jacquard/jacquard/pkg/settings"
)

var logger = log.WithComponent("control")

// Config is the single object the external layer is handed; it owns no
// global mutable state of its own.
type Config struct {
	Store     kv.Store
	Directory directory.Directory

	resolver *settings.Resolver
}

// New builds a Config over store and an optional directory.
func New(store kv.Store, dir directory.Directory) *Config {
	return &Config{
		Store:     store,
		Directory: dir,
		resolver:  settings.New(store, dir),
	}
}

// GetSettings implements the "user-settings lookup" external interface.
func (c *Config) GetSettings(ctx context.Context, userID string) (map[string]interface{}, error) {
	return c.resolver.GetSettings(ctx, userID)
}

// ListExperiments implements the "experiments overview" external interface.
func (c *Config) ListExperiments(ctx context.Context) ([]*experiments.Experiment, error) {
	return experiments.List(ctx, c.Store)
}

// GetExperiment implements the "experiment detail" external interface.
func (c *Config) GetExperiment(ctx context.Context, id string) (*experiments.Experiment, error) {
	return experiments.Get(ctx, c.Store, id)
}

// PartitionUsers implements the "experiment partition" external interface:
// for each user id, the id of the experiment branch whose entry occupies the
// user's bucket, or "" if the experiment's branches do not cover it. The
// bucket index itself is not returned.
func (c *Config) PartitionUsers(ctx context.Context, experimentID string, userIDs []string) (map[string]string, error) {
	exp, err := experiments.Get(ctx, c.Store, experimentID)
	if err != nil {
		return nil, fmt.Errorf("control: partition %q: %w", experimentID, err)
	}

	bucketIdx := settings.PartitionUsers(userIDs)

	result := make(map[string]string, len(userIDs))
	for _, userID := range userIDs {
		idx := bucketIdx[userID]
		bucket, err := loadBucketReadOnly(ctx, c.Store, idx)
		if err != nil {
			return nil, fmt.Errorf("control: partition %q: load bucket %d: %w", experimentID, idx, err)
		}

		result[userID] = ""
		for _, branch := range exp.Branches {
			if bucket.Covers(buckets.Key{experimentID, branch.ID}) {
				result[userID] = branch.ID
				break
			}
		}
	}
	return result, nil
}

// BucketsOccupied implements metrics.StatsProvider.
func (c *Config) BucketsOccupied() int {
	n, err := countOccupiedBuckets(context.Background(), c.Store)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to count occupied buckets")
		return 0
	}
	return n
}

// ActiveExperiments implements metrics.StatsProvider.
func (c *Config) ActiveExperiments() int {
	ids, err := experiments.ActiveIDs(context.Background(), c.Store)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list active experiments")
		return 0
	}
	return len(ids)
}

// ConcludedExperiments implements metrics.StatsProvider.
func (c *Config) ConcludedExperiments() int {
	ids, err := experiments.ConcludedIDs(context.Background(), c.Store)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list concluded experiments")
		return 0
	}
	return len(ids)
}
