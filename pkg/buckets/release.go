package buckets

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/jacquard/jacquard/pkg/constraints"
	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/metrics"
	"github.com/jacquard/jacquard/pkg/odm"
)

// Branch is one (branch_id, bucket_count, settings) triple passed to
// Release, per spec 4.6.
type Branch struct {
	ID       string
	NBuckets int
	Settings map[string]interface{}
}

// NotEnoughBucketsError is returned by Release when the valid bucket pool
// can't satisfy every branch's requested count. Conflicts names the release
// (experiment/rollout) identifiers whose existing entries blocked buckets
// from being usable, so a UI can say "conflicts with rollout X, experiment
// Y".
type NotEnoughBucketsError struct {
	Conflicts map[string]struct{}
}

func (e *NotEnoughBucketsError) Error() string {
	return fmt.Sprintf("buckets: not enough free buckets, conflicts with: %s", e.HumanReadable())
}

// HumanReadable renders conflicts sorted and with the same
// "rollout on key \"x\"" special-casing as the original
// buckets/exceptions.py:human_readable_conflicts.
func (e *NotEnoughBucketsError) HumanReadable() string {
	names := make([]string, 0, len(e.Conflicts))
	for name := range e.Conflicts {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = formatConflict(name)
	}
	return strings.Join(parts, ", ")
}

func formatConflict(name string) string {
	if strings.HasPrefix(name, "rollout:") {
		key := strings.TrimPrefix(name, "rollout:")
		return fmt.Sprintf("rollout on key %q", key)
	}
	return name
}

// Release allocates buckets for a new experiment/rollout release, per spec
// 4.6. name identifies the release (an experiment id, or "rollout:<setting>"
// for a rollout); constraints should already be specialised to the launch
// context if the caller wants concrete date bounds recorded.
func Release(ctx context.Context, store kv.Store, name string, c constraints.Constraints, branchSpecs []Branch) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReleaseDuration)

	err := odm.Transaction(ctx, store, func(ctx context.Context, session *odm.Session) error {
		return ReleaseInSession(ctx, session, name, c, branchSpecs)
	})

	outcome := "success"
	if err != nil {
		outcome = "failure"
		if err == kv.ErrRetry {
			outcome = "retry"
		}
	}
	metrics.ReleasesTotal.WithLabelValues(outcome).Inc()
	return err
}

// ReleaseInSession runs the release algorithm against an already-open ODM
// session, so a caller that must update other records (e.g. an Experiment)
// atomically with the bucket allocation can compose it into their own
// transaction instead of opening a second one.
func ReleaseInSession(ctx context.Context, session *odm.Session, name string, c constraints.Constraints, branchSpecs []Branch) error {
	editedSettings := make(map[string]struct{})
	for _, b := range branchSpecs {
		for setting := range b.Settings {
			editedSettings[setting] = struct{}{}
		}
	}

	all := make([]*Bucket, NumBuckets)
	for i := 0; i < NumBuckets; i++ {
		bucket, err := odm.Get(ctx, session, fmt.Sprintf("%d", i), odm.DefaultEmptyInstance, NewBucket)
		if err != nil {
			return fmt.Errorf("buckets: load bucket %d: %w", i, err)
		}
		all[i] = bucket
	}

	validIndices, conflicts := validBucketIndices(all, editedSettings, c)

	rand.Shuffle(len(validIndices), func(i, j int) {
		validIndices[i], validIndices[j] = validIndices[j], validIndices[i]
	})

	pool := validIndices
	for _, branch := range branchSpecs {
		if len(pool) < branch.NBuckets {
			logger.Warn().
				Str("release", name).
				Str("branch", branch.ID).
				Int("wanted", branch.NBuckets).
				Int("available", len(pool)).
				Msg("not enough free buckets for release")
			return &NotEnoughBucketsError{Conflicts: conflicts}
		}
		selected := pool[:branch.NBuckets]
		pool = pool[branch.NBuckets:]

		key := Key{name, branch.ID}
		for _, idx := range selected {
			all[idx].Add(key, branch.Settings, c)
			// A bucket loaded from storage is already attached, so Add
			// fails here and we just mark it dirty; one that was absent
			// gets attached (and dirtied) by Add itself. Either way, only
			// buckets that actually receive an entry get written.
			if err := session.Add(all[idx]); err != nil {
				session.MarkInstanceDirty(all[idx])
			}
		}
	}

	logger.Info().Str("release", name).Int("branches", len(branchSpecs)).Msg("release allocated buckets")
	return nil
}

// validBucketIndices implements spec 4.6 step 3: a bucket is valid for this
// release iff, for every existing entry, editedSettings is disjoint from
// that entry's settings, or that entry's constraints are provably disjoint
// from the new release's constraints. Conflicts records every release name
// that ruled a bucket out, for NotEnoughBucketsError.
func validBucketIndices(all []*Bucket, editedSettings map[string]struct{}, c constraints.Constraints) ([]int, map[string]struct{}) {
	conflicts := make(map[string]struct{})
	valid := make([]int, 0, len(all))

	for idx, bucket := range all {
		ok := true
		for _, entry := range bucket.Entries {
			if settingsDisjoint(editedSettings, entry.Settings) {
				continue
			}
			if entry.Constraints.IsProvablyDisjointFrom(c) {
				continue
			}
			ok = false
			conflicts[entry.Key[0]] = struct{}{}
		}
		if ok {
			valid = append(valid, idx)
		}
	}
	return valid, conflicts
}

func settingsDisjoint(edited map[string]struct{}, entrySettings map[string]interface{}) bool {
	for name := range entrySettings {
		if _, clash := edited[name]; clash {
			return false
		}
	}
	return true
}

// Close retracts the given branches of a release: every bucket entry whose
// key's first component is name and whose second component is in branches
// is removed. Buckets rendered empty are deleted from the store.
func Close(ctx context.Context, store kv.Store, name string, branchIDs []string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CloseDuration)

	return odm.Transaction(ctx, store, func(ctx context.Context, session *odm.Session) error {
		return CloseInSession(ctx, session, name, branchIDs)
	})
}

// CloseInSession is the session-scoped counterpart to ReleaseInSession, used
// by experiments.Conclude to retract a release's buckets as part of the same
// transaction that updates the experiment record and active/concluded lists.
func CloseInSession(ctx context.Context, session *odm.Session, name string, branchIDs []string) error {
	branchSet := make(map[string]struct{}, len(branchIDs))
	for _, id := range branchIDs {
		branchSet[id] = struct{}{}
	}

	for i := 0; i < NumBuckets; i++ {
		pk := fmt.Sprintf("%d", i)
		bucket, err := odm.Get(ctx, session, pk, odm.DefaultEmptyInstance, NewBucket)
		if err != nil {
			return fmt.Errorf("buckets: load bucket %d: %w", i, err)
		}

		kept := bucket.Entries[:0]
		changed := false
		for _, e := range bucket.Entries {
			if e.Key[0] == name {
				if _, match := branchSet[e.Key[1]]; match {
					changed = true
					continue
				}
			}
			kept = append(kept, e)
		}
		if !changed {
			continue
		}
		bucket.Entries = kept

		// odm.Get(DefaultEmptyInstance) only reaches here (changed=true)
		// when the bucket was found in storage, which means it is already
		// attached to the session's identity map; no Add call is needed,
		// only a dirty mark or a removal.
		if bucket.Empty() {
			session.Remove(bucket)
		} else {
			session.MarkInstanceDirty(bucket)
		}
	}
	return nil
}
