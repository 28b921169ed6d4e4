package experiments

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jacquard/jacquard/pkg/buckets"
	"github.com/jacquard/jacquard/pkg/constraints"
	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/kv/txmap"
	"github.com/jacquard/jacquard/pkg/odm"
)

// Launch transitions an experiment draft -> active (spec 4.7). now is the
// era-start date used to specialise the experiment's constraints and is
// stamped as Launched. If the experiment was previously concluded, relaunch
// must be true, which clears Launched/Concluded before relaunching.
func Launch(ctx context.Context, store kv.Store, id string, relaunch bool, now time.Time) error {
	return txmap.WithTransaction(ctx, store, false, func(ctx context.Context, m *txmap.Map) error {
		session := odm.NewFromMap(m)

		exp, err := odm.Get(ctx, session, id, odm.DefaultRaise, NewExperiment)
		if err != nil {
			return fmt.Errorf("experiments: launch %q: %w", id, err)
		}

		active, err := getStringList(ctx, m, activeExperimentsKey)
		if err != nil {
			return err
		}
		concluded, err := getStringList(ctx, m, concludedExperimentsKey)
		if err != nil {
			return err
		}

		if containsString(active, id) {
			return &IllegalTransitionError{Msg: fmt.Sprintf("experiment %q is already active", id)}
		}

		wasConcluded := containsString(concluded, id)
		if wasConcluded {
			if !relaunch {
				return &IllegalTransitionError{Msg: fmt.Sprintf("experiment %q already concluded; relaunch flag required", id)}
			}
			concluded = withoutString(concluded, id)
			exp.Launched = nil
			exp.Concluded = nil
		}

		launchConstraints := exp.Constraints.Specialise(constraints.Context{EraStartDate: now})
		branchSpecs := launchBranchSpecs(exp.Branches)

		if err := buckets.ReleaseInSession(ctx, session, id, launchConstraints, branchSpecs); err != nil {
			return fmt.Errorf("experiments: launch %q: %w", id, err)
		}

		launchedAt := now
		exp.Launched = &launchedAt
		session.MarkInstanceDirty(exp)

		if err := m.Set(activeExperimentsKey, append(active, id)); err != nil {
			return err
		}
		if wasConcluded {
			if err := m.Set(concludedExperimentsKey, concluded); err != nil {
				return err
			}
		}

		if err := session.Flush(ctx); err != nil {
			return err
		}

		logger.Info().Str("experiment", id).Msg("experiment launched")
		return nil
	})
}

// Conclude transitions an experiment active -> concluded (spec 4.7),
// retracting its buckets and optionally promoting one branch's settings into
// defaults.
func Conclude(ctx context.Context, store kv.Store, id string, promoteBranch string, now time.Time) error {
	return txmap.WithTransaction(ctx, store, false, func(ctx context.Context, m *txmap.Map) error {
		session := odm.NewFromMap(m)

		exp, err := odm.Get(ctx, session, id, odm.DefaultRaise, NewExperiment)
		if err != nil {
			return fmt.Errorf("experiments: conclude %q: %w", id, err)
		}

		active, err := getStringList(ctx, m, activeExperimentsKey)
		if err != nil {
			return err
		}
		concluded, err := getStringList(ctx, m, concludedExperimentsKey)
		if err != nil {
			return err
		}

		if !containsString(active, id) {
			if exp.Concluded != nil {
				return &IllegalTransitionError{Msg: fmt.Sprintf("experiment %q already concluded at %s", id, exp.Concluded.Format(time.RFC3339))}
			}
			return &IllegalTransitionError{Msg: fmt.Sprintf("experiment %q was never launched", id)}
		}

		branchIDs := make([]string, len(exp.Branches))
		for i, b := range exp.Branches {
			branchIDs[i] = b.ID
		}

		if err := buckets.CloseInSession(ctx, session, id, branchIDs); err != nil {
			return fmt.Errorf("experiments: conclude %q: %w", id, err)
		}

		if promoteBranch != "" {
			branch, err := exp.Branch(promoteBranch)
			if err != nil {
				return err
			}
			defaults, err := getDefaults(ctx, m)
			if err != nil {
				return err
			}
			for k, v := range branch.Settings {
				defaults[k] = v
			}
			if err := m.Set(defaultsKey, defaults); err != nil {
				return err
			}
		}

		concludedAt := now
		exp.Concluded = &concludedAt
		session.MarkInstanceDirty(exp)

		if err := m.Set(activeExperimentsKey, withoutString(active, id)); err != nil {
			return err
		}
		if err := m.Set(concludedExperimentsKey, append(concluded, id)); err != nil {
			return err
		}

		if err := session.Flush(ctx); err != nil {
			return err
		}

		logger.Info().Str("experiment", id).Str("promoted_branch", promoteBranch).Msg("experiment concluded")
		return nil
	})
}

// launchBranchSpecs computes each branch's share of the bucket ring: percent
// defaults to floor(100/branch_count), and bucket count is
// floor(NUM_BUCKETS * percent / 100) (spec 4.7).
func launchBranchSpecs(branchList []Branch) []buckets.Branch {
	defaultPercent := math.Floor(100 / float64(len(branchList)))

	specs := make([]buckets.Branch, len(branchList))
	for i, b := range branchList {
		percent := defaultPercent
		if b.Percent != nil {
			percent = *b.Percent
		}
		nBuckets := int(math.Floor(float64(buckets.NumBuckets) * percent / 100))
		specs[i] = buckets.Branch{ID: b.ID, NBuckets: nBuckets, Settings: b.Settings}
	}
	return specs
}
