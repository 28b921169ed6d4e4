package experiments

import (
	"context"
	"fmt"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/kv/txmap"
	"github.com/jacquard/jacquard/pkg/odm"
)

// Get fetches a single experiment by id in its own read-only transaction.
func Get(ctx context.Context, store kv.Store, id string) (*Experiment, error) {
	var result *Experiment

	err := txmap.WithTransaction(ctx, store, true, func(ctx context.Context, m *txmap.Map) error {
		session := odm.NewFromMap(m)
		exp, err := odm.Get(ctx, session, id, odm.DefaultRaise, NewExperiment)
		if err != nil {
			return fmt.Errorf("experiments: get %q: %w", id, err)
		}
		result = exp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ActiveIDs returns the active-experiments list.
func ActiveIDs(ctx context.Context, store kv.Store) ([]string, error) {
	var ids []string
	err := txmap.WithTransaction(ctx, store, true, func(ctx context.Context, m *txmap.Map) error {
		list, err := getStringList(ctx, m, activeExperimentsKey)
		if err != nil {
			return err
		}
		ids = list
		return nil
	})
	return ids, err
}

// ConcludedIDs returns the concluded-experiments list.
func ConcludedIDs(ctx context.Context, store kv.Store) ([]string, error) {
	var ids []string
	err := txmap.WithTransaction(ctx, store, true, func(ctx context.Context, m *txmap.Map) error {
		list, err := getStringList(ctx, m, concludedExperimentsKey)
		if err != nil {
			return err
		}
		ids = list
		return nil
	})
	return ids, err
}

// List returns every active and concluded experiment record, active ones
// first, for the "experiments overview" external interface (spec 6).
func List(ctx context.Context, store kv.Store) ([]*Experiment, error) {
	var out []*Experiment

	err := txmap.WithTransaction(ctx, store, true, func(ctx context.Context, m *txmap.Map) error {
		session := odm.NewFromMap(m)

		active, err := getStringList(ctx, m, activeExperimentsKey)
		if err != nil {
			return err
		}
		concluded, err := getStringList(ctx, m, concludedExperimentsKey)
		if err != nil {
			return err
		}

		for _, id := range append(append([]string{}, active...), concluded...) {
			exp, err := odm.Get(ctx, session, id, odm.DefaultRaise, NewExperiment)
			if err != nil {
				return fmt.Errorf("experiments: list: %q: %w", id, err)
			}
			out = append(out, exp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
