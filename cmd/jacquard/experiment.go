package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jacquard/jacquard/pkg/buckets"
	"github.com/jacquard/jacquard/pkg/experiments"
	"github.com/jacquard/jacquard/pkg/kv/txmap"
	"github.com/jacquard/jacquard/pkg/odm"
)

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Inspect experiment definitions and bucket assignments",
}

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every experiment, active first, then concluded",
	Args:  cobra.NoArgs,
	RunE:  runExperimentList,
}

var experimentGetCmd = &cobra.Command{
	Use:   "get <experiment-id>",
	Short: "Print one experiment's definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentGet,
}

var experimentConflictsCmd = &cobra.Command{
	Use:   "conflicts <bucket-index>",
	Short: "Show which distinct constraint groups occupy a bucket, and the settings each contributes",
	Long: `conflicts is a diagnostic for "why did my release fail with
NotEnoughBucketsError": it lists every constraint group already occupying
the named bucket and the settings each one contributes. Release does not use
this grouping; it checks each existing entry on its own.`,
	Args: cobra.ExactArgs(1),
	RunE: runExperimentConflicts,
}

func init() {
	experimentCmd.AddCommand(experimentListCmd)
	experimentCmd.AddCommand(experimentGetCmd)
	experimentCmd.AddCommand(experimentConflictsCmd)
}

func runExperimentList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore(ctx, cmd)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	list, err := experiments.List(ctx, store)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, exp := range list {
		state := "draft"
		switch {
		case exp.IsActive():
			state = "active"
		case exp.IsConcluded():
			state = "concluded"
		}
		fmt.Fprintf(out, "%-30s %-10s branches=%d\n", exp.PK(), state, len(exp.Branches))
	}
	return nil
}

func runExperimentGet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore(ctx, cmd)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	exp, err := experiments.Get(ctx, store, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id: %s\n", exp.PK())
	fmt.Fprintf(out, "launched: %v\n", exp.Launched)
	fmt.Fprintf(out, "concluded: %v\n", exp.Concluded)
	for _, b := range exp.Branches {
		fmt.Fprintf(out, "branch %s: settings=%v\n", b.ID, b.Settings)
	}
	return nil
}

func runExperimentConflicts(cmd *cobra.Command, args []string) error {
	var idx int
	if _, err := fmt.Sscanf(args[0], "%d", &idx); err != nil {
		return fmt.Errorf("bucket index must be an integer: %w", err)
	}
	if idx < 0 || idx >= buckets.NumBuckets {
		return fmt.Errorf("bucket index must be between 0 and %d", buckets.NumBuckets-1)
	}

	ctx := context.Background()
	store, err := openStore(ctx, cmd)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var bucket *buckets.Bucket
	err = txmap.WithTransaction(ctx, store, true, func(ctx context.Context, m *txmap.Map) error {
		session := odm.NewFromMap(m)
		b, err := odm.Get(ctx, session, fmt.Sprintf("%d", idx), odm.DefaultEmptyInstance, buckets.NewBucket)
		bucket = b
		return err
	})
	if err != nil {
		return err
	}

	groups := bucket.AffectedSettingsByConstraints()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "bucket %d: %d distinct constraint group(s)\n", idx, len(groups))
	for i, g := range groups {
		names := make([]string, 0, len(g.Settings))
		for name := range g.Settings {
			names = append(names, name)
		}
		fmt.Fprintf(out, "  [%d] constraints=%s settings=%v\n", i, g.Constraints.ToJSON(), names)
	}
	return nil
}
