package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jacquard/jacquard/pkg/buckets"
	"github.com/jacquard/jacquard/pkg/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print store occupancy: buckets in use, active and concluded experiments",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore(ctx, cmd)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	cfg := control.New(store, nil)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "buckets occupied:    %d / %d\n", cfg.BucketsOccupied(), buckets.NumBuckets)
	fmt.Fprintf(out, "active experiments:  %d\n", cfg.ActiveExperiments())
	fmt.Fprintf(out, "concluded experiments: %d\n", cfg.ConcludedExperiments())
	return nil
}
