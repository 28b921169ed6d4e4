package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacquard/jacquard/pkg/experiments"
)

var concludeCmd = &cobra.Command{
	Use:   "conclude <experiment-id> [branch-to-promote]",
	Short: "Conclude an active experiment, closing its buckets",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runConclude,
}

func runConclude(cmd *cobra.Command, args []string) error {
	id := args[0]
	promoteBranch := ""
	if len(args) == 2 {
		promoteBranch = args[1]
	}

	ctx := context.Background()
	store, err := openStore(ctx, cmd)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	if err := experiments.Conclude(ctx, store, id, promoteBranch, time.Now()); err != nil {
		return err
	}

	if promoteBranch != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "concluded %s, promoted branch %s into defaults\n", id, promoteBranch)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "concluded %s\n", id)
	}
	return nil
}
