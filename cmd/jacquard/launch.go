package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacquard/jacquard/pkg/buckets"
	"github.com/jacquard/jacquard/pkg/experiments"
)

var launchCmd = &cobra.Command{
	Use:   "launch <experiment-id>",
	Short: "Launch an experiment, releasing buckets to each of its branches",
	Args:  cobra.ExactArgs(1),
	RunE:  runLaunch,
}

func init() {
	launchCmd.Flags().Bool("relaunch", false, "Allow relaunching an experiment that previously concluded")
}

func runLaunch(cmd *cobra.Command, args []string) error {
	id := args[0]
	relaunch, _ := cmd.Flags().GetBool("relaunch")

	ctx := context.Background()
	store, err := openStore(ctx, cmd)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	err = experiments.Launch(ctx, store, id, relaunch, time.Now())
	if err != nil {
		var conflict *buckets.NotEnoughBucketsError
		if errors.As(err, &conflict) {
			return fmt.Errorf("cannot launch %q: %s", id, conflict.HumanReadable())
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "launched %s\n", id)
	return nil
}
