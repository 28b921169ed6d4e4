package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jacquard/jacquard/pkg/control"
)

var getSettingsCmd = &cobra.Command{
	Use:   "get-settings <user-id>",
	Short: "Resolve the effective settings for a single user",
	Args:  cobra.ExactArgs(1),
	RunE:  runGetSettings,
}

func runGetSettings(cmd *cobra.Command, args []string) error {
	userID := args[0]

	ctx := context.Background()
	store, err := openStore(ctx, cmd)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// No directory is wired into the CLI; experiments gated on user
	// constraints (tags, join date) are out of reach from here and surface
	// settings.ProgrammerError, same as any other caller lacking a directory.
	cfg := control.New(store, nil)

	result, err := cfg.GetSettings(ctx, userID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
