package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacquard/jacquard/pkg/experiments"
)

var loadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load an experiment definition from a JSON or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoad,
}

func init() {
	loadCmd.Flags().Bool("skip-launched", false, "Silently skip the file if a same-id experiment is already live")
	loadCmd.Flags().String("format", "", "Force the file format (json or yaml) instead of inferring it from the extension")
}

func runLoad(cmd *cobra.Command, args []string) error {
	path := args[0]
	skipLaunched, _ := cmd.Flags().GetBool("skip-launched")
	formatFlag, _ := cmd.Flags().GetString("format")

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	format := experiments.FormatFromExtension(path)
	switch formatFlag {
	case "json":
		format = experiments.FormatJSON
	case "yaml", "yml":
		format = experiments.FormatYAML
	}

	ctx := context.Background()

	store, err := openStore(ctx, cmd)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	start := time.Now()
	if err := experiments.Load(ctx, store, raw, format, skipLaunched); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "loaded %s in %s\n", path, time.Since(start).Round(time.Millisecond))
	return nil
}
