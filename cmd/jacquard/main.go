// Command jacquard is the administrative entry point driving the
// experiment/bucket assignment core: load definitions, launch/conclude
// experiments, resolve a user's settings, and inspect store health. The HTTP
// surface and CLI argument-parsing framework of a complete deployment are
// external collaborators (spec 1); this binary is the minimal ambient hull
// needed to drive the core directly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jacquard/jacquard/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jacquard",
	Short: "Jacquard experiment/bucket assignment control plane",
	Long: `Jacquard stores experiment definitions, partitions users into
deterministic buckets, and answers "what settings apply to you now?"

This binary drives the core directly: load experiment definitions, launch
and conclude experiments, resolve a single user's settings, and inspect
store occupancy.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("backend", "bolt", "KV backend: dummy, bolt, redis, clonedredis, raftkv")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory for the bolt/raftkv backends")
	rootCmd.PersistentFlags().String("redis-url", "redis://127.0.0.1:6379/0", "Redis URL for the redis/clonedredis backends")
	rootCmd.PersistentFlags().String("redis-prefix", "jacquard", "Key prefix for the redis/clonedredis backends")
	rootCmd.PersistentFlags().String("raft-node-id", "node1", "Raft server ID for the raftkv backend")
	rootCmd.PersistentFlags().String("raft-bind-addr", "127.0.0.1:7000", "Raft TCP transport address for the raftkv backend")
	rootCmd.PersistentFlags().Bool("raft-bootstrap", true, "Bootstrap a single-node Raft cluster for the raftkv backend")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(concludeCmd)
	rootCmd.AddCommand(getSettingsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(experimentCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
