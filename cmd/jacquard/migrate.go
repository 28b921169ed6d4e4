package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/kv/bolt"
	"github.com/jacquard/jacquard/pkg/kv/clonedredis"
	"github.com/jacquard/jacquard/pkg/kv/dummy"
	"github.com/jacquard/jacquard/pkg/kv/raftkv"
	"github.com/jacquard/jacquard/pkg/kv/redis"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <from-backend> <to-backend>",
	Short: "Copy every key from one KV backend to another",
	Long: `migrate reads every key visible in one backend and writes it to
another in a single destination transaction. It is most useful for moving
local bring-up data from the dummy or bolt backend onto a shared
redis/clonedredis deployment.`,
	Args: cobra.ExactArgs(2),
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("from-data-dir", "./data", "Data directory for a bolt --from-backend")
	migrateCmd.Flags().String("to-data-dir", "./data", "Data directory for a bolt --to-backend")
	migrateCmd.Flags().String("from-redis-url", "redis://127.0.0.1:6379/0", "Redis URL for a redis/clonedredis --from-backend")
	migrateCmd.Flags().String("to-redis-url", "redis://127.0.0.1:6379/0", "Redis URL for a redis/clonedredis --to-backend")
	migrateCmd.Flags().String("from-redis-prefix", "jacquard", "Key prefix for a redis/clonedredis --from-backend")
	migrateCmd.Flags().String("to-redis-prefix", "jacquard", "Key prefix for a redis/clonedredis --to-backend")
	migrateCmd.Flags().String("from-raft-node-id", "node1", "Raft server ID for a raftkv --from-backend")
	migrateCmd.Flags().String("to-raft-node-id", "node1", "Raft server ID for a raftkv --to-backend")
	migrateCmd.Flags().String("from-raft-bind-addr", "127.0.0.1:7000", "Raft TCP transport address for a raftkv --from-backend")
	migrateCmd.Flags().String("to-raft-bind-addr", "127.0.0.1:7001", "Raft TCP transport address for a raftkv --to-backend")
	migrateCmd.Flags().Bool("from-raft-bootstrap", true, "Bootstrap a single-node Raft cluster for a raftkv --from-backend")
	migrateCmd.Flags().Bool("to-raft-bootstrap", true, "Bootstrap a single-node Raft cluster for a raftkv --to-backend")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	src, err := openNamedStore(ctx, cmd, args[0], "from")
	if err != nil {
		return fmt.Errorf("open source backend %q: %w", args[0], err)
	}
	dst, err := openNamedStore(ctx, cmd, args[1], "to")
	if err != nil {
		return fmt.Errorf("open destination backend %q: %w", args[1], err)
	}

	if err := kv.Copy(ctx, src, dst); err != nil {
		return fmt.Errorf("migrate %s -> %s: %w", args[0], args[1], err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "migrated %s -> %s\n", args[0], args[1])
	return nil
}

// openNamedStore opens a backend by name for migrate, reading flags scoped
// with the given side prefix ("from"/"to") rather than the shared
// --backend/--data-dir/--redis-url flags openStore uses, since migrate needs
// two independently configured backends at once.
func openNamedStore(ctx context.Context, cmd *cobra.Command, backend, side string) (kv.Store, error) {
	dataDir, _ := cmd.Flags().GetString(side + "-data-dir")
	redisURL, _ := cmd.Flags().GetString(side + "-redis-url")
	redisPrefix, _ := cmd.Flags().GetString(side + "-redis-prefix")
	raftNodeID, _ := cmd.Flags().GetString(side + "-raft-node-id")
	raftBindAddr, _ := cmd.Flags().GetString(side + "-raft-bind-addr")
	raftBootstrap, _ := cmd.Flags().GetBool(side + "-raft-bootstrap")

	switch backend {
	case "dummy":
		return dummy.New(nil), nil
	case "bolt":
		return bolt.Open(dataDir)
	case "redis":
		return redis.Open(ctx, redisURL, redisPrefix)
	case "clonedredis":
		opts, err := goredis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		return clonedredis.Open(ctx, client, redisPrefix)
	case "raftkv":
		return raftkv.Open(raftNodeID, raftBindAddr, dataDir, raftBootstrap)
	default:
		return nil, fmt.Errorf("unknown backend %q (want dummy, bolt, redis, clonedredis, raftkv)", backend)
	}
}
