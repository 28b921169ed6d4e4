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

// openStore constructs the kv.Store named by cmd's persistent --backend
// flag. This stands in for the plugin/entry-point registry the original
// used to pick a backend by name (spec 9); here it is a plain switch.
func openStore(ctx context.Context, cmd *cobra.Command) (kv.Store, error) {
	backend, _ := cmd.Flags().GetString("backend")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	redisURL, _ := cmd.Flags().GetString("redis-url")
	redisPrefix, _ := cmd.Flags().GetString("redis-prefix")
	raftNodeID, _ := cmd.Flags().GetString("raft-node-id")
	raftBindAddr, _ := cmd.Flags().GetString("raft-bind-addr")
	raftBootstrap, _ := cmd.Flags().GetBool("raft-bootstrap")

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
