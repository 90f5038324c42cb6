package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quorumkv/rabia/clusterlog"
	"github.com/quorumkv/rabia/config"
	"github.com/quorumkv/rabia/engine"
	"github.com/quorumkv/rabia/kv"
)

// shutdownGrace bounds how long run waits for the node's background
// goroutines to stop cleanly once a quit signal arrives.
const shutdownGrace = 10 * time.Second

type runFlags struct {
	configFile string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts a cluster node",
		Long:  "Starts a Rabia consensus node from the cluster configuration at --config, serving a structured-key store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configFile, "config", "c", "", "path to the node's YAML configuration (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runNode(ctx context.Context, flags *runFlags) error {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := clusterlog.New(cfg.LogLevel, cfg.LogFormat, nil)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	log = clusterlog.Node(log, cfg.SelfID)

	sm := kv.New()

	h, err := engine.Start(ctx, cfg, sm)
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	log.InfoContext(ctx, "rabiad node started", "cluster_size", cfg.ClusterSize, "listen_addr", cfg.ListenAddr)
	h.ObserveLeader(func(previous, current *uuid.UUID) {
		log.InfoContext(ctx, "leader changed", "previous", previous, "current", current)
	})

	<-ctx.Done()
	log.InfoContext(ctx, "rabiad node shutting down", "cause", context.Cause(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down node: %w", err)
	}
	return nil
}
