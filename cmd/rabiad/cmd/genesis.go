package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quorumkv/rabia/config"
)

type genesisFlags struct {
	clusterSize int
	outDir      string
	hostname    string
	basePort    int
}

func newGenesisCmd() *cobra.Command {
	flags := &genesisFlags{}
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Generates a cluster of node configurations",
		Long: "Generates one YAML configuration file per node, sharing a consistent cluster " +
			"identity and peer list, in the spirit of the teacher's rootchain/genesis package " +
			"but without any certificate machinery: Rabia's safety comes from the quorum " +
			"intersection property (spec §4.B), not from signed genesis material.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenesis(flags)
		},
	}
	cmd.Flags().IntVar(&flags.clusterSize, "cluster-size", 3, "number of nodes in the cluster")
	cmd.Flags().StringVar(&flags.outDir, "out", ".", "directory to write node-<n>.yaml files to")
	cmd.Flags().StringVar(&flags.hostname, "hostname", "127.0.0.1", "hostname every node's address is built from")
	cmd.Flags().IntVar(&flags.basePort, "base-port", 7000, "first node's listen port; node i listens on base-port+i")
	return cmd
}

func runGenesis(flags *genesisFlags) error {
	if flags.clusterSize < 1 {
		return fmt.Errorf("cluster-size must be positive, got %d", flags.clusterSize)
	}
	if err := os.MkdirAll(flags.outDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", flags.outDir, err)
	}

	ids := make([]uuid.UUID, flags.clusterSize)
	addrs := make([]string, flags.clusterSize)
	for i := range ids {
		ids[i] = uuid.New()
		addrs[i] = fmt.Sprintf("%s:%d", flags.hostname, flags.basePort+i)
	}

	for i := range ids {
		cfg := config.Defaults()
		cfg.ClusterSize = flags.clusterSize
		cfg.SelfID = ids[i]
		cfg.ListenAddr = addrs[i]
		for j := range ids {
			if j == i {
				continue
			}
			cfg.Peers = append(cfg.Peers, config.Peer{ID: ids[j], Address: addrs[j]})
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("generated config for node %d is invalid: %w", i, err)
		}

		raw, err := config.Encode(cfg)
		if err != nil {
			return fmt.Errorf("encoding config for node %d: %w", i, err)
		}

		path := filepath.Join(flags.outDir, fmt.Sprintf("node-%d.yaml", i))
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Printf("wrote %s (self_id=%s)\n", path, ids[i])
	}
	return nil
}
