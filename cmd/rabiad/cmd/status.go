package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quorumkv/rabia/config"
)

type statusFlags struct {
	configFile string
	timeout    time.Duration
}

type statusResponse struct {
	NodeID       uuid.UUID `json:"node_id"`
	Leader       uuid.UUID `json:"leader"`
	IsLeader     bool      `json:"is_leader"`
	AppliedPhase uint64    `json:"applied_phase"`
}

func newStatusCmd() *cobra.Command {
	flags := &statusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Reports a running node's leader and applied phase",
		Long:  "Connects to the admin endpoint of the node described by --config and prints its leader and applied phase. Requires that node's metrics_addr to be configured.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configFile, "config", "c", "", "path to the target node's YAML configuration (required)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runStatus(flags *statusFlags) error {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.MetricsAddr == "" {
		return fmt.Errorf("status requires metrics_addr to be set in %s (the admin endpoint is mounted alongside /metrics)", flags.configFile)
	}

	client := &http.Client{Timeout: flags.timeout}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", cfg.MetricsAddr))
	if err != nil {
		return fmt.Errorf("querying node status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node returned status %s", resp.Status)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding status response: %w", err)
	}

	fmt.Printf("node:          %s\n", status.NodeID)
	fmt.Printf("leader:        %s\n", status.Leader)
	fmt.Printf("is leader:     %v\n", status.IsLeader)
	fmt.Printf("applied phase: %d\n", status.AppliedPhase)
	return nil
}
