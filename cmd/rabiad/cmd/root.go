// Package cmd is the spf13/cobra command tree for rabiad: thin glue that
// parses flags, loads config.Config, and drives the engine package. It
// contains no consensus logic of its own.
package cmd

import (
	"github.com/spf13/cobra"
)

// New builds the root rabiad command with its run/genesis/status
// subcommands attached.
func New() *cobra.Command {
	root := &cobra.Command{
		Use:           "rabiad",
		Short:         "Run and manage a Rabia consensus cluster node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newGenesisCmd())
	root.AddCommand(newStatusCmd())

	return root
}
