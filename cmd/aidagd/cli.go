package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the root cobra command with command sorting disabled
// so subcommands are listed in a fixed, documented order.
func newRootCmd() *cobra.Command {
	cobra.EnableCommandSorting = false

	root := &cobra.Command{
		Use:           "aidagd",
		Short:         "aidag inference DAG engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatsCmd())
	return root
}
