package main

import (
	"github.com/spf13/cobra"

	"nfaudit/internal/platform/config"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nfauditctl",
		Short:         "nfauditctl - audit NF-e invoices from the command line",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
	}
	root.AddCommand(NewAuditCmd(config.FromEnv))
	root.AddCommand(NewValidateCmd())
	return root
}
