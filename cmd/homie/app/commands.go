// Package app provides the entry point for the homie command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:               "homie",
	DisableAutoGenTag: true,
	Short:             "Homie is a small self-hosted household hub",
	Long: `Homie is a small self-hosted hub for a household: shared shopping
lists, chores, bills and expiry tracking behind a single login.

Authentication runs in one of two modes: against an external OIDC
provider with allow-list authorization, or against a fixed local roster
of household members when no provider is configured.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		_ = cmd.Help()
	},
}

// NewRootCmd creates a new root command for the homie CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
