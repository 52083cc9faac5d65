// Package commands implements the clawbridge CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawbridge",
		Short: "Clawbridge - drive an AI coding assistant from chat",
		Long: `Clawbridge bridges messaging platforms (Telegram, Discord) to an
AI coding-assistant runtime: messages become assistant turns, tool
approvals become chat buttons, and sessions survive restarts.

Examples:
  clawbridge serve
  clawbridge serve --channel telegram
  clawbridge setup
  clawbridge config show`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
