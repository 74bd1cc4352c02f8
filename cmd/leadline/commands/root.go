// Package commands implements the leadline CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the CLI root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "leadline",
		Short: "Leadline - multi-tenant WhatsApp lead assistant",
		Long: `Leadline runs WhatsApp sessions for multiple tenants, stores every
conversation as a tracked lead, and lets an LLM draft the replies until
a human takes the conversation over.

Examples:
  leadline setup
  leadline serve
  leadline tenant add acme --name "Acme Solar"
  leadline chat "You sell solar panels. Be brief."
  leadline status`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newChatCmd(),
		newTenantCmd(),
		newSecretCmd(),
		newStatusCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
