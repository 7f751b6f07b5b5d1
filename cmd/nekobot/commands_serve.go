package main

import "github.com/spf13/cobra"

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the bot.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		Long: `Run the bot with all configured adapters, providers and plugins.

The server will:
1. Load configuration from the specified file (or nekobot.yaml)
2. Open the record store
3. Register language model providers
4. Load official and installed plugins
5. Connect every enabled OneBot adapter, retrying until it comes online
6. Serve Prometheus metrics when enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  nekobot serve

  # Start with a custom config and debug logging
  nekobot serve --config /etc/nekobot/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}
