package main

import "github.com/spf13/cobra"

// =============================================================================
// Adapter Commands
// =============================================================================

// buildAdaptersCmd creates the "adapters" command group.
func buildAdaptersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "Manage platform adapters",
		Long: `Manage OneBot v11 platform adapters.

Adapters declared under adapters are registered on every start. Adapters
added here are stored and restored on later starts. Access tokens are never
stored; use --access-token-env to name the variable that holds one.`,
	}
	cmd.AddCommand(
		buildAdaptersListCmd(),
		buildAdaptersAddCmd(),
		buildAdaptersRemoveCmd(),
	)
	return cmd
}

func buildAdaptersListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdaptersList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildAdaptersAddCmd() *cobra.Command {
	var (
		configPath string
		opts       adapterAddOptions
	)
	cmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Register and store a OneBot adapter",
		Example: `  nekobot adapters add qq --base-url http://127.0.0.1:3000 --ws-port 6299 --access-token-env NAPCAT_TOKEN`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.name = args[0]
			return runAdaptersAdd(cmd, configPath, opts)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "Control API URL (default http://localhost:3000)")
	cmd.Flags().StringVar(&opts.wsHost, "ws-host", "", "Inbound websocket listen host")
	cmd.Flags().IntVar(&opts.wsPort, "ws-port", 0, "Inbound websocket listen port")
	cmd.Flags().StringVar(&opts.tokenEnv, "access-token-env", "", "Environment variable holding the access token")
	cmd.Flags().Float64Var(&opts.rateLimit, "rate-limit", 0, "Outbound messages per second")
	cmd.Flags().IntVar(&opts.rateBurst, "rate-burst", 0, "Outbound burst size")
	cmd.Flags().BoolVar(&opts.disabled, "disabled", false, "Store the adapter without starting it")
	return cmd
}

func buildAdaptersRemoveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "remove [name]",
		Short: "Remove a stored adapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdaptersRemove(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}
