package main

import "github.com/spf13/cobra"

// =============================================================================
// Provider Commands
// =============================================================================

// buildProvidersCmd creates the "providers" command group.
func buildProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage language model providers",
		Long: `Manage language model providers.

Providers declared under llm.providers are registered on every start.
Providers added here are stored and restored on later starts.`,
	}
	cmd.AddCommand(
		buildProvidersListCmd(),
		buildProvidersAddCmd(),
		buildProvidersRemoveCmd(),
		buildProvidersTestCmd(),
		buildProvidersChatCmd(),
	)
	return cmd
}

func buildProvidersListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildProvidersAddCmd() *cobra.Command {
	var (
		configPath string
		opts       providerAddOptions
	)
	cmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Register and store a provider",
		Example: `  nekobot providers add main --type openai --model gpt-4o-mini --key "$OPENAI_API_KEY"
  nekobot providers add local --type custom --base-url http://localhost:11434/v1 --model llama3 --key unused`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.name = args[0]
			return runProvidersAdd(cmd, configPath, opts)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&opts.providerType, "type", "", "Provider type (openai, anthropic, google, custom)")
	cmd.Flags().StringVar(&opts.model, "model", "", "Default model")
	cmd.Flags().StringArrayVar(&opts.keys, "key", nil, "API key (repeat to rotate across several keys)")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "Endpoint override (required for custom)")
	cmd.Flags().Float64Var(&opts.temperature, "temperature", -1, "Default sampling temperature")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 0, "Default reply token limit")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func buildProvidersRemoveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "remove [name]",
		Short: "Remove a stored provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersRemove(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildProvidersTestCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "test [name...]",
		Short: "Send a probe request to providers",
		Long: `Send a short probe request to each named provider, or to every
registered provider when no name is given, and report which respond.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersTest(cmd, configPath, args)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildProvidersChatCmd() *cobra.Command {
	var (
		configPath string
		system     string
		model      string
		stream     bool
	)
	cmd := &cobra.Command{
		Use:   "chat [provider] [prompt]",
		Short: "Send one prompt to a provider",
		Example: `  nekobot providers chat main "Say hello"
  nekobot providers chat main "Write a haiku" --stream`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersChat(cmd, configPath, args[0], args[1], system, model, stream)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().StringVar(&model, "model", "", "Model override")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print the reply as it arrives")
	return cmd
}
