package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nekobot/internal/config"
)

// =============================================================================
// Config Command Handlers
// =============================================================================

// runConfigValidate loads the file strictly: a missing file is an error here.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := resolveConfigPath(configPath)
	cfg, err := config.Load(path)
	out := cmd.OutOrStdout()
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(out, "%s is invalid:\n", path)
			for _, issue := range verr.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
			return fmt.Errorf("%d problem(s) found", len(verr.Issues))
		}
		return err
	}

	enabled := 0
	for _, a := range cfg.Adapters {
		if a.IsEnabled() {
			enabled++
		}
	}
	fmt.Fprintf(out, "%s is valid (version %d)\n", path, cfg.Version)
	fmt.Fprintf(out, "  Storage: %s\n", cfg.Storage.Driver)
	fmt.Fprintf(out, "  Adapters: %d enabled of %d\n", enabled, len(cfg.Adapters))
	fmt.Fprintf(out, "  Providers: %d\n", len(cfg.LLM.Providers))
	return nil
}

// runConfigSchema prints the configuration schema.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}
