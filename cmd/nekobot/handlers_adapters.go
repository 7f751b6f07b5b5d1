package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nekobot/internal/config"
)

// =============================================================================
// Adapter Command Handlers
// =============================================================================

type adapterAddOptions struct {
	name      string
	baseURL   string
	wsHost    string
	wsPort    int
	tokenEnv  string
	rateLimit float64
	rateBurst int
	disabled  bool
}

func (o adapterAddOptions) declaration() config.AdapterConfig {
	ac := config.AdapterConfig{
		Name:           o.name,
		Type:           "onebot",
		BaseURL:        o.baseURL,
		WSHost:         o.wsHost,
		WSPort:         o.wsPort,
		AccessTokenEnv: o.tokenEnv,
		RateLimit:      o.rateLimit,
		RateBurst:      o.rateBurst,
	}
	if o.disabled {
		enabled := false
		ac.Enabled = &enabled
	}
	return ac
}

// runAdaptersList prints stored adapter records.
func runAdaptersList(cmd *cobra.Command, configPath string) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	records, err := a.Stores.Adapters.List(cmd.Context(), false)
	if err != nil {
		return fmt.Errorf("list adapters: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No adapters stored.")
		return nil
	}
	fmt.Fprintf(out, "%-16s %-8s %-8s %s\n", "NAME", "TYPE", "ACTIVE", "CONTROL API")
	for _, rec := range records {
		baseURL, _ := rec.Config["base_url"].(string)
		fmt.Fprintf(out, "%-16s %-8s %-8t %s\n", rec.Name, rec.PlatformType, rec.Active, baseURL)
	}
	return nil
}

// runAdaptersAdd registers an adapter and stores it for later starts.
func runAdaptersAdd(cmd *cobra.Command, configPath string, opts adapterAddOptions) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	if err := a.AddAdapter(cmd.Context(), opts.declaration()); err != nil {
		return fmt.Errorf("add adapter: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added adapter: %s\n", opts.name)
	return nil
}

// runAdaptersRemove deletes a stored adapter.
func runAdaptersRemove(cmd *cobra.Command, configPath, name string) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	if err := a.RemoveAdapter(cmd.Context(), name); err != nil {
		return fmt.Errorf("remove adapter: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed adapter: %s\n", name)
	for _, ac := range a.Config().Adapters {
		if ac.Name == name {
			fmt.Fprintln(cmd.OutOrStdout(), "  Note: it is still declared in the config file and returns on next start.")
			break
		}
	}
	return nil
}
