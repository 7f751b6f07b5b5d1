package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nekobot/internal/storage"
)

// =============================================================================
// Plugin Command Handlers
// =============================================================================

// runPluginsList prints the persisted plugin records.
func runPluginsList(cmd *cobra.Command, configPath string) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	records, err := a.Stores.Plugins.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("list plugins: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No plugins installed.")
		return nil
	}
	fmt.Fprintf(out, "%-20s %-10s %-9s %-8s %s\n", "NAME", "VERSION", "STATE", "OFFICIAL", "PATH")
	for _, rec := range records {
		state := "disabled"
		if rec.Enabled {
			state = "enabled"
		}
		official := "no"
		if rec.IsOfficial {
			official = "yes"
		}
		fmt.Fprintf(out, "%-20s %-10s %-9s %-8s %s\n", rec.Name, rec.Version, state, official, rec.InstallPath)
		if desc := strings.TrimSpace(rec.Description); desc != "" {
			if len(desc) > 70 {
				desc = desc[:67] + "..."
			}
			fmt.Fprintf(out, "  %s\n", desc)
		}
	}
	return nil
}

// runPluginsInstall extracts and loads a plugin package.
func runPluginsInstall(cmd *cobra.Command, configPath, archive string, force bool) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	desc, err := a.Plugins.InstallFromPackage(cmd.Context(), archive, force)
	if err != nil {
		return fmt.Errorf("installation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Installed plugin: %s (%s)\n", desc.Name, desc.Version)
	fmt.Fprintf(out, "  Path: %s\n", desc.InstallPath)
	if len(desc.Capabilities) > 0 {
		caps := make([]string, len(desc.Capabilities))
		for i, c := range desc.Capabilities {
			caps[i] = string(c)
		}
		fmt.Fprintf(out, "  Handles: %s\n", strings.Join(caps, ", "))
	}
	return nil
}

// runPluginsUninstall removes an installed plugin and its record.
func runPluginsUninstall(cmd *cobra.Command, configPath, name string) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	if err := a.Plugins.Uninstall(cmd.Context(), name); err != nil {
		return fmt.Errorf("uninstall failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled plugin: %s\n", name)
	return nil
}

// runPluginsSetEnabled flips the stored state, which the runtime restores
// the next time the plugin loads.
func runPluginsSetEnabled(cmd *cobra.Command, configPath, name string, enabled bool) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	if err := a.Stores.Plugins.SetEnabled(cmd.Context(), name, enabled); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("plugin %q has never been loaded", name)
		}
		return fmt.Errorf("update plugin: %w", err)
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Plugin %s %s; restart or reload to apply.\n", name, state)
	return nil
}
