// Package main provides the CLI entry point for nekobot, a plugin-driven chat
// bot framework for OneBot v11 platforms with pluggable language model
// providers.
//
// # Basic Usage
//
// Start the bot:
//
//	nekobot serve --config nekobot.yaml
//
// Install a plugin package:
//
//	nekobot plugins install ./echo.zip
//
// Check a configured provider:
//
//	nekobot providers test main
//
// # Environment Variables
//
//   - NEKOBOT_CONFIG: Path to the configuration file (default: nekobot.yaml)
//
// Any ${VAR} reference inside the configuration file is expanded from the
// environment, which is the usual way to supply API keys and access tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nekobot/internal/app"
	"github.com/haasonsaas/nekobot/internal/config"
	"github.com/haasonsaas/nekobot/internal/observability"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "nekobot.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nekobot",
		Short: "nekobot - plugin-driven chat bot framework",
		Long: `nekobot connects OneBot v11 platforms (NapCat and compatible QQ bridges)
to hot-reloadable plugins and to language model providers.

Supported providers: OpenAI, Anthropic, Google Gemini, OpenAI-compatible endpoints`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildPluginsCmd(),
		buildProvidersCmd(),
		buildAdaptersCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nekobot %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies NEKOBOT_CONFIG when the flag was left at its
// default.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" || path == defaultConfigPath {
		if env := strings.TrimSpace(os.Getenv("NEKOBOT_CONFIG")); env != "" {
			return env
		}
		return defaultConfigPath
	}
	return path
}

// loadConfig loads path. A missing default file yields the built-in defaults
// so the bot can start with no configuration at all.
func loadConfig(path string) (*config.Config, error) {
	path = resolveConfigPath(path)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

// openApp builds the application for one-shot commands. Its logger only
// reports warnings so command output stays readable.
func openApp(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: os.Stderr,
	})
	return app.New(ctx, app.Options{Config: cfg, Logger: logger, Version: version})
}

func closeApp(cmd *cobra.Command, a *app.App) {
	if err := a.Shutdown(context.WithoutCancel(cmd.Context())); err != nil {
		slog.Warn("shutdown failed", "error", err)
	}
}
