package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/nekobot/internal/app"
	"github.com/haasonsaas/nekobot/internal/observability"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, builds the app and runs it until a shutdown
// signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	logger.Info("starting nekobot",
		"version", version,
		"commit", commit,
		"config", resolveConfigPath(configPath),
		"debug", debug,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{Config: cfg, Logger: logger, Version: version})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("nekobot stopped")
	return nil
}
