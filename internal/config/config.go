// Package config loads and validates the nekobot configuration file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nekobot/internal/storage"
)

// Config is the main configuration structure for nekobot.
type Config struct {
	Version  int             `yaml:"version"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Tracing  TracingConfig   `yaml:"tracing"`
	Storage  storage.Config  `yaml:"storage"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Plugins  PluginsConfig   `yaml:"plugins"`
	LLM      LLMConfig       `yaml:"llm"`
	Adapters []AdapterConfig `yaml:"adapters"`
}

// DispatchConfig tunes the event dispatcher.
type DispatchConfig struct {
	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config invalid"
	}
	return "config invalid: " + strings.Join(e.Issues, "; ")
}

// Load reads, merges and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "nekobot"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}

	def := storage.DefaultConfig()
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Driver
	}
	if cfg.Storage.Driver == storage.DriverSQLite && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = def.DSN
	}

	if cfg.Dispatch.HandlerTimeout == 0 {
		cfg.Dispatch.HandlerTimeout = 30 * time.Second
	}

	applyPluginDefaults(&cfg.Plugins)
	applyLLMDefaults(&cfg.LLM)
	for i := range cfg.Adapters {
		applyAdapterDefaults(&cfg.Adapters[i])
	}
}

// Validate checks the configuration and reports every issue at once.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		issues = append(issues, "metrics.path must start with /")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	switch c.Storage.Driver {
	case storage.DriverMemory, storage.DriverSQLite:
	case storage.DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			issues = append(issues, "storage.dsn is required for postgres")
		}
	default:
		issues = append(issues, fmt.Sprintf("storage.driver %q must be memory, sqlite or postgres", c.Storage.Driver))
	}

	if c.Dispatch.HandlerTimeout < 0 {
		issues = append(issues, "dispatch.handler_timeout must not be negative")
	}

	issues = append(issues, c.Plugins.validate()...)
	issues = append(issues, c.LLM.validate()...)
	issues = append(issues, validateAdapters(c.Adapters)...)

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
