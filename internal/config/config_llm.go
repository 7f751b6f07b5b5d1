package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/haasonsaas/nekobot/internal/llm"
)

// LLMConfig configures the provider router.
type LLMConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// HealthCheckSchedule is a cron spec for provider probes. Empty disables.
	HealthCheckSchedule string `yaml:"health_check_schedule"`

	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig declares a provider registered at startup.
type ProviderConfig struct {
	Name         string         `yaml:"name"`
	ProviderType string         `yaml:"provider_type"`
	Model        string         `yaml:"model"`
	APIKeys      []string       `yaml:"api_keys"`
	BaseURL      string         `yaml:"base_url"`
	Config       map[string]any `yaml:"config"`
}

// Descriptor converts the entry for the router.
func (p ProviderConfig) Descriptor() llm.Descriptor {
	return llm.Descriptor{
		Name:    p.Name,
		Type:    llm.ProviderType(strings.ToLower(p.ProviderType)),
		Model:   p.Model,
		APIKeys: append([]string(nil), p.APIKeys...),
		BaseURL: p.BaseURL,
		Config:  p.Config,
	}
}

func applyLLMDefaults(c *LLMConfig) {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
}

func (c LLMConfig) validate() []string {
	var issues []string
	if c.RequestTimeout < 0 {
		issues = append(issues, "llm.request_timeout must not be negative")
	}
	if err := llm.ValidateSchedule(c.HealthCheckSchedule); err != nil {
		issues = append(issues, "llm.health_check_schedule: "+err.Error())
	}

	seen := map[string]bool{}
	for i, p := range c.Providers {
		field := fmt.Sprintf("llm.providers[%d]", i)
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			issues = append(issues, field+".name is required")
		} else if seen[name] {
			issues = append(issues, fmt.Sprintf("%s.name %q is duplicated", field, p.Name))
		}
		seen[name] = true

		kind := llm.ProviderType(strings.ToLower(p.ProviderType))
		if !slices.Contains(llm.SupportedTypes(), kind) {
			issues = append(issues, fmt.Sprintf("%s.provider_type %q is not supported", field, p.ProviderType))
		}
		if !hasKey(p.APIKeys) {
			issues = append(issues, field+".api_keys must contain at least one key")
		}
		if kind == llm.TypeCustom && strings.TrimSpace(p.BaseURL) == "" {
			issues = append(issues, field+".base_url is required for custom providers")
		}
	}
	return issues
}

func hasKey(keys []string) bool {
	for _, key := range keys {
		if strings.TrimSpace(key) != "" {
			return true
		}
	}
	return false
}
