package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// AdapterConfig declares a platform adapter. Only the onebot type exists.
type AdapterConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Enabled *bool  `yaml:"enabled"`

	// Control API.
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	BaseURL     string        `yaml:"base_url"`
	AccessToken string        `yaml:"access_token"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`

	// AccessTokenEnv names an environment variable holding the token. It is
	// read when AccessToken is empty.
	AccessTokenEnv string `yaml:"access_token_env"`

	// Inbound websocket.
	WSHost string `yaml:"ws_host"`
	WSPort int    `yaml:"ws_port"`
	WSPath string `yaml:"ws_path"`

	AcceptSelf bool `yaml:"accept_self"`
}

// IsEnabled reports whether the adapter should be started. Adapters are
// enabled unless set otherwise.
func (a AdapterConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Token returns the access token, falling back to AccessTokenEnv.
func (a AdapterConfig) Token() string {
	if a.AccessToken != "" {
		return a.AccessToken
	}
	if a.AccessTokenEnv != "" {
		return strings.TrimSpace(os.Getenv(a.AccessTokenEnv))
	}
	return ""
}

// ApplyDefaults fills the type and name of a declaration built outside Load.
func (a *AdapterConfig) ApplyDefaults() { applyAdapterDefaults(a) }

// Validate checks a single adapter declaration.
func (a AdapterConfig) Validate() error {
	issues := validateAdapters([]AdapterConfig{a})
	if a.Name == "" {
		issues = append(issues, "adapter name is required")
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func applyAdapterDefaults(a *AdapterConfig) {
	if a.Type == "" {
		a.Type = "onebot"
	}
	if a.Name == "" {
		a.Name = a.Type
	}
}

func validateAdapters(adapters []AdapterConfig) []string {
	var issues []string
	seen := map[string]bool{}
	for i, a := range adapters {
		field := fmt.Sprintf("adapters[%d]", i)
		if seen[a.Name] {
			issues = append(issues, fmt.Sprintf("%s.name %q is duplicated", field, a.Name))
		}
		seen[a.Name] = true
		if a.Type != "onebot" {
			issues = append(issues, fmt.Sprintf("%s.type %q is not supported", field, a.Type))
		}
		if a.Port < 0 || a.Port > 65535 {
			issues = append(issues, field+".port out of range")
		}
		if a.WSPort < 0 || a.WSPort > 65535 {
			issues = append(issues, field+".ws_port out of range")
		}
		if a.BaseURL != "" && !strings.HasPrefix(a.BaseURL, "http://") && !strings.HasPrefix(a.BaseURL, "https://") {
			issues = append(issues, field+".base_url must be an http(s) URL")
		}
	}
	return issues
}
