package models

import "time"

// PluginRecord is the persisted state of an installed plugin.
type PluginRecord struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description,omitempty"`
	Author      string         `json:"author,omitempty"`
	Repository  string         `json:"repository,omitempty"`
	IsOfficial  bool           `json:"is_official"`
	Enabled     bool           `json:"enabled"`
	Config      map[string]any `json:"config,omitempty"`
	InstallPath string         `json:"install_path"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ProviderRecord is the persisted configuration of a language model provider.
type ProviderRecord struct {
	Name         string         `json:"name"`
	ProviderType string         `json:"provider_type"`
	APIKeys      []string       `json:"api_keys"`
	BaseURL      string         `json:"base_url,omitempty"`
	Model        string         `json:"model"`
	Config       map[string]any `json:"config,omitempty"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// AdapterRecord is the persisted configuration of a platform adapter.
type AdapterRecord struct {
	Name         string         `json:"name"`
	PlatformType string         `json:"platform_type"`
	Config       map[string]any `json:"config,omitempty"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
