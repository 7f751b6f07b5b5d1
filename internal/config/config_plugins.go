package config

import (
	"fmt"
	"time"
)

// PluginsConfig configures plugin discovery, installation and hot reload.
type PluginsConfig struct {
	// OfficialDir holds bundled plugins, which cannot be uninstalled.
	OfficialDir string `yaml:"official_dir"`

	// Dir holds installed plugins.
	Dir string `yaml:"dir"`

	// DataDir is the parent of each plugin's private data directory.
	DataDir string `yaml:"data_dir"`

	// TempDir holds scratch space for package installs.
	TempDir string `yaml:"temp_dir"`

	// DependencyCommand installs a package's requirements. The tokens
	// {requirements} and {dir} are substituted. Empty skips installation.
	DependencyCommand []string      `yaml:"dependency_command"`
	DependencyTimeout time.Duration `yaml:"dependency_timeout"`
	DependencyWorkers int           `yaml:"dependency_workers"`

	MaxArchiveBytes  int64         `yaml:"max_archive_bytes"`
	TerminateTimeout time.Duration `yaml:"terminate_timeout"`

	// Watch reloads plugins when their package changes on disk.
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

func applyPluginDefaults(p *PluginsConfig) {
	if p.OfficialDir == "" {
		p.OfficialDir = "./packages"
	}
	if p.Dir == "" {
		p.Dir = "./data/plugins"
	}
	if p.DataDir == "" {
		p.DataDir = "./data/plugin_data"
	}
	if p.TempDir == "" {
		p.TempDir = "./data/temp"
	}
	if p.DependencyTimeout == 0 {
		p.DependencyTimeout = 5 * time.Minute
	}
	if p.DependencyWorkers == 0 {
		p.DependencyWorkers = 2
	}
	if p.MaxArchiveBytes == 0 {
		p.MaxArchiveBytes = 256 << 20
	}
	if p.TerminateTimeout == 0 {
		p.TerminateTimeout = 10 * time.Second
	}
	if p.WatchDebounce == 0 {
		p.WatchDebounce = 250 * time.Millisecond
	}
}

func (p PluginsConfig) validate() []string {
	var issues []string
	if p.DependencyWorkers < 0 {
		issues = append(issues, "plugins.dependency_workers must not be negative")
	}
	if p.MaxArchiveBytes < 0 {
		issues = append(issues, "plugins.max_archive_bytes must not be negative")
	}
	if p.Dir == p.OfficialDir {
		issues = append(issues, fmt.Sprintf("plugins.dir and plugins.official_dir must differ (both %q)", p.Dir))
	}
	return issues
}
