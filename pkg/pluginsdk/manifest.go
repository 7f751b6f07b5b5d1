// Package pluginsdk is the contract between nekobot and its plugins.
//
// A plugin package is a directory holding a plugin.yaml manifest and a
// plugin.so entry module built with -buildmode=plugin. The entry module
// exports either a NewPlugin factory or a Plugin value.
package pluginsdk

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ManifestFilename is the manifest at the root of a plugin package.
	ManifestFilename = "plugin.yaml"

	// EntryFilename is the compiled entry module at the root of a plugin package.
	EntryFilename = "plugin.so"

	// RequirementsFilename optionally lists extra dependencies, one per line.
	RequirementsFilename = "requirements.txt"

	// FactorySymbol and ValueSymbol are the two exported entry points the
	// loader looks for. Exactly one must be present.
	FactorySymbol = "NewPlugin"
	ValueSymbol   = "Plugin"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Manifest describes a plugin package.
type Manifest struct {
	Name         string         `yaml:"name" json:"name"`
	Version      string         `yaml:"version" json:"version"`
	Description  string         `yaml:"description,omitempty" json:"description,omitempty"`
	Author       string         `yaml:"author,omitempty" json:"author,omitempty"`
	Repository   string         `yaml:"repository,omitempty" json:"repository,omitempty"`
	Dependencies []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	ConfigSchema map[string]any `yaml:"config_schema,omitempty" json:"config_schema,omitempty"`
}

// DecodeManifest parses a YAML manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("decode manifest: empty document")
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	manifest.Name = strings.TrimSpace(manifest.Name)
	manifest.Version = strings.TrimSpace(manifest.Version)
	return &manifest, nil
}

// DecodeManifestFile reads and parses a manifest file.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// Validate checks the required fields.
func (m *Manifest) Validate() error {
	if m == nil {
		return errors.New("manifest is nil")
	}
	if m.Name == "" {
		return errors.New("manifest name is required")
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("manifest name %q must be lowercase letters, digits, '-' or '_'", m.Name)
	}
	if m.Version == "" {
		return errors.New("manifest version is required")
	}
	for _, dep := range m.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return errors.New("manifest dependencies must not contain empty entries")
		}
	}
	return nil
}
