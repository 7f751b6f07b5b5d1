package pluginsdk

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateConfig validates a plugin config against the manifest schema.
// Manifests without a schema accept any config.
func (m *Manifest) ValidateConfig(config map[string]any) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if len(m.ConfigSchema) == 0 {
		return nil
	}

	schemaJSON, err := json.Marshal(m.ConfigSchema)
	if err != nil {
		return fmt.Errorf("encode plugin schema: %w", err)
	}
	schema, err := compileSchema(schemaJSON)
	if err != nil {
		return fmt.Errorf("compile plugin schema: %w", err)
	}

	if config == nil {
		config = map[string]any{}
	}
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode plugin config: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode plugin config: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("plugin config invalid: %w", err)
	}
	return nil
}

// ApplyDefaults returns a copy of config with top-level schema defaults
// filled in for missing keys.
func (m *Manifest) ApplyDefaults(config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	props, _ := m.ConfigSchema["properties"].(map[string]any)
	for key, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		def, ok := prop["default"]
		if !ok {
			continue
		}
		if _, set := out[key]; !set {
			out[key] = def
		}
	}
	return out
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("plugin.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
