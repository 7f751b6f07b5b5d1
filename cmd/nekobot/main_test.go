package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "plugins", "providers", "adapters", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "nekobot.yaml")
	body = strings.ReplaceAll(body, "{{dir}}", dir)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "nekobot dev") {
		t.Errorf("version output = %q, want nekobot dev prefix", out)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("NEKOBOT_CONFIG", "/etc/nekobot.yaml")
	if got := resolveConfigPath(defaultConfigPath); got != "/etc/nekobot.yaml" {
		t.Errorf("resolveConfigPath(default) = %q, want env value", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Errorf("resolveConfigPath(custom) = %q, want flag value", got)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	good := writeTestConfig(t, "storage:\n  driver: memory\n")
	out, err := execute(t, "config", "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate good config: %v\n%s", err, out)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("output = %q", out)
	}

	bad := writeTestConfig(t, "logging:\n  level: loud\nadapters:\n  - name: qq\n    type: irc\n")
	out, err = execute(t, "config", "validate", "--config", bad)
	if err == nil {
		t.Fatal("validate bad config: error = nil")
	}
	if !strings.Contains(out, "logging.level") || !strings.Contains(out, "adapters[0].type") {
		t.Errorf("output missing issues:\n%s", out)
	}
}

func TestProvidersAddListRemove(t *testing.T) {
	path := writeTestConfig(t, `storage:
  driver: sqlite
  dsn: {{dir}}/nekobot.db
plugins:
  official_dir: {{dir}}/packages
  dir: {{dir}}/plugins
  data_dir: {{dir}}/plugin_data
  temp_dir: {{dir}}/temp
`)

	if out, err := execute(t, "providers", "add", "main", "--config", path,
		"--type", "openai", "--model", "gpt-4o-mini", "--key", "k1", "--key", "k2"); err != nil {
		t.Fatalf("providers add: %v\n%s", err, out)
	}

	out, err := execute(t, "providers", "list", "--config", path)
	if err != nil {
		t.Fatalf("providers list: %v", err)
	}
	if !strings.Contains(out, "main") || !strings.Contains(out, "gpt-4o-mini") {
		t.Errorf("list output = %q", out)
	}
	if strings.Contains(out, "k1") {
		t.Errorf("list output leaks keys: %q", out)
	}

	if out, err := execute(t, "providers", "remove", "main", "--config", path); err != nil {
		t.Fatalf("providers remove: %v\n%s", err, out)
	}
	out, _ = execute(t, "providers", "list", "--config", path)
	if !strings.Contains(out, "No providers registered.") {
		t.Errorf("list after remove = %q", out)
	}
}

func TestAdaptersLifecycle(t *testing.T) {
	path := writeTestConfig(t, `storage:
  driver: sqlite
  dsn: {{dir}}/nekobot.db
plugins:
  official_dir: {{dir}}/packages
  dir: {{dir}}/plugins
  data_dir: {{dir}}/plugin_data
  temp_dir: {{dir}}/temp
`)

	if out, err := execute(t, "adapters", "add", "qq", "--config", path,
		"--base-url", "http://127.0.0.1:3000", "--access-token-env", "NEKOBOT_CLI_TOKEN", "--disabled"); err != nil {
		t.Fatalf("adapters add: %v\n%s", err, out)
	}

	out, err := execute(t, "adapters", "list", "--config", path)
	if err != nil {
		t.Fatalf("adapters list: %v", err)
	}
	if !strings.Contains(out, "qq") || !strings.Contains(out, "http://127.0.0.1:3000") {
		t.Errorf("list output = %q", out)
	}

	if out, err := execute(t, "adapters", "remove", "qq", "--config", path); err != nil {
		t.Fatalf("adapters remove: %v\n%s", err, out)
	}
	out, _ = execute(t, "adapters", "list", "--config", path)
	if !strings.Contains(out, "No adapters stored.") {
		t.Errorf("list after remove = %q", out)
	}
}

func TestPluginsListEmpty(t *testing.T) {
	path := writeTestConfig(t, `storage:
  driver: memory
plugins:
  official_dir: {{dir}}/packages
  dir: {{dir}}/plugins
  data_dir: {{dir}}/plugin_data
  temp_dir: {{dir}}/temp
`)
	out, err := execute(t, "plugins", "list", "--config", path)
	if err != nil {
		t.Fatalf("plugins list: %v", err)
	}
	if !strings.Contains(out, "No plugins installed.") {
		t.Errorf("output = %q", out)
	}
}
