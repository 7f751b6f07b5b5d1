package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/nekobot/internal/config"
	"github.com/haasonsaas/nekobot/internal/plugins"
	"github.com/haasonsaas/nekobot/internal/storage"
	"github.com/haasonsaas/nekobot/pkg/models"
	"github.com/haasonsaas/nekobot/pkg/pluginsdk"
)

type countingPlugin struct {
	calls *atomic.Int32
}

func (p *countingPlugin) Register(host pluginsdk.Host) error {
	return host.On(models.CategoryMessage, func(context.Context, *models.Event) error {
		p.calls.Add(1)
		return nil
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Driver = storage.DriverMemory
	cfg.Storage.DSN = ""
	cfg.Plugins.OfficialDir = filepath.Join(root, "packages")
	cfg.Plugins.Dir = filepath.Join(root, "plugins")
	cfg.Plugins.DataDir = filepath.Join(root, "plugin_data")
	cfg.Plugins.TempDir = filepath.Join(root, "temp")
	return cfg
}

func writePlugin(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "name: " + name + "\nversion: 1.0.0\n"
	if err := os.WriteFile(filepath.Join(dir, pluginsdk.ManifestFilename), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, pluginsdk.EntryFilename), []byte("elf"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func messageEvent() *models.Event {
	return models.NewMessageEvent(
		models.EventHeader{Platform: "onebot", SelfID: "10000", OccurredAt: time.Now()},
		models.MessageEvent{Scope: models.ScopePrivate, MessageID: "1", SenderID: "42", RawText: "hi"},
	)
}

func TestNewRegistersComponentsInOrder(t *testing.T) {
	a, err := New(context.Background(), Options{Config: testConfig(t), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	got := strings.Join(a.Components(), ",")
	if want := "metrics,plugins,adapters,llm-health"; got != want {
		t.Fatalf("Components() = %q, want %q", got, want)
	}
}

func TestRunLoadsPluginsAndDispatches(t *testing.T) {
	cfg := testConfig(t)
	writePlugin(t, filepath.Join(cfg.Plugins.Dir, "counter"), "counter")

	var calls atomic.Int32
	opener := plugins.OpenerFunc(func(path string) (plugins.Symbols, error) {
		return plugins.SymbolMap{pluginsdk.FactorySymbol: func() pluginsdk.Plugin {
			return &countingPlugin{calls: &calls}
		}}, nil
	})

	a, err := New(context.Background(), Options{Config: cfg, Logger: discardLogger(), Opener: opener})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(a.Plugins.List()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("plugin was not loaded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	a.Dispatcher.Dispatch(context.Background(), messageEvent())
	if got := calls.Load(); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}

	rec, err := a.Stores.Plugins.Get(context.Background(), "counter")
	if err != nil || !rec.Enabled {
		t.Fatalf("stored record = %+v, %v", rec, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if n := len(a.Plugins.List()); n != 0 {
		t.Fatalf("plugins after shutdown = %d, want 0", n)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"

	a, err := New(context.Background(), Options{Config: cfg, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	addr := a.MetricsAddr()
	if addr == "" {
		t.Fatal("MetricsAddr() is empty while serving")
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "nekobot_plugins_loaded") {
		t.Errorf("metrics body missing nekobot_plugins_loaded:\n%s", body)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if a.MetricsAddr() != "" {
		t.Error("MetricsAddr() still set after Shutdown")
	}
}

func TestConfiguredProvidersArePersisted(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Providers = []config.ProviderConfig{{
		Name:         "main",
		ProviderType: "openai",
		Model:        "gpt-4o-mini",
		APIKeys:      []string{"k1", "k2"},
	}}

	a, err := New(context.Background(), Options{Config: cfg, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	if got := a.Router.Providers(); len(got) != 1 || got[0] != "main" {
		t.Fatalf("Providers() = %v, want [main]", got)
	}
	rec, err := a.Stores.Providers.Get(context.Background(), "main")
	if err != nil {
		t.Fatalf("stored provider: %v", err)
	}
	if len(rec.APIKeys) != 2 || !rec.Active {
		t.Errorf("stored provider = %+v", rec)
	}
}

func TestAdaptersRegisteredWithoutSecrets(t *testing.T) {
	cfg := testConfig(t)
	disabled := false
	cfg.Adapters = []config.AdapterConfig{
		{Name: "qq", Type: "onebot", BaseURL: "http://127.0.0.1:3000", AccessToken: "secret"},
		{Name: "spare", Type: "onebot", Enabled: &disabled},
	}

	a, err := New(context.Background(), Options{Config: cfg, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	if _, ok := a.Adapters.Get("qq"); !ok {
		t.Fatal("adapter qq not registered")
	}
	if _, ok := a.Adapters.Get("spare"); ok {
		t.Fatal("disabled adapter was registered")
	}
	rec, err := a.Stores.Adapters.Get(context.Background(), "qq")
	if err != nil {
		t.Fatalf("stored adapter: %v", err)
	}
	if rec.PlatformType != "onebot" {
		t.Errorf("PlatformType = %q, want onebot", rec.PlatformType)
	}
	for k, v := range rec.Config {
		if s, ok := v.(string); ok && s == "secret" {
			t.Errorf("adapter record leaks access token under %q", k)
		}
	}
}

func TestNewRejectsInvalidStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "oracle"

	start := time.Now()
	_, err := New(context.Background(), Options{Config: cfg, Logger: discardLogger()})
	if !errors.Is(err, storage.ErrInvalidConfig) {
		t.Fatalf("New() error = %v, want ErrInvalidConfig", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("invalid storage config was retried")
	}
}

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := testConfig(t)
	cfg.Storage.Driver = storage.DriverSQLite
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "nekobot.db")
	return cfg
}

func TestStoredAdaptersRestoredOnStart(t *testing.T) {
	t.Setenv("NEKOBOT_TEST_QQ_TOKEN", "from-env")
	cfg := sqliteConfig(t)
	disabled := false
	cfg.Adapters = []config.AdapterConfig{
		{Name: "qq", Type: "onebot", AccessTokenEnv: "NEKOBOT_TEST_QQ_TOKEN", HTTPTimeout: 3 * time.Second},
		{Name: "open", Type: "onebot", RateLimit: 2, RateBurst: 4},
		{Name: "locked", Type: "onebot", AccessToken: "secret"},
		{Name: "spare", Type: "onebot", Enabled: &disabled},
	}

	first, err := New(context.Background(), Options{Config: cfg, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("first New() error = %v", err)
	}
	if err := first.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown() error = %v", err)
	}

	cfg.Adapters = nil
	second, err := New(context.Background(), Options{Config: cfg, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer second.Shutdown(context.Background())

	var names []string
	for _, adapter := range second.Adapters.All() {
		names = append(names, adapter.Name())
	}
	if got := strings.Join(names, ","); got != "open,qq" {
		t.Fatalf("restored adapters = %q, want open,qq", got)
	}

	rec, err := second.Stores.Adapters.Get(context.Background(), "qq")
	if err != nil {
		t.Fatalf("stored qq: %v", err)
	}
	ac, err := adapterConfigFromRecord(rec)
	if err != nil {
		t.Fatalf("adapterConfigFromRecord() error = %v", err)
	}
	if ac.HTTPTimeout != 3*time.Second || ac.Token() != "from-env" {
		t.Errorf("rebuilt qq = timeout %v token %q", ac.HTTPTimeout, ac.Token())
	}
	rec, err = second.Stores.Adapters.Get(context.Background(), "open")
	if err != nil {
		t.Fatalf("stored open: %v", err)
	}
	if ac, err := adapterConfigFromRecord(rec); err != nil || ac.RateLimit != 2 || ac.RateBurst != 4 {
		t.Errorf("rebuilt open = %+v, %v", ac, err)
	}
}

func TestConfiguredAdapterOverridesStoredRecord(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Adapters = []config.AdapterConfig{{Name: "qq", Type: "onebot", Port: 3000}}
	first, err := New(context.Background(), Options{Config: cfg, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("first New() error = %v", err)
	}
	_ = first.Shutdown(context.Background())

	cfg.Adapters[0].Port = 3100
	second, err := New(context.Background(), Options{Config: cfg, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer second.Shutdown(context.Background())

	if n := len(second.Adapters.All()); n != 1 {
		t.Fatalf("adapters = %d, want 1", n)
	}
	rec, err := second.Stores.Adapters.Get(context.Background(), "qq")
	if err != nil {
		t.Fatalf("stored qq: %v", err)
	}
	if ac, _ := adapterConfigFromRecord(rec); ac.Port != 3100 {
		t.Errorf("stored port = %d, want 3100", ac.Port)
	}
}

func TestAddRemoveAdapterWhileRunning(t *testing.T) {
	a, err := New(context.Background(), Options{Config: testConfig(t), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	ctx := context.Background()
	ac := config.AdapterConfig{Name: "late", BaseURL: "http://127.0.0.1:1", WSHost: "127.0.0.1", WSPort: 0}
	if err := a.AddAdapter(ctx, ac); err != nil {
		t.Fatalf("AddAdapter() error = %v", err)
	}
	if _, ok := a.Adapters.Get("late"); !ok {
		t.Fatal("added adapter not registered")
	}
	rec, err := a.Stores.Adapters.Get(ctx, "late")
	if err != nil || rec.PlatformType != "onebot" || !rec.Active {
		t.Fatalf("stored record = %+v, %v", rec, err)
	}
	if err := a.AddAdapter(ctx, ac); err == nil {
		t.Fatal("second AddAdapter() error = nil, want duplicate")
	}

	// The control API is unreachable, so the connect loop is still retrying.
	done := make(chan error, 1)
	go func() { done <- a.RemoveAdapter(ctx, "late") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RemoveAdapter() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RemoveAdapter() did not stop the connect loop")
	}
	if _, ok := a.Adapters.Get("late"); ok {
		t.Error("removed adapter still registered")
	}
	if _, err := a.Stores.Adapters.Get(ctx, "late"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stored record after remove: %v, want ErrNotFound", err)
	}
	if err := a.RemoveAdapter(ctx, "late"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second RemoveAdapter() error = %v, want ErrNotFound", err)
	}
}

func TestAddAdapterRejectsInvalidDeclaration(t *testing.T) {
	a, err := New(context.Background(), Options{Config: testConfig(t), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	var verr *config.ValidationError
	err = a.AddAdapter(context.Background(), config.AdapterConfig{Name: "dc", Type: "discord"})
	if !errors.As(err, &verr) {
		t.Fatalf("AddAdapter() error = %v, want ValidationError", err)
	}
	if _, err := a.Stores.Adapters.Get(context.Background(), "dc"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("invalid adapter was stored: %v", err)
	}
}
