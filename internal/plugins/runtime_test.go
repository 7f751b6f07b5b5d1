package plugins

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/nekobot/internal/dispatch"
	"github.com/haasonsaas/nekobot/internal/storage"
	"github.com/haasonsaas/nekobot/pkg/models"
	"github.com/haasonsaas/nekobot/pkg/pluginsdk"
)

type testPlugin struct {
	categories  []models.EventCategory
	registerErr error
	calls       *atomic.Int32
	config      map[string]any
	terminated  atomic.Bool
}

func (p *testPlugin) Register(host pluginsdk.Host) error {
	p.config = host.Config()
	for _, cat := range p.categories {
		if err := host.On(cat, func(context.Context, *models.Event) error {
			p.calls.Add(1)
			return nil
		}); err != nil {
			return err
		}
	}
	return p.registerErr
}

func (p *testPlugin) Terminate(context.Context) error {
	p.terminated.Store(true)
	return nil
}

// fakeOpener resolves entry modules by the name of their package directory.
type fakeOpener struct {
	mu      sync.Mutex
	symbols map[string]Symbols
	opens   map[string]int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{symbols: make(map[string]Symbols), opens: make(map[string]int)}
}

func (o *fakeOpener) set(dir string, syms Symbols) {
	o.mu.Lock()
	o.symbols[dir] = syms
	o.mu.Unlock()
}

func (o *fakeOpener) Open(path string) (Symbols, error) {
	dir := filepath.Base(filepath.Dir(path))
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens[dir]++
	syms, ok := o.symbols[dir]
	if !ok {
		return nil, errors.New("not a plugin")
	}
	return syms, nil
}

// factory returns symbols whose NewPlugin builds a fresh testPlugin each call
// and records the instances it built.
func factory(calls *atomic.Int32, built *[]*testPlugin, cats ...models.EventCategory) SymbolMap {
	var mu sync.Mutex
	return SymbolMap{pluginsdk.FactorySymbol: func() pluginsdk.Plugin {
		p := &testPlugin{categories: cats, calls: calls}
		mu.Lock()
		if built != nil {
			*built = append(*built, p)
		}
		mu.Unlock()
		return p
	}}
}

func writePackage(t *testing.T, dir, manifest string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(dir, pluginsdk.ManifestFilename), []byte(manifest), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, pluginsdk.EntryFilename), []byte("elf"), 0o755); err != nil {
		t.Fatalf("write entry: %v", err)
	}
}

type testEnv struct {
	rt         *Runtime
	dispatcher *dispatch.Dispatcher
	opener     *fakeOpener
	store      *storage.MemoryPluginStore
	cfg        Config
}

func newTestRuntime(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		dispatcher: dispatch.New(dispatch.Config{Logger: logger}),
		opener:     newFakeOpener(),
		store:      storage.NewMemoryPluginStore(),
	}
	cfg := Config{
		OfficialDir: filepath.Join(root, "packages"),
		PluginDir:   filepath.Join(root, "plugins"),
		DataDir:     filepath.Join(root, "plugin_data"),
		TempDir:     filepath.Join(root, "temp"),
		Dispatcher:  env.dispatcher,
		Opener:      env.opener,
		Store:       env.store,
		Logger:      logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	rt, err := NewRuntime(cfg)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	env.rt = rt
	env.cfg = rt.cfg
	return env
}

func messageEvent() *models.Event {
	return models.NewMessageEvent(models.EventHeader{Platform: "onebot", SelfID: "1"}, models.MessageEvent{
		Scope:    models.ScopeGroup,
		GroupID:  "100",
		SenderID: "7",
		Segments: []models.Segment{models.Text("hi")},
	})
}

func TestLoadFromLifecycle(t *testing.T) {
	env := newTestRuntime(t, nil)
	ctx := context.Background()

	var calls atomic.Int32
	var built []*testPlugin
	env.opener.set("echo", factory(&calls, &built, models.CategoryMessage))
	dir := filepath.Join(env.cfg.PluginDir, "echo")
	writePackage(t, dir, "name: echo\nversion: 1.0.0\ndescription: echoes\n")

	desc, err := env.rt.LoadFrom(ctx, dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if desc.Name != "echo" || desc.State != StateEnabled || desc.IsOfficial {
		t.Fatalf("descriptor = %+v", desc)
	}
	if len(desc.Capabilities) != 1 || desc.Capabilities[0] != models.CategoryMessage {
		t.Fatalf("capabilities = %v, want [message]", desc.Capabilities)
	}

	env.dispatcher.Dispatch(ctx, messageEvent())
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	if err := env.rt.Disable(ctx, "echo"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	env.dispatcher.Dispatch(ctx, messageEvent())
	if calls.Load() != 1 {
		t.Fatalf("disabled plugin handled event, calls = %d", calls.Load())
	}
	if got := env.dispatcher.Count(models.CategoryMessage); got != 1 {
		t.Fatalf("registrations while disabled = %d, want 1", got)
	}
	if d, _ := env.rt.Get("echo"); d.State != StateDisabled {
		t.Fatalf("state = %s, want disabled", d.State)
	}

	if err := env.rt.Enable(ctx, "echo"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	env.dispatcher.Dispatch(ctx, messageEvent())
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}

	if err := env.rt.Unload(ctx, "echo"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if got := env.dispatcher.Count(models.CategoryMessage); got != 0 {
		t.Fatalf("registrations after unload = %d, want 0", got)
	}
	if !built[0].terminated.Load() {
		t.Error("Terminate was not called")
	}
	if _, ok := env.rt.Get("echo"); ok {
		t.Error("Get() found unloaded plugin")
	}

	err = env.rt.Unload(ctx, "echo")
	if !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("second Unload() error = %v, want NotLoaded", err)
	}
	if err := env.rt.Enable(ctx, "echo"); !errors.Is(err, &Error{Op: OpEnable, Kind: KindNotLoaded}) {
		t.Fatalf("Enable(unloaded) error = %v, want enable NotLoaded", err)
	}
}

func TestLoadFromErrors(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32

	tests := []struct {
		name     string
		manifest string
		noEntry  bool
		symbols  Symbols
		want     ErrorKind
	}{
		{
			name:    "missing manifest",
			symbols: factory(&calls, nil),
			want:    KindMissingManifest,
		},
		{
			name:     "invalid manifest",
			manifest: "name: Bad Name\nversion: 1\n",
			symbols:  factory(&calls, nil),
			want:     KindInvalidManifest,
		},
		{
			name:     "missing entry",
			manifest: "name: p\nversion: 1\n",
			noEntry:  true,
			want:     KindMissingEntry,
		},
		{
			name:     "entry cannot be opened",
			manifest: "name: p\nversion: 1\n",
			want:     KindOpenFailed,
		},
		{
			name:     "no extension symbols",
			manifest: "name: p\nversion: 1\n",
			symbols:  SymbolMap{"Other": 1},
			want:     KindNoExtensionType,
		},
		{
			name:     "both extension symbols",
			manifest: "name: p\nversion: 1\n",
			symbols: SymbolMap{
				pluginsdk.FactorySymbol: func() pluginsdk.Plugin { return &testPlugin{calls: &calls} },
				pluginsdk.ValueSymbol:   pluginsdk.Plugin(&testPlugin{calls: &calls}),
			},
			want: KindNoExtensionType,
		},
		{
			name:     "factory of wrong type",
			manifest: "name: p\nversion: 1\n",
			symbols:  SymbolMap{pluginsdk.FactorySymbol: func() int { return 1 }},
			want:     KindNoExtensionType,
		},
		{
			name:     "register fails",
			manifest: "name: p\nversion: 1\n",
			symbols: SymbolMap{pluginsdk.FactorySymbol: func() pluginsdk.Plugin {
				return &testPlugin{calls: &calls, categories: []models.EventCategory{models.CategoryNotice}, registerErr: boom}
			}},
			want: KindRegisterFailed,
		},
		{
			name:     "config violates schema",
			manifest: "name: p\nversion: 1\nconfig_schema:\n  type: object\n  required: [token]\n",
			symbols:  factory(&calls, nil),
			want:     KindInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestRuntime(t, nil)
			dir := filepath.Join(env.cfg.PluginDir, "p")
			if tt.noEntry {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(filepath.Join(dir, pluginsdk.ManifestFilename), []byte(tt.manifest), 0o644); err != nil {
					t.Fatal(err)
				}
			} else {
				writePackage(t, dir, tt.manifest)
			}
			if tt.symbols != nil {
				env.opener.set("p", tt.symbols)
			}

			_, err := env.rt.LoadFrom(context.Background(), dir)
			if KindOf(err) != tt.want {
				t.Fatalf("LoadFrom() error = %v, want kind %s", err, tt.want)
			}
			if len(env.rt.List()) != 0 {
				t.Errorf("List() = %v, want empty after failed load", env.rt.List())
			}
			if got := env.dispatcher.Count(models.CategoryNotice); got != 0 {
				t.Errorf("leaked registrations = %d", got)
			}
		})
	}
}

func TestRegisterPanicIsRecovered(t *testing.T) {
	env := newTestRuntime(t, nil)
	dir := filepath.Join(env.cfg.PluginDir, "p")
	writePackage(t, dir, "name: p\nversion: 1\n")
	env.opener.set("p", SymbolMap{pluginsdk.FactorySymbol: func() pluginsdk.Plugin { return panicPlugin{} }})

	_, err := env.rt.LoadFrom(context.Background(), dir)
	if KindOf(err) != KindRegisterFailed {
		t.Fatalf("LoadFrom() error = %v, want RegisterFailed", err)
	}
}

type panicPlugin struct{}

func (panicPlugin) Register(pluginsdk.Host) error { panic("nope") }

func TestLoadDuplicateName(t *testing.T) {
	env := newTestRuntime(t, nil)
	ctx := context.Background()
	var calls atomic.Int32
	env.opener.set("a", factory(&calls, nil, models.CategoryMessage))
	env.opener.set("b", factory(&calls, nil, models.CategoryMessage))
	writePackage(t, filepath.Join(env.cfg.PluginDir, "a"), "name: same\nversion: 1\n")
	writePackage(t, filepath.Join(env.cfg.PluginDir, "b"), "name: same\nversion: 2\n")

	if _, err := env.rt.LoadFrom(ctx, filepath.Join(env.cfg.PluginDir, "a")); err != nil {
		t.Fatalf("first LoadFrom() error = %v", err)
	}
	_, err := env.rt.LoadFrom(ctx, filepath.Join(env.cfg.PluginDir, "b"))
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("second LoadFrom() error = %v, want DuplicateName", err)
	}
	desc, ok := env.rt.Get("same")
	if !ok || desc.Version != "1" {
		t.Fatalf("Get() = %+v, %v; first plugin should remain", desc, ok)
	}
	if got := env.dispatcher.Count(models.CategoryMessage); got != 1 {
		t.Errorf("registrations = %d, want 1", got)
	}
}

func TestLoadValueSymbol(t *testing.T) {
	env := newTestRuntime(t, nil)
	var calls atomic.Int32
	var value pluginsdk.Plugin = &testPlugin{calls: &calls, categories: []models.EventCategory{models.CategoryMeta}}
	env.opener.set("v", SymbolMap{pluginsdk.ValueSymbol: &value})
	dir := filepath.Join(env.cfg.PluginDir, "v")
	writePackage(t, dir, "name: v\nversion: 1\n")

	if _, err := env.rt.LoadFrom(context.Background(), dir); err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	env.dispatcher.Dispatch(context.Background(), models.NewMetaEvent(models.EventHeader{}, models.MetaEvent{MetaType: "heartbeat"}))
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestReload(t *testing.T) {
	env := newTestRuntime(t, nil)
	ctx := context.Background()
	var calls atomic.Int32
	var built []*testPlugin
	env.opener.set("echo", factory(&calls, &built, models.CategoryMessage))
	dir := filepath.Join(env.cfg.PluginDir, "echo")
	writePackage(t, dir, "name: echo\nversion: 1\n")

	if _, err := env.rt.LoadFrom(ctx, dir); err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, pluginsdk.ManifestFilename), []byte("name: echo\nversion: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	desc, err := env.rt.Reload(ctx, "echo")
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if desc.Version != "2" {
		t.Errorf("version after reload = %q, want 2", desc.Version)
	}
	if len(built) != 2 || !built[0].terminated.Load() {
		t.Fatalf("built %d instances, first terminated = %v", len(built), built[0].terminated.Load())
	}
	if got := env.dispatcher.Count(models.CategoryMessage); got != 1 {
		t.Fatalf("registrations after reload = %d, want 1", got)
	}

	if err := os.Remove(filepath.Join(dir, pluginsdk.EntryFilename)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.rt.Reload(ctx, "echo"); KindOf(err) != KindMissingEntry {
		t.Fatalf("Reload() error = %v, want MissingEntry", err)
	}
	if _, ok := env.rt.Get("echo"); ok {
		t.Error("plugin still loaded after failed reload")
	}
	if _, err := env.rt.Reload(ctx, "echo"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Reload(unloaded) error = %v, want NotLoaded", err)
	}
}

type togglePlugin struct {
	disableErr error
	enabled    atomic.Int32
	disabled   atomic.Int32
}

func (p *togglePlugin) Register(host pluginsdk.Host) error {
	return host.On(models.CategoryMessage, func(context.Context, *models.Event) error { return nil })
}

func (p *togglePlugin) Enable(context.Context) error {
	p.enabled.Add(1)
	return nil
}

func (p *togglePlugin) Disable(context.Context) error {
	p.disabled.Add(1)
	return p.disableErr
}

func (p *togglePlugin) Commands() []pluginsdk.Command {
	return []pluginsdk.Command{{Name: "/ping", Description: "reply with pong"}}
}

func TestToggleHooks(t *testing.T) {
	env := newTestRuntime(t, nil)
	ctx := context.Background()
	plug := &togglePlugin{disableErr: errors.New("busy")}
	env.opener.set("toggle", SymbolMap{pluginsdk.FactorySymbol: func() pluginsdk.Plugin { return plug }})
	dir := filepath.Join(env.cfg.PluginDir, "toggle")
	writePackage(t, dir, "name: toggle\nversion: 1\n")

	desc, err := env.rt.LoadFrom(ctx, dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if plug.enabled.Load() != 0 {
		t.Error("Enable hook ran on load")
	}
	if len(desc.Commands) != 1 || desc.Commands[0].Name != "/ping" {
		t.Errorf("Commands = %+v, want [/ping]", desc.Commands)
	}

	err = env.rt.Disable(ctx, "toggle")
	if KindOf(err) != KindHookFailed || !errors.Is(err, plug.disableErr) {
		t.Fatalf("Disable() error = %v, want HookFailed wrapping busy", err)
	}
	if d, _ := env.rt.Get("toggle"); d.State != StateEnabled {
		t.Fatalf("state after refused disable = %s, want enabled", d.State)
	}

	plug.disableErr = nil
	if err := env.rt.Disable(ctx, "toggle"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if err := env.rt.Disable(ctx, "toggle"); err != nil {
		t.Fatalf("repeated Disable() error = %v", err)
	}
	if got := plug.disabled.Load(); got != 2 {
		t.Errorf("Disable hook calls = %d, want 2", got)
	}
	if err := env.rt.Enable(ctx, "toggle"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if got := plug.enabled.Load(); got != 1 {
		t.Errorf("Enable hook calls = %d, want 1", got)
	}
	if d, _ := env.rt.Get("toggle"); d.State != StateEnabled {
		t.Errorf("state = %s, want enabled", d.State)
	}
}

func TestPersistedRecordControlsStateAndConfig(t *testing.T) {
	env := newTestRuntime(t, nil)
	ctx := context.Background()
	if err := env.store.Upsert(ctx, &models.PluginRecord{Name: "echo", Version: "1", Enabled: false, Config: map[string]any{"prefix": "!"}}); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	var built []*testPlugin
	env.opener.set("echo", factory(&calls, &built, models.CategoryMessage))
	dir := filepath.Join(env.cfg.PluginDir, "echo")
	writePackage(t, dir, `name: echo
version: 1
config_schema:
  type: object
  properties:
    prefix: {type: string}
    limit: {type: integer, default: 3}
`)

	desc, err := env.rt.LoadFrom(ctx, dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if desc.State != StateDisabled {
		t.Fatalf("state = %s, want disabled from record", desc.State)
	}
	cfg := built[0].config
	if cfg["prefix"] != "!" || cfg["limit"] != 3 {
		t.Errorf("host config = %v, want stored prefix and default limit", cfg)
	}

	env.dispatcher.Dispatch(ctx, messageEvent())
	if calls.Load() != 0 {
		t.Fatalf("disabled plugin handled event")
	}

	if err := env.rt.Enable(ctx, "echo"); err != nil {
		t.Fatal(err)
	}
	rec, err := env.store.Get(ctx, "echo")
	if err != nil || !rec.Enabled || rec.InstallPath != dir {
		t.Fatalf("record = %+v, %v", rec, err)
	}
	if rec.Config["limit"] != nil {
		t.Errorf("schema defaults persisted into record: %v", rec.Config)
	}
}

func TestLoadAll(t *testing.T) {
	env := newTestRuntime(t, nil)
	var calls atomic.Int32
	env.opener.set("admin", factory(&calls, nil, models.CategoryRequest))
	env.opener.set("echo", factory(&calls, nil, models.CategoryMessage))

	writePackage(t, filepath.Join(env.cfg.OfficialDir, "admin"), "name: admin\nversion: 1\n")
	writePackage(t, filepath.Join(env.cfg.PluginDir, "echo"), "name: echo\nversion: 1\n")
	writePackage(t, filepath.Join(env.cfg.PluginDir, "broken"), "")
	writePackage(t, filepath.Join(env.cfg.PluginDir, ".hidden"), "name: hidden\nversion: 1\n")

	loaded := env.rt.LoadAll(context.Background())
	if len(loaded) != 2 {
		t.Fatalf("LoadAll() loaded %d plugins, want 2: %+v", len(loaded), loaded)
	}
	if loaded[0].Name != "admin" || !loaded[0].IsOfficial {
		t.Errorf("first loaded = %+v, want official admin", loaded[0])
	}
	if loaded[1].Name != "echo" || loaded[1].IsOfficial {
		t.Errorf("second loaded = %+v, want user echo", loaded[1])
	}
	if env.opener.opens[".hidden"] != 0 {
		t.Error("hidden directory was opened")
	}
}

func TestLifecycleConcurrentNames(t *testing.T) {
	env := newTestRuntime(t, nil)
	ctx := context.Background()
	var calls atomic.Int32
	names := []string{"a", "b", "c", "d"}
	for _, name := range names {
		env.opener.set(name, factory(&calls, nil, models.CategoryMessage))
		writePackage(t, filepath.Join(env.cfg.PluginDir, name), "name: "+name+"\nversion: 1\n")
	}

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			dir := filepath.Join(env.cfg.PluginDir, name)
			for i := 0; i < 5; i++ {
				if _, err := env.rt.LoadFrom(ctx, dir); err != nil {
					t.Errorf("LoadFrom(%s) error = %v", name, err)
					return
				}
				env.dispatcher.Dispatch(ctx, messageEvent())
				if err := env.rt.Unload(ctx, name); err != nil {
					t.Errorf("Unload(%s) error = %v", name, err)
					return
				}
			}
		}(name)
	}
	wg.Wait()

	if got := env.dispatcher.Count(models.CategoryMessage); got != 0 {
		t.Errorf("registrations = %d, want 0", got)
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	var km keyedMutex
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("same")
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if maxActive.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive.Load())
	}
	if len(km.locks) != 0 {
		t.Errorf("lock entries leaked: %d", len(km.locks))
	}
}

func TestNewRuntimeRequiresDispatcher(t *testing.T) {
	if _, err := NewRuntime(Config{}); err == nil {
		t.Fatal("NewRuntime() error = nil, want error")
	}
}
