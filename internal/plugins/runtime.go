// Package plugins loads, enables, reloads and installs extensions at runtime.
//
// A plugin moves through Loaded, Registered, Enabled or Disabled, and finally
// Unloaded. Lifecycle operations on one name are serialized; different names
// proceed concurrently.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nekobot/internal/channels"
	"github.com/haasonsaas/nekobot/internal/dispatch"
	"github.com/haasonsaas/nekobot/internal/storage"
	"github.com/haasonsaas/nekobot/pkg/models"
	"github.com/haasonsaas/nekobot/pkg/pluginsdk"
)

// State is a plugin's lifecycle state.
type State string

const (
	StateLoaded     State = "loaded"
	StateRegistered State = "registered"
	StateEnabled    State = "enabled"
	StateDisabled   State = "disabled"
	StateUnloaded   State = "unloaded"
)

// Descriptor is a snapshot of a loaded plugin.
type Descriptor struct {
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Description  string                 `json:"description,omitempty"`
	Author       string                 `json:"author,omitempty"`
	Repository   string                 `json:"repository,omitempty"`
	Capabilities []models.EventCategory `json:"capabilities"`
	Commands     []pluginsdk.Command    `json:"commands,omitempty"`
	State        State                  `json:"state"`
	InstallPath  string                 `json:"install_path"`
	IsOfficial   bool                   `json:"is_official"`
	LoadedAt     time.Time              `json:"loaded_at"`
}

// AdapterLookup resolves platform adapters by name.
type AdapterLookup interface {
	Get(name string) (channels.Adapter, bool)
}

// Observer receives lifecycle outcomes. result is "ok" or the lowercased
// error kind.
type Observer interface {
	LifecycleCompleted(op, result string, duration time.Duration)
	PluginsLoaded(count int)
}

// Config configures a Runtime.
type Config struct {
	OfficialDir string
	PluginDir   string
	DataDir     string
	TempDir     string

	DependencyCommand []string
	DependencyTimeout time.Duration
	DependencyWorkers int

	MaxArchiveBytes int64
	// TerminateTimeout bounds Terminate and the enable and disable hooks.
	TerminateTimeout time.Duration

	Watch         bool
	WatchDebounce time.Duration

	Dispatcher *dispatch.Dispatcher
	Opener     Opener
	Store      storage.PluginStore
	Router     pluginsdk.Router
	Adapters   AdapterLookup
	Observer   Observer
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.OfficialDir == "" {
		c.OfficialDir = "./packages"
	}
	if c.PluginDir == "" {
		c.PluginDir = "./data/plugins"
	}
	if c.DataDir == "" {
		c.DataDir = "./data/plugin_data"
	}
	if c.TempDir == "" {
		c.TempDir = "./data/temp"
	}
	if c.DependencyTimeout <= 0 {
		c.DependencyTimeout = 5 * time.Minute
	}
	if c.DependencyWorkers <= 0 {
		c.DependencyWorkers = 2
	}
	if c.MaxArchiveBytes <= 0 {
		c.MaxArchiveBytes = 256 << 20
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = 10 * time.Second
	}
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = 250 * time.Millisecond
	}
	if c.Opener == nil {
		c.Opener = GoPluginOpener{}
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("github.com/haasonsaas/nekobot/internal/plugins")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type instance struct {
	manifest *pluginsdk.Manifest
	plugin   pluginsdk.Plugin
	host     *host
	dir      string
	official bool
	loadedAt time.Time
	entryMod time.Time
	config   map[string]any
	commands []pluginsdk.Command
	enabled  atomic.Bool
}

func (i *instance) descriptor() Descriptor {
	state := StateDisabled
	if i.enabled.Load() {
		state = StateEnabled
	}
	return Descriptor{
		Name:         i.manifest.Name,
		Version:      i.manifest.Version,
		Description:  i.manifest.Description,
		Author:       i.manifest.Author,
		Repository:   i.manifest.Repository,
		Capabilities: i.host.capabilities(),
		Commands:     append([]pluginsdk.Command(nil), i.commands...),
		State:        state,
		InstallPath:  i.dir,
		IsOfficial:   i.official,
		LoadedAt:     i.loadedAt,
	}
}

// Runtime owns the set of loaded plugins.
type Runtime struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	store      storage.PluginStore
	logger     *slog.Logger
	tracer     trace.Tracer
	deps       *DependencyInstaller

	locks keyedMutex

	mu      sync.RWMutex
	plugins map[string]*instance

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewRuntime creates a runtime and installs its enabled check as the
// dispatcher's gate.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("plugins: dispatcher is required")
	}
	cfg.applyDefaults()
	logger := cfg.Logger.With("component", "plugins")
	rt := &Runtime{
		cfg:        cfg,
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		logger:     logger,
		tracer:     cfg.Tracer,
		plugins:    make(map[string]*instance),
		deps:       NewDependencyInstaller(cfg.DependencyCommand, cfg.DependencyWorkers, cfg.DependencyTimeout, logger),
	}
	cfg.Dispatcher.SetGate(rt.IsEnabled)
	return rt, nil
}

// IsEnabled reports whether handlers owned by name may run.
func (rt *Runtime) IsEnabled(name string) bool {
	rt.mu.RLock()
	inst, ok := rt.plugins[name]
	rt.mu.RUnlock()
	return ok && inst.enabled.Load()
}

// LoadFrom loads the package in dir. Packages under the official directory
// are marked official.
func (rt *Runtime) LoadFrom(ctx context.Context, dir string) (Descriptor, error) {
	return rt.load(ctx, dir, within(rt.cfg.OfficialDir, dir))
}

func (rt *Runtime) load(ctx context.Context, dir string, official bool) (desc Descriptor, err error) {
	ctx, span, start := rt.begin(ctx, OpLoad, filepath.Base(dir))
	defer func() { rt.end(span, OpLoad, start, err) }()

	dir, err = filepath.Abs(dir)
	if err != nil {
		return Descriptor{}, newError(OpLoad, KindIO, "", "resolve plugin path", err)
	}
	manifest, err := readPackage(OpLoad, dir)
	if err != nil {
		return Descriptor{}, err
	}

	unlock := rt.locks.Lock(manifest.Name)
	defer unlock()
	return rt.loadLocked(ctx, OpLoad, manifest, dir, official)
}

// readPackage reads and validates the manifest and checks for the entry module.
func readPackage(op Op, dir string) (*pluginsdk.Manifest, error) {
	manifest, err := pluginsdk.DecodeManifestFile(filepath.Join(dir, pluginsdk.ManifestFilename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, newError(op, KindMissingManifest, "", fmt.Sprintf("no %s in %s", pluginsdk.ManifestFilename, dir), err)
		}
		return nil, newError(op, KindInvalidManifest, "", "read manifest", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, newError(op, KindInvalidManifest, manifest.Name, "invalid manifest", err)
	}
	info, err := os.Stat(filepath.Join(dir, pluginsdk.EntryFilename))
	if err != nil || info.IsDir() {
		return nil, newError(op, KindMissingEntry, manifest.Name, fmt.Sprintf("no %s in %s", pluginsdk.EntryFilename, dir), err)
	}
	return manifest, nil
}

// loadLocked opens, registers and enables a plugin. The caller holds the
// name lock.
func (rt *Runtime) loadLocked(ctx context.Context, op Op, manifest *pluginsdk.Manifest, dir string, official bool) (Descriptor, error) {
	name := manifest.Name
	rt.mu.RLock()
	_, loaded := rt.plugins[name]
	rt.mu.RUnlock()
	if loaded {
		return Descriptor{}, newError(op, KindDuplicateName, name, "a plugin with this name is already loaded", nil)
	}

	enabled := true
	var stored map[string]any
	if rec := rt.record(ctx, name); rec != nil {
		enabled = rec.Enabled
		stored = rec.Config
	}
	config := manifest.ApplyDefaults(stored)
	if err := manifest.ValidateConfig(config); err != nil {
		return Descriptor{}, newError(op, KindInvalidConfig, name, "plugin config rejected", err)
	}

	entry := filepath.Join(dir, pluginsdk.EntryFilename)
	syms, err := rt.cfg.Opener.Open(entry)
	if err != nil {
		return Descriptor{}, newError(op, KindOpenFailed, name, "open entry module", err)
	}
	plug, err := resolveEntry(syms)
	if err != nil {
		return Descriptor{}, newError(op, KindNoExtensionType, name, "resolve entry", err)
	}
	rt.logger.Debug("plugin state", "plugin", name, "state", StateLoaded)

	h := newHost(rt, name, config)
	if err := safeRegister(plug, h); err != nil {
		h.detach()
		return Descriptor{}, newError(op, KindRegisterFailed, name, "register", err)
	}
	rt.logger.Debug("plugin state", "plugin", name, "state", StateRegistered, "handlers", h.handlerCount())

	inst := &instance{
		manifest: manifest,
		plugin:   plug,
		host:     h,
		dir:      dir,
		official: official,
		loadedAt: time.Now(),
		config:   stored,
		commands: rt.exportCommands(name, plug),
	}
	if info, err := os.Stat(entry); err == nil {
		inst.entryMod = info.ModTime()
	}
	inst.enabled.Store(enabled)

	rt.mu.Lock()
	rt.plugins[name] = inst
	count := len(rt.plugins)
	rt.mu.Unlock()
	rt.observeCount(count)

	rt.persist(ctx, inst)
	desc := inst.descriptor()
	rt.logger.Info("plugin loaded",
		"plugin", name,
		"version", manifest.Version,
		"state", desc.State,
		"official", official,
		"capabilities", desc.Capabilities,
	)
	return desc, nil
}

func (rt *Runtime) exportCommands(name string, plug pluginsdk.Plugin) (cmds []pluginsdk.Command) {
	exporter, ok := plug.(pluginsdk.CommandExporter)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Warn("plugin command export panicked", "plugin", name, "panic", r)
			cmds = nil
		}
	}()
	return exporter.Commands()
}

func safeRegister(plug pluginsdk.Plugin, h pluginsdk.Host) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("register panicked: %v", r)
		}
	}()
	return plug.Register(h)
}

// Unload runs the plugin's teardown hook, detaches its handlers and drops
// the instance.
func (rt *Runtime) Unload(ctx context.Context, name string) (err error) {
	ctx, span, start := rt.begin(ctx, OpUnload, name)
	defer func() { rt.end(span, OpUnload, start, err) }()

	unlock := rt.locks.Lock(name)
	defer unlock()
	_, err = rt.unloadLocked(ctx, OpUnload, name)
	return err
}

func (rt *Runtime) unloadLocked(ctx context.Context, op Op, name string) (*instance, error) {
	rt.mu.RLock()
	inst, ok := rt.plugins[name]
	rt.mu.RUnlock()
	if !ok {
		return nil, newError(op, KindNotLoaded, name, "plugin is not loaded", nil)
	}

	inst.enabled.Store(false)
	rt.terminate(ctx, inst)
	inst.host.detach()

	rt.mu.Lock()
	delete(rt.plugins, name)
	count := len(rt.plugins)
	rt.mu.Unlock()
	rt.observeCount(count)

	rt.logger.Info("plugin unloaded", "plugin", name, "state", StateUnloaded)
	return inst, nil
}

func (rt *Runtime) terminate(ctx context.Context, inst *instance) {
	term, ok := inst.plugin.(pluginsdk.Terminator)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, rt.cfg.TerminateTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("plugin terminate panicked", "plugin", inst.manifest.Name, "panic", r)
		}
	}()
	if err := term.Terminate(ctx); err != nil {
		rt.logger.Warn("plugin terminate failed", "plugin", inst.manifest.Name, "error", err)
	}
}

// Reload unloads name and loads it again from the same directory. It is not
// atomic: if the second load fails the plugin stays unloaded.
func (rt *Runtime) Reload(ctx context.Context, name string) (desc Descriptor, err error) {
	ctx, span, start := rt.begin(ctx, OpReload, name)
	defer func() { rt.end(span, OpReload, start, err) }()

	unlock := rt.locks.Lock(name)
	defer unlock()
	return rt.reloadLocked(ctx, name)
}

func (rt *Runtime) reloadLocked(ctx context.Context, name string) (Descriptor, error) {
	inst, err := rt.unloadLocked(ctx, OpReload, name)
	if err != nil {
		return Descriptor{}, err
	}
	manifest, err := readPackage(OpReload, inst.dir)
	if err != nil {
		return Descriptor{}, err
	}
	if manifest.Name != name {
		return Descriptor{}, newError(OpReload, KindInvalidManifest, name,
			fmt.Sprintf("package at %s is now named %q", inst.dir, manifest.Name), nil)
	}
	return rt.loadLocked(ctx, OpReload, manifest, inst.dir, inst.official)
}

// Enable lets the plugin's handlers run again.
func (rt *Runtime) Enable(ctx context.Context, name string) error {
	return rt.setEnabled(ctx, OpEnable, name, true)
}

// Disable stops the plugin's handlers from being invoked. Registrations are
// kept so Enable takes effect immediately.
func (rt *Runtime) Disable(ctx context.Context, name string) error {
	return rt.setEnabled(ctx, OpDisable, name, false)
}

func (rt *Runtime) setEnabled(ctx context.Context, op Op, name string, enabled bool) (err error) {
	ctx, span, start := rt.begin(ctx, op, name)
	defer func() { rt.end(span, op, start, err) }()

	unlock := rt.locks.Lock(name)
	defer unlock()

	rt.mu.RLock()
	inst, ok := rt.plugins[name]
	rt.mu.RUnlock()
	if !ok {
		return newError(op, KindNotLoaded, name, "plugin is not loaded", nil)
	}
	if inst.enabled.Load() == enabled {
		return nil
	}
	if err := rt.runToggleHook(ctx, inst, enabled); err != nil {
		return newError(op, KindHookFailed, name, string(op)+" hook failed", err)
	}
	inst.enabled.Store(enabled)
	if rt.store != nil {
		if err := rt.store.SetEnabled(ctx, name, enabled); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				rt.persist(ctx, inst)
			} else {
				rt.logger.Warn("persist plugin state failed", "plugin", name, "error", err)
			}
		}
	}
	rt.logger.Info("plugin state changed", "plugin", name, "state", inst.descriptor().State)
	return nil
}

// runToggleHook calls the plugin's Enable or Disable hook when it has one.
// The caller holds the name lock.
func (rt *Runtime) runToggleHook(ctx context.Context, inst *instance, enabled bool) (err error) {
	var hook func(context.Context) error
	if enabled {
		if e, ok := inst.plugin.(pluginsdk.Enabler); ok {
			hook = e.Enable
		}
	} else if d, ok := inst.plugin.(pluginsdk.Disabler); ok {
		hook = d.Disable
	}
	if hook == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, rt.cfg.TerminateTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook(ctx)
}

// Get returns the descriptor of a loaded plugin.
func (rt *Runtime) Get(name string) (Descriptor, bool) {
	rt.mu.RLock()
	inst, ok := rt.plugins[name]
	rt.mu.RUnlock()
	if !ok {
		return Descriptor{}, false
	}
	return inst.descriptor(), true
}

// List returns descriptors of all loaded plugins sorted by name.
func (rt *Runtime) List() []Descriptor {
	rt.mu.RLock()
	out := make([]Descriptor, 0, len(rt.plugins))
	for _, inst := range rt.plugins {
		out = append(out, inst.descriptor())
	}
	rt.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadAll loads official packages, then user packages. Failures are logged
// and skipped.
func (rt *Runtime) LoadAll(ctx context.Context) []Descriptor {
	if err := os.MkdirAll(rt.cfg.PluginDir, 0o755); err != nil {
		rt.logger.Warn("create plugin directory failed", "dir", rt.cfg.PluginDir, "error", err)
	}
	sources := []struct {
		dir      string
		official bool
	}{
		{rt.cfg.OfficialDir, true},
		{rt.cfg.PluginDir, false},
	}

	var loaded []Descriptor
	for _, src := range sources {
		entries, err := os.ReadDir(src.dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				rt.logger.Warn("read plugin directory failed", "dir", src.dir, "error", err)
			}
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || skipDir(entry.Name()) {
				continue
			}
			desc, err := rt.load(ctx, filepath.Join(src.dir, entry.Name()), src.official)
			if err != nil {
				rt.logger.Warn("plugin load failed", "dir", entry.Name(), "official", src.official, "error", err)
				continue
			}
			loaded = append(loaded, desc)
		}
	}
	rt.logger.Info("plugins loaded", "count", len(loaded))
	return loaded
}

// Close stops the watcher, unloads every plugin and stops the dependency
// workers.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.StopWatching()
	var errs []error
	for _, desc := range rt.List() {
		if err := rt.Unload(ctx, desc.Name); err != nil && KindOf(err) != KindNotLoaded {
			errs = append(errs, err)
		}
	}
	rt.deps.Close()
	return errors.Join(errs...)
}

func (rt *Runtime) record(ctx context.Context, name string) *models.PluginRecord {
	if rt.store == nil {
		return nil
	}
	rec, err := rt.store.Get(ctx, name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			rt.logger.Warn("read plugin record failed", "plugin", name, "error", err)
		}
		return nil
	}
	return rec
}

func (rt *Runtime) persist(ctx context.Context, inst *instance) {
	if rt.store == nil {
		return
	}
	m := inst.manifest
	rec := &models.PluginRecord{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Author:      m.Author,
		Repository:  m.Repository,
		IsOfficial:  inst.official,
		Enabled:     inst.enabled.Load(),
		Config:      inst.config,
		InstallPath: inst.dir,
	}
	if err := rt.store.Upsert(ctx, rec); err != nil {
		rt.logger.Warn("persist plugin record failed", "plugin", m.Name, "error", err)
	}
}

func (rt *Runtime) begin(ctx context.Context, op Op, name string) (context.Context, trace.Span, time.Time) {
	ctx, span := rt.tracer.Start(ctx, "plugins."+string(op),
		trace.WithAttributes(attribute.String("plugin.name", name)))
	return ctx, span, time.Now()
}

func (rt *Runtime) end(span trace.Span, op Op, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = strings.ToLower(string(KindOf(err)))
		if result == "" {
			result = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if rt.cfg.Observer != nil {
		rt.cfg.Observer.LifecycleCompleted(string(op), result, time.Since(start))
	}
}

func (rt *Runtime) observeCount(n int) {
	if rt.cfg.Observer != nil {
		rt.cfg.Observer.PluginsLoaded(n)
	}
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// within reports whether path lies inside root.
func within(root, path string) bool {
	if root == "" {
		return false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
