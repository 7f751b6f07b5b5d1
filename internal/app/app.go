// Package app wires the configured subsystems into a running bot: record
// stores, the event dispatcher, the language model router, platform adapters
// and the plugin runtime.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nekobot/internal/backoff"
	"github.com/haasonsaas/nekobot/internal/channels"
	"github.com/haasonsaas/nekobot/internal/config"
	"github.com/haasonsaas/nekobot/internal/dispatch"
	"github.com/haasonsaas/nekobot/internal/llm"
	"github.com/haasonsaas/nekobot/internal/observability"
	"github.com/haasonsaas/nekobot/internal/plugins"
	"github.com/haasonsaas/nekobot/internal/storage"
)

const (
	// DefaultShutdownTimeout bounds Shutdown when Run's context ends.
	DefaultShutdownTimeout = 30 * time.Second

	storageAttempts = 5
	tracerName      = "github.com/haasonsaas/nekobot"
)

// Options configures New.
type Options struct {
	Config *config.Config

	// Logger overrides the logger built from Config.Logging.
	Logger *slog.Logger

	// Registerer and Gatherer default to a fresh registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// Opener overrides how plugin entry modules are opened.
	Opener plugins.Opener

	// Version is reported as the service version on traces.
	Version string

	ShutdownTimeout time.Duration
}

// App is a fully wired bot. Build it with New, then Run it or drive Start
// and Shutdown directly.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	tracer trace.Tracer

	Stores     storage.StoreSet
	Dispatcher *dispatch.Dispatcher
	Router     *llm.Router
	Adapters   *channels.Registry
	Plugins    *plugins.Runtime
	Metrics    *observability.Metrics

	gatherer        prometheus.Gatherer
	tracerShutdown  observability.ShutdownFunc
	shutdownTimeout time.Duration
	components      *lifecycle

	metricsMu       sync.Mutex
	metricsServer   *http.Server
	metricsListener net.Listener

	adaptersMu  sync.Mutex
	connectCtx  context.Context
	connectStop context.CancelFunc
	connecting  map[string]*connectJob
	connectWG   sync.WaitGroup
}

// New builds every subsystem from opts.Config. Nothing is started and no
// socket is opened until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:     cfg.Logging.Level,
			Format:    cfg.Logging.Format,
			AddSource: cfg.Logging.AddSource,
		})
	}

	tp, tracerShutdown, err := observability.NewTracerProvider(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: opts.Version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	tracer := tp.Tracer(tracerName)

	reg, gatherer := opts.Registerer, opts.Gatherer
	if reg == nil {
		registry := prometheus.NewRegistry()
		reg = registry
		if gatherer == nil {
			gatherer = registry
		}
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	a := &App{
		cfg:             cfg,
		logger:          logger,
		tracer:          tracer,
		Metrics:         observability.NewMetrics(reg),
		gatherer:        gatherer,
		tracerShutdown:  tracerShutdown,
		shutdownTimeout: opts.ShutdownTimeout,
		components:      newLifecycle(logger.With("component", "app")),
	}
	if a.shutdownTimeout <= 0 {
		a.shutdownTimeout = DefaultShutdownTimeout
	}

	if err := a.build(ctx, opts); err != nil {
		_ = a.Stores.Close()
		_ = tracerShutdown(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	if err := a.openStores(ctx); err != nil {
		return err
	}

	a.Dispatcher = dispatch.New(dispatch.Config{
		HandlerTimeout: a.cfg.Dispatch.HandlerTimeout,
		Observer:       a.Metrics,
		Logger:         a.logger,
		Tracer:         a.tracer,
	})

	if err := a.buildRouter(ctx); err != nil {
		return err
	}
	if err := a.buildAdapters(ctx); err != nil {
		return err
	}

	pc := a.cfg.Plugins
	rt, err := plugins.NewRuntime(plugins.Config{
		OfficialDir:       pc.OfficialDir,
		PluginDir:         pc.Dir,
		DataDir:           pc.DataDir,
		TempDir:           pc.TempDir,
		DependencyCommand: pc.DependencyCommand,
		DependencyTimeout: pc.DependencyTimeout,
		DependencyWorkers: pc.DependencyWorkers,
		MaxArchiveBytes:   pc.MaxArchiveBytes,
		TerminateTimeout:  pc.TerminateTimeout,
		Watch:             pc.Watch,
		WatchDebounce:     pc.WatchDebounce,
		Dispatcher:        a.Dispatcher,
		Opener:            opts.Opener,
		Store:             a.Stores.Plugins,
		Router:            a.Router,
		Adapters:          a.Adapters,
		Observer:          a.Metrics,
		Tracer:            a.tracer,
		Logger:            a.logger,
	})
	if err != nil {
		return fmt.Errorf("init plugins: %w", err)
	}
	a.Plugins = rt

	a.components.register(Component{Name: "metrics", Start: a.startMetrics, Stop: a.stopMetrics})
	a.components.register(Component{Name: "plugins", Start: a.startPlugins, Stop: a.Plugins.Close})
	a.components.register(Component{Name: "adapters", Start: a.startAdapters, Stop: a.stopAdapters})
	a.components.register(Component{
		Name: "llm-health",
		Start: func(context.Context) error {
			return a.Router.StartHealthChecks(a.cfg.LLM.HealthCheckSchedule)
		},
		Stop: func(context.Context) error {
			a.Router.StopHealthChecks()
			return nil
		},
	})
	return nil
}

func (a *App) openStores(ctx context.Context) error {
	attempts, err := backoff.Retry(ctx, backoff.DefaultPolicy(), storageAttempts, func(attempt int) error {
		stores, err := storage.Open(ctx, a.cfg.Storage)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidConfig) {
				return backoff.Permanent(err)
			}
			a.logger.Warn("open storage failed", "driver", a.cfg.Storage.Driver, "attempt", attempt, "error", err)
			return err
		}
		a.Stores = stores
		return nil
	})
	if err != nil {
		return fmt.Errorf("open storage after %d attempts: %w", attempts, err)
	}
	a.logger.Info("storage ready", "driver", a.cfg.Storage.Driver)
	return nil
}

// buildRouter registers configured providers, then any extra active
// providers persisted by earlier runs.
func (a *App) buildRouter(ctx context.Context) error {
	a.Router = llm.NewRouter(llm.Config{
		RequestTimeout: a.cfg.LLM.RequestTimeout,
		Store:          a.Stores.Providers,
		Observer:       a.Metrics,
		Tracer:         a.tracer,
		Logger:         a.logger,
	})
	for _, p := range a.cfg.LLM.Providers {
		if err := a.Router.AddProvider(ctx, p.Descriptor()); err != nil {
			return fmt.Errorf("register provider %q: %w", p.Name, err)
		}
	}
	n, err := a.Router.LoadFromStore(ctx)
	if err != nil {
		a.logger.Warn("load stored providers failed", "error", err)
	}
	a.logger.Info("llm providers ready", "configured", len(a.cfg.LLM.Providers), "restored", n)
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Components lists the managed components in start order.
func (a *App) Components() []string { return a.components.names() }

// Start starts every component. On failure the ones already started are
// stopped again.
func (a *App) Start(ctx context.Context) error {
	return a.components.start(ctx)
}

// Shutdown stops components in reverse start order, then closes storage and
// flushes traces. It is safe to call without Start and more than once.
func (a *App) Shutdown(ctx context.Context) error {
	errs := []error{a.components.stop(ctx)}
	// One-shot commands load plugins without Start.
	if err := a.Plugins.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}
	if err := a.Stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	if err := a.tracerShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	return errors.Join(errs...)
}

// Run starts the app, blocks until ctx ends, then shuts down within the
// configured timeout.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		return errors.Join(err, a.Shutdown(shutdownCtx))
	}
	a.logger.Info("nekobot running",
		"adapters", len(a.Adapters.All()),
		"plugins", len(a.Plugins.List()),
		"providers", len(a.Router.Providers()),
	)

	<-ctx.Done()
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

func (a *App) startPlugins(ctx context.Context) error {
	a.Plugins.LoadAll(ctx)
	if a.cfg.Plugins.Watch {
		if err := a.Plugins.StartWatching(ctx); err != nil {
			return fmt.Errorf("watch plugins: %w", err)
		}
	}
	return nil
}

func (a *App) startMetrics(context.Context) error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	listener, err := net.Listen("tcp", a.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Metrics.Listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, observability.Handler(a.gatherer))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	a.metricsMu.Lock()
	a.metricsServer = server
	a.metricsListener = listener
	a.metricsMu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("metrics listening", "addr", listener.Addr().String(), "path", a.cfg.Metrics.Path)
	return nil
}

func (a *App) stopMetrics(ctx context.Context) error {
	a.metricsMu.Lock()
	server := a.metricsServer
	a.metricsServer = nil
	a.metricsListener = nil
	a.metricsMu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// MetricsAddr returns the metrics listen address while it is serving.
func (a *App) MetricsAddr() string {
	a.metricsMu.Lock()
	defer a.metricsMu.Unlock()
	if a.metricsListener == nil {
		return ""
	}
	return a.metricsListener.Addr().String()
}
