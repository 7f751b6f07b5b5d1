package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/nekobot/internal/backoff"
	"github.com/haasonsaas/nekobot/internal/channels"
	"github.com/haasonsaas/nekobot/internal/channels/onebot"
	"github.com/haasonsaas/nekobot/internal/config"
	"github.com/haasonsaas/nekobot/internal/storage"
	"github.com/haasonsaas/nekobot/pkg/models"
)

// connectJob tracks the background connect loop of one adapter.
type connectJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// buildAdapters registers the configured adapters, then the active adapters
// stored by earlier runs that the configuration does not declare.
func (a *App) buildAdapters(ctx context.Context) error {
	a.Adapters = channels.NewRegistry()
	declared := make(map[string]bool, len(a.cfg.Adapters))
	for _, ac := range a.cfg.Adapters {
		declared[ac.Name] = true
		if ac.IsEnabled() {
			if _, err := a.registerAdapter(ac); err != nil {
				return fmt.Errorf("adapter %q: %w", ac.Name, err)
			}
		} else {
			a.logger.Info("adapter disabled", "adapter", ac.Name)
		}
		if err := a.Stores.Adapters.Upsert(ctx, adapterRecord(ac)); err != nil {
			a.logger.Warn("persist adapter failed", "adapter", ac.Name, "error", err)
		}
	}
	restored := a.restoreAdapters(ctx, declared)
	a.logger.Info("adapters ready", "configured", len(a.cfg.Adapters), "restored", restored)
	return nil
}

// restoreAdapters registers stored active adapters missing from declared.
// A record that cannot be rebuilt is logged and skipped.
func (a *App) restoreAdapters(ctx context.Context, declared map[string]bool) int {
	records, err := a.Stores.Adapters.List(ctx, true)
	if err != nil {
		a.logger.Warn("load stored adapters failed", "error", err)
		return 0
	}
	restored := 0
	for _, rec := range records {
		if declared[rec.Name] {
			continue
		}
		ac, err := adapterConfigFromRecord(rec)
		if err == nil {
			_, err = a.registerAdapter(ac)
		}
		if err != nil {
			a.logger.Warn("skipping stored adapter", "adapter", rec.Name, "error", err)
			continue
		}
		restored++
	}
	return restored
}

func (a *App) registerAdapter(ac config.AdapterConfig) (channels.Adapter, error) {
	adapter, err := onebot.NewAdapter(onebot.Config{
		Name:        ac.Name,
		Host:        ac.Host,
		Port:        ac.Port,
		BaseURL:     ac.BaseURL,
		AccessToken: ac.Token(),
		WSHost:      ac.WSHost,
		WSPort:      ac.WSPort,
		WSPath:      ac.WSPath,
		HTTPTimeout: ac.HTTPTimeout,
		RateLimit:   ac.RateLimit,
		RateBurst:   ac.RateBurst,
		AcceptSelf:  ac.AcceptSelf,
		Sink:        a.Dispatcher.Dispatch,
		Observer:    a.Metrics,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Adapters.Register(adapter); err != nil {
		return nil, err
	}
	return adapter, nil
}

// AddAdapter registers and stores a new adapter. While the app is running
// the adapter is connected in the background like the configured ones. A
// disabled declaration is only stored.
func (a *App) AddAdapter(ctx context.Context, ac config.AdapterConfig) error {
	ac.ApplyDefaults()
	if err := ac.Validate(); err != nil {
		return err
	}
	if _, exists := a.Adapters.Get(ac.Name); exists {
		return channels.ErrConfig(fmt.Sprintf("adapter %q already registered", ac.Name), nil)
	}

	var adapter channels.Adapter
	if ac.IsEnabled() {
		var err error
		if adapter, err = a.registerAdapter(ac); err != nil {
			return err
		}
	}
	if err := a.Stores.Adapters.Upsert(ctx, adapterRecord(ac)); err != nil {
		if adapter != nil {
			a.Adapters.Remove(ac.Name)
		}
		return fmt.Errorf("persist adapter %q: %w", ac.Name, err)
	}
	if adapter != nil {
		a.connectInBackground(adapter)
	}
	a.logger.Info("adapter added", "adapter", ac.Name, "enabled", ac.IsEnabled())
	return nil
}

// RemoveAdapter stops an adapter's connect loop, disconnects it, drops it
// from the registry and deletes its record. Adapters declared in the
// configuration come back on the next start.
func (a *App) RemoveAdapter(ctx context.Context, name string) error {
	a.stopConnecting(name)

	var errs []error
	adapter, registered := a.Adapters.Remove(name)
	if registered {
		if err := adapter.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", name, err))
		}
	}
	if err := a.Stores.Adapters.Delete(ctx, name); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete adapter record %s: %w", name, err))
		} else if !registered {
			return fmt.Errorf("adapter %q: %w", name, storage.ErrNotFound)
		}
	}
	if len(errs) == 0 {
		a.logger.Info("adapter removed", "adapter", name)
	}
	return errors.Join(errs...)
}

// adapterRecord describes an adapter without its access token. Only the
// name of the token's environment variable is kept.
func adapterRecord(ac config.AdapterConfig) *models.AdapterRecord {
	cfg := map[string]any{
		"host":           ac.Host,
		"port":           ac.Port,
		"base_url":       ac.BaseURL,
		"ws_host":        ac.WSHost,
		"ws_port":        ac.WSPort,
		"ws_path":        ac.WSPath,
		"rate_limit":     ac.RateLimit,
		"rate_burst":     ac.RateBurst,
		"accept_self":    ac.AcceptSelf,
		"token_required": ac.AccessToken != "" || ac.AccessTokenEnv != "",
	}
	if ac.HTTPTimeout > 0 {
		cfg["http_timeout"] = ac.HTTPTimeout.String()
	}
	if ac.AccessTokenEnv != "" {
		cfg["access_token_env"] = ac.AccessTokenEnv
	}
	return &models.AdapterRecord{
		Name:         ac.Name,
		PlatformType: ac.Type,
		Config:       cfg,
		Active:       ac.IsEnabled(),
	}
}

// adapterConfigFromRecord rebuilds a declaration from a stored record. A
// token-protected adapter whose token cannot be resolved is refused rather
// than started without authentication.
func adapterConfigFromRecord(rec *models.AdapterRecord) (config.AdapterConfig, error) {
	c := rec.Config
	ac := config.AdapterConfig{
		Name:           rec.Name,
		Type:           rec.PlatformType,
		Host:           stringValue(c["host"]),
		Port:           int(floatValue(c["port"])),
		BaseURL:        stringValue(c["base_url"]),
		AccessTokenEnv: stringValue(c["access_token_env"]),
		RateLimit:      floatValue(c["rate_limit"]),
		RateBurst:      int(floatValue(c["rate_burst"])),
		WSHost:         stringValue(c["ws_host"]),
		WSPort:         int(floatValue(c["ws_port"])),
		WSPath:         stringValue(c["ws_path"]),
		AcceptSelf:     boolValue(c["accept_self"]),
	}
	if s := stringValue(c["http_timeout"]); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return config.AdapterConfig{}, fmt.Errorf("invalid http_timeout %q: %w", s, err)
		}
		ac.HTTPTimeout = d
	}
	ac.ApplyDefaults()
	if err := ac.Validate(); err != nil {
		return config.AdapterConfig{}, err
	}
	if boolValue(c["token_required"]) && ac.Token() == "" {
		return config.AdapterConfig{}, errors.New("access token required but unavailable; declare the adapter in the config or set access_token_env")
	}
	return ac, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

// floatValue reads a number that may have been through a JSON round trip.
func floatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

// startAdapters connects every registered adapter in the background,
// retrying transient failures until Shutdown.
func (a *App) startAdapters(context.Context) error {
	a.adaptersMu.Lock()
	a.connectCtx, a.connectStop = context.WithCancel(context.Background())
	a.connecting = make(map[string]*connectJob)
	a.adaptersMu.Unlock()

	for _, adapter := range a.Adapters.All() {
		a.connectInBackground(adapter)
	}
	return nil
}

// connectInBackground starts the connect loop for adapter. It does nothing
// before Start or after Shutdown.
func (a *App) connectInBackground(adapter channels.Adapter) {
	a.adaptersMu.Lock()
	defer a.adaptersMu.Unlock()
	if a.connectCtx == nil {
		return
	}
	ctx, cancel := context.WithCancel(a.connectCtx)
	job := &connectJob{cancel: cancel, done: make(chan struct{})}
	a.connecting[adapter.Name()] = job
	a.connectWG.Add(1)
	go func() {
		defer a.connectWG.Done()
		defer close(job.done)
		a.connect(ctx, adapter)
	}()
}

// stopConnecting cancels the connect loop for name and waits for it.
func (a *App) stopConnecting(name string) {
	a.adaptersMu.Lock()
	job, ok := a.connecting[name]
	delete(a.connecting, name)
	a.adaptersMu.Unlock()
	if ok {
		job.cancel()
		<-job.done
	}
}

func (a *App) connect(ctx context.Context, adapter channels.Adapter) {
	logger := a.logger.With("adapter", adapter.Name())
	_, err := backoff.Retry(ctx, backoff.DefaultPolicy(), 0, func(attempt int) error {
		identity, err := adapter.Connect(ctx)
		if err == nil {
			logger.Info("adapter online", "self_id", identity.UserID, "attempt", attempt)
			return nil
		}
		if !channels.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		logger.Warn("adapter connect failed, retrying", "attempt", attempt, "error", err)
		return err
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("adapter connect gave up", "error", err)
	}
}

func (a *App) stopAdapters(ctx context.Context) error {
	a.adaptersMu.Lock()
	if a.connectStop != nil {
		a.connectStop()
	}
	a.connectCtx, a.connectStop, a.connecting = nil, nil, nil
	a.adaptersMu.Unlock()

	a.connectWG.Wait()
	return a.Adapters.DisconnectAll(ctx)
}
