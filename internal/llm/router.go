// Package llm routes chat requests to named language model providers,
// rotating through each provider's API keys.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/haasonsaas/nekobot/internal/storage"
	"github.com/haasonsaas/nekobot/pkg/models"
	"github.com/haasonsaas/nekobot/pkg/pluginsdk"
)

const (
	defaultRequestTimeout = 60 * time.Second

	probeMessage   = "Hello"
	probeMaxTokens = 10
)

// Descriptor registers a provider connection.
type Descriptor struct {
	Name    string         `json:"name" yaml:"name"`
	Type    ProviderType   `json:"provider_type" yaml:"provider_type"`
	Model   string         `json:"model" yaml:"model"`
	APIKeys []string       `json:"api_keys" yaml:"api_keys"`
	BaseURL string         `json:"base_url,omitempty" yaml:"base_url"`
	Config  map[string]any `json:"config,omitempty" yaml:"config"`
}

// Summary describes a registered provider without its credentials.
type Summary struct {
	Name     string       `json:"name"`
	Type     ProviderType `json:"provider_type"`
	Model    string       `json:"model"`
	KeyCount int          `json:"key_count"`
	BaseURL  string       `json:"base_url,omitempty"`
}

// DescriptorFromRecord converts a stored provider record.
func DescriptorFromRecord(rec *models.ProviderRecord) Descriptor {
	return Descriptor{
		Name:    rec.Name,
		Type:    ProviderType(rec.ProviderType),
		Model:   rec.Model,
		APIKeys: append([]string(nil), rec.APIKeys...),
		BaseURL: rec.BaseURL,
		Config:  rec.Config,
	}
}

func (d Descriptor) record() *models.ProviderRecord {
	return &models.ProviderRecord{
		Name:         d.Name,
		ProviderType: string(d.Type),
		APIKeys:      append([]string(nil), d.APIKeys...),
		BaseURL:      d.BaseURL,
		Model:        d.Model,
		Config:       d.Config,
		Active:       true,
	}
}

// Observer receives request and health outcomes.
type Observer interface {
	RequestCompleted(provider, model, status string, d time.Duration, usage models.Usage)
	ProviderHealth(provider string, up bool)
}

// Config configures a Router.
type Config struct {
	// RequestTimeout bounds every provider call, streams included.
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Store      storage.ProviderStore
	Observer   Observer
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

type provider struct {
	desc    Descriptor
	backend Backend
	cursor  atomic.Int64
}

// nextKey returns keys[cursor] and advances the cursor modulo the key count.
func (p *provider) nextKey() string {
	n := int64(len(p.desc.APIKeys))
	for {
		cur := p.cursor.Load()
		if p.cursor.CompareAndSwap(cur, (cur+1)%n) {
			return p.desc.APIKeys[cur]
		}
	}
}

func (p *provider) summary() Summary {
	return Summary{
		Name:     p.desc.Name,
		Type:     p.desc.Type,
		Model:    p.desc.Model,
		KeyCount: len(p.desc.APIKeys),
		BaseURL:  p.desc.BaseURL,
	}
}

// Router multiplexes chat requests over named provider connections.
type Router struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu        sync.RWMutex
	providers map[string]*provider

	cronMu sync.Mutex
	cron   *cron.Cron
}

var _ pluginsdk.Router = (*Router)(nil)

// NewRouter creates an empty router.
func NewRouter(cfg Config) *Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/haasonsaas/nekobot/internal/llm")
	}
	return &Router{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "llm"),
		tracer:    cfg.Tracer,
		providers: make(map[string]*provider),
	}
}

// normalizeName folds case and compatibility forms so "OpenAI" and
// "ｏｐｅｎａｉ" name the same provider.
func normalizeName(name string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(name)))
}

// AddProvider validates and registers a provider, persisting it when a store
// is configured.
func (r *Router) AddProvider(ctx context.Context, desc Descriptor) error {
	p, err := r.register(desc)
	if err != nil {
		return err
	}
	if r.cfg.Store == nil {
		return nil
	}
	if err := r.cfg.Store.Upsert(ctx, p.desc.record()); err != nil {
		r.mu.Lock()
		delete(r.providers, normalizeName(p.desc.Name))
		r.mu.Unlock()
		return fmt.Errorf("persist provider %s: %w", p.desc.Name, err)
	}
	return nil
}

func (r *Router) register(desc Descriptor) (*provider, error) {
	desc.Name = strings.TrimSpace(desc.Name)
	if desc.Name == "" {
		return nil, &ProviderError{Kind: ErrMissingName, Message: "provider name is required"}
	}
	if _, ok := backendFactories[desc.Type]; !ok {
		return nil, &ProviderError{Kind: ErrUnsupportedType, Provider: desc.Name, Message: fmt.Sprintf("provider type %q is not supported", desc.Type)}
	}
	keys := make([]string, 0, len(desc.APIKeys))
	for _, key := range desc.APIKeys {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, &ProviderError{Kind: ErrNoCredentials, Provider: desc.Name, Message: "at least one api key is required"}
	}
	desc.APIKeys = keys
	if desc.Type == TypeCustom && strings.TrimSpace(desc.BaseURL) == "" {
		return nil, &ProviderError{Kind: ErrMissingBaseURL, Provider: desc.Name, Message: "custom providers require base_url"}
	}

	backend, err := newBackend(desc, r.cfg.HTTPClient)
	if err != nil {
		return nil, &ProviderError{Kind: ErrUnsupportedType, Provider: desc.Name, Cause: err}
	}
	p := &provider{desc: desc, backend: backend}

	key := normalizeName(desc.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[key]; exists {
		return nil, &ProviderError{Kind: ErrDuplicateName, Provider: desc.Name, Message: "provider already registered"}
	}
	r.providers[key] = p
	r.logger.Info("provider registered", "provider", desc.Name, "type", desc.Type, "model", desc.Model, "keys", len(keys))
	return p, nil
}

// RemoveProvider unregisters a provider and deletes its stored record.
func (r *Router) RemoveProvider(ctx context.Context, name string) error {
	key := normalizeName(name)
	r.mu.Lock()
	p, ok := r.providers[key]
	if ok {
		delete(r.providers, key)
	}
	r.mu.Unlock()
	if !ok {
		return &ProviderError{Kind: ErrUnknownProvider, Provider: name, Message: "provider not registered"}
	}

	if r.cfg.Store != nil {
		if err := r.cfg.Store.Delete(ctx, p.desc.Name); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete provider %s: %w", p.desc.Name, err)
		}
	}
	r.logger.Info("provider removed", "provider", p.desc.Name)
	return nil
}

// LoadFromStore registers every active stored provider. Invalid or duplicate
// records are logged and skipped.
func (r *Router) LoadFromStore(ctx context.Context) (int, error) {
	if r.cfg.Store == nil {
		return 0, nil
	}
	records, err := r.cfg.Store.List(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list providers: %w", err)
	}
	loaded := 0
	for _, rec := range records {
		if _, err := r.register(DescriptorFromRecord(rec)); err != nil {
			level := slog.LevelWarn
			if errors.Is(err, &ProviderError{Kind: ErrDuplicateName}) {
				level = slog.LevelDebug
			}
			r.logger.Log(ctx, level, "skipping stored provider", "provider", rec.Name, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// ListProviders returns summaries sorted by name.
func (r *Router) ListProviders() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.summary())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Providers returns registered provider names, sorted.
func (r *Router) Providers() []string {
	summaries := r.ListProviders()
	names := make([]string, len(summaries))
	for i, s := range summaries {
		names[i] = s.Name
	}
	return names
}

func (r *Router) lookup(name string) (*provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[normalizeName(name)]
	return p, ok
}

// Chat sends one non-streaming request. Failures are never retried.
func (r *Router) Chat(ctx context.Context, name string, messages []models.ChatMessage, opts models.ChatOptions) (*models.ChatResult, error) {
	p, req, err := r.prepare(name, messages, opts)
	if err != nil {
		return nil, err
	}

	ctx, span := r.startSpan(ctx, "llm.chat", p, req)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	result, err := p.backend.Chat(ctx, p.nextKey(), req)
	if err != nil {
		err = annotate(err, p.desc.Name, req.Model)
		r.finish(span, p, req.Model, start, models.Usage{}, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("llm.usage.total_tokens", result.Usage.TotalTokens))
	r.finish(span, p, req.Model, start, result.Usage, nil)
	return result, nil
}

// ChatStream starts a streaming request. The request is sent on the first
// call to Next; the returned stream must be closed or drained.
func (r *Router) ChatStream(ctx context.Context, name string, messages []models.ChatMessage, opts models.ChatOptions) (pluginsdk.Stream, error) {
	p, req, err := r.prepare(name, messages, opts)
	if err != nil {
		return nil, err
	}

	ctx, span := r.startSpan(ctx, "llm.chat_stream", p, req)
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)

	start := time.Now()
	seq := annotateSeq(p.backend.ChatStream(ctx, p.nextKey(), req), p.desc.Name, req.Model)
	return newStream(seq, cancel, func(err error) {
		r.finish(span, p, req.Model, start, models.Usage{}, err)
		span.End()
	}), nil
}

// TestConnection sends a short probe and reports whether it succeeded.
func (r *Router) TestConnection(ctx context.Context, name string) bool {
	_, err := r.Chat(ctx, name, []models.ChatMessage{{Role: models.RoleUser, Content: probeMessage}}, models.ChatOptions{MaxTokens: probeMaxTokens})
	if err != nil {
		r.logger.Debug("provider probe failed", "provider", name, "error", err)
		return false
	}
	return true
}

func (r *Router) prepare(name string, messages []models.ChatMessage, opts models.ChatOptions) (*provider, Request, error) {
	p, ok := r.lookup(name)
	if !ok {
		return nil, Request{}, &ChatError{Kind: ChatUnknownProvider, Provider: name, Message: "provider not registered"}
	}
	if len(messages) == 0 {
		return nil, Request{}, &ChatError{Kind: ChatInvalidRequest, Provider: p.desc.Name, Message: "no messages"}
	}
	for _, msg := range messages {
		if !validRole(msg.Role) {
			err := unsupported("role:"+string(msg.Role), fmt.Sprintf("message role %q is not supported", msg.Role))
			err.Provider = p.desc.Name
			return nil, Request{}, err
		}
	}

	req := Request{
		Model:       opts.Model,
		System:      opts.System,
		Messages:    append([]models.ChatMessage(nil), messages...),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if req.Model == "" {
		req.Model = p.desc.Model
	}
	if req.Temperature == nil {
		if t, ok := configFloat(p.desc.Config, "temperature"); ok {
			req.Temperature = &t
		}
	}
	if req.MaxTokens <= 0 {
		if n, ok := configFloat(p.desc.Config, "max_tokens"); ok && n > 0 {
			req.MaxTokens = int(n)
		}
	}
	return p, req, nil
}

func configFloat(config map[string]any, key string) (float64, bool) {
	switch v := config[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func (r *Router) startSpan(ctx context.Context, name string, p *provider, req Request) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("llm.provider", p.desc.Name),
		attribute.String("llm.provider_type", string(p.desc.Type)),
		attribute.String("llm.model", req.Model),
	))
}

func (r *Router) finish(span trace.Span, p *provider, model string, start time.Time, usage models.Usage, err error) {
	status := "ok"
	if err != nil {
		status = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if r.cfg.Observer != nil {
		r.cfg.Observer.RequestCompleted(p.desc.Name, model, status, time.Since(start), usage)
	}
}

// annotate stamps provider and model onto backend errors.
func annotate(err error, provider, model string) error {
	var ce *ChatError
	if !errors.As(err, &ce) {
		return &ChatError{Kind: classifyMessage(err), Provider: provider, Model: model, Cause: err}
	}
	if ce.Provider == "" {
		ce.Provider = provider
	}
	if ce.Model == "" {
		ce.Model = model
	}
	return ce
}

func annotateSeq(seq iter.Seq2[string, error], provider, model string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for text, err := range seq {
			if err != nil {
				yield("", annotate(err, provider, model))
				return
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}
