// Package dispatch routes canonical events to the handlers registered for
// their category.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nekobot/pkg/models"
)

// DefaultHandlerTimeout bounds a single handler invocation.
const DefaultHandlerTimeout = 30 * time.Second

// ErrHandlerTimeout is reported when a handler outlives its deadline.
var ErrHandlerTimeout = errors.New("handler timed out")

// Handler processes one event. Returned errors are logged, never propagated.
type Handler func(ctx context.Context, evt *models.Event) error

// Handle identifies a registration for later removal.
type Handle string

// Gate reports whether handlers owned by owner may run.
type Gate func(owner string) bool

// Observer receives per-invocation results. status is one of "ok", "error",
// "panic" or "timeout".
type Observer interface {
	HandlerCompleted(category models.EventCategory, owner, status string, duration time.Duration)
}

// Registration describes one registered handler.
type Registration struct {
	ID       Handle
	Category models.EventCategory
	Name     string
	Owner    string

	handler Handler
}

// Option configures a registration.
type Option func(*Registration)

// WithName labels the handler in logs.
func WithName(name string) Option {
	return func(r *Registration) { r.Name = name }
}

// WithOwner ties the handler to a plugin for gating and bulk removal.
func WithOwner(owner string) Option {
	return func(r *Registration) { r.Owner = owner }
}

// Config configures a Dispatcher.
type Config struct {
	HandlerTimeout time.Duration
	Gate           Gate
	Observer       Observer
	Logger         *slog.Logger
	Tracer         trace.Tracer
}

// table is an immutable snapshot of the registry.
type table map[models.EventCategory][]*Registration

// Dispatcher owns handler registrations. Writers build a new table under mu
// and publish it atomically; Dispatch reads whichever table is current.
type Dispatcher struct {
	mu      sync.Mutex
	current atomic.Pointer[table]
	gate    atomic.Pointer[Gate]

	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/haasonsaas/nekobot/internal/dispatch")
	}
	d := &Dispatcher{
		timeout:  cfg.HandlerTimeout,
		observer: cfg.Observer,
		logger:   cfg.Logger.With("component", "dispatch"),
		tracer:   cfg.Tracer,
	}
	empty := table{}
	d.current.Store(&empty)
	if cfg.Gate != nil {
		d.SetGate(cfg.Gate)
	}
	return d
}

// SetGate installs the function consulted before each handler runs.
// Handlers without an owner are never gated.
func (d *Dispatcher) SetGate(g Gate) {
	if g == nil {
		d.gate.Store(nil)
		return
	}
	d.gate.Store(&g)
}

// Register appends a handler for category. Handlers run in registration order.
func (d *Dispatcher) Register(category models.EventCategory, h Handler, opts ...Option) (Handle, error) {
	if !category.Valid() {
		return "", fmt.Errorf("unknown event category %q", category)
	}
	if h == nil {
		return "", errors.New("handler is nil")
	}

	reg := &Registration{
		ID:       Handle(uuid.New().String()),
		Category: category,
		handler:  h,
	}
	for _, opt := range opts {
		opt(reg)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.clone()
	next[category] = append(next[category], reg)
	d.current.Store(&next)

	d.logger.Debug("registered handler",
		"id", reg.ID,
		"category", category,
		"name", reg.Name,
		"owner", reg.Owner)
	return reg.ID, nil
}

// Unregister removes a handler. It reports whether the handle was known.
func (d *Dispatcher) Unregister(id Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	next := d.without(func(r *Registration) bool {
		if r.ID == id {
			removed++
			return true
		}
		return false
	})
	if removed == 0 {
		return false
	}
	d.current.Store(&next)
	d.logger.Debug("unregistered handler", "id", id)
	return true
}

// UnregisterOwner removes every handler registered by owner and returns how
// many were removed.
func (d *Dispatcher) UnregisterOwner(owner string) int {
	if owner == "" {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	next := d.without(func(r *Registration) bool {
		if r.Owner == owner {
			removed++
			return true
		}
		return false
	})
	if removed > 0 {
		d.current.Store(&next)
		d.logger.Debug("unregistered owner handlers", "owner", owner, "count", removed)
	}
	return removed
}

// clone copies the current table. Callers hold mu.
func (d *Dispatcher) clone() table {
	cur := *d.current.Load()
	next := make(table, len(cur))
	for cat, regs := range cur {
		next[cat] = append([]*Registration(nil), regs...)
	}
	return next
}

// without copies the current table minus registrations matching drop.
func (d *Dispatcher) without(drop func(*Registration) bool) table {
	cur := *d.current.Load()
	next := make(table, len(cur))
	for cat, regs := range cur {
		kept := make([]*Registration, 0, len(regs))
		for _, r := range regs {
			if !drop(r) {
				kept = append(kept, r)
			}
		}
		if len(kept) > 0 {
			next[cat] = kept
		}
	}
	return next
}

// Handlers lists the registrations for category in invocation order.
func (d *Dispatcher) Handlers(category models.EventCategory) []Registration {
	regs := (*d.current.Load())[category]
	out := make([]Registration, 0, len(regs))
	for _, r := range regs {
		out = append(out, Registration{ID: r.ID, Category: r.Category, Name: r.Name, Owner: r.Owner})
	}
	return out
}

// Count returns the number of handlers registered for category.
func (d *Dispatcher) Count(category models.EventCategory) int {
	return len((*d.current.Load())[category])
}

// Dispatch runs every handler registered for the event's category, one after
// another. Failures, panics and timeouts are logged and never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *models.Event) {
	if evt == nil {
		return
	}
	regs := (*d.current.Load())[evt.Category()]
	if len(regs) == 0 {
		return
	}

	var gate Gate
	if g := d.gate.Load(); g != nil {
		gate = *g
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.event", trace.WithAttributes(
		attribute.String("event.category", string(evt.Category())),
		attribute.String("event.post_type", evt.PostType()),
		attribute.String("event.platform", evt.Platform()),
		attribute.Int("dispatch.handlers", len(regs)),
	))
	defer span.End()

	invoked, failed, skipped := 0, 0, 0
	defer func() {
		span.SetAttributes(
			attribute.Int("dispatch.invoked", invoked),
			attribute.Int("dispatch.failed", failed),
			attribute.Int("dispatch.skipped", skipped),
		)
		if failed > 0 {
			span.SetStatus(codes.Error, fmt.Sprintf("%d handler(s) failed", failed))
		}
	}()

	for _, reg := range regs {
		if ctx.Err() != nil {
			return
		}
		if gate != nil && reg.Owner != "" && !gate(reg.Owner) {
			skipped++
			continue
		}
		invoked++
		if !d.invoke(ctx, reg, evt) {
			failed++
		}
	}
}

// invoke runs one handler and reports whether it succeeded.
func (d *Dispatcher) invoke(ctx context.Context, reg *Registration, evt *models.Event) bool {
	ctx, span := d.tracer.Start(ctx, "dispatch.handler", trace.WithAttributes(
		attribute.String("handler.id", string(reg.ID)),
		attribute.String("handler.name", reg.Name),
		attribute.String("handler.owner", reg.Owner),
	))
	defer span.End()

	start := time.Now()
	err := d.run(ctx, reg, evt)
	duration := time.Since(start)

	status := "ok"
	var panicErr *handlerPanic
	switch {
	case err == nil:
	case errors.Is(err, ErrHandlerTimeout):
		status = "timeout"
	case errors.As(err, &panicErr):
		status = "panic"
	default:
		status = "error"
	}
	span.SetAttributes(attribute.String("handler.status", status))

	if err != nil {
		if panicErr != nil {
			span.RecordError(err, trace.WithAttributes(attribute.String("panic.stack", panicErr.stack)))
		} else {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, err.Error())

		attrs := []any{
			"handler_id", reg.ID,
			"handler_name", reg.Name,
			"owner", reg.Owner,
			"event", evt.Summary(),
			"duration", duration,
			"error", err,
		}
		if panicErr != nil {
			attrs = append(attrs, "stack", panicErr.stack)
		}
		d.logger.Error("handler failed", attrs...)
	}
	if d.observer != nil {
		d.observer.HandlerCompleted(evt.Category(), reg.Owner, status, duration)
	}
	return err == nil
}

type handlerPanic struct {
	value any
	stack string
}

func (p *handlerPanic) Error() string { return fmt.Sprintf("handler panic: %v", p.value) }

// run executes the handler on its own goroutine so a handler that ignores its
// context can be abandoned once the deadline passes.
func (d *Dispatcher) run(ctx context.Context, reg *Registration, evt *models.Event) error {
	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- &handlerPanic{value: p, stack: string(debug.Stack())}
			}
		}()
		done <- reg.handler(hctx, evt)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, d.timeout)
	}
}
