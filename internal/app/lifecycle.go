package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Component is a named start/stop pair managed by the application.
type Component struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// lifecycle starts components in registration order and stops them in
// reverse. A failed start stops whatever already started.
type lifecycle struct {
	mu         sync.Mutex
	components []Component
	running    []Component
	started    atomic.Bool
	logger     *slog.Logger
}

func newLifecycle(logger *slog.Logger) *lifecycle {
	return &lifecycle{logger: logger}
}

func (l *lifecycle) register(c Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.components = append(l.components, c)
}

func (l *lifecycle) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.components))
	for i, c := range l.components {
		out[i] = c.Name
	}
	return out
}

func (l *lifecycle) start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.running = l.running[:0]
	for _, c := range l.components {
		l.logger.Debug("starting component", "component", c.Name)
		if c.Start != nil {
			if err := c.Start(ctx); err != nil {
				l.logger.Error("component failed to start", "component", c.Name, "error", err)
				if stopErr := l.stopRunning(ctx); stopErr != nil {
					l.logger.Error("rollback after failed start", "error", stopErr)
				}
				l.started.Store(false)
				return fmt.Errorf("start %s: %w", c.Name, err)
			}
		}
		l.running = append(l.running, c)
	}
	l.logger.Info("components started", "count", len(l.running))
	return nil
}

func (l *lifecycle) stop(ctx context.Context) error {
	if !l.started.CompareAndSwap(true, false) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopRunning(ctx)
}

// stopRunning must be called with mu held.
func (l *lifecycle) stopRunning(ctx context.Context) error {
	var errs []error
	for i := len(l.running) - 1; i >= 0; i-- {
		c := l.running[i]
		l.logger.Debug("stopping component", "component", c.Name)
		if c.Stop == nil {
			continue
		}
		if err := c.Stop(ctx); err != nil {
			l.logger.Error("error stopping component", "component", c.Name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name, err))
		}
	}
	l.running = l.running[:0]
	return errors.Join(errs...)
}
