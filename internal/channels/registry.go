package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the running adapters by instance name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Names must be unique.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return ErrConfig("adapter is nil", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := adapter.Name()
	if _, exists := r.adapters[name]; exists {
		return ErrConfig(fmt.Sprintf("adapter %q already registered", name), nil)
	}
	r.adapters[name] = adapter
	return nil
}

// Remove drops an adapter from the registry and returns it.
func (r *Registry) Remove(name string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	adapter, ok := r.adapters[name]
	if ok {
		delete(r.adapters, name)
	}
	return adapter, ok
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	return adapter, ok
}

// All returns the adapters sorted by name.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Statuses returns a status snapshot for every adapter.
func (r *Registry) Statuses() []Status {
	adapters := r.All()
	out := make([]Status, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Status())
	}
	return out
}

// DisconnectAll disconnects every adapter and joins the errors.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, a := range r.All() {
		if err := a.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}
