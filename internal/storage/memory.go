package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/nekobot/pkg/models"
)

// MemoryPluginStore provides an in-memory PluginStore.
type MemoryPluginStore struct {
	mu      sync.RWMutex
	plugins map[string]*models.PluginRecord
	now     func() time.Time
}

// NewMemoryPluginStore creates an in-memory plugin store.
func NewMemoryPluginStore() *MemoryPluginStore {
	return &MemoryPluginStore{plugins: make(map[string]*models.PluginRecord), now: time.Now}
}

func (s *MemoryPluginStore) Upsert(ctx context.Context, rec *models.PluginRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("plugin record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := clonePlugin(rec)
	stored.UpdatedAt = s.now()
	if existing, ok := s.plugins[rec.Name]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = stored.UpdatedAt
	}
	s.plugins[rec.Name] = stored
	return nil
}

func (s *MemoryPluginStore) Get(ctx context.Context, name string) (*models.PluginRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.plugins[name]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePlugin(rec), nil
}

func (s *MemoryPluginStore) List(ctx context.Context) ([]*models.PluginRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.PluginRecord, 0, len(s.plugins))
	for _, rec := range s.plugins {
		out = append(out, clonePlugin(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryPluginStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.plugins[name]
	if !ok {
		return ErrNotFound
	}
	rec.Enabled = enabled
	rec.UpdatedAt = s.now()
	return nil
}

func (s *MemoryPluginStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[name]; !ok {
		return ErrNotFound
	}
	delete(s.plugins, name)
	return nil
}

// MemoryProviderStore provides an in-memory ProviderStore.
type MemoryProviderStore struct {
	mu        sync.RWMutex
	providers map[string]*models.ProviderRecord
	now       func() time.Time
}

// NewMemoryProviderStore creates an in-memory provider store.
func NewMemoryProviderStore() *MemoryProviderStore {
	return &MemoryProviderStore{providers: make(map[string]*models.ProviderRecord), now: time.Now}
}

func (s *MemoryProviderStore) Upsert(ctx context.Context, rec *models.ProviderRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("provider record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneProvider(rec)
	stored.UpdatedAt = s.now()
	if existing, ok := s.providers[rec.Name]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = stored.UpdatedAt
	}
	s.providers[rec.Name] = stored
	return nil
}

func (s *MemoryProviderStore) Get(ctx context.Context, name string) (*models.ProviderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.providers[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProvider(rec), nil
}

func (s *MemoryProviderStore) List(ctx context.Context, activeOnly bool) ([]*models.ProviderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ProviderRecord, 0, len(s.providers))
	for _, rec := range s.providers {
		if activeOnly && !rec.Active {
			continue
		}
		out = append(out, cloneProvider(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryProviderStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[name]; !ok {
		return ErrNotFound
	}
	delete(s.providers, name)
	return nil
}

// MemoryAdapterStore provides an in-memory AdapterStore.
type MemoryAdapterStore struct {
	mu       sync.RWMutex
	adapters map[string]*models.AdapterRecord
	now      func() time.Time
}

// NewMemoryAdapterStore creates an in-memory adapter store.
func NewMemoryAdapterStore() *MemoryAdapterStore {
	return &MemoryAdapterStore{adapters: make(map[string]*models.AdapterRecord), now: time.Now}
}

func (s *MemoryAdapterStore) Upsert(ctx context.Context, rec *models.AdapterRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("adapter record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneAdapter(rec)
	stored.UpdatedAt = s.now()
	if existing, ok := s.adapters[rec.Name]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = stored.UpdatedAt
	}
	s.adapters[rec.Name] = stored
	return nil
}

func (s *MemoryAdapterStore) Get(ctx context.Context, name string) (*models.AdapterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.adapters[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAdapter(rec), nil
}

func (s *MemoryAdapterStore) List(ctx context.Context, activeOnly bool) ([]*models.AdapterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AdapterRecord, 0, len(s.adapters))
	for _, rec := range s.adapters {
		if activeOnly && !rec.Active {
			continue
		}
		out = append(out, cloneAdapter(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryAdapterStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.adapters[name]; !ok {
		return ErrNotFound
	}
	delete(s.adapters, name)
	return nil
}

func clonePlugin(rec *models.PluginRecord) *models.PluginRecord {
	out := *rec
	out.Config = cloneMap(rec.Config)
	return &out
}

func cloneProvider(rec *models.ProviderRecord) *models.ProviderRecord {
	out := *rec
	out.APIKeys = append([]string(nil), rec.APIKeys...)
	out.Config = cloneMap(rec.Config)
	return &out
}

func cloneAdapter(rec *models.AdapterRecord) *models.AdapterRecord {
	out := *rec
	out.Config = cloneMap(rec.Config)
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
