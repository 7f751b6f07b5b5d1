// Package storage persists plugin, provider and adapter records in memory,
// SQLite or PostgreSQL.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/nekobot/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidConfig reports a store configuration that can never open.
	ErrInvalidConfig = errors.New("invalid storage config")
)

// PluginStore persists plugin records keyed by plugin name.
type PluginStore interface {
	Upsert(ctx context.Context, rec *models.PluginRecord) error
	Get(ctx context.Context, name string) (*models.PluginRecord, error)
	List(ctx context.Context) ([]*models.PluginRecord, error)
	SetEnabled(ctx context.Context, name string, enabled bool) error
	Delete(ctx context.Context, name string) error
}

// ProviderStore persists language model provider records.
type ProviderStore interface {
	Upsert(ctx context.Context, rec *models.ProviderRecord) error
	Get(ctx context.Context, name string) (*models.ProviderRecord, error)
	List(ctx context.Context, activeOnly bool) ([]*models.ProviderRecord, error)
	Delete(ctx context.Context, name string) error
}

// AdapterStore persists platform adapter records.
type AdapterStore interface {
	Upsert(ctx context.Context, rec *models.AdapterRecord) error
	Get(ctx context.Context, name string) (*models.AdapterRecord, error)
	List(ctx context.Context, activeOnly bool) ([]*models.AdapterRecord, error)
	Delete(ctx context.Context, name string) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Plugins   PluginStore
	Providers ProviderStore
	Adapters  AdapterStore
	closer    func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// NewMemoryStores returns a StoreSet backed by process memory.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Plugins:   NewMemoryPluginStore(),
		Providers: NewMemoryProviderStore(),
		Adapters:  NewMemoryAdapterStore(),
	}
}
