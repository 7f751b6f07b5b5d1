package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/nekobot/pkg/models"
)

func TestMemoryPluginStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPluginStore()

	rec := &models.PluginRecord{Name: "echo", Version: "1.0.0", Enabled: true, Config: map[string]any{"prefix": ">"}}
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	rec.Config["prefix"] = "mutated"
	got, err := store.Get(ctx, "echo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Config["prefix"] != ">" {
		t.Errorf("stored config aliased caller map: %v", got.Config)
	}
	created := got.CreatedAt

	if err := store.Upsert(ctx, &models.PluginRecord{Name: "echo", Version: "1.1.0", Enabled: true}); err != nil {
		t.Fatalf("Upsert(update) error = %v", err)
	}
	got, _ = store.Get(ctx, "echo")
	if got.Version != "1.1.0" || !got.CreatedAt.Equal(created) {
		t.Errorf("updated record = %+v, want new version and original created_at", got)
	}

	if err := store.SetEnabled(ctx, "echo", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	got, _ = store.Get(ctx, "echo")
	if got.Enabled {
		t.Error("Enabled = true after SetEnabled(false)")
	}

	list, err := store.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %v, %v", list, err)
	}

	if err := store.Delete(ctx, "echo"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "echo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	if err := store.SetEnabled(ctx, "echo", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetEnabled(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.Upsert(ctx, &models.PluginRecord{}); err == nil {
		t.Error("Upsert(no name) error = nil")
	}
}

func TestMemoryProviderStoreActiveFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProviderStore()

	_ = store.Upsert(ctx, &models.ProviderRecord{Name: "b", ProviderType: "openai", APIKeys: []string{"k"}, Model: "m", Active: true})
	_ = store.Upsert(ctx, &models.ProviderRecord{Name: "a", ProviderType: "openai", APIKeys: []string{"k"}, Model: "m", Active: false})

	all, _ := store.List(ctx, false)
	if len(all) != 2 || all[0].Name != "a" {
		t.Fatalf("List(false) = %+v, want both sorted by name", all)
	}
	active, _ := store.List(ctx, true)
	if len(active) != 1 || active[0].Name != "b" {
		t.Fatalf("List(true) = %+v, want only b", active)
	}

	active[0].APIKeys[0] = "changed"
	again, _ := store.Get(ctx, "b")
	if again.APIKeys[0] != "k" {
		t.Errorf("APIKeys aliased: %v", again.APIKeys)
	}
}

func TestMemoryAdapterStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAdapterStore()

	if err := store.Upsert(ctx, &models.AdapterRecord{Name: "qq", PlatformType: "onebot", Active: true}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err := store.Get(ctx, "qq")
	if err != nil || got.PlatformType != "onebot" {
		t.Fatalf("Get() = %+v, %v", got, err)
	}
	if err := store.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}
}
