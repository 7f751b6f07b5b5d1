package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/nekobot/pkg/models"
)

func setupMockDB(t *testing.T, driver string) (*sql.DB, sqlmock.Sqlmock, StoreSet) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock, NewSQLStores(db, driver)
}

func TestDialectRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	if got := (dialect{}).rebind(q); got != q {
		t.Errorf("sqlite rebind = %q, want unchanged", got)
	}
	want := `SELECT a FROM t WHERE x = $1 AND y = $2`
	if got := (dialect{postgres: true}).rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestSQLPluginStoreUpsert(t *testing.T) {
	tests := []struct {
		name        string
		rec         *models.PluginRecord
		setupMock   func(sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name: "successful upsert",
			rec:  &models.PluginRecord{Name: "echo", Version: "1.0.0", Enabled: true, Config: map[string]any{"prefix": ">"}, InstallPath: "/p/echo"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO plugins").
					WithArgs("echo", "1.0.0", "", "", "", false, true, `{"prefix":">"}`, "/p/echo", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "nil config stored as empty object",
			rec:  &models.PluginRecord{Name: "echo", Version: "1"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO plugins").
					WithArgs("echo", "1", "", "", "", false, false, "{}", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:        "missing name",
			rec:         &models.PluginRecord{},
			setupMock:   func(sqlmock.Sqlmock) {},
			wantErr:     true,
			errContains: "required",
		},
		{
			name: "database error",
			rec:  &models.PluginRecord{Name: "echo", Version: "1"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO plugins").WillReturnError(errors.New("connection refused"))
			},
			wantErr:     true,
			errContains: "upsert plugin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, stores := setupMockDB(t, DriverSQLite)
			tt.setupMock(mock)

			err := stores.Plugins.Upsert(context.Background(), tt.rec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Upsert() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.errContains != "" && (err == nil || !strings.Contains(err.Error(), tt.errContains)) {
				t.Errorf("error = %v, want containing %q", err, tt.errContains)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLPluginStoreGet(t *testing.T) {
	_, mock, stores := setupMockDB(t, DriverPostgres)

	cols := []string{"name", "version", "description", "author", "repository", "is_official", "enabled", "config", "install_path", "created_at", "updated_at"}
	mock.ExpectQuery(`SELECT .* FROM plugins WHERE name = \$1`).
		WithArgs("echo").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("echo", "1.0.0", "d", "a", "r", true, false, `{"k":"v"}`, "/p", int64(1000), int64(2000)))
	mock.ExpectQuery(`SELECT .* FROM plugins WHERE name = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	rec, err := stores.Plugins.Get(context.Background(), "echo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.IsOfficial || rec.Enabled || rec.Config["k"] != "v" || rec.UpdatedAt.UnixMilli() != 2000 {
		t.Errorf("Get() = %+v", rec)
	}

	if _, err := stores.Plugins.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLPluginStoreSetEnabled(t *testing.T) {
	_, mock, stores := setupMockDB(t, DriverSQLite)

	mock.ExpectExec("UPDATE plugins SET enabled").
		WithArgs(false, sqlmock.AnyArg(), "echo").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE plugins SET enabled").
		WithArgs(true, sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := stores.Plugins.SetEnabled(context.Background(), "echo", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	if err := stores.Plugins.SetEnabled(context.Background(), "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetEnabled(missing) error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLProviderStoreListActive(t *testing.T) {
	_, mock, stores := setupMockDB(t, DriverPostgres)

	cols := []string{"name", "provider_type", "api_keys", "base_url", "model", "config", "active", "created_at", "updated_at"}
	mock.ExpectQuery(`SELECT .* FROM llm_providers WHERE active = \$1 ORDER BY name`).
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p1", "openai", `["a","b"]`, "", "gpt", `{"temperature":0.5}`, true, int64(0), int64(0)))

	list, err := stores.Providers.List(context.Background(), true)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || len(list[0].APIKeys) != 2 || list[0].Config["temperature"] != 0.5 {
		t.Errorf("List() = %+v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLAdapterStoreDelete(t *testing.T) {
	_, mock, stores := setupMockDB(t, DriverSQLite)

	mock.ExpectExec("DELETE FROM platform_adapters").
		WithArgs("qq").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM platform_adapters").
		WithArgs("qq").
		WillReturnError(errors.New("disk I/O error"))

	if err := stores.Adapters.Delete(context.Background(), "qq"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := stores.Adapters.Delete(context.Background(), "qq"); err == nil || !strings.Contains(err.Error(), "delete adapter") {
		t.Errorf("Delete() error = %v, want wrapped database error", err)
	}
}

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "nekobot.db")

	stores, err := Open(ctx, Config{Driver: DriverSQLite, DSN: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer stores.Close()

	if err := stores.Plugins.Upsert(ctx, &models.PluginRecord{Name: "echo", Version: "1", Enabled: true, Config: map[string]any{"n": 1}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := stores.Plugins.Upsert(ctx, &models.PluginRecord{Name: "echo", Version: "2", Enabled: true}); err != nil {
		t.Fatalf("Upsert(update) error = %v", err)
	}
	rec, err := stores.Plugins.Get(ctx, "echo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Version != "2" || !rec.Enabled {
		t.Errorf("Get() = %+v", rec)
	}

	if err := stores.Providers.Upsert(ctx, &models.ProviderRecord{Name: "p1", ProviderType: "openai", APIKeys: []string{"k1", "k2"}, Model: "m", Active: true}); err != nil {
		t.Fatalf("Providers.Upsert() error = %v", err)
	}
	if err := stores.Providers.Upsert(ctx, &models.ProviderRecord{Name: "p2", ProviderType: "google", APIKeys: []string{"k"}, Model: "g", Active: false}); err != nil {
		t.Fatalf("Providers.Upsert() error = %v", err)
	}
	active, err := stores.Providers.List(ctx, true)
	if err != nil {
		t.Fatalf("Providers.List() error = %v", err)
	}
	if len(active) != 1 || active[0].Name != "p1" || len(active[0].APIKeys) != 2 {
		t.Errorf("active providers = %+v", active)
	}

	if err := stores.Plugins.Delete(ctx, "echo"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := stores.Plugins.Get(ctx, "echo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Error("Open(oracle) error = nil")
	}
	stores, err := Open(context.Background(), Config{Driver: DriverMemory})
	if err != nil || stores.Plugins == nil {
		t.Errorf("Open(memory) = %+v, %v", stores, err)
	}
}
