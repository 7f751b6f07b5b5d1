package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"   // PostgreSQL driver
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/nekobot/pkg/models"
)

// Open creates the record stores selected by cfg and applies the schema.
func Open(ctx context.Context, cfg Config) (StoreSet, error) {
	cfg.applyDefaults()
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStores(), nil
	case DriverSQLite, DriverPostgres:
	default:
		return StoreSet{}, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return StoreSet{}, fmt.Errorf("%w: dsn is required", ErrInvalidConfig)
	}

	if cfg.Driver == DriverSQLite && !strings.HasPrefix(cfg.DSN, "file:") && cfg.DSN != ":memory:" {
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return StoreSet{}, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}

	stores := NewSQLStores(db, cfg.Driver)
	stores.closer = db.Close
	return stores, nil
}

// NewSQLStores wraps an open database. driver selects the placeholder style.
func NewSQLStores(db *sql.DB, driver string) StoreSet {
	d := dialect{postgres: driver == DriverPostgres}
	return StoreSet{
		Plugins:   &sqlPluginStore{db: db, d: d},
		Providers: &sqlProviderStore{db: db, d: d},
		Adapters:  &sqlAdapterStore{db: db, d: d},
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS plugins (
		name TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		repository TEXT NOT NULL DEFAULT '',
		is_official BOOLEAN NOT NULL DEFAULT FALSE,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		config TEXT NOT NULL DEFAULT '{}',
		install_path TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS llm_providers (
		name TEXT PRIMARY KEY,
		provider_type TEXT NOT NULL,
		api_keys TEXT NOT NULL DEFAULT '[]',
		base_url TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS platform_adapters (
		name TEXT PRIMARY KEY,
		platform_type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// dialect rewrites ? placeholders for drivers that number them.
type dialect struct {
	postgres bool
}

func (d dialect) rebind(query string) string {
	if !d.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func decodeMap(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlPluginStore struct {
	db *sql.DB
	d  dialect
}

const pluginColumns = `name, version, description, author, repository, is_official, enabled, config, install_path, created_at, updated_at`

func (s *sqlPluginStore) Upsert(ctx context.Context, rec *models.PluginRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("plugin record is required")
	}
	cfg, err := encodeJSON(rec.Config, "{}")
	if err != nil {
		return fmt.Errorf("marshal plugin config: %w", err)
	}
	now := toMillis(time.Now())
	_, err = s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO plugins (`+pluginColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (name) DO UPDATE SET
		   version = excluded.version,
		   description = excluded.description,
		   author = excluded.author,
		   repository = excluded.repository,
		   is_official = excluded.is_official,
		   enabled = excluded.enabled,
		   config = excluded.config,
		   install_path = excluded.install_path,
		   updated_at = excluded.updated_at`),
		rec.Name,
		rec.Version,
		rec.Description,
		rec.Author,
		rec.Repository,
		rec.IsOfficial,
		rec.Enabled,
		cfg,
		rec.InstallPath,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert plugin: %w", err)
	}
	return nil
}

func (s *sqlPluginStore) Get(ctx context.Context, name string) (*models.PluginRecord, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+pluginColumns+` FROM plugins WHERE name = ?`), name)
	rec, err := scanPlugin(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get plugin: %w", err)
	}
	return rec, nil
}

func (s *sqlPluginStore) List(ctx context.Context) ([]*models.PluginRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pluginColumns+` FROM plugins ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()

	var out []*models.PluginRecord
	for rows.Next() {
		rec, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	return out, nil
}

func (s *sqlPluginStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`UPDATE plugins SET enabled = ?, updated_at = ? WHERE name = ?`),
		enabled, toMillis(time.Now()), name)
	if err != nil {
		return fmt.Errorf("update plugin: %w", err)
	}
	return requireAffected(res)
}

func (s *sqlPluginStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM plugins WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete plugin: %w", err)
	}
	return requireAffected(res)
}

func scanPlugin(row rowScanner) (*models.PluginRecord, error) {
	var (
		rec       models.PluginRecord
		cfg       string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&rec.Name,
		&rec.Version,
		&rec.Description,
		&rec.Author,
		&rec.Repository,
		&rec.IsOfficial,
		&rec.Enabled,
		&cfg,
		&rec.InstallPath,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	config, err := decodeMap(cfg)
	if err != nil {
		return nil, fmt.Errorf("decode plugin config: %w", err)
	}
	rec.Config = config
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

type sqlProviderStore struct {
	db *sql.DB
	d  dialect
}

const providerColumns = `name, provider_type, api_keys, base_url, model, config, active, created_at, updated_at`

func (s *sqlProviderStore) Upsert(ctx context.Context, rec *models.ProviderRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("provider record is required")
	}
	keys, err := encodeJSON(rec.APIKeys, "[]")
	if err != nil {
		return fmt.Errorf("marshal api keys: %w", err)
	}
	cfg, err := encodeJSON(rec.Config, "{}")
	if err != nil {
		return fmt.Errorf("marshal provider config: %w", err)
	}
	now := toMillis(time.Now())
	_, err = s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO llm_providers (`+providerColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (name) DO UPDATE SET
		   provider_type = excluded.provider_type,
		   api_keys = excluded.api_keys,
		   base_url = excluded.base_url,
		   model = excluded.model,
		   config = excluded.config,
		   active = excluded.active,
		   updated_at = excluded.updated_at`),
		rec.Name,
		rec.ProviderType,
		keys,
		rec.BaseURL,
		rec.Model,
		cfg,
		rec.Active,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

func (s *sqlProviderStore) Get(ctx context.Context, name string) (*models.ProviderRecord, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+providerColumns+` FROM llm_providers WHERE name = ?`), name)
	rec, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return rec, nil
}

func (s *sqlProviderStore) List(ctx context.Context, activeOnly bool) ([]*models.ProviderRecord, error) {
	query := `SELECT ` + providerColumns + ` FROM llm_providers`
	var args []any
	if activeOnly {
		query += ` WHERE active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []*models.ProviderRecord
	for rows.Next() {
		rec, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return out, nil
}

func (s *sqlProviderStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM llm_providers WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return requireAffected(res)
}

func scanProvider(row rowScanner) (*models.ProviderRecord, error) {
	var (
		rec       models.ProviderRecord
		keys      string
		cfg       string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&rec.Name,
		&rec.ProviderType,
		&keys,
		&rec.BaseURL,
		&rec.Model,
		&cfg,
		&rec.Active,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if keys != "" {
		if err := json.Unmarshal([]byte(keys), &rec.APIKeys); err != nil {
			return nil, fmt.Errorf("decode api keys: %w", err)
		}
	}
	config, err := decodeMap(cfg)
	if err != nil {
		return nil, fmt.Errorf("decode provider config: %w", err)
	}
	rec.Config = config
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

type sqlAdapterStore struct {
	db *sql.DB
	d  dialect
}

const adapterColumns = `name, platform_type, config, active, created_at, updated_at`

func (s *sqlAdapterStore) Upsert(ctx context.Context, rec *models.AdapterRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("adapter record is required")
	}
	cfg, err := encodeJSON(rec.Config, "{}")
	if err != nil {
		return fmt.Errorf("marshal adapter config: %w", err)
	}
	now := toMillis(time.Now())
	_, err = s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO platform_adapters (`+adapterColumns+`)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT (name) DO UPDATE SET
		   platform_type = excluded.platform_type,
		   config = excluded.config,
		   active = excluded.active,
		   updated_at = excluded.updated_at`),
		rec.Name,
		rec.PlatformType,
		cfg,
		rec.Active,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert adapter: %w", err)
	}
	return nil
}

func (s *sqlAdapterStore) Get(ctx context.Context, name string) (*models.AdapterRecord, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+adapterColumns+` FROM platform_adapters WHERE name = ?`), name)
	rec, err := scanAdapter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get adapter: %w", err)
	}
	return rec, nil
}

func (s *sqlAdapterStore) List(ctx context.Context, activeOnly bool) ([]*models.AdapterRecord, error) {
	query := `SELECT ` + adapterColumns + ` FROM platform_adapters`
	var args []any
	if activeOnly {
		query += ` WHERE active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list adapters: %w", err)
	}
	defer rows.Close()

	var out []*models.AdapterRecord
	for rows.Next() {
		rec, err := scanAdapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan adapter: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list adapters: %w", err)
	}
	return out, nil
}

func (s *sqlAdapterStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM platform_adapters WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete adapter: %w", err)
	}
	return requireAffected(res)
}

func scanAdapter(row rowScanner) (*models.AdapterRecord, error) {
	var (
		rec       models.AdapterRecord
		cfg       string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&rec.Name, &rec.PlatformType, &cfg, &rec.Active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	config, err := decodeMap(cfg)
	if err != nil {
		return nil, fmt.Errorf("decode adapter config: %w", err)
	}
	rec.Config = config
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
