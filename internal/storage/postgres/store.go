// Package postgres stores output records and the failure log in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	Table           string
	FailuresTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryExecCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements both the record store and the failure log. Records are
// keyed by ID and written at most once; failures are append-only rows.
type Store struct {
	pool     queryExecCloser
	table    string
	failures string
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Table, cfg.FailuresTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool queryExecCloser, table, failuresTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "records"
	}
	if failuresTable == "" {
		failuresTable = "fetch_failures"
	}
	for _, name := range []string{table, failuresTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &Store{pool: pool, table: table, failures: failuresTable}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the record and failure tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	records := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id         BIGINT PRIMARY KEY,
	payload    JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, records); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	failures := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id        BIGINT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.failures)
	if _, err := s.pool.Exec(ctx, failures); err != nil {
		return fmt.Errorf("create %s: %w", s.failures, err)
	}
	return nil
}

// Exists reports whether a record row for id is present.
func (s *Store) Exists(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check record %d: %w", id, err)
	}
	return exists, nil
}

// Save inserts the record row, leaving an existing row untouched.
func (s *Store) Save(ctx context.Context, id int64, payload []byte) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, payload) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, id, payload); err != nil {
		return fmt.Errorf("insert record %d: %w", id, err)
	}
	return nil
}

// Append adds a failure row for id. Repeated failures produce repeated rows.
func (s *Store) Append(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`INSERT INTO %s (id) VALUES ($1)`, s.failures)
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("insert failure %d: %w", id, err)
	}
	return nil
}
