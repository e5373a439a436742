// Package postgres mirrors flushed records into a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

const defaultTable = "harvested_records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for record rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// RecordStore upserts records keyed by item.
type RecordStore struct {
	pool  pool
	table string
}

// New connects to Postgres and returns a RecordStore.
func New(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("export.postgres_dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*RecordStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: p, table: table}, nil
}

// Name identifies the sink in logs and metrics.
func (s *RecordStore) Name() string { return "postgres" }

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureTable creates the record table when it does not exist.
func (s *RecordStore) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	item       TEXT PRIMARY KEY,
	fields     JSONB NOT NULL,
	missing    TEXT[] NOT NULL DEFAULT '{}',
	incomplete BOOLEAN NOT NULL DEFAULT FALSE,
	run_id     TEXT NOT NULL DEFAULT '',
	fetched_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Export upserts the batch in one transaction. A later fetch of the same
// item replaces the earlier row.
func (s *RecordStore) Export(ctx context.Context, records []harvest.Record) error {
	if len(records) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (item, fields, missing, incomplete, run_id, fetched_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (item) DO UPDATE SET
	fields = EXCLUDED.fields,
	missing = EXCLUDED.missing,
	incomplete = EXCLUDED.incomplete,
	run_id = EXCLUDED.run_id,
	fetched_at = EXCLUDED.fetched_at`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, rec := range records {
		if err := upsert(ctx, tx, query, rec); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsert(ctx context.Context, tx pgx.Tx, query string, rec harvest.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields for %s: %w", rec.Item, err)
	}
	missing := rec.Missing
	if missing == nil {
		missing = []string{}
	}
	if _, err := tx.Exec(ctx, query, rec.Item.String(), fields, missing, rec.Incomplete, rec.RunID, rec.FetchedAt); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Item, err)
	}
	return nil
}
