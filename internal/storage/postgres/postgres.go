// Package postgres provides Postgres-backed implementations of the ledger stores.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool used by the stores. pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// DB owns the pool shared by every store.
type DB struct {
	pool Pool
}

// Open connects to Postgres using cfg.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	return &DB{pool: pool}, nil
}

// NewWithPool constructs a DB from an existing pool (primarily for testing).
func NewWithPool(pool Pool) (*DB, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DB{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (db *DB) Close() {
	if db == nil || db.pool == nil {
		return
	}
	db.pool.Close()
}

// Ping verifies connectivity.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates every table and index that does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Rules returns the domain rule store.
func (db *DB) Rules() *RuleStore { return &RuleStore{pool: db.pool} }

// Announcements returns the announcement store.
func (db *DB) Announcements() *AnnouncementStore { return &AnnouncementStore{pool: db.pool} }

// Decisions returns the duplicate decision log.
func (db *DB) Decisions() *DecisionLog { return &DecisionLog{pool: db.pool} }

// Validations returns the count validation store.
func (db *DB) Validations() *ValidationStore { return &ValidationStore{pool: db.pool} }

// Failures returns the failed item store.
func (db *DB) Failures() *FailureStore { return &FailureStore{pool: db.pool} }

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.ErrNotFound
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func rollback(ctx context.Context, tx pgx.Tx) {
	// Rollback after Commit is a no-op returning pgx.ErrTxClosed.
	_ = tx.Rollback(ctx)
}
