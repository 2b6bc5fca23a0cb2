// Copyright 2025 Certen Protocol
//
// Database client for the watchtower's persistence layer. Provides
// connection pooling, health checks, and idempotent migration support.
//
// Grounded on pkg/database/client.go: same pooling/health/migration/
// transaction shape, reworked for the watchtower's schema and for a
// fatal-on-newer-schema guard (§4.3 "opening a newer schema with older
// code is a fatal error").

package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/certen-labs/watchtower/pkg/watchtower"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaVersion is the highest migration this build knows how to apply.
// Opening a database whose schema_migrations table contains a version this
// build has no corresponding file for is a fatal StorageCorruption error —
// it means the store was migrated by newer code.
const schemaVersion = "001_initial_schema"

// Config configures the database connection pool.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sane pool defaults.
func DefaultConfig(databaseURL string) Config {
	return Config{
		DatabaseURL:     databaseURL,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: time.Hour,
	}
}

// Client wraps a pooled Postgres connection.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets a custom logger for the client.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient opens a pooled connection and verifies it is reachable.
func NewClient(ctx context.Context, cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%w: database url cannot be empty", watchtower.ErrConfig)
	}

	c := &Client{
		logger: log.New(log.Writer(), "[store] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", watchtower.ErrConfig, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	c.db = db

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", watchtower.ErrTransientIO, err)
	}

	c.logger.Printf("connected (max_open=%d, max_idle=%d)", cfg.MaxOpenConns, cfg.MaxIdleConns)
	return c, nil
}

// DB returns the underlying *sql.DB for callers that need direct access.
func (c *Client) DB() *sql.DB { return c.db }

// Close closes the pooled connection.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// ============================================================================
// MIGRATIONS
// ============================================================================

type migration struct {
	version string
	sql     string
}

// MigrateUp applies all pending migrations, idempotently, and fails fatally
// if the database already carries a schema version this build does not
// recognize (§4.3 invariant: opening a newer schema with older code is
// fatal).
func (c *Client) MigrateUp(ctx context.Context) error {
	migrations, err := c.readMigrations()
	if err != nil {
		return fmt.Errorf("%w: read migrations: %v", watchtower.ErrStorageCorruption, err)
	}

	for _, m := range migrations {
		if _, err := c.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("%w: apply migration %s: %v", watchtower.ErrStorageCorruption, m.version, err)
		}
	}

	applied, err := c.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("%w: read schema_migrations: %v", watchtower.ErrStorageCorruption, err)
	}
	known := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		known[m.version] = true
	}
	for _, v := range applied {
		if !known[v] {
			return fmt.Errorf("%w: database schema version %q is not known to this build (highest known: %s)",
				watchtower.ErrStorageCorruption, v, schemaVersion)
		}
	}

	c.logger.Println("migrations up to date")
	return nil
}

func (c *Client) readMigrations() ([]migration, error) {
	var out []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		out = append(out, migration{
			version: strings.TrimSuffix(d.Name(), ".sql"),
			sql:     string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (c *Client) appliedVersions(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

// Tx wraps a *sql.Tx.
type Tx struct {
	tx *sql.Tx
}

// BeginTx starts a new transaction.
func (c *Client) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %v", watchtower.ErrTransientIO, err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback rolls back the transaction. Safe to call after a successful
// Commit (returns sql.ErrTxDone, which callers should ignore via defer).
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// SQLTx returns the underlying *sql.Tx.
func (t *Tx) SQLTx() *sql.Tx { return t.tx }

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on error or panic. AlertRepository.InsertTx accepts the
// transaction it passes to fn. The orchestrator's alert emission does not
// use it: each alert is inserted on its own with AlertRepository.Insert.
func (c *Client) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := c.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ExecContext executes a query that doesn't return rows.
func (c *Client) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (c *Client) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row.
func (c *Client) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}
