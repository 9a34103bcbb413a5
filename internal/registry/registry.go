// Package registry provides a durable, queryable audit trail over the
// snapshot chain: every lifecycle call internal/control serves (when a
// registry is attached) and a per-inode state table, so an operator can answer
// "what happened to inode N" after the in-memory chain has moved on.
//
// The snapshot chain itself (internal/chain) is the runtime source of
// truth; the registry is a secondary, persisted read-model rebuilt by
// replaying lifecycle calls, not the other way around.
//
// # Schema
//
// Two tables: snapshot_events (one row per lifecycle call, append-only) and
// snapshot_state (one row per known inode, written by UpsertState). No
// caller in this module invokes UpsertState or ListState. See schema.go.
//
// # Concurrency
//
//   - WAL mode allows concurrent reads while writes are in progress
//   - Connection pool (10 max open, 5 max idle)
//   - 5-second busy timeout for lock contention
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database with the registry's helper methods.
type DB struct {
	db   *sql.DB
	path string
}

// Config holds registry configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sane defaults matching the teacher's database
// package's connection-pool sizing.
func DefaultConfig() Config {
	return Config{
		Path:            "/var/lib/snapfs/registry.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// New opens (creating if necessary) the registry database and applies any
// pending schema migrations.
func New(cfg Config) (*DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("registry: opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -10000",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry: setting pragma %q: %w", pragma, err)
		}
	}

	d := &DB{db: db, path: cfg.Path}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: initializing schema: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error { return d.db.Close() }

// Ping verifies the connection is alive.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Path returns the registry database file path.
func (d *DB) Path() string { return d.path }

type migration struct {
	version     int
	description string
	sql         string
}

func (d *DB) initSchema() error {
	if _, err := d.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	migrations := []migration{
		{version: 1, description: "snapshot_events and snapshot_state", sql: initialSchema},
	}
	for _, m := range migrations {
		if err := d.runMigration(m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (d *DB) runMigration(m migration) error {
	var exists bool
	if err := d.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists); err != nil {
		return fmt.Errorf("checking migration status: %w", err)
	}
	if exists {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("executing migration sql: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.version, m.description); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}
