// Package db provides the durable store for cam: tasks, workers, agent
// definitions, templates, events, logs, and secrets in a single database.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/camctl/cam/internal/db/driver"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// schemaType prefixes migration filenames (cam_001.sql, cam_002.sql, ...).
const schemaType = "cam"

// embedFSAdapter wraps embed.FS to implement driver.SchemaFS.
type embedFSAdapter struct {
	fs embed.FS
}

func (e *embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := e.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	result := make([]driver.DirEntry, len(entries))
	for i, entry := range entries {
		result[i] = dirEntryAdapter{entry}
	}
	return result, nil
}

func (e *embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return e.fs.ReadFile(name)
}

type dirEntryAdapter struct {
	fs.DirEntry
}

func (d dirEntryAdapter) Name() string {
	return d.DirEntry.Name()
}

func (d dirEntryAdapter) IsDir() bool {
	return d.DirEntry.IsDir()
}

// Store wraps a database connection with driver abstraction.
type Store struct {
	driver driver.Driver
	path   string
}

// Open opens a SQLite database at the given path and runs migrations.
// Creates the parent directory if it doesn't exist.
func Open(path string) (*Store, error) {
	return OpenWithDialect(path, driver.DialectSQLite)
}

// OpenInMemory opens an in-memory SQLite database with migrations applied.
// Each call creates a new isolated database; ideal for tests.
func OpenInMemory() (*Store, error) {
	drv, err := driver.New(driver.DialectSQLite)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(":memory:"); err != nil {
		return nil, err
	}
	s := &Store{driver: drv, path: ":memory:"}
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenWithDialect opens a database with a specific dialect and runs migrations.
func OpenWithDialect(dsn string, dialect driver.Dialect) (*Store, error) {
	if dialect == driver.DialectSQLite {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}

	s := &Store{driver: drv, path: dsn}
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.driver.Close()
}

// Path returns the database DSN/path.
func (s *Store) Path() string {
	return s.path
}

// Dialect returns the database dialect.
func (s *Store) Dialect() driver.Dialect {
	return s.driver.Dialect()
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate() error {
	adapter := &embedFSAdapter{fs: schemaFS}
	return s.driver.Migrate(context.Background(), adapter, schemaType)
}

// IsMissingSchema reports whether err is the database saying a table
// does not exist. Happens mid-migration, when a server comes up against
// a database an older binary created. List queries treat it as an empty
// result so read endpoints keep answering instead of returning 500s.
func IsMissingSchema(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") || // sqlite
		strings.Contains(msg, "SQLSTATE 42P01") || // postgres undefined_table
		strings.Contains(msg, "does not exist")
}

// Exec executes a query without returning rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.driver.Exec(ctx, query, args...)
}

// Query executes a query that returns rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.driver.Query(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.driver.QueryRow(ctx, query, args...)
}

// drvTx shortens transaction callbacks in per-entity files.
type drvTx = driver.Tx

// RunInTx executes fn inside a transaction, rolling back on error.
func (s *Store) RunInTx(ctx context.Context, fn func(tx driver.Tx) error) error {
	tx, err := s.driver.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
