// Package dbopen opens the pricewatch SQLite database with the pragmas the
// history store depends on (WAL, busy timeout, foreign keys) and runs schema
// setup before handing the handle out.
//
//	db, err := dbopen.Open("data/pricewatch.db", dbopen.WithMkdirAll(), dbopen.WithSetup(store.ApplySchema))
//
// In tests:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSetup(store.ApplySchema))
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Driver is the database/sql driver name registered by modernc.org/sqlite.
const Driver = "sqlite"

type options struct {
	busyTimeout int
	synchronous string
	mkdirAll    bool
	setup       []func(*sql.DB) error
	maxConns    int
}

// Option customises Open.
type Option func(*options)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(o *options) { o.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: NORMAL.
func WithSynchronous(mode string) Option { return func(o *options) { o.synchronous = mode } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithSetup queues fn to run after the pragmas, typically a schema.
func WithSetup(fn func(*sql.DB) error) Option {
	return func(o *options) { o.setup = append(o.setup, fn) }
}

// WithMaxOpenConns caps the pool size. Zero keeps the database/sql default.
func WithMaxOpenConns(n int) Option { return func(o *options) { o.maxConns = n } }

// Open opens the database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{busyTimeout: 10_000, synchronous: "NORMAL"}
	for _, fn := range opts {
		fn(&o)
	}

	if o.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(Driver, path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if o.maxConns > 0 {
		db.SetMaxOpenConns(o.maxConns)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", o.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", o.synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}

	for _, fn := range o.setup {
		if err := fn(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens a private in-memory database closed at test cleanup.
// The pool is pinned to one connection: every ":memory:" connection is a
// separate database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", append([]Option{WithMaxOpenConns(1)}, opts...)...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
