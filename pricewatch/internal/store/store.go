// Package store is the SQLite persistence of pricewatch: the append-only
// price history, the product index used for free-text lookups, run
// summaries, archived jobs and imported targets.
//
// The merger is the only writer of history_entries.
package store

import (
	"database/sql"
	"time"
)

// Store wraps an opened database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Schema is the complete pricewatch schema.
const Schema = `
-- One row per observed price change of a (product, seller).
CREATE TABLE IF NOT EXISTS history_entries (
    id              TEXT PRIMARY KEY,
    product_key     TEXT NOT NULL,
    seller          TEXT NOT NULL,
    sku             TEXT NOT NULL DEFAULT '',
    title           TEXT NOT NULL DEFAULT '',
    price           TEXT NOT NULL,
    currency        TEXT NOT NULL,
    previous_price  TEXT,
    in_stock        INTEGER NOT NULL DEFAULT 1,
    observed_at     INTEGER NOT NULL,
    target_id       TEXT NOT NULL DEFAULT '',
    run_id          TEXT NOT NULL DEFAULT '',
    UNIQUE(product_key, seller, observed_at)
);
CREATE INDEX IF NOT EXISTS idx_history_run ON history_entries(run_id);
CREATE INDEX IF NOT EXISTS idx_history_time ON history_entries(observed_at);

-- Latest known state per (product, seller); feeds free-text search.
CREATE TABLE IF NOT EXISTS products (
    product_key  TEXT NOT NULL,
    seller       TEXT NOT NULL,
    sku          TEXT NOT NULL DEFAULT '',
    title        TEXT NOT NULL DEFAULT '',
    last_price   TEXT NOT NULL,
    currency     TEXT NOT NULL,
    in_stock     INTEGER NOT NULL DEFAULT 1,
    first_seen   INTEGER NOT NULL,
    last_seen    INTEGER NOT NULL,
    PRIMARY KEY (product_key, seller)
);

CREATE VIRTUAL TABLE IF NOT EXISTS products_fts USING fts5(
    title, seller, sku, content='products', content_rowid='rowid',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS products_ai AFTER INSERT ON products BEGIN
    INSERT INTO products_fts(rowid, title, seller, sku) VALUES (new.rowid, new.title, new.seller, new.sku);
END;
CREATE TRIGGER IF NOT EXISTS products_ad AFTER DELETE ON products BEGIN
    INSERT INTO products_fts(products_fts, rowid, title, seller, sku) VALUES('delete', old.rowid, old.title, old.seller, old.sku);
END;
CREATE TRIGGER IF NOT EXISTS products_au AFTER UPDATE ON products BEGIN
    INSERT INTO products_fts(products_fts, rowid, title, seller, sku) VALUES('delete', old.rowid, old.title, old.seller, old.sku);
    INSERT INTO products_fts(rowid, title, seller, sku) VALUES (new.rowid, new.title, new.seller, new.sku);
END;

-- Run summaries.
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    trigger_kind TEXT NOT NULL DEFAULT 'manual',
    status       TEXT NOT NULL,
    started_at   INTEGER NOT NULL,
    finished_at  INTEGER,
    summary_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

-- Terminal jobs of each run.
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    target_id     TEXT NOT NULL,
    url           TEXT NOT NULL,
    state         TEXT NOT NULL,
    strategy      TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    escalated     INTEGER NOT NULL DEFAULT 0,
    failure_kind  TEXT NOT NULL DEFAULT '',
    last_error    TEXT NOT NULL DEFAULT '',
    records       INTEGER NOT NULL DEFAULT 0,
    finished_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);

-- Targets added at runtime (spreadsheet import).
CREATE TABLE IF NOT EXISTS targets (
    id          TEXT PRIMARY KEY,
    url         TEXT NOT NULL UNIQUE,
    title       TEXT NOT NULL DEFAULT '',
    profile     TEXT NOT NULL,
    price_rule  TEXT NOT NULL DEFAULT '',
    enabled     INTEGER NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// ApplySchema creates all tables, indexes and triggers.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
