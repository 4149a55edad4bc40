package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/pricewatch/dbopen"
	"github.com/hazyhaar/pricewatch/idgen"
)

// Entry is one point of a (product, seller) price history.
type Entry struct {
	ID            string           `json:"id"`
	ProductKey    string           `json:"product_key"`
	Seller        string           `json:"seller"`
	SKU           string           `json:"sku,omitempty"`
	Title         string           `json:"title"`
	Price         decimal.Decimal  `json:"price"`
	Currency      string           `json:"currency"`
	PreviousPrice *decimal.Decimal `json:"previous_price,omitempty"`
	InStock       bool             `json:"in_stock"`
	ObservedAt    time.Time        `json:"observed_at"`
	TargetID      string           `json:"target_id,omitempty"`
	RunID         string           `json:"run_id,omitempty"`
}

// ErrDuplicateObservation is returned by Append when the (product, seller)
// already has an entry at the same instant.
var ErrDuplicateObservation = errors.New("store: duplicate observation")

const entryColumns = `id, product_key, seller, sku, title, price, currency, previous_price,
	in_stock, observed_at, target_id, run_id`

// Latest returns the most recent entry of (productKey, seller), or nil.
func (s *Store) Latest(ctx context.Context, productKey, seller string) (*Entry, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM history_entries
		WHERE product_key = ? AND seller = ?
		ORDER BY observed_at DESC LIMIT 1`, productKey, seller)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Append inserts e and refreshes the product index in one transaction.
// An empty ID is filled in.
func (s *Store) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = idgen.Entry()
	}
	var prev sql.NullString
	if e.PreviousPrice != nil {
		prev = sql.NullString{String: e.PreviousPrice.String(), Valid: true}
	}
	at := toMillis(e.ObservedAt)

	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO history_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ProductKey, e.Seller, e.SKU, e.Title, e.Price.String(), e.Currency, prev,
			boolInt(e.InStock), at, e.TargetID, e.RunID)
		if err != nil {
			if dbopen.IsConstraint(err) {
				return fmt.Errorf("%w: %s/%s at %d", ErrDuplicateObservation, e.ProductKey, e.Seller, at)
			}
			return fmt.Errorf("store: insert entry: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO products (product_key, seller, sku, title, last_price, currency, in_stock, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(product_key, seller) DO UPDATE SET
				sku = CASE WHEN excluded.sku != '' THEN excluded.sku ELSE products.sku END,
				title = excluded.title,
				last_price = excluded.last_price,
				currency = excluded.currency,
				in_stock = excluded.in_stock,
				last_seen = excluded.last_seen
			WHERE excluded.last_seen >= products.last_seen`,
			e.ProductKey, e.Seller, e.SKU, e.Title, e.Price.String(), e.Currency,
			boolInt(e.InStock), at, at)
		if err != nil {
			return fmt.Errorf("store: upsert product: %w", err)
		}
		return nil
	})
	return err
}

// Delete removes an entry and rebuilds the product row from what remains.
func (s *Store) Delete(ctx context.Context, id string) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var key, seller string
		err := tx.QueryRowContext(ctx,
			`SELECT product_key, seller FROM history_entries WHERE id = ?`, id).Scan(&key, &seller)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: lookup entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM history_entries WHERE id = ?`, id); err != nil {
			return fmt.Errorf("store: delete entry: %w", err)
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM history_entries
			WHERE product_key = ? AND seller = ?
			ORDER BY observed_at DESC LIMIT 1`, key, seller)
		latest, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			_, err = tx.ExecContext(ctx, `DELETE FROM products WHERE product_key = ? AND seller = ?`, key, seller)
			return err
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE products SET title = ?, last_price = ?, currency = ?, in_stock = ?, last_seen = ?
			WHERE product_key = ? AND seller = ?`,
			latest.Title, latest.Price.String(), latest.Currency, boolInt(latest.InStock),
			toMillis(latest.ObservedAt), key, seller)
		return err
	})
}

// HistoryFilter selects history entries. Zero fields do not filter.
type HistoryFilter struct {
	ProductKey string
	// Text is matched against product titles, sellers and SKUs.
	Text   string
	Seller string
	From   time.Time
	To     time.Time
	Limit  int
}

// Default and maximum number of entries returned by History.
const (
	DefaultHistoryLimit = 1000
	MaxHistoryLimit     = 10000
)

// History returns entries ordered by (product_key, seller, observed_at).
func (s *Store) History(ctx context.Context, f HistoryFilter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.ProductKey != "" {
		where = append(where, "h.product_key = ?")
		args = append(args, f.ProductKey)
	}
	if f.Seller != "" {
		where = append(where, "h.seller = ?")
		args = append(args, f.Seller)
	}
	if !f.From.IsZero() {
		where = append(where, "h.observed_at >= ?")
		args = append(args, toMillis(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "h.observed_at <= ?")
		args = append(args, toMillis(f.To))
	}
	if q := ftsQuery(f.Text); q != "" {
		where = append(where, `(h.product_key, h.seller) IN (
			SELECT p.product_key, p.seller FROM products_fts
			JOIN products p ON p.rowid = products_fts.rowid
			WHERE products_fts MATCH ?)`)
		args = append(args, q)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	query := `SELECT ` + prefixed("h.", entryColumns) + ` FROM history_entries h`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY h.product_key, h.seller, h.observed_at LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// RunEntries returns the entries written by one run.
func (s *Store) RunEntries(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM history_entries WHERE run_id = ?
		ORDER BY product_key, seller, observed_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ftsQuery turns free text into an FTS5 prefix query where every word must
// match. Quotes keep user input from being read as FTS syntax.
func ftsQuery(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"*`
	}
	return strings.Join(words, " ")
}

func prefixed(p, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                 Entry
		price             string
		prev              sql.NullString
		inStock, observed int64
	)
	if err := sc.Scan(&e.ID, &e.ProductKey, &e.Seller, &e.SKU, &e.Title, &price, &e.Currency,
		&prev, &inStock, &observed, &e.TargetID, &e.RunID); err != nil {
		return nil, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("store: entry %s: price %q: %w", e.ID, price, err)
	}
	e.Price = p
	if prev.Valid {
		pp, err := decimal.NewFromString(prev.String)
		if err != nil {
			return nil, fmt.Errorf("store: entry %s: previous price %q: %w", e.ID, prev.String, err)
		}
		e.PreviousPrice = &pp
	}
	e.InStock = inStock != 0
	e.ObservedAt = fromMillis(observed)
	return &e, nil
}
