package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/pricewatch/idgen"
)

// Target is a target added at runtime. PriceRule overrides the price rule
// of its profile when set.
type Target struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Profile   string    `json:"profile"`
	PriceRule string    `json:"price_rule,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertTarget inserts t, or updates the target already registered for the
// same URL. It reports whether a new row was created; t.ID is set to the
// stored ID either way.
func (s *Store) UpsertTarget(ctx context.Context, t *Target) (bool, error) {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	var existing string
	err := s.DB.QueryRowContext(ctx, `SELECT id FROM targets WHERE url = ?`, t.URL).Scan(&existing)
	if err == nil {
		t.ID = existing
		_, err = s.DB.ExecContext(ctx,
			`UPDATE targets SET title = ?, profile = ?, price_rule = ?, enabled = ?, updated_at = ? WHERE id = ?`,
			t.Title, t.Profile, t.PriceRule, boolInt(t.Enabled), toMillis(t.UpdatedAt), t.ID)
		if err != nil {
			return false, fmt.Errorf("store: update target: %w", err)
		}
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("store: lookup target: %w", err)
	}
	if t.ID == "" {
		t.ID = idgen.Target()
	}

	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO targets (id, url, title, profile, price_rule, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.URL, t.Title, t.Profile, t.PriceRule, boolInt(t.Enabled),
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("store: insert target: %w", err)
	}
	return true, nil
}

// ListTargets returns runtime targets in creation order.
func (s *Store) ListTargets(ctx context.Context) ([]Target, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, url, title, profile, price_rule, enabled, created_at, updated_at
		FROM targets ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var (
			t                Target
			enabled          int
			created, updated int64
		)
		if err := rows.Scan(&t.ID, &t.URL, &t.Title, &t.Profile, &t.PriceRule, &enabled, &created, &updated); err != nil {
			return nil, err
		}
		t.Enabled = enabled != 0
		t.CreatedAt = fromMillis(created)
		t.UpdatedAt = fromMillis(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTarget removes a runtime target. It reports whether one existed.
// Its history entries are kept.
func (s *Store) DeleteTarget(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete target: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete target: %w", err)
	}
	return n > 0, nil
}

// SetTargetEnabled switches a runtime target on or off. It reports whether
// the target exists.
func (s *Store) SetTargetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE targets SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), toMillis(time.Now().UTC()), id)
	if err != nil {
		return false, fmt.Errorf("store: update target: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: update target: %w", err)
	}
	return n > 0, nil
}
