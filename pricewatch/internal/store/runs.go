package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run is the persisted form of a run summary. Summary holds the summary
// document as JSON so its shape can grow without migrations.
type Run struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Summary    string    `json:"summary"`
}

// Job is the archived, terminal state of one target within a run.
type Job struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	TargetID    string    `json:"target_id"`
	URL         string    `json:"url"`
	State       string    `json:"state"`
	Strategy    string    `json:"strategy"`
	Attempts    int       `json:"attempts"`
	Escalated   bool      `json:"escalated"`
	FailureKind string    `json:"failure_kind,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Records     int       `json:"records"`
	FinishedAt  time.Time `json:"finished_at"`
}

// SaveRun inserts or replaces a run row.
func (s *Store) SaveRun(ctx context.Context, r *Run) error {
	if r.Summary == "" {
		r.Summary = "{}"
	}
	var finished sql.NullInt64
	if !r.FinishedAt.IsZero() {
		finished = sql.NullInt64{Int64: toMillis(r.FinishedAt), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (id, trigger_kind, status, started_at, finished_at, summary_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			summary_json = excluded.summary_json`,
		r.ID, r.Trigger, r.Status, toMillis(r.StartedAt), finished, r.Summary)
	if err != nil {
		return fmt.Errorf("store: save run: %w", err)
	}
	return nil
}

// GetRun returns a run by ID, or nil.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, trigger_kind, status, started_at, finished_at, summary_json FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, trigger_kind, status, started_at, finished_at, summary_json
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SaveJobs archives the terminal jobs of a run.
func (s *Store) SaveJobs(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save jobs: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO jobs (id, run_id, target_id, url, state, strategy, attempts,
		escalated, failure_kind, last_error, records, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare jobs: %w", err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		if _, err := stmt.ExecContext(ctx, j.ID, j.RunID, j.TargetID, j.URL, j.State, j.Strategy,
			j.Attempts, boolInt(j.Escalated), j.FailureKind, j.LastError, j.Records,
			toMillis(j.FinishedAt)); err != nil {
			return fmt.Errorf("store: insert job %s: %w", j.ID, err)
		}
	}
	return tx.Commit()
}

// ListJobs returns the archived jobs of a run.
func (s *Store) ListJobs(ctx context.Context, runID string) ([]Job, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, run_id, target_id, url, state, strategy, attempts, escalated,
		failure_kind, last_error, records, finished_at
		FROM jobs WHERE run_id = ? ORDER BY target_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j         Job
			escalated int
			finished  int64
		)
		if err := rows.Scan(&j.ID, &j.RunID, &j.TargetID, &j.URL, &j.State, &j.Strategy,
			&j.Attempts, &escalated, &j.FailureKind, &j.LastError, &j.Records, &finished); err != nil {
			return nil, err
		}
		j.Escalated = escalated != 0
		j.FinishedAt = fromMillis(finished)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.Trigger, &r.Status, &started, &finished, &r.Summary); err != nil {
		return nil, err
	}
	r.StartedAt = fromMillis(started)
	if finished.Valid {
		r.FinishedAt = fromMillis(finished.Int64)
	}
	return &r, nil
}
