package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const busyAttempts = 3

// IsBusy reports whether err is an SQLite lock contention error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsConstraint reports whether err is a UNIQUE or PRIMARY KEY violation.
func IsConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT")
}

// RunTx runs fn in a transaction, retrying the whole transaction on lock
// contention with a 100/200 ms pause.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		if err = runTx(ctx, db, fn); err == nil || !IsBusy(err) {
			return err
		}
		if attempt == busyAttempts {
			break
		}
		if werr := pause(ctx, time.Duration(attempt)*100*time.Millisecond); werr != nil {
			return fmt.Errorf("dbopen: tx retry: %w", werr)
		}
	}
	return fmt.Errorf("dbopen: tx still busy after %d attempts: %w", busyAttempts, err)
}

func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			return errors.Join(err, rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

// Exec runs a single statement with the same busy retry as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var (
		res sql.Result
		err error
	)
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		if res, err = db.ExecContext(ctx, query, args...); err == nil || !IsBusy(err) {
			return res, err
		}
		if attempt == busyAttempts {
			break
		}
		if werr := pause(ctx, time.Duration(attempt)*100*time.Millisecond); werr != nil {
			return nil, fmt.Errorf("dbopen: exec retry: %w", werr)
		}
	}
	return nil, fmt.Errorf("dbopen: exec still busy after %d attempts: %w", busyAttempts, err)
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
