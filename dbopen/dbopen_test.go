package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/pricewatch/dbopen"
)

func TestOpenMemory_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var fk, sync, busy int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if fk != 1 || sync != 1 || busy != 10_000 {
		t.Fatalf("foreign_keys=%d synchronous=%d busy_timeout=%d", fk, sync, busy)
	}
}

func TestWithBusyTimeout(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithBusyTimeout(2500))
	var busy int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if busy != 2500 {
		t.Fatalf("busy_timeout = %d", busy)
	}
}

func TestWithSetup(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSetup(func(db *sql.DB) error {
		_, err := db.Exec(`CREATE TABLE prices (id TEXT PRIMARY KEY, amount TEXT)`)
		return err
	}))
	if _, err := db.Exec(`INSERT INTO prices VALUES ('a', '1.00')`); err != nil {
		t.Fatalf("insert after setup: %v", err)
	}
}

func TestWithSetup_ErrorClosesDB(t *testing.T) {
	boom := errors.New("boom")
	_, err := dbopen.Open(":memory:", dbopen.WithSetup(func(*sql.DB) error { return boom }))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestWithMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "pw.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("dir not created: %v", err)
	}
}

func TestRunTx_CommitAndRollback(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx := context.Background()
	if _, err := db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatal(err)
	}

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO kv VALUES ('a', '1')`)
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	fail := errors.New("abort")
	err = dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv VALUES ('b', '2')`); err != nil {
			return err
		}
		return fail
	})
	if !errors.Is(err, fail) {
		t.Fatalf("rollback err = %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1 (rolled-back insert must not persist)", n)
	}
}

func TestExec_ConstraintNotRetried(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx := context.Background()
	if _, err := db.Exec(`CREATE TABLE u (k TEXT PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	if _, err := dbopen.Exec(ctx, db, `INSERT INTO u VALUES ('x')`); err != nil {
		t.Fatal(err)
	}
	_, err := dbopen.Exec(ctx, db, `INSERT INTO u VALUES ('x')`)
	if !dbopen.IsConstraint(err) {
		t.Fatalf("err = %v, want constraint violation", err)
	}
	if dbopen.IsBusy(err) {
		t.Fatal("constraint reported as busy")
	}
}

func TestIsBusy(t *testing.T) {
	if dbopen.IsBusy(nil) {
		t.Error("nil is not busy")
	}
	if !dbopen.IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("locked not detected")
	}
}
