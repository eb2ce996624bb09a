package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/eqr/pbmigrate/sqlite"
)

func TestConnectorLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "app.db")
	connector := sqlite.NewConnector(path)

	if _, err := connector.Connect(ctx); !errors.Is(err, sqlite.ErrDatabaseNotFound) {
		t.Fatalf("expected ErrDatabaseNotFound before create, got %v", err)
	}

	if err := connector.CreateDatabase(ctx); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	db, err := connector.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var fk int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("read foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign keys not enabled")
	}

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal mode %q, want wal", mode)
	}

	if err := connector.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := db.PingContext(ctx); err == nil {
		t.Fatalf("expected closed database after Disconnect")
	}

	reopened, err := connector.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect existing: %v", err)
	}
	if reopened == db {
		t.Fatalf("expected a fresh handle after reconnect")
	}

	if err := connector.DropDatabase(ctx); err != nil {
		t.Fatalf("DropDatabase: %v", err)
	}
	for _, name := range []string{path, path + "-wal", path + "-shm"} {
		if _, err := os.Stat(name); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s still present after drop: %v", name, err)
		}
	}

	if err := connector.DropDatabase(ctx); err != nil {
		t.Fatalf("second DropDatabase: %v", err)
	}
}

func TestConnectorMemory(t *testing.T) {
	ctx := context.Background()
	connector := sqlite.NewConnector(sqlite.MemoryPath)

	db, err := connector.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count %d, want 1", n)
	}

	if err := connector.DropDatabase(ctx); err != nil {
		t.Fatalf("DropDatabase: %v", err)
	}
}

func TestConnectorRequiresPath(t *testing.T) {
	if err := sqlite.NewConnector("").CreateDatabase(context.Background()); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)

	if _, err := db.ExecContext(ctx, "CREATE TABLE items (name TEXT NOT NULL)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	boom := errors.New("boom")
	err := sqlite.WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('rolled back')"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if err := sqlite.WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('kept')")
		return err
	}); err != nil {
		t.Fatalf("WithTx commit: %v", err)
	}

	var names []string
	rows, err := db.QueryContext(ctx, "SELECT name FROM items")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		names = append(names, name)
	}
	if len(names) != 1 || names[0] != "kept" {
		t.Fatalf("unexpected rows %v", names)
	}
}

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	connector := sqlite.NewConnector(sqlite.MemoryPath)
	db, err := connector.Connect(context.Background())
	if err != nil {
		t.Fatalf("open memory database: %v", err)
	}
	t.Cleanup(func() { _ = connector.Disconnect() })
	return db
}
