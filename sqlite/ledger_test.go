package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/eqr/pbmigrate/migrations"
	"github.com/eqr/pbmigrate/sqlite"
)

func TestLedgerRecordAndRemove(t *testing.T) {
	ctx := context.Background()
	ledger := sqlite.NewLedger(openMemory(t))

	applied, err := ledger.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied on empty ledger: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no records, got %v", applied)
	}

	for _, key := range []string{"001_users", "002_posts", "001_users"} {
		if err := ledger.Record(ctx, key); err != nil {
			t.Fatalf("Record %s: %v", key, err)
		}
	}

	applied, err = ledger.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied: %v", err)
	}
	if got := recordKeys(applied); !equalKeys(got, []string{"001_users", "002_posts"}) {
		t.Fatalf("applied keys %v", got)
	}
	if applied[0].AppliedAt.IsZero() {
		t.Fatalf("expected applied_at to be set")
	}

	if err := ledger.Remove(ctx, applied[0]); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := ledger.Remove(ctx, applied[0]); !errors.Is(err, migrations.ErrMigrationNotFound) {
		t.Fatalf("expected ErrMigrationNotFound removing twice, got %v", err)
	}

	applied, err = ledger.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied after remove: %v", err)
	}
	if got := recordKeys(applied); !equalKeys(got, []string{"002_posts"}) {
		t.Fatalf("applied keys after remove %v", got)
	}
}

func TestLedgerWithTable(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)

	ledger := sqlite.NewLedger(db, sqlite.WithTable("app_migrations"))
	if err := ledger.Record(ctx, "init"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM app_migrations`).Scan(&n); err != nil {
		t.Fatalf("count custom table: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one row in app_migrations, got %d", n)
	}

	other, err := sqlite.NewLedger(db).Applied(ctx)
	if err != nil {
		t.Fatalf("Applied on default table: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("default table should be empty, got %v", other)
	}
}

func TestLedgerNilDatabase(t *testing.T) {
	if _, err := sqlite.NewLedger(nil).Applied(context.Background()); err == nil {
		t.Fatalf("expected error for nil database")
	}
}

func TestMigrateSchema(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)

	if err := migrations.Migrate(ctx, db, schema()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if _, err := db.ExecContext(ctx, `INSERT INTO users (id, email) VALUES (1, 'a@example.com')`); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO posts (user_id, title) VALUES (1, 'hello')`); err != nil {
		t.Fatalf("insert post: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO posts (user_id, title) VALUES (42, 'orphan')`); err == nil {
		t.Fatalf("expected foreign key violation for orphan post")
	}
}

func TestMigrateInsideTransaction(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)

	boom := errors.New("boom")
	batch := []migrations.Migration[*sql.Tx]{
		{
			Key: "001_users",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY)`)
				return err
			},
		},
		{
			Key:    "002_broken",
			Parent: []string{"001_users"},
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return boom
			},
		},
	}

	err := sqlite.WithTx(ctx, db, func(tx *sql.Tx) error {
		return migrations.Migrate(ctx, tx, batch)
	})
	if !errors.Is(err, boom) || !errors.Is(err, migrations.ErrMigrationFailed) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'users'`).Scan(&n); err != nil {
		t.Fatalf("inspect schema: %v", err)
	}
	if n != 0 {
		t.Fatalf("users table should have been rolled back")
	}
}

func TestRunnerWithSQLiteLedger(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	newRunner := func() *migrations.Runner[*sql.DB] {
		runner := migrations.NewRunner[*sql.DB](db, sqlite.NewLedger(db), migrations.WithLogger(logger))
		if err := runner.RegisterAll(schema()...); err != nil {
			t.Fatalf("RegisterAll: %v", err)
		}
		return runner
	}

	if err := newRunner().Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// A second runner over the same database finds nothing to do.
	runner := newRunner()
	pending, err := runner.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %d", len(pending))
	}
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if err := runner.Down(ctx, 1); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if tableExists(t, db, "posts") {
		t.Fatalf("posts table should be dropped")
	}
	if !tableExists(t, db, "users") {
		t.Fatalf("users table should remain")
	}

	applied, err := runner.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied: %v", err)
	}
	if got := recordKeys(applied); !equalKeys(got, []string{"001_users"}) {
		t.Fatalf("applied keys after Down %v", got)
	}
}

func schema() []migrations.Migration[*sql.DB] {
	return []migrations.Migration[*sql.DB]{
		{
			Key:    "002_posts",
			Parent: []string{"001_users"},
			Up: exec(`CREATE TABLE posts (
				id INTEGER PRIMARY KEY,
				user_id INTEGER NOT NULL REFERENCES users(id),
				title TEXT NOT NULL
			)`),
			Down: exec(`DROP TABLE posts`),
		},
		{
			Key:  "001_users",
			Up:   exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL UNIQUE)`),
			Down: exec(`DROP TABLE users`),
		},
	}
}

func exec(query string) func(context.Context, *sql.DB) error {
	return func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, query)
		return err
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n); err != nil {
		t.Fatalf("inspect schema: %v", err)
	}
	return n == 1
}

func recordKeys(records []migrations.Record) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.Key
	}
	return out
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
