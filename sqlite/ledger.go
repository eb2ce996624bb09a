package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eqr/pbmigrate/migrations"
)

const defaultTable = "schema_migrations"

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Ledger tracks applied migrations in a table of the migrated database.
type Ledger struct {
	db      Execer
	table   string
	ensured bool
}

var _ migrations.Ledger = (*Ledger)(nil)

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithTable overrides the default schema_migrations table name.
func WithTable(name string) LedgerOption {
	trimmed := strings.TrimSpace(name)
	return func(l *Ledger) {
		if trimmed != "" {
			l.table = trimmed
		}
	}
}

// NewLedger returns a ledger stored in db. The table is created on first use.
func NewLedger(db Execer, opts ...LedgerOption) *Ledger {
	l := &Ledger{db: db, table: defaultTable}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Applied returns the stored records, oldest first.
func (l *Ledger) Applied(ctx context.Context) ([]migrations.Record, error) {
	if err := l.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, fmt.Sprintf("SELECT name, applied_at FROM %s ORDER BY applied_at, rowid", l.quotedTable()))
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	records := make([]migrations.Record, 0)
	for rows.Next() {
		var (
			key       string
			appliedAt int64
		)
		if err := rows.Scan(&key, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		records = append(records, migrations.Record{
			ID:        key,
			Key:       key,
			AppliedAt: time.UnixMilli(appliedAt).UTC(),
		})
	}
	return records, rows.Err()
}

// Record stores key as applied. Recording an existing key is a no-op.
func (l *Ledger) Record(ctx context.Context, key string) error {
	if err := l.ensureTable(ctx); err != nil {
		return err
	}

	query := fmt.Sprintf("INSERT INTO %s (name, applied_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING", l.quotedTable())
	if _, err := l.db.ExecContext(ctx, query, key, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("insert %s: %w", key, err)
	}
	return nil
}

// Remove deletes the row for rec.Key.
func (l *Ledger) Remove(ctx context.Context, rec migrations.Record) error {
	if err := l.ensureTable(ctx); err != nil {
		return err
	}

	res, err := l.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", l.quotedTable()), rec.Key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", rec.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", rec.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", migrations.ErrMigrationNotFound, rec.Key)
	}
	return nil
}

func (l *Ledger) ensureTable(ctx context.Context) error {
	if l.ensured {
		return nil
	}
	if l.db == nil {
		return errors.New("ledger database is nil")
	}

	_, err := l.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`, l.quotedTable()))
	if err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	l.ensured = true
	return nil
}

func (l *Ledger) quotedTable() string {
	return `"` + strings.ReplaceAll(l.table, `"`, `""`) + `"`
}
