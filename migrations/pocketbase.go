package migrations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eqr/pbmigrate"
)

const defaultCollectionName = "pb_migrations"

// PocketBaseLedger stores applied migrations as records of a PocketBase
// collection. Several applications can share one collection by using
// distinct app names.
type PocketBaseLedger struct {
	conn           pbmigrate.Conn
	collectionName string
	appName        string
	autoCreate     bool
	ensured        bool
}

var _ Ledger = (*PocketBaseLedger)(nil)

// LedgerOption configures a PocketBaseLedger.
type LedgerOption func(*PocketBaseLedger)

// WithCollectionName overrides the default migrations collection name.
func WithCollectionName(name string) LedgerOption {
	trimmed := strings.TrimSpace(name)
	return func(l *PocketBaseLedger) {
		if trimmed != "" {
			l.collectionName = trimmed
		}
	}
}

// WithAutoCreate controls whether the migrations collection is created automatically when missing.
// Defaults to true.
func WithAutoCreate(autoCreate bool) LedgerOption {
	return func(l *PocketBaseLedger) {
		l.autoCreate = autoCreate
	}
}

// WithAppName scopes the ledger to rows tagged with name.
func WithAppName(name string) LedgerOption {
	trimmed := strings.TrimSpace(name)
	return func(l *PocketBaseLedger) {
		l.appName = trimmed
	}
}

// NewPocketBaseLedger constructs a ledger over conn, which must carry a
// superuser session when the collection may need to be created.
func NewPocketBaseLedger(conn pbmigrate.Conn, opts ...LedgerOption) *PocketBaseLedger {
	l := &PocketBaseLedger{
		conn:           conn,
		collectionName: defaultCollectionName,
		autoCreate:     true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Applied returns the ledger rows for this app, oldest first.
func (l *PocketBaseLedger) Applied(ctx context.Context) ([]Record, error) {
	if err := l.ensureCollection(ctx); err != nil {
		return nil, err
	}

	rows, err := l.repo().All(ctx, pbmigrate.ListOptions{
		Filter: pbmigrate.Eq("appname", l.appName),
		Sort:   "applied_at",
		Fields: []string{"id", "appname", "name", "applied_at"},
	})
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].AppliedAt.Before(records[j].AppliedAt)
	})
	return records, nil
}

// Record stores key as applied. Recording an existing key is a no-op.
func (l *PocketBaseLedger) Record(ctx context.Context, key string) error {
	if err := l.ensureCollection(ctx); err != nil {
		return err
	}

	repo := l.repo()
	_, err := repo.First(ctx, pbmigrate.And(pbmigrate.Eq("appname", l.appName), pbmigrate.Eq("name", key)))
	if err == nil {
		return nil
	}
	if !errors.Is(err, pbmigrate.ErrNotFound) {
		return err
	}

	_, err = repo.Create(ctx, pbRecord{
		AppName:   l.appName,
		Name:      key,
		AppliedAt: PBTime{Time: time.Now().UTC()},
	})
	return err
}

// Remove deletes the row behind rec.
func (l *PocketBaseLedger) Remove(ctx context.Context, rec Record) error {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return fmt.Errorf("%w: missing id for %s", ErrMigrationNotFound, rec.Key)
	}
	return l.repo().Delete(ctx, id)
}

func (l *PocketBaseLedger) repo() *pbmigrate.Repository[pbRecord] {
	return pbmigrate.NewRepository[pbRecord](l.conn, l.collectionName)
}

func (l *PocketBaseLedger) ensureCollection(ctx context.Context) error {
	if l.ensured {
		return nil
	}
	if l.conn == nil {
		return errors.New("ledger connection is nil")
	}

	exists, err := pbmigrate.CollectionExists(ctx, l.conn, l.collectionName)
	if err != nil {
		return err
	}
	if !exists {
		if !l.autoCreate {
			return ErrCollectionNotFound
		}
		if err := pbmigrate.CreateCollection(ctx, l.conn, l.collection()); err != nil {
			return err
		}
	}

	l.ensured = true
	return nil
}

func (l *PocketBaseLedger) collection() pbmigrate.Collection {
	name := l.collectionName
	return pbmigrate.Collection{
		Name: name,
		Type: "base",
		Fields: []pbmigrate.Field{
			{Name: "appname", Type: "text"},
			{Name: "name", Type: "text", Required: true},
			{Name: "applied_at", Type: "date", Required: true},
		},
		Indexes: []string{
			fmt.Sprintf("CREATE UNIQUE INDEX idx_%s_app_name ON %s (appname, name)", name, name),
		},
	}
}
