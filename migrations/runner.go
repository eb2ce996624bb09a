package migrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Runner applies registered migrations against one connection and keeps a
// Ledger in sync, so repeated runs only apply what is missing.
type Runner[C any] struct {
	conn       C
	ledger     Ledger
	logger     *slog.Logger
	migrations []Migration[C]
	byKey      map[string]struct{}
}

type runnerOptions struct {
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*runnerOptions)

// WithLogger sets the logger used for progress messages. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *runnerOptions) {
		o.logger = logger
	}
}

// NewRunner constructs a Runner that applies migrations to conn and records
// them in ledger.
func NewRunner[C any](conn C, ledger Ledger, opts ...Option) *Runner[C] {
	o := runnerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	return &Runner[C]{
		conn:   conn,
		ledger: ledger,
		logger: o.logger,
		byKey:  make(map[string]struct{}),
	}
}

// Register adds a single migration, ensuring unique keys. Parents are
// checked when the runner resolves, so registration order is free.
func (r *Runner[C]) Register(m Migration[C]) error {
	key := strings.TrimSpace(m.Key)
	if key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidMigration)
	}
	if _, exists := r.byKey[m.Key]; exists {
		return &DuplicateKeyError{Key: m.Key}
	}

	r.byKey[m.Key] = struct{}{}
	r.migrations = append(r.migrations, m)
	return nil
}

// RegisterAll adds multiple migrations in order.
func (r *Runner[C]) RegisterAll(migrations ...Migration[C]) error {
	for _, m := range migrations {
		if err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// Run applies every pending migration in dependency order, recording each
// one after its Up succeeds. It stops at the first failure.
func (r *Runner[C]) Run(ctx context.Context) error {
	pending, err := r.Pending(ctx)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if err := run(ctx, r.conn, m, DirectionUp); err != nil {
			r.logger.Error("migration failed", "migration", m.Key, "direction", DirectionUp, "error", err)
			return err
		}
		if err := r.ledger.Record(ctx, m.Key); err != nil {
			return fmt.Errorf("record migration %s: %w", m.Key, err)
		}
		r.logger.Info("migration applied", "migration", m.Key)
	}

	return nil
}

// Pending returns registered migrations that have not been applied, in the
// order Run would apply them.
func (r *Runner[C]) Pending(ctx context.Context) ([]Migration[C], error) {
	ordered, err := Resolve(r.migrations)
	if err != nil {
		return nil, err
	}

	applied, err := r.appliedByKey(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]Migration[C], 0, len(ordered))
	for _, m := range ordered {
		if _, ok := applied[m.Key]; ok {
			r.logger.Debug("migration already applied", "migration", m.Key)
			continue
		}
		pending = append(pending, m)
	}
	return pending, nil
}

// Applied returns the records stored in the ledger.
func (r *Runner[C]) Applied(ctx context.Context) ([]Record, error) {
	if r.ledger == nil {
		return nil, errors.New("runner ledger is nil")
	}
	return r.ledger.Applied(ctx)
}

// Down rolls back up to n of the most recently applied migrations. A
// migration is only reverted once none of its applied children remain, so
// children always go before parents. Every applied key must belong to a
// registered migration.
func (r *Runner[C]) Down(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	ordered, err := Resolve(r.migrations)
	if err != nil {
		return err
	}
	registered := make(map[string]Migration[C], len(ordered))
	for _, m := range ordered {
		registered[m.Key] = m
	}

	records, err := r.Applied(ctx)
	if err != nil {
		return err
	}
	applied := make(map[string]Record, len(records))
	for _, rec := range records {
		if _, ok := registered[rec.Key]; !ok {
			return fmt.Errorf("%w: %s", ErrMigrationNotFound, rec.Key)
		}
		applied[rec.Key] = rec
	}

	// Newest first; records applied at the same instant keep ledger order reversed.
	slices.Reverse(records)
	slices.SortStableFunc(records, func(a, b Record) int {
		return b.AppliedAt.Compare(a.AppliedAt)
	})

	children := make(map[string]int, len(applied))
	for key := range applied {
		for _, parent := range registered[key].Parent {
			if _, ok := applied[parent]; ok {
				children[parent]++
			}
		}
	}

	for ; n > 0; n-- {
		rec, ok := latestLeaf(records, applied, children)
		if !ok {
			break
		}
		m := registered[rec.Key]

		if err := run(ctx, r.conn, m, DirectionDown); err != nil {
			r.logger.Error("migration failed", "migration", m.Key, "direction", DirectionDown, "error", err)
			return err
		}
		if err := r.ledger.Remove(ctx, rec); err != nil {
			return fmt.Errorf("delete migration %s: %w", m.Key, err)
		}
		r.logger.Info("migration reverted", "migration", m.Key)

		delete(applied, m.Key)
		for _, parent := range m.Parent {
			if _, ok := applied[parent]; ok {
				children[parent]--
			}
		}
	}

	return nil
}

// latestLeaf returns the newest record in records that is still applied and
// has no applied children.
func latestLeaf(records []Record, applied map[string]Record, children map[string]int) (Record, bool) {
	for _, rec := range records {
		if _, ok := applied[rec.Key]; ok && children[rec.Key] == 0 {
			return applied[rec.Key], true
		}
	}
	return Record{}, false
}

func (r *Runner[C]) appliedByKey(ctx context.Context) (map[string]Record, error) {
	records, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}

	applied := make(map[string]Record, len(records))
	for _, rec := range records {
		applied[rec.Key] = rec
	}
	return applied, nil
}
