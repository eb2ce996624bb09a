package migrations

import (
	"context"
	"time"
)

// Record is one applied migration as stored by a Ledger.
type Record struct {
	ID        string
	Key       string
	AppliedAt time.Time
}

// Ledger persists which migrations have been applied to a target.
type Ledger interface {
	// Applied returns every stored record, oldest first.
	Applied(ctx context.Context) ([]Record, error)
	// Record marks key as applied.
	Record(ctx context.Context, key string) error
	// Remove forgets a previously stored record.
	Remove(ctx context.Context, rec Record) error
}
