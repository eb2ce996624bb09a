package migrations

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMigrationFailed    = errors.New("migration failed")
	ErrDuplicateMigration = errors.New("duplicate migration")
	ErrMigrationNotFound  = errors.New("migration not found")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrInvalidMigration   = errors.New("invalid migration")
	ErrUnknownParent      = errors.New("unknown parent")
	ErrCircularDependency = errors.New("circular dependency")
)

// UnknownParentError reports a parent reference that does not resolve to any
// migration in the same batch.
type UnknownParentError struct {
	Key    string
	Parent string
}

func (e *UnknownParentError) Error() string {
	return fmt.Sprintf("%v: migration %q depends on %q", ErrUnknownParent, e.Key, e.Parent)
}

func (e *UnknownParentError) Unwrap() error { return ErrUnknownParent }

// CircularDependencyError reports a cycle in the parent graph. Cycle starts
// and ends with the same key.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCircularDependency, strings.Join(e.Cycle, " -> "))
}

func (e *CircularDependencyError) Unwrap() error { return ErrCircularDependency }

// DuplicateKeyError reports two migrations sharing a key.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%v: %s", ErrDuplicateMigration, e.Key)
}

func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateMigration }

// ExecutionError wraps a failure returned by a migration procedure.
// Both ErrMigrationFailed and the original error are reachable through
// errors.Is and errors.As.
type ExecutionError struct {
	Key       string
	Direction Direction
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%v: %s (%s): %v", ErrMigrationFailed, e.Key, e.Direction, e.Err)
}

func (e *ExecutionError) Unwrap() []error { return []error{ErrMigrationFailed, e.Err} }
