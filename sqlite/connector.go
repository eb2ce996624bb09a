// Package sqlite provides a SQLite connection lifecycle and an applied
// migration ledger for use with package migrations.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"
)

// ErrDatabaseNotFound is returned by Connect when the database file does not exist.
var ErrDatabaseNotFound = errors.New("database not found")

// Option configures a Connector.
type Option func(*Connector)

// WithLogger attaches a logger used for lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		c.logger = logger
	}
}

// Connector owns the lifecycle of one SQLite database file. Migrations
// receive the *sql.DB it hands out; they never open or close it themselves.
type Connector struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewConnector returns a connector for the database at path.
func NewConnector(path string, opts ...Option) *Connector {
	c := &Connector{path: path}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Path returns the database location.
func (c *Connector) Path() string { return c.path }

// CreateDatabase creates the database file and its directory if needed and
// leaves the connection open.
func (c *Connector) CreateDatabase(ctx context.Context) error {
	if c.path == "" {
		return errors.New("database path is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return nil
	}
	if c.path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := open(ctx, c.path)
	if err != nil {
		return err
	}
	c.db = db
	c.log("database created")
	return nil
}

// Connect returns the open connection, opening an existing database file if
// needed. Use CreateDatabase for a database that may not exist yet.
func (c *Connector) Connect(ctx context.Context) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return c.db, nil
	}
	if c.path == "" {
		return nil, errors.New("database path is required")
	}
	if c.path != MemoryPath {
		if _, err := os.Stat(c.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, c.path)
			}
			return nil, fmt.Errorf("stat database: %w", err)
		}
	}

	db, err := open(ctx, c.path)
	if err != nil {
		return nil, err
	}
	c.db = db
	c.log("database connected")
	return db, nil
}

// Disconnect closes the connection if one is open.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.log("database disconnected")
	return err
}

// DropDatabase disconnects and removes the database file together with its
// WAL and shared-memory files. Missing files are not an error.
func (c *Connector) DropDatabase(ctx context.Context) error {
	if err := c.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if c.path == MemoryPath || c.path == "" {
		return nil
	}

	for _, name := range []string{c.path, c.path + "-wal", c.path + "-shm"} {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	c.log("database dropped")
	return nil
}

func (c *Connector) log(msg string) {
	if c.logger != nil {
		c.logger.Info(msg, "path", c.path)
	}
}

// open opens path and configures it: WAL, foreign keys, a single connection.
func open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection keeps :memory: databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if path != MemoryPath {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// WithTx runs fn inside a transaction, committing when it returns nil.
// Wrapping a whole migrations.Migrate call in WithTx makes the batch atomic
// for statements SQLite executes transactionally.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
