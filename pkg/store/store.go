package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver for local development
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with a uniqueness
// constraint, such as a second active policy for the same action type.
var ErrDuplicate = errors.New("already exists")

// Config holds connection settings for the store.
type Config struct {
	// Driver is "postgres" or "sqlite3".
	Driver   string
	URL      string
	MaxConns int
	MinConns int
	Timeout  time.Duration
}

// Store wraps the database connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to the database, configures the pool, and verifies the
// connection with a ping.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing connection. Used in tests with sqlmock.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for components that manage their own
// tables, like the audit sink.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies database connectivity. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
