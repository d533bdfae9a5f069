// Package store provides PostgreSQL-backed persistence for conversations,
// messages, reactions, polls, and read positions. All mutating operations
// run inside a single transaction per logical operation, so a failed call
// never leaves partial state behind.
//
// The connection pool is the most contended shared resource in the system;
// Open applies hard bounds and callers are expected to hold a connection
// only for the duration of one transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/huddle/chat-backend/internal/fault"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// pqUniqueViolation is the PostgreSQL error code for a unique constraint
// violation, the signal for the optimistic insert path.
const pqUniqueViolation = "23505"

// Config holds connection pool settings.
type Config struct {
	DSN             string        // postgres connection string
	MaxOpenConns    int           // hard cap on pooled connections
	MaxIdleConns    int           // idle connections kept warm
	ConnMaxLifetime time.Duration // recycle connections after this age
	AcquireTimeout  time.Duration // max wait for a pooled connection
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		DSN:             "postgres://localhost:5432/huddle?sslmode=disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AcquireTimeout:  3 * time.Second,
	}
}

// Store wraps the database handle with domain operations.
type Store struct {
	db     *sql.DB
	config Config
}

// Open connects to PostgreSQL, applies pool bounds, and verifies the
// connection with a ping.
func Open(config Config) (*Store, error) {
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db, config: config}, nil
}

// Migrate applies all pending schema migrations from the embedded
// migration files.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}

	log.Printf("store: schema up to date")
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for components that run their own queries
// (history pagination).
func (s *Store) DB() *sql.DB {
	return s.db
}

// begin starts a transaction with the pool-acquire timeout applied. A
// deadline hit while waiting for a connection is a capacity failure, not
// a transient one.
func (s *Store) begin(ctx context.Context) (*sql.Tx, context.CancelFunc, error) {
	txCtx, cancel := context.WithTimeout(ctx, s.config.AcquireTimeout)
	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fault.Wrap(fault.KindCapacity, "storage pool exhausted", err)
		}
		return nil, nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return tx, cancel, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}
	return false
}

// mapErr converts low-level database errors into fault categories.
// Uniqueness violations become Conflict (the optimistic path's clean
// rejection), missing rows become NotFound, and everything else passes
// through wrapped.
func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fault.Wrap(fault.KindNotFound, "entity not found", err)
	case isUniqueViolation(err):
		return fault.Wrap(fault.KindConflict, "already exists", err)
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(fault.KindCapacity, "storage timeout", err)
	default:
		return fmt.Errorf("store: %s: %w", op, err)
	}
}
