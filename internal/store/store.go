// Package store persists targets, samples and digests.
//
// It runs on database/sql with either DuckDB (the default, in-memory when
// no DSN is given) or PostgreSQL through pgx. The SQL is written to the
// subset both engines accept: $n placeholders, sequences for ids and no
// foreign keys. Target deletion maintains references explicitly.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/KaiEkkrin/pinglingle/config"
	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/logging"
)

var log = logging.Component("store")

// Supported database/sql driver names.
const (
	DriverDuckDB = "duckdb"
	DriverPgx    = "pgx"
)

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Driver is DriverDuckDB or DriverPgx.
	Driver string

	// DSN is the database connection string. An empty DuckDB DSN opens an
	// in-memory database that is lost on exit.
	DSN string

	// CascadeSamples deletes a target's samples with the target. When
	// false they are kept with a null target.
	CascadeSamples bool

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// QueryTimeout is the default timeout for queries.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:          config.DefaultStoreDriver,
		CascadeSamples:  true,
		MaxOpenConns:    config.DefaultStoreMaxOpenConns,
		MaxIdleConns:    config.DefaultStoreMaxIdleConns,
		ConnMaxLifetime: config.DefaultStoreConnMaxLifetime,
		QueryTimeout:    config.DefaultStoreQueryTimeout,
	}
}

// Persistent reports whether data survives a restart.
func (c Config) Persistent() bool {
	return c.DSN != ""
}

// =============================================================================
// Store
// =============================================================================

// Store provides database operations.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

// New opens the database, verifies the connection and applies the schema.
func New(cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = config.DefaultStoreDriver
	}
	if cfg.Driver != DriverDuckDB && cfg.Driver != DriverPgx {
		return nil, fmt.Errorf("store driver %q: %w", cfg.Driver, errors.ErrInvalidConfig)
	}
	if cfg.Driver == DriverPgx && cfg.DSN == "" {
		return nil, errors.NewMissingField("store.dsn")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:     db,
		config: cfg,
	}

	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("store opened", "driver", cfg.Driver, "persistent", cfg.Persistent())
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// DB returns the underlying database connection.
// Use with caution - prefer using Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.config
}

// Persistent reports whether data survives a restart.
func (s *Store) Persistent() bool {
	return s.config.Persistent()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.ErrStoreClosed
	}
	return nil
}

// withTimeout applies the default query timeout unless ctx already has a
// deadline.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.config.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

// =============================================================================
// Transaction Support
// =============================================================================

// TransactionContext executes fn within a database transaction.
//
// If fn returns an error, or ctx is done before commit, the transaction is
// rolled back. Otherwise it is committed.
func (s *Store) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("context cancelled before commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// =============================================================================
// Health Check
// =============================================================================

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
