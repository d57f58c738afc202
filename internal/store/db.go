// Package store is the only component allowed to write to the market-data
// database. It wraps a single-writer SQLite database with read-only and
// immediate-transaction sessions and retries writes that hit lock contention.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/retry"
	"market-data-collector/internal/telemetry"
)

var (
	// ErrLockContention marks a write rejected because another writer holds the lock.
	ErrLockContention = errors.New("datastore locked")
	// ErrIntegrityViolation marks a unique-constraint collision.
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrUnrecoverable wraps every store error that is not retried (or ran out of retries).
	ErrUnrecoverable = errors.New("unrecoverable store error")
)

// Config describes the SQLite database and the lock retry policy.
type Config struct {
	Path           string
	BusyTimeout    time.Duration
	ChunkSize      int
	MaxLockRetries int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultConfig returns the store defaults for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		BusyTimeout:    5 * time.Second,
		ChunkSize:      500,
		MaxLockRetries: 5,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
	}
}

// DB holds separate reader and writer pools over the same database file.
type DB struct {
	cfg    Config
	writer *sqlx.DB
	reader *sqlx.DB
	log    logger.Logger
}

// Open connects to the database, applies the schema and returns the pools.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*DB, error) {
	def := DefaultConfig(cfg.Path)
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxLockRetries <= 0 {
		cfg.MaxLockRetries = def.MaxLockRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if cfg.BusyTimeout < 0 {
		cfg.BusyTimeout = 0
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	busy := cfg.BusyTimeout.Milliseconds()
	writer, err := sqlx.ConnectContext(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on", cfg.Path, busy))
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	// SQLite serialises writers anyway; one connection keeps this process from queueing behind itself.
	writer.SetMaxOpenConns(1)

	db := &DB{cfg: cfg, writer: writer, log: log}
	if err := db.runMigrations(ctx); err != nil {
		writer.Close()
		return nil, err
	}

	reader, err := sqlx.ConnectContext(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_busy_timeout=%d&_query_only=true", cfg.Path, busy))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	db.reader = reader
	return db, nil
}

// Close releases both pools.
func (db *DB) Close() error {
	var errs []error
	if db.reader != nil {
		errs = append(errs, db.reader.Close())
	}
	if db.writer != nil {
		errs = append(errs, db.writer.Close())
	}
	return errors.Join(errs...)
}

// retryConfig allows MaxLockRetries retries after the first attempt.
func (db *DB) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  db.cfg.MaxLockRetries + 1,
		InitialDelay: db.cfg.RetryBaseDelay,
		MaxDelay:     db.cfg.RetryMaxDelay,
		Multiplier:   2,
		Jitter:       0.25,
		IsRetryable:  func(err error) bool { return errors.Is(err, ErrLockContention) },
		OnRetry: func(attempt int, err error, delay time.Duration) {
			telemetry.LockRetries.Inc()
			db.log.Warn("datastore busy, retrying",
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.Error(err))
		},
	}
}

// readSession runs fn against the query-only pool. Reads never request the write lock.
func (db *DB) readSession(ctx context.Context, fn func(ctx context.Context, q sqlx.QueryerContext) error) error {
	err := retry.Do(ctx, db.retryConfig(), func(ctx context.Context) error {
		return classify(fn(ctx, db.reader))
	})
	return finalize(err)
}

// writeSession runs fn inside a BEGIN IMMEDIATE transaction. fn may run more
// than once when the lock is contended, so it must not keep state across calls.
func (db *DB) writeSession(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	err := retry.Do(ctx, db.retryConfig(), func(ctx context.Context) error {
		tx, err := db.writer.BeginTxx(ctx, nil)
		if err != nil {
			return classify(fmt.Errorf("begin tx: %w", err))
		}
		defer tx.Rollback() // safe no-op on commit

		if err := fn(ctx, tx); err != nil {
			return classify(err)
		}
		if err := tx.Commit(); err != nil {
			return classify(fmt.Errorf("commit: %w", err))
		}
		return nil
	})
	return finalize(err)
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLockContention), errors.Is(err, ErrIntegrityViolation):
		return err
	case IsLockError(err):
		return fmt.Errorf("%w: %w", ErrLockContention, err)
	case IsUniqueViolation(err):
		return fmt.Errorf("%w: %w", ErrIntegrityViolation, err)
	default:
		return err
	}
}

func finalize(err error) error {
	if err == nil || errors.Is(err, ErrIntegrityViolation) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// IsLockError reports whether err is SQLite's busy/locked class.
func IsLockError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// IsUniqueViolation reports whether err is a unique or primary key collision.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrConstraint &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
