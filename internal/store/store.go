// Package store is the durable event queue: one SQLite file holding the event
// table and its error log. Every mutation of either table goes through here so
// the stage machine is enforced in one place.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	driverName = "sqlite"

	// DefaultMaxErrors is the number of recorded failures after which an
	// event is escalated to permanently failed.
	DefaultMaxErrors = 4
)

var (
	// ErrInvalidEvent is returned when a new event is missing required fields.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidTransition is returned for a stage change the lane does not allow.
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrAlreadyEntered is returned by Redrive for a delivery whose results
	// reached the screen although completion was never recorded.
	ErrAlreadyEntered = errors.New("results already entered on screen")
)

// Store provides SQLite-backed event persistence. It is safe for concurrent use.
type Store struct {
	db        *sql.DB
	now       func() time.Time
	maxErrors int
	log       *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxErrors sets the escalation cap.
func WithMaxErrors(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxErrors = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open opens (creating if needed) the store file at path and applies migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	if err := migrateUp(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{
		db:        db,
		now:       func() time.Time { return time.Now().UTC() },
		maxErrors: DefaultMaxErrors,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "store")
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store is not configured")
	}
	return s.db.PingContext(ctx)
}

// MaxErrors returns the escalation cap in effect.
func (s *Store) MaxErrors() int {
	return s.maxErrors
}

// withTx runs fn inside one immediate transaction.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) stamp() int64 {
	return s.now().UTC().UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
