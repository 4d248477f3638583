// Package storage holds the Postgres plumbing shared by the durable stores:
// connection setup, the PersistenceError type and a guard that bounds every
// round trip with a timeout and a circuit breaker.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/viralloop/internal/circuitbreaker"
	"github.com/mbd888/viralloop/internal/retry"
)

// PersistenceError reports an infrastructure failure in the durable store.
// It is surfaced to callers verbatim; the core never retries it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Wrap returns err as a *PersistenceError tagged with op. Nil stays nil and
// an existing PersistenceError is returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// PoolConfig sizes the database/sql connection pool.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// DefaultPool returns the pool settings used by the server.
func DefaultPool() PoolConfig {
	return PoolConfig{
		MaxOpen:     25,
		MaxIdle:     5,
		MaxLifetime: 5 * time.Minute,
		MaxIdleTime: time.Minute,
	}
}

// Open connects to Postgres and pings it, retrying the ping under policy.
// Startup is the one place that owns a retry policy.
func Open(ctx context.Context, dsn string, pool PoolConfig, policy retry.Policy, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, Wrap("open", err)
	}
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)
	db.SetConnMaxIdleTime(pool.MaxIdleTime)

	err = retry.Do(ctx, policy, func(attempt int) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("database ping failed", "attempt", attempt+1, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, Wrap("ping", err)
	}
	return db, nil
}

// Guard bounds store calls with a per-call timeout and a circuit breaker.
// Errors matching one of the expected sentinels are business outcomes: they
// pass through untouched and do not count against the breaker. Everything
// else becomes a PersistenceError.
type Guard struct {
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker
	expected []error
}

// NewGuard builds a guard named after the store it protects.
func NewGuard(name string, timeout time.Duration, expected ...error) *Guard {
	g := &Guard{timeout: timeout, expected: expected}
	g.breaker = circuitbreaker.New(name, circuitbreaker.Settings{
		Threshold: 5,
		OpenFor:   15 * time.Second,
		IsFailure: func(err error) bool { return !g.isExpected(err) },
	})
	return g
}

func (g *Guard) isExpected(err error) bool {
	for _, e := range g.expected {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// Run executes fn with the guard's timeout and breaker. A nil guard runs fn
// with no timeout but still wraps unexpected errors.
func Run(ctx context.Context, g *Guard, op string, fn func(ctx context.Context) error) error {
	if g == nil {
		return wrapUnexpected(nil, op, fn(ctx))
	}
	err := circuitbreaker.Do(g.breaker, func() error {
		if g.timeout <= 0 {
			return fn(ctx)
		}
		tctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(tctx)
	})
	return wrapUnexpected(g, op, err)
}

func wrapUnexpected(g *Guard, op string, err error) error {
	if err == nil {
		return nil
	}
	if g != nil && g.isExpected(err) {
		return err
	}
	return Wrap(op, err)
}

// WithTx runs fn inside a transaction at the given isolation level,
// committing on success and rolling back on any error.
func WithTx(ctx context.Context, db *sql.DB, level sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
