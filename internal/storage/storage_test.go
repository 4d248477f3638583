package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/viralloop/internal/circuitbreaker"
)

var errMissing = errors.New("missing")

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("op", nil))

	base := errors.New("connection reset")
	err := Wrap("audit.append", base)
	require.True(t, IsPersistence(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "audit.append")

	assert.Same(t, err, Wrap("other", err), "already wrapped errors keep their original op")
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "40001"}))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
}

func TestRun_ExpectedErrorsPassThrough(t *testing.T) {
	g := NewGuard("guard-expected", time.Second, errMissing)

	err := Run(context.Background(), g, "get", func(context.Context) error { return errMissing })
	assert.ErrorIs(t, err, errMissing)
	assert.False(t, IsPersistence(err))
}

func TestRun_UnexpectedErrorsBecomePersistence(t *testing.T) {
	g := NewGuard("guard-unexpected", time.Second)

	err := Run(context.Background(), g, "get", func(context.Context) error { return errors.New("boom") })
	assert.True(t, IsPersistence(err))
}

func TestRun_AppliesTimeout(t *testing.T) {
	g := NewGuard("guard-timeout", 20*time.Millisecond)

	err := Run(context.Background(), g, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.True(t, IsPersistence(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_OpenBreakerFailsFast(t *testing.T) {
	g := NewGuard("guard-open", time.Second)
	for i := 0; i < 5; i++ {
		_ = Run(context.Background(), g, "write", func(context.Context) error { return errors.New("down") })
	}

	called := false
	err := Run(context.Background(), g, "write", func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.True(t, IsPersistence(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}
