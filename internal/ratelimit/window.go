// Package ratelimit bounds event volume. WindowLimiter caps engagement per
// content id by summing the audit ledger over trailing windows; HTTPLimiter
// is a token-bucket guard in front of the API.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
)

// Limits are the ceilings enforced per content id.
type Limits struct {
	SharesPerHour    int64
	ViewsPerHour     int64
	SignupsPerDay    int64
	UpdatesPerMinute int64
}

// DefaultLimits returns the production ceilings.
func DefaultLimits() Limits {
	return Limits{
		SharesPerHour:    1000,
		ViewsPerHour:     10000,
		SignupsPerDay:    100,
		UpdatesPerMinute: 10,
	}
}

// Decision is the outcome of a limit check. Reason is set when Allowed is false.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type window struct {
	ceiling int64
	span    time.Duration
}

// WindowLimiter derives its counters from the ledger, so limits survive
// restarts and agree across replicas.
type WindowLimiter struct {
	ledger  audit.Reader
	metrics map[audit.Metric]window
	updates window
	now     func() time.Time
}

// NewWindowLimiter creates a limiter reading from ledger.
func NewWindowLimiter(ledger audit.Reader, limits Limits) *WindowLimiter {
	return &WindowLimiter{
		ledger: ledger,
		metrics: map[audit.Metric]window{
			audit.MetricShares:  {limits.SharesPerHour, time.Hour},
			audit.MetricViews:   {limits.ViewsPerHour, time.Hour},
			audit.MetricSignups: {limits.SignupsPerDay, 24 * time.Hour},
		},
		updates: window{limits.UpdatesPerMinute, time.Minute},
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (l *WindowLimiter) WithClock(now func() time.Time) *WindowLimiter {
	l.now = now
	return l
}

// CheckLimit reports whether adding delta to (contentID, metric) stays
// within every ceiling. Exceeding a ceiling is a normal outcome, not an
// error; only ledger failures are returned as errors.
func (l *WindowLimiter) CheckLimit(ctx context.Context, contentID string, metric audit.Metric, delta int64) (Decision, error) {
	now := l.now()

	if w, ok := l.metrics[metric]; ok && w.ceiling > 0 {
		current, err := l.ledger.SumDeltas(ctx, contentID, metric, now.Add(-w.span))
		if err != nil {
			return Decision{}, err
		}
		if current+delta > w.ceiling {
			return Decision{Reason: fmt.Sprintf("%s limit exceeded: %d + %d > %d per %s",
				metric, current, delta, w.ceiling, w.span)}, nil
		}
	}

	if l.updates.ceiling > 0 {
		recent, err := l.ledger.CountEntries(ctx, contentID, now.Add(-l.updates.span))
		if err != nil {
			return Decision{}, err
		}
		if recent+1 > l.updates.ceiling {
			return Decision{Reason: fmt.Sprintf("update limit exceeded: %d updates in the last %s (max %d)",
				recent, l.updates.span, l.updates.ceiling)}, nil
		}
	}

	return Decision{Allowed: true}, nil
}
