package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultInterval = 5 * time.Minute

// Timer drives Runner.RunAll on a fixed interval. The first pass happens one
// interval after Start.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	running  atomic.Bool
	failures atomic.Int64
}

// NewTimer uses DefaultInterval for a non-positive interval.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger.With("component", "reconciliation_timer"),
		stop:     make(chan struct{}),
	}
}

func (t *Timer) Running() bool { return t.running.Load() }

// ConsecutiveFailures is the number of passes in a row that returned an
// error or panicked. A clean pass resets it.
func (t *Timer) ConsecutiveFailures() int64 { return t.failures.Load() }

// Start blocks until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	tick := time.NewTicker(t.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-tick.C:
			if err := t.pass(ctx); err != nil {
				n := t.failures.Add(1)
				t.logger.Warn("reconciliation pass failed", "error", err, "consecutive_failures", n)
				continue
			}
			t.failures.Store(0)
		}
	}
}

// Stop is safe to call more than once and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) pass(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		return err
	}
	if len(report.Inconsistent) > 0 || len(report.Orphaned) > 0 {
		t.logger.Warn("reconciliation found drift",
			"checked", report.Checked,
			"inconsistent", len(report.Inconsistent),
			"orphaned", len(report.Orphaned))
	} else {
		t.logger.Debug("reconciliation clean", "checked", report.Checked, "duration", report.Duration)
	}
	return nil
}
