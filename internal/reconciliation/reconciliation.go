// Package reconciliation periodically replays the audit ledger for every
// content item and compares the result with the live aggregates.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/viralloop/internal/content"
	"github.com/mbd888/viralloop/internal/engagement"
	"github.com/mbd888/viralloop/internal/realtime"
)

const defaultConcurrency = 4

// ContentLister lists content ids that have ledger entries.
type ContentLister interface {
	ContentIDs(ctx context.Context) ([]string, error)
}

// Reconciler compares one content item's ledger with its aggregate.
type Reconciler interface {
	Reconcile(ctx context.Context, contentID string) (*engagement.Reconciliation, error)
}

// Publisher receives a notification for every inconsistent content item.
type Publisher interface {
	Publish(t realtime.EventType, data map[string]any)
}

// Report summarizes one reconciliation pass.
type Report struct {
	Checked      int                          `json:"checked"`
	Inconsistent []*engagement.Reconciliation `json:"inconsistent"`
	// Orphaned lists content ids with ledger entries but no instance.
	Orphaned   []string      `json:"orphaned"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// MismatchedBuckets counts metric/status buckets that disagree.
func (r *Report) MismatchedBuckets() int {
	n := 0
	for _, rec := range r.Inconsistent {
		n += len(rec.Mismatches)
	}
	return n
}

// Runner runs reconciliation passes.
type Runner struct {
	lister      ContentLister
	reconciler  Reconciler
	publisher   Publisher
	logger      *slog.Logger
	concurrency int

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner.
func NewRunner(lister ContentLister, reconciler Reconciler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{lister: lister, reconciler: reconciler, logger: logger, concurrency: defaultConcurrency}
}

// WithPublisher fans drift out to realtime subscribers.
func (r *Runner) WithPublisher(p Publisher) *Runner {
	r.publisher = p
	return r
}

// RunAll reconciles every content item. Failures on individual items are
// counted in the report; only a failure to list content ids is returned.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	ids, err := r.lister.ContentIDs(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list content ids: %w", err)
	}

	report := &Report{Inconsistent: []*engagement.Reconciliation{}, Orphaned: []string{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			rec, err := r.reconciler.Reconcile(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch {
			case errors.Is(err, content.ErrInstanceNotFound):
				report.Orphaned = append(report.Orphaned, id)
			case err != nil:
				report.Errors++
				reconcileErrors.Inc()
				r.logger.Warn("reconcile content failed", "content_id", id, "error", err)
			case !rec.Consistent:
				report.Inconsistent = append(report.Inconsistent, rec)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	report.FinishedAt = time.Now()
	r.record(report)
	return report, nil
}

// Last returns the most recent report, or nil before the first pass.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// LastRunAt returns when the previous pass finished, or the zero time.
func (r *Runner) LastRunAt() time.Time {
	if last := r.Last(); last != nil {
		return last.FinishedAt
	}
	return time.Time{}
}

func (r *Runner) record(report *Report) {
	reconcileInconsistent.Set(float64(len(report.Inconsistent)))
	reconcileMismatchedBuckets.Set(float64(report.MismatchedBuckets()))
	reconcileOrphaned.Set(float64(len(report.Orphaned)))
	reconcileDuration.Observe(report.Duration.Seconds())

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	if len(report.Inconsistent) > 0 || len(report.Orphaned) > 0 {
		r.logger.Warn("reconciliation found drift",
			"checked", report.Checked,
			"inconsistent", len(report.Inconsistent),
			"mismatched_buckets", report.MismatchedBuckets(),
			"orphaned", len(report.Orphaned))
	} else {
		r.logger.Info("reconciliation clean", "checked", report.Checked, "duration", report.Duration)
	}

	if r.publisher == nil {
		return
	}
	for _, rec := range report.Inconsistent {
		r.publisher.Publish(realtime.EventReconcileMismatch, map[string]any{
			"contentId":  rec.ContentID,
			"mismatches": rec.Mismatches,
		})
	}
}
