// Package engagement is the verified write path for engagement events:
// rate limit, fraud check, idempotency, ledger append and aggregate update,
// in that order, stopping at the first rejection.
package engagement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/content"
	"github.com/mbd888/viralloop/internal/fraud"
	"github.com/mbd888/viralloop/internal/idgen"
	"github.com/mbd888/viralloop/internal/logging"
	"github.com/mbd888/viralloop/internal/metrics"
	"github.com/mbd888/viralloop/internal/pagination"
	"github.com/mbd888/viralloop/internal/ratelimit"
	"github.com/mbd888/viralloop/internal/realtime"
	"github.com/mbd888/viralloop/internal/traces"
	"github.com/mbd888/viralloop/internal/validation"
)

// Outcome is the business result of tracking one event. Rejections are
// outcomes, not errors.
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeFraudBlocked Outcome = "fraud_blocked"
)

// Event is one engagement delta reported for a content instance.
type Event struct {
	ContentID    string
	UserID       string
	Metric       audit.Metric
	Delta        int64
	Verification Verification
}

func (e Event) validate() error {
	return validation.Validate(
		validation.ValidID("contentId", e.ContentID),
		validation.ValidID("userId", e.UserID),
		validation.ValidMetric("metricType", e.Metric),
		validation.ValidDelta("delta", e.Delta),
		validation.OptionalID("referrerId", e.Verification.ReferrerID),
	).Err()
}

// Result reports what happened to an event.
type Result struct {
	Success    bool         `json:"success"`
	Outcome    Outcome      `json:"outcome"`
	FraudScore *fraud.Score `json:"fraudScore,omitempty"`
	AuditLogID string       `json:"auditLogId,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Publisher receives a notification for every decided event.
type Publisher interface {
	Publish(t realtime.EventType, data map[string]any)
}

// Tracker runs the verified write path.
type Tracker struct {
	ledger    audit.Reader
	recorder  Recorder
	content   content.Store
	limiter   *ratelimit.WindowLimiter
	detector  *fraud.Detector
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewTracker creates a tracker. Accepted events are written through
// recorder; ledger serves the idempotency check and replays.
func NewTracker(ledger audit.Reader, recorder Recorder, store content.Store, limiter *ratelimit.WindowLimiter, detector *fraud.Detector, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		ledger:   ledger,
		recorder: recorder,
		content:  store,
		limiter:  limiter,
		detector: detector,
		logger:   logger,
		now:      time.Now,
	}
}

// WithPublisher sets the realtime publisher.
func (t *Tracker) WithPublisher(p Publisher) *Tracker {
	t.publisher = p
	return t
}

// WithClock replaces the time source. Used by tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Track runs one event through the write path. Validation failures return
// validation.ValidationErrors, an unknown content id returns
// content.ErrInstanceNotFound and store failures return the store's
// PersistenceError. Everything else is reported in the Result.
func (t *Tracker) Track(ctx context.Context, ev Event) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "engagement.Track",
		traces.ContentID(ev.ContentID),
		traces.Metric(string(ev.Metric)),
		traces.Delta(ev.Delta),
	)
	defer span.End()
	ctx = logging.WithContent(ctx, ev.ContentID, ev.UserID)

	res, err := t.track(ctx, ev)
	if err != nil {
		traces.Fail(span, err)
		metrics.EngagementEventsTotal.WithLabelValues(string(ev.Metric), "error").Inc()
		return nil, err
	}

	span.SetAttributes(traces.Outcome(string(res.Outcome)))
	if res.FraudScore != nil {
		span.SetAttributes(traces.FraudScore(res.FraudScore.Score))
	}
	metrics.EngagementEventsTotal.WithLabelValues(string(ev.Metric), string(res.Outcome)).Inc()
	t.publish(ev, res)
	return res, nil
}

func (t *Tracker) track(ctx context.Context, ev Event) (*Result, error) {
	log := logging.L(ctx)

	if err := ev.validate(); err != nil {
		return nil, err
	}
	if _, err := t.content.GetInstance(ctx, ev.ContentID); err != nil {
		return nil, err
	}

	decision, err := t.limiter.CheckLimit(ctx, ev.ContentID, ev.Metric, ev.Delta)
	if err != nil {
		log.Error("rate limit check failed", "error", err)
		return nil, err
	}
	if !decision.Allowed {
		log.Warn("engagement rate limited", "metric", ev.Metric, "delta", ev.Delta, "reason", decision.Reason)
		return &Result{Outcome: OutcomeRateLimited, Error: decision.Reason}, nil
	}

	v := ev.Verification
	score, err := t.detector.Detect(ctx, ev.ContentID, ev.UserID, ev.Metric, ev.Delta, fraud.Metadata{
		IPAddress:        v.Client.IPAddress,
		UserAgent:        v.Client.UserAgent,
		ReferrerID:       v.ReferrerID,
		AccountCreatedAt: v.AccountCreatedAt,
	})
	if err != nil {
		log.Error("fraud detection failed", "error", err)
		return nil, err
	}
	if score.ShouldBlock {
		log.Warn("engagement blocked as fraud", "metric", ev.Metric, "delta", ev.Delta, "score", score.Score, "reasons", score.Reasons)
		return &Result{Outcome: OutcomeFraudBlocked, FraudScore: score, Error: "fraud detected"}, nil
	}

	key := v.IdempotencyKey()
	if key != "" {
		seen, err := t.ledger.HasKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if seen {
			log.Debug("duplicate engagement ignored", "idempotency_key", key)
			return &Result{Success: true, Outcome: OutcomeDuplicate, FraudScore: score}, nil
		}
	}

	entry := &audit.Entry{
		ID:             idgen.New(),
		ContentID:      ev.ContentID,
		UserID:         ev.UserID,
		Metric:         ev.Metric,
		Delta:          ev.Delta,
		Status:         v.Status(),
		Source:         v.source(),
		FraudScore:     score.Score,
		IdempotencyKey: key,
		IPAddress:      v.Client.IPAddress,
		UserAgent:      v.Client.UserAgent,
		CreatedAt:      t.now(),
	}
	if err := t.recorder.Record(ctx, entry); err != nil {
		if errors.Is(err, audit.ErrDuplicateKey) {
			log.Debug("duplicate engagement lost insert race", "idempotency_key", key)
			return &Result{Success: true, Outcome: OutcomeDuplicate, FraudScore: score}, nil
		}
		log.Error("engagement record failed", "error", err)
		return nil, err
	}

	metrics.EngagementDeltaTotal.WithLabelValues(string(ev.Metric), string(entry.Status)).Add(float64(abs(ev.Delta)))
	log.Info("engagement tracked", "metric", ev.Metric, "delta", ev.Delta, "status", entry.Status, "audit_log_id", entry.ID)
	return &Result{Success: true, Outcome: OutcomeAccepted, FraudScore: score, AuditLogID: entry.ID}, nil
}

func (t *Tracker) publish(ev Event, res *Result) {
	if t.publisher == nil {
		return
	}
	var kind realtime.EventType
	switch res.Outcome {
	case OutcomeAccepted:
		kind = realtime.EventEngagementTracked
	case OutcomeFraudBlocked:
		kind = realtime.EventEngagementBlocked
	case OutcomeRateLimited:
		kind = realtime.EventEngagementRateLimited
	default:
		return
	}
	data := map[string]any{
		"contentId": ev.ContentID,
		"userId":    ev.UserID,
		"metric":    string(ev.Metric),
		"delta":     ev.Delta,
		"status":    string(ev.Verification.Status()),
		"outcome":   string(res.Outcome),
	}
	if res.FraudScore != nil {
		data["fraudScore"] = res.FraudScore.Score
		data["reasons"] = res.FraudScore.Reasons
	}
	t.publisher.Publish(kind, data)
}

// GetVerifiedMetrics rebuilds per-status totals for a content item by
// replaying its ledger entries.
func (t *Tracker) GetVerifiedMetrics(ctx context.Context, contentID string) (audit.Totals, error) {
	entries, err := t.ledger.ListEntries(ctx, contentID)
	if err != nil {
		return nil, err
	}
	return audit.Replay(entries), nil
}

// AuditLog returns one page of raw ledger entries for contentID, oldest first.
func (t *Tracker) AuditLog(ctx context.Context, contentID string, after *pagination.Cursor, limit int) (pagination.Page[*audit.Entry], error) {
	entries, err := t.ledger.ListEntries(ctx, contentID)
	if err != nil {
		return pagination.Page[*audit.Entry]{}, err
	}
	return pagination.Paginate(entries, after, limit, func(e *audit.Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	}), nil
}

// Mismatch is one bucket where the ledger and the live aggregate disagree.
type Mismatch struct {
	Metric    audit.Metric `json:"metric"`
	Status    audit.Status `json:"status"`
	Ledger    int64        `json:"ledger"`
	Aggregate int64        `json:"aggregate"`
}

// Reconciliation compares ledger replay with the live aggregate.
type Reconciliation struct {
	ContentID  string       `json:"contentId"`
	Totals     audit.Totals `json:"totals"`
	Mismatches []Mismatch   `json:"mismatches"`
	Consistent bool         `json:"consistent"`
}

// Reconcile replays the ledger for contentID and reports every (metric,
// status) bucket that differs from the instance's counters.
func (t *Tracker) Reconcile(ctx context.Context, contentID string) (*Reconciliation, error) {
	inst, err := t.content.GetInstance(ctx, contentID)
	if err != nil {
		return nil, err
	}
	totals, err := t.GetVerifiedMetrics(ctx, contentID)
	if err != nil {
		return nil, err
	}

	rec := &Reconciliation{ContentID: contentID, Totals: totals, Mismatches: []Mismatch{}}
	for _, m := range audit.Metrics {
		for _, s := range audit.Statuses {
			ledger := totals[m][s]
			var live int64
			if mc := inst.Metrics[m]; mc != nil {
				live = mc.ByStatus[s]
			}
			if ledger != live {
				rec.Mismatches = append(rec.Mismatches, Mismatch{Metric: m, Status: s, Ledger: ledger, Aggregate: live})
			}
		}
	}
	rec.Consistent = len(rec.Mismatches) == 0
	return rec, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
