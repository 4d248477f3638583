package engagement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/content"
	"github.com/mbd888/viralloop/internal/fraud"
	"github.com/mbd888/viralloop/internal/idgen"
	"github.com/mbd888/viralloop/internal/ratelimit"
	"github.com/mbd888/viralloop/internal/realtime"
	"github.com/mbd888/viralloop/internal/storage"
	"github.com/mbd888/viralloop/internal/validation"
)

type harness struct {
	ledger  *audit.MemoryStore
	store   *content.MemoryStore
	tracker *Tracker
}

func newHarness(t *testing.T, limits ratelimit.Limits) *harness {
	t.Helper()
	ledger := audit.NewMemoryStore()
	store := content.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateVariant(ctx, &content.Variant{ID: "v1", ContentType: "roast"}))

	tracker := NewTracker(
		ledger,
		NewMemoryRecorder(ledger, store),
		store,
		ratelimit.NewWindowLimiter(ledger, limits),
		fraud.NewDetector(ledger, content.FraudLookup{Store: store}, nil),
		nil,
	)
	return &harness{ledger: ledger, store: store, tracker: tracker}
}

func (h *harness) instance(t *testing.T, id string, age time.Duration) {
	t.Helper()
	require.NoError(t, h.store.CreateInstance(context.Background(), &content.Instance{
		ID: id, VariantID: "v1", UserID: "creator", CreatedAt: time.Now().Add(-age),
	}))
}

// history gives userID n prior ledger entries on an unrelated post, each
// with a distinct delta.
func (h *harness) history(t *testing.T, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, h.ledger.Append(context.Background(), &audit.Entry{
			ID: idgen.New(), ContentID: "elsewhere", UserID: userID, Metric: audit.MetricViews,
			Delta: int64(i + 1), Status: audit.StatusInferred, CreatedAt: time.Now().Add(-time.Duration(n-i) * time.Minute),
		}))
	}
}

func platform(webhookID string) Verification {
	return Verification{
		Source:   "tiktok",
		Evidence: PlatformEvidence{PlatformID: "tiktok", WebhookID: webhookID},
		Client:   ClientInfo{IPAddress: "203.0.113.7"},
	}
}

func TestTrack_Accepted(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultLimits())
	h.instance(t, "post-1", 48*time.Hour)

	res, err := h.tracker.Track(context.Background(), Event{
		ContentID: "post-1", UserID: "alice", Metric: audit.MetricShares, Delta: 3,
		Verification: platform("wh-1"),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.NotEmpty(t, res.AuditLogID)
	require.NotNil(t, res.FraudScore)
	assert.False(t, res.FraudScore.ShouldBlock)

	inst, err := h.store.GetInstance(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), inst.Metrics[audit.MetricShares].ByStatus[audit.StatusPlatformVerified])
	assert.Equal(t, int64(3), inst.Total(audit.MetricShares))

	entries, err := h.ledger.ListEntries(context.Background(), "post-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tiktok", entries[0].Source)
	assert.Equal(t, "wh-1", entries[0].IdempotencyKey)
}

func TestTrack_IdempotentReplay(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultLimits())
	h.instance(t, "post-1", 48*time.Hour)
	ev := Event{ContentID: "post-1", UserID: "alice", Metric: audit.MetricShares, Delta: 2, Verification: platform("wh-dup")}

	first, err := h.tracker.Track(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, first.Outcome)

	second, err := h.tracker.Track(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, second.Success, "a replay is a successful no-op")
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Empty(t, second.AuditLogID)

	entries, err := h.ledger.ListEntries(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	inst, err := h.store.GetInstance(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), inst.Total(audit.MetricShares))
}

func TestTrack_ConcurrentReplayAppliesOnce(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultLimits())
	h.instance(t, "post-1", 48*time.Hour)
	ev := Event{ContentID: "post-1", UserID: "alice", Metric: audit.MetricViews, Delta: 7, Verification: platform("wh-race")}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.tracker.Track(context.Background(), ev)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeAccepted])
	assert.Equal(t, 7, outcomes[OutcomeDuplicate])

	inst, err := h.store.GetInstance(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), inst.Total(audit.MetricViews))
}

func TestTrack_RateLimited(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	limits.SharesPerHour = 5
	limits.UpdatesPerMinute = 100
	h := newHarness(t, limits)
	h.instance(t, "post-1", 48*time.Hour)

	for i := 0; i < 5; i++ {
		res, err := h.tracker.Track(context.Background(), Event{
			ContentID: "post-1", UserID: fmt.Sprintf("u%d", i), Metric: audit.MetricShares, Delta: 1,
			Verification: platform(fmt.Sprintf("wh-%d", i)),
		})
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, res.Outcome, "event %d", i)
	}

	res, err := h.tracker.Track(context.Background(), Event{
		ContentID: "post-1", UserID: "u9", Metric: audit.MetricShares, Delta: 1, Verification: platform("wh-9"),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, OutcomeRateLimited, res.Outcome)
	assert.NotEmpty(t, res.Error)

	entries, err := h.ledger.ListEntries(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestTrack_FraudBlockedBurst(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultLimits())
	h.instance(t, "fresh-post", 30*time.Minute)
	h.history(t, "mallory", 11)
	_, err := h.store.IncrementVerified(context.Background(), "fresh-post", audit.MetricViews, audit.StatusPlatformVerified, 10)
	require.NoError(t, err)

	res, err := h.tracker.Track(context.Background(), Event{
		ContentID: "fresh-post", UserID: "mallory", Metric: audit.MetricShares, Delta: 150,
		Verification: Verification{Evidence: ClaimEvidence{}},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, OutcomeFraudBlocked, res.Outcome)
	require.NotNil(t, res.FraudScore)
	assert.True(t, res.FraudScore.Flags.RapidEngagement)
	assert.True(t, res.FraudScore.Flags.ImpossibleGrowth)
	assert.True(t, res.FraudScore.Flags.NewAccountSpam)
	assert.Greater(t, res.FraudScore.Score, 0.7)
	assert.True(t, res.FraudScore.ShouldBlock)

	entries, err := h.ledger.ListEntries(context.Background(), "fresh-post")
	require.NoError(t, err)
	assert.Empty(t, entries, "blocked events never reach the ledger")

	inst, err := h.store.GetInstance(context.Background(), "fresh-post")
	require.NoError(t, err)
	assert.Zero(t, inst.Total(audit.MetricShares))
}

func TestTrack_ReplayAgreesWithAggregate(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultLimits())
	h.instance(t, "post-1", 72*time.Hour)
	ctx := context.Background()

	events := []Event{
		{UserID: "a", Metric: audit.MetricShares, Delta: 4, Verification: platform("wh-a")},
		{UserID: "b", Metric: audit.MetricSignups, Delta: 1, Verification: Verification{Evidence: ReferralEvidence{ReferralCode: "ABCD2345", ReferralID: "ref_1"}}},
		{UserID: "c", Metric: audit.MetricLikes, Delta: 6, Verification: Verification{Evidence: ClaimEvidence{}}},
		{UserID: "d", Metric: audit.MetricLikes, Delta: -2, Verification: Verification{Evidence: ClaimEvidence{}}},
		{UserID: "e", Metric: audit.MetricViews, Delta: 40, Verification: Verification{Evidence: PendingEvidence{}}},
		{UserID: "f", Metric: audit.MetricShares, Delta: 1, Verification: Verification{Evidence: PaymentEvidence{PaymentID: "pi_1", WebhookID: "evt_1"}}},
	}
	for i, ev := range events {
		ev.ContentID = "post-1"
		res, err := h.tracker.Track(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, res.Outcome, "event %d", i)
	}

	totals, err := h.tracker.GetVerifiedMetrics(ctx, "post-1")
	require.NoError(t, err)
	inst, err := h.store.GetInstance(ctx, "post-1")
	require.NoError(t, err)

	for m, mc := range inst.Metrics {
		for s, n := range mc.ByStatus {
			assert.Equal(t, n, totals[m][s], "%s/%s", m, s)
		}
		assert.Equal(t, mc.Total, totals.Total(m), "%s total", m)
	}
	assert.Equal(t, int64(4), totals.Total(audit.MetricLikes))
	assert.Equal(t, int64(1), totals[audit.MetricSignups][audit.StatusReferralVerified])

	rec, err := h.tracker.Reconcile(ctx, "post-1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Empty(t, rec.Mismatches)
}

func TestReconcile_DetectsDrift(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultLimits())
	h.instance(t, "post-1", 72*time.Hour)
	ctx := context.Background()

	_, err := h.tracker.Track(ctx, Event{ContentID: "post-1", UserID: "a", Metric: audit.MetricShares, Delta: 2, Verification: platform("wh-1")})
	require.NoError(t, err)
	_, err = h.store.IncrementVerified(ctx, "post-1", audit.MetricShares, audit.StatusPlatformVerified, 5)
	require.NoError(t, err)

	rec, err := h.tracker.Reconcile(ctx, "post-1")
	require.NoError(t, err)
	assert.False(t, rec.Consistent)
	require.Len(t, rec.Mismatches, 1)
	assert.Equal(t, Mismatch{Metric: audit.MetricShares, Status: audit.StatusPlatformVerified, Ledger: 2, Aggregate: 7}, rec.Mismatches[0])
}

func TestTrack_ValidationError(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultLimits())
	h.instance(t, "post-1", 48*time.Hour)

	_, err := h.tracker.Track(context.Background(), Event{ContentID: "", UserID: "a", Metric: "retweets", Delta: 0})
	var verrs validation.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 3)

	entries, err := h.ledger.ListEntries(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTrack_UnknownContent(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultLimits())
	_, err := h.tracker.Track(context.Background(), Event{
		ContentID: "ghost", UserID: "a", Metric: audit.MetricViews, Delta: 1, Verification: platform("wh-1"),
	})
	assert.ErrorIs(t, err, content.ErrInstanceNotFound)
}

type failingLedger struct {
	*audit.MemoryStore
}

func (failingLedger) HasKey(context.Context, string) (bool, error) {
	return false, storage.Wrap("audit_log.has_key", errors.New("connection refused"))
}

func TestTrack_PersistenceErrorSurfaces(t *testing.T) {
	mem := audit.NewMemoryStore()
	ledger := failingLedger{mem}
	store := content.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateVariant(ctx, &content.Variant{ID: "v1"}))
	require.NoError(t, store.CreateInstance(ctx, &content.Instance{ID: "post-1", VariantID: "v1", UserID: "c", CreatedAt: time.Now().Add(-48 * time.Hour)}))

	tracker := NewTracker(ledger, NewMemoryRecorder(mem, store), store,
		ratelimit.NewWindowLimiter(ledger, ratelimit.DefaultLimits()),
		fraud.NewDetector(ledger, content.FraudLookup{Store: store}, nil), nil)

	_, err := tracker.Track(ctx, Event{ContentID: "post-1", UserID: "a", Metric: audit.MetricShares, Delta: 1, Verification: platform("wh-1")})
	require.Error(t, err)
	assert.True(t, storage.IsPersistence(err))
}

// flakyStore fails the next IncrementVerified call when armed.
type flakyStore struct {
	content.Store
	failNext atomic.Bool
}

func (f *flakyStore) IncrementVerified(ctx context.Context, id string, m audit.Metric, s audit.Status, delta int64) (*content.Instance, error) {
	if f.failNext.CompareAndSwap(true, false) {
		return nil, storage.Wrap("content.increment_verified", errors.New("connection reset"))
	}
	return f.Store.IncrementVerified(ctx, id, m, s, delta)
}

func TestTrack_RetryAfterFailedIncrementLandsOnce(t *testing.T) {
	ledger := audit.NewMemoryStore()
	mem := content.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, mem.CreateVariant(ctx, &content.Variant{ID: "v1"}))
	require.NoError(t, mem.CreateInstance(ctx, &content.Instance{ID: "post-1", VariantID: "v1", UserID: "c", CreatedAt: time.Now().Add(-48 * time.Hour)}))
	store := &flakyStore{Store: mem}
	store.failNext.Store(true)

	tracker := NewTracker(ledger, NewMemoryRecorder(ledger, store), store,
		ratelimit.NewWindowLimiter(ledger, ratelimit.DefaultLimits()),
		fraud.NewDetector(ledger, content.FraudLookup{Store: store}, nil), nil)
	ev := Event{ContentID: "post-1", UserID: "a", Metric: audit.MetricViews, Delta: 3, Verification: platform("wh-flaky")}

	_, err := tracker.Track(ctx, ev)
	require.Error(t, err)
	assert.True(t, storage.IsPersistence(err))

	entries, err := ledger.ListEntries(ctx, "post-1")
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed increment leaves no ledger entry")

	res, err := tracker.Track(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	res, err = tracker.Track(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	rec, err := tracker.Reconcile(ctx, "post-1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "%+v", rec.Mismatches)
	assert.Equal(t, int64(3), rec.Totals[audit.MetricViews][audit.StatusPlatformVerified])
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.EventType
	data   []map[string]any
}

func (p *recordingPublisher) Publish(t realtime.EventType, data map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
	p.data = append(p.data, data)
}

func TestTrack_Publishes(t *testing.T) {
	h := newHarness(t, ratelimit.DefaultLimits())
	h.instance(t, "post-1", 48*time.Hour)
	pub := &recordingPublisher{}
	h.tracker.WithPublisher(pub)

	ev := Event{ContentID: "post-1", UserID: "a", Metric: audit.MetricShares, Delta: 1, Verification: platform("wh-1")}
	_, err := h.tracker.Track(context.Background(), ev)
	require.NoError(t, err)
	_, err = h.tracker.Track(context.Background(), ev)
	require.NoError(t, err)

	require.Len(t, pub.events, 1, "duplicates are not published")
	assert.Equal(t, realtime.EventEngagementTracked, pub.events[0])
	assert.Equal(t, "post-1", pub.data[0]["contentId"])
}

func TestWireVerification_Decode(t *testing.T) {
	v, err := WireVerification{
		Status:   audit.StatusPlatformVerified,
		Source:   "instagram",
		Metadata: WireMetadata{PlatformID: "ig", WebhookID: "wh-7", IPAddress: "198.51.100.1"},
	}.Decode()
	require.NoError(t, err)
	assert.Equal(t, audit.StatusPlatformVerified, v.Status())
	assert.Equal(t, "wh-7", v.IdempotencyKey())
	assert.Equal(t, "198.51.100.1", v.Client.IPAddress)
	assert.IsType(t, PlatformEvidence{}, v.Evidence)

	_, err = WireVerification{Status: audit.StatusPlatformVerified, Metadata: WireMetadata{PlatformID: "ig"}}.Decode()
	var verrs validation.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "metadata.webhookId", verrs[0].Field)

	_, err = WireVerification{Status: "trusted"}.Decode()
	assert.Error(t, err)

	v, err = WireVerification{}.Decode()
	require.NoError(t, err)
	assert.Equal(t, audit.StatusPending, v.Status())
	assert.Empty(t, v.IdempotencyKey())
	assert.Equal(t, "pending", v.source())

	v, err = WireVerification{Status: audit.StatusReferralVerified, Metadata: WireMetadata{ReferralCode: "ABC", ReferralID: "ref_9"}}.Decode()
	require.NoError(t, err)
	assert.Equal(t, "referral:ref_9", v.IdempotencyKey())
}
