package content

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/viralloop/internal/audit"
)

func TestVariantRecompute(t *testing.T) {
	v := &Variant{Attempts: 100, Shares: 40, Views: 500, Signups: 2, Likes: 10}
	v.Recompute()

	assert.InDelta(t, 0.4, v.ShareRate, 1e-9)
	assert.InDelta(t, 2*1000.0+40*100+500*1+10*10, v.ViralScore, 1e-9)
	assert.InDelta(t, 0.95, v.Confidence, 1e-9)

	empty := &Variant{Shares: 3}
	empty.Recompute()
	assert.InDelta(t, 3.0, empty.ShareRate, 1e-9, "attempts are floored at one")
	assert.Zero(t, empty.Confidence)
}

func TestAttemptConfidence(t *testing.T) {
	assert.Zero(t, AttemptConfidence(0))
	assert.InDelta(t, math.Sqrt(0.25), AttemptConfidence(25), 1e-9)
	assert.InDelta(t, 0.95, AttemptConfidence(10_000), 1e-9)
	assert.Less(t, AttemptConfidence(49), AttemptConfidence(50))
}

func TestInstanceWeightedScore(t *testing.T) {
	inst := &Instance{}
	inst.applyVerified(audit.MetricShares, audit.StatusPlatformVerified, 10)
	inst.applyVerified(audit.MetricShares, audit.StatusUserClaimed, 10)
	inst.applyVerified(audit.MetricSignups, audit.StatusReferralVerified, 1)

	assert.Equal(t, int64(20), inst.Total(audit.MetricShares))
	want := 10*100*1.0 + 10*100*0.3 + 1*1000*0.8
	assert.InDelta(t, want, inst.WeightedScore(), 1e-9)
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("variant lifecycle", func(t *testing.T) {
		s := newStore(t)
		v := &Variant{ID: "roast_v1", ContentType: "roast", Template: Template{RoastLevel: 3, CoachID: "coach-a"}}
		require.NoError(t, s.CreateVariant(ctx, v))
		assert.ErrorIs(t, s.CreateVariant(ctx, v), ErrVariantExists)

		got, err := s.GetVariant(ctx, "roast_v1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.Template.RoastLevel)
		assert.Equal(t, "coach-a", got.Template.CoachID)

		_, err = s.GetVariant(ctx, "missing")
		assert.ErrorIs(t, err, ErrVariantNotFound)

		got, err = s.IncrementAttempts(ctx, "roast_v1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Attempts)
		assert.InDelta(t, 0.1, got.Confidence, 1e-9)

		got, err = s.ApplyPerformance(ctx, "roast_v1", map[audit.Metric]int64{
			audit.MetricShares: 1, audit.MetricViews: 20,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Shares)
		assert.InDelta(t, 1.0, got.ShareRate, 1e-9)
		assert.InDelta(t, 120.0, got.ViralScore, 1e-9)

		_, err = s.IncrementAttempts(ctx, "missing")
		assert.ErrorIs(t, err, ErrVariantNotFound)

		list, err := s.ListVariants(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("concurrent attempts are not lost", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateVariant(ctx, &Variant{ID: "hot", ContentType: "roast"}))

		var wg sync.WaitGroup
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.IncrementAttempts(ctx, "hot")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		v, err := s.GetVariant(ctx, "hot")
		require.NoError(t, err)
		assert.Equal(t, int64(25), v.Attempts)
	})

	t.Run("instances", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateVariant(ctx, &Variant{ID: "v", ContentType: "roast"}))

		err := s.CreateInstance(ctx, &Instance{ID: "orphan", VariantID: "nope", UserID: "u"})
		assert.ErrorIs(t, err, ErrVariantNotFound)

		old := &Instance{ID: "i-old", VariantID: "v", UserID: "u", CreatedAt: time.Now().Add(-40 * 24 * time.Hour)}
		fresh := &Instance{ID: "i-new", VariantID: "v", UserID: "u",
			Context: Context{Hour: 20, DayOfWeek: 5, UserTier: "premium", Streak: 4, Platform: "tiktok"}}
		require.NoError(t, s.CreateInstance(ctx, old))
		require.NoError(t, s.CreateInstance(ctx, fresh))
		assert.ErrorIs(t, s.CreateInstance(ctx, fresh), ErrInstanceExists)

		got, err := s.GetInstance(ctx, "i-new")
		require.NoError(t, err)
		assert.Equal(t, "premium", got.Context.UserTier)
		assert.Equal(t, 20, got.Context.Hour)

		recent, err := s.ListInstances(ctx, "v", time.Now().Add(-30*24*time.Hour))
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "i-new", recent[0].ID)

		_, err = s.GetInstance(ctx, "missing")
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("verified increments keep totals consistent under concurrency", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateVariant(ctx, &Variant{ID: "v", ContentType: "roast"}))
		require.NoError(t, s.CreateInstance(ctx, &Instance{ID: "post", VariantID: "v", UserID: "u"}))

		statuses := []audit.Status{audit.StatusPlatformVerified, audit.StatusUserClaimed}
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.IncrementVerified(ctx, "post", audit.MetricShares, statuses[i%2], 2)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		inst, err := s.GetInstance(ctx, "post")
		require.NoError(t, err)
		mc := inst.Metrics[audit.MetricShares]
		require.NotNil(t, mc)
		assert.Equal(t, int64(20), mc.ByStatus[audit.StatusPlatformVerified])
		assert.Equal(t, int64(20), mc.ByStatus[audit.StatusUserClaimed])
		assert.Equal(t, int64(40), mc.Total)

		_, err = s.IncrementVerified(ctx, "missing", audit.MetricShares, audit.StatusPending, 1)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("fraud lookup", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateVariant(ctx, &Variant{ID: "v", ContentType: "roast"}))
		require.NoError(t, s.CreateInstance(ctx, &Instance{ID: "post", VariantID: "v", UserID: "u"}))
		_, err := s.IncrementVerified(ctx, "post", audit.MetricViews, audit.StatusInferred, 12)
		require.NoError(t, err)

		info, found, err := FraudLookup{Store: s}.ContentInfo(ctx, "post")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(12), info.Views)

		_, found, err = FraudLookup{Store: s}.ContentInfo(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateVariant(ctx, &Variant{ID: "v"}))
	require.NoError(t, s.CreateInstance(ctx, &Instance{ID: "i", VariantID: "v"}))

	inst, err := s.IncrementVerified(ctx, "i", audit.MetricLikes, audit.StatusInferred, 1)
	require.NoError(t, err)
	inst.Metrics[audit.MetricLikes].ByStatus[audit.StatusInferred] = 999

	again, err := s.GetInstance(ctx, "i")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Total(audit.MetricLikes))
}
