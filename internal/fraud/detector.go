package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/metrics"
)

const (
	rapidWindow        = time.Hour
	rapidDeltaLimit    = 100
	growthRatioLimit   = 0.5
	duplicateIPWindow  = 24 * time.Hour
	duplicateIPLimit   = 5
	newAccountWindow   = 24 * time.Hour
	newAccountLimit    = 10
	botSampleSize      = 5
	historyDepthStrong = 10
)

// Detector runs the checks against the ledger and content store.
type Detector struct {
	ledger  audit.Reader
	content ContentLookup
	graph   ReferralGraph
	now     func() time.Time
}

// NewDetector creates a detector. graph may be nil, in which case the
// circular-referral check never fires.
func NewDetector(ledger audit.Reader, content ContentLookup, graph ReferralGraph) *Detector {
	return &Detector{ledger: ledger, content: content, graph: graph, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Detect scores one event. Errors come only from the backing stores.
func (d *Detector) Detect(ctx context.Context, contentID, userID string, metric audit.Metric, delta int64, meta Metadata) (*Score, error) {
	now := d.now()
	s := &Score{Reasons: []string{}}

	info, found, err := d.content.ContentInfo(ctx, contentID)
	if err != nil {
		return nil, err
	}
	contentAge := now.Sub(info.CreatedAt)

	// Rapid engagement.
	if found && contentAge < rapidWindow && delta > rapidDeltaLimit {
		s.Flags.RapidEngagement = true
		s.add(weightRapidEngagement, fmt.Sprintf("rapid engagement: %d %s on content %s old", delta, metric, contentAge.Truncate(time.Second)))
	}

	// Impossible growth. Skipped without views: there is no ratio to judge.
	if metric == audit.MetricShares && found && info.Views > 0 {
		ratio := float64(info.Shares+delta) / float64(info.Views)
		if ratio > growthRatioLimit {
			s.Flags.ImpossibleGrowth = true
			s.add(weightImpossibleGrowth, fmt.Sprintf("impossible growth: share/view ratio %.2f exceeds %.2f", ratio, growthRatioLimit))
		}
	}

	// Circular referral.
	if metric == audit.MetricSignups && meta.ReferrerID != "" && d.graph != nil {
		circular, err := d.graph.CircularReferral(ctx, meta.ReferrerID, userID)
		if err != nil {
			return nil, err
		}
		if circular {
			s.Flags.CircularReferral = true
			s.add(weightCircularReferral, fmt.Sprintf("circular referral between %s and %s", meta.ReferrerID, userID))
		}
	}

	// Duplicate IP. The current signup counts toward the window.
	if metric == audit.MetricSignups && meta.IPAddress != "" {
		prior, err := d.ledger.CountByIP(ctx, meta.IPAddress, audit.MetricSignups, now.Add(-duplicateIPWindow))
		if err != nil {
			return nil, err
		}
		if prior+1 > duplicateIPLimit {
			s.Flags.DuplicateIP = true
			s.add(weightDuplicateIP, fmt.Sprintf("duplicate IP: %d signups from %s in 24h", prior+1, meta.IPAddress))
		}
	}

	// New-account spam. The current event is not counted.
	young := found && contentAge < newAccountWindow
	if !meta.AccountCreatedAt.IsZero() && now.Sub(meta.AccountCreatedAt) < newAccountWindow {
		young = true
	}
	if young {
		prior, err := d.ledger.CountByUser(ctx, userID, now.Add(-newAccountWindow))
		if err != nil {
			return nil, err
		}
		if prior > newAccountLimit {
			s.Flags.NewAccountSpam = true
			s.add(weightNewAccountSpam, fmt.Sprintf("new account spam: %d prior events from %s within 24h of creation", prior, userID))
		}
	}

	// Bot pattern.
	recent, err := d.ledger.ListByUser(ctx, userID, historyDepthStrong)
	if err != nil {
		return nil, err
	}
	if identicalDeltas(recent, botSampleSize) {
		s.Flags.BotPattern = true
		s.add(weightBotPattern, fmt.Sprintf("bot pattern: last %d events share delta %d", botSampleSize, recent[0].Delta))
	}

	s.ShouldBlock = s.Score > BlockThreshold
	s.Confidence = confidence(len(recent), meta.IPAddress != "", found)
	s.observe(metric)
	return s, nil
}

func (s *Score) add(weight float64, reason string) {
	s.Score = min(1.0, s.Score+weight)
	s.Reasons = append(s.Reasons, reason)
}

func (s *Score) observe(metric audit.Metric) {
	metrics.FraudScore.WithLabelValues(string(metric)).Observe(s.Score)
	for name, fired := range map[string]bool{
		"rapid_engagement":  s.Flags.RapidEngagement,
		"impossible_growth": s.Flags.ImpossibleGrowth,
		"circular_referral": s.Flags.CircularReferral,
		"duplicate_ip":      s.Flags.DuplicateIP,
		"new_account_spam":  s.Flags.NewAccountSpam,
		"bot_pattern":       s.Flags.BotPattern,
	} {
		if fired {
			metrics.FraudFlagsTotal.WithLabelValues("engagement", name).Inc()
		}
	}
}

// identicalDeltas reports whether the newest n entries exist and all carry
// the same non-zero delta.
func identicalDeltas(entries []*audit.Entry, n int) bool {
	if len(entries) < n {
		return false
	}
	first := entries[0].Delta
	if first == 0 {
		return false
	}
	for _, e := range entries[1:n] {
		if e.Delta != first {
			return false
		}
	}
	return true
}

// confidence grows with the evidence available to the checks.
func confidence(history int, hasIP, hasContent bool) float64 {
	c := 0.5
	switch {
	case history >= historyDepthStrong:
		c += 0.2
	case history > 0:
		c += 0.1
	}
	if hasIP {
		c += 0.15
	}
	if hasContent {
		c += 0.15
	}
	return min(1.0, c)
}
