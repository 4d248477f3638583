// Package content models variants (named generation configurations whose
// performance is tracked) and instances (concrete posts made from a
// variant). Counters only change through atomic store operations.
package content

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
)

var (
	ErrVariantNotFound  = errors.New("content: variant not found")
	ErrVariantExists    = errors.New("content: variant already exists")
	ErrInstanceNotFound = errors.New("content: instance not found")
	ErrInstanceExists   = errors.New("content: instance already exists")
)

// Template is the set of generation parameters a renderer consumes.
type Template struct {
	RoastLevel  int    `json:"roastLevel"`
	CoachID     string `json:"coachId"`
	Layout      string `json:"layout"`
	ColorScheme string `json:"colorScheme"`
}

// Variant carries cumulative counters and the statistics derived from them.
type Variant struct {
	ID          string    `json:"id"`
	ContentType string    `json:"contentType"`
	Template    Template  `json:"template"`
	Attempts    int64     `json:"attempts"`
	Shares      int64     `json:"shares"`
	Views       int64     `json:"views"`
	Signups     int64     `json:"signups"`
	Likes       int64     `json:"likes"`
	Comments    int64     `json:"comments"`
	Saves       int64     `json:"saves"`
	Clicks      int64     `json:"clicks"`
	ShareRate   float64   `json:"shareRate"`
	ViralScore  float64   `json:"viralScore"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Count returns the cumulative counter for m.
func (v *Variant) Count(m audit.Metric) int64 {
	switch m {
	case audit.MetricShares:
		return v.Shares
	case audit.MetricViews:
		return v.Views
	case audit.MetricSignups:
		return v.Signups
	case audit.MetricLikes:
		return v.Likes
	case audit.MetricComments:
		return v.Comments
	case audit.MetricSaves:
		return v.Saves
	case audit.MetricClicks:
		return v.Clicks
	}
	return 0
}

func (v *Variant) addCount(m audit.Metric, delta int64) {
	switch m {
	case audit.MetricShares:
		v.Shares += delta
	case audit.MetricViews:
		v.Views += delta
	case audit.MetricSignups:
		v.Signups += delta
	case audit.MetricLikes:
		v.Likes += delta
	case audit.MetricComments:
		v.Comments += delta
	case audit.MetricSaves:
		v.Saves += delta
	case audit.MetricClicks:
		v.Clicks += delta
	}
}

// Recompute refreshes the derived statistics from the counters.
func (v *Variant) Recompute() {
	v.ShareRate = float64(v.Shares) / float64(max(v.Attempts, 1))
	v.ViralScore = 0
	for _, m := range audit.Metrics {
		v.ViralScore += float64(v.Count(m)) * m.Weight()
	}
	v.Confidence = AttemptConfidence(v.Attempts)
}

// AttemptConfidence is min(0.95, sqrt(attempts/100)).
func AttemptConfidence(attempts int64) float64 {
	if attempts <= 0 {
		return 0
	}
	return math.Min(0.95, math.Sqrt(float64(attempts)/100))
}

// Context is the situation an instance was created in. It never changes.
type Context struct {
	Hour      int    `json:"hour"`
	DayOfWeek int    `json:"dayOfWeek"`
	UserTier  string `json:"userTier"`
	Streak    int    `json:"streak"`
	Platform  string `json:"platform"`
}

// MetricCounts holds one metric's per-status buckets and their sum.
type MetricCounts struct {
	ByStatus map[audit.Status]int64 `json:"byStatus"`
	Total    int64                  `json:"total"`
}

// Instance is one concrete post made from a variant.
type Instance struct {
	ID        string                         `json:"id"`
	VariantID string                         `json:"variantId"`
	UserID    string                         `json:"userId"`
	Context   Context                        `json:"context"`
	Metrics   map[audit.Metric]*MetricCounts `json:"metrics"`
	CreatedAt time.Time                      `json:"createdAt"`
}

// Total returns the all-status total for m.
func (i *Instance) Total(m audit.Metric) int64 {
	if mc := i.Metrics[m]; mc != nil {
		return mc.Total
	}
	return 0
}

// WeightedScore sums every bucket weighted by both its metric and its
// verification status.
func (i *Instance) WeightedScore() float64 {
	var score float64
	for m, mc := range i.Metrics {
		for status, n := range mc.ByStatus {
			score += float64(n) * m.Weight() * status.Weight()
		}
	}
	return score
}

// applyVerified adds delta to (m, status) and recomputes the metric total.
func (i *Instance) applyVerified(m audit.Metric, status audit.Status, delta int64) {
	if i.Metrics == nil {
		i.Metrics = make(map[audit.Metric]*MetricCounts)
	}
	mc := i.Metrics[m]
	if mc == nil {
		mc = &MetricCounts{ByStatus: make(map[audit.Status]int64)}
		i.Metrics[m] = mc
	}
	mc.ByStatus[status] += delta
	mc.Total = 0
	for _, n := range mc.ByStatus {
		mc.Total += n
	}
}

func (i *Instance) clone() *Instance {
	cp := *i
	cp.Metrics = make(map[audit.Metric]*MetricCounts, len(i.Metrics))
	for m, mc := range i.Metrics {
		byStatus := make(map[audit.Status]int64, len(mc.ByStatus))
		for s, n := range mc.ByStatus {
			byStatus[s] = n
		}
		cp.Metrics[m] = &MetricCounts{ByStatus: byStatus, Total: mc.Total}
	}
	return &cp
}

// Store persists variants and instances. Every mutating method is a single
// atomic operation: concurrent callers on the same id never lose updates.
type Store interface {
	CreateVariant(ctx context.Context, v *Variant) error
	GetVariant(ctx context.Context, id string) (*Variant, error)
	ListVariants(ctx context.Context) ([]*Variant, error)
	// IncrementAttempts adds one attempt and refreshes derived statistics.
	IncrementAttempts(ctx context.Context, id string) (*Variant, error)
	// ApplyPerformance folds metric deltas into the counters and refreshes
	// derived statistics.
	ApplyPerformance(ctx context.Context, id string, deltas map[audit.Metric]int64) (*Variant, error)

	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// ListInstances returns instances of variantID created at or after since.
	ListInstances(ctx context.Context, variantID string, since time.Time) ([]*Instance, error)
	// IncrementVerified adds delta to one (metric, status) bucket of an
	// instance and recomputes that metric's total.
	IncrementVerified(ctx context.Context, instanceID string, m audit.Metric, status audit.Status, delta int64) (*Instance, error)
}
