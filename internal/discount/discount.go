// Package discount turns raw instance history into recency-weighted scores
// and rates. Older engagement decays exponentially toward a floor so recent
// performance dominates.
package discount

import (
	"context"
	"math"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/content"
)

const (
	DefaultHalfLifeDays = 30.0
	DefaultMinWeight    = 0.1
	DefaultWindowDays   = 30

	secondsPerDay = 86400.0
)

// Discount returns max(minWeight, exp(-age/(halfLifeDays*86400))) for an
// age in seconds. Negative ages are treated as zero.
func Discount(ageSeconds, halfLifeDays, minWeight float64) float64 {
	if ageSeconds < 0 {
		ageSeconds = 0
	}
	if halfLifeDays <= 0 {
		return math.Max(minWeight, 0)
	}
	return math.Max(minWeight, math.Exp(-ageSeconds/(halfLifeDays*secondsPerDay)))
}

// Config tunes the decay curve.
type Config struct {
	HalfLifeDays float64
	MinWeight    float64
}

// DefaultConfig returns a 30-day half-life with a 0.1 floor.
func DefaultConfig() Config {
	return Config{HalfLifeDays: DefaultHalfLifeDays, MinWeight: DefaultMinWeight}
}

// Rates are the discounted statistics of a variant over a window.
type Rates struct {
	// ShareRate is discounted shares per attempt.
	ShareRate float64 `json:"shareRate"`
	// ConversionRate is discounted signups per discounted share.
	ConversionRate float64 `json:"conversionRate"`
	// Attempts is the number of instances created in the window.
	Attempts int64 `json:"attempts"`
}

// Engine reads instances from the content store.
type Engine struct {
	store content.Store
	cfg   Config
	now   func() time.Time
}

// NewEngine creates a discount engine.
func NewEngine(store content.Store, cfg Config) *Engine {
	if cfg.HalfLifeDays <= 0 {
		cfg.HalfLifeDays = DefaultHalfLifeDays
	}
	return &Engine{store: store, cfg: cfg, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Weight is the discount factor for something created at t.
func (e *Engine) Weight(t time.Time) float64 {
	return Discount(e.now().Sub(t).Seconds(), e.cfg.HalfLifeDays, e.cfg.MinWeight)
}

// Window lists variantID's instances created within the last windowDays.
func (e *Engine) Window(ctx context.Context, variantID string, windowDays int) ([]*content.Instance, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	since := e.now().Add(-time.Duration(windowDays) * 24 * time.Hour)
	return e.store.ListInstances(ctx, variantID, since)
}

// TimeWindowedScore sums each windowed instance's weighted score times its
// own discount factor.
func (e *Engine) TimeWindowedScore(ctx context.Context, variantID string, windowDays int) (float64, error) {
	instances, err := e.Window(ctx, variantID, windowDays)
	if err != nil {
		return 0, err
	}
	var score float64
	for _, inst := range instances {
		score += inst.WeightedScore() * e.Weight(inst.CreatedAt)
	}
	return score, nil
}

// TimeWindowedRates computes discounted share and conversion rates over the
// window.
func (e *Engine) TimeWindowedRates(ctx context.Context, variantID string, windowDays int) (Rates, error) {
	instances, err := e.Window(ctx, variantID, windowDays)
	if err != nil {
		return Rates{}, err
	}
	return e.RatesOf(instances), nil
}

// RatesOf computes rates over instances already loaded with Window. Each
// instance counts as one attempt with weight equal to its discount factor.
func (e *Engine) RatesOf(instances []*content.Instance) Rates {
	if len(instances) == 0 {
		return Rates{}
	}

	var weights, shares, signups float64
	for _, inst := range instances {
		w := e.Weight(inst.CreatedAt)
		weights += w
		shares += w * float64(inst.Total(audit.MetricShares))
		signups += w * float64(inst.Total(audit.MetricSignups))
	}

	r := Rates{Attempts: int64(len(instances))}
	if weights > 0 {
		r.ShareRate = shares / weights
	}
	if shares > 0 {
		r.ConversionRate = signups / shares
	}
	return r
}
