package bandit

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/viralloop/internal/content"
	"github.com/mbd888/viralloop/internal/discount"
)

var ErrNoVariants = errors.New("bandit: no variants to choose from")

const (
	// MinContextMatches is how many matching instances make a variant
	// eligible under a context filter.
	MinContextMatches = 2
	// HourTolerance is how far apart (circularly) two hours may be and
	// still match.
	HourTolerance = 2

	maxConcurrentReads = 8
)

// Context is the situation a suggestion is requested in.
type Context struct {
	UserTier        string `json:"userTier"`
	Platform        string `json:"platform"`
	Hour            int    `json:"hour"`
	DayOfWeek       int    `json:"dayOfWeek"`
	Streak          int    `json:"streak"`
	EngagementLevel string `json:"engagementLevel"`
}

// Matches reports whether an instance created in ic counts as history for c.
func (c *Context) Matches(ic content.Context) bool {
	return ic.UserTier == c.UserTier && hourDistance(ic.Hour, c.Hour) <= HourTolerance
}

func hourDistance(a, b int) int {
	d := ((a-b)%24 + 24) % 24
	return min(d, 24-d)
}

// Arm is one scored candidate.
type Arm struct {
	Variant    *content.Variant `json:"variant"`
	Posterior  Posterior        `json:"posterior"`
	Rates      discount.Rates   `json:"rates"`
	Sample     float64          `json:"sample"`
	Confidence float64          `json:"confidence"`
}

// Selection is the chosen arm plus the full ranking.
type Selection struct {
	Arm
	Ranked          []Arm `json:"ranked"`
	ContextFiltered bool  `json:"contextFiltered"`
}

// Engine runs Thompson sampling over every variant in the store.
type Engine struct {
	store      content.Store
	rates      *discount.Engine
	sampler    *Sampler
	windowDays int
}

// NewEngine creates a bandit engine. A nil sampler gets a randomly seeded one.
func NewEngine(store content.Store, rates *discount.Engine, sampler *Sampler, windowDays int) *Engine {
	if sampler == nil {
		sampler = NewRandomSampler()
	}
	if windowDays <= 0 {
		windowDays = discount.DefaultWindowDays
	}
	return &Engine{store: store, rates: rates, sampler: sampler, windowDays: windowDays}
}

// Sampler exposes the engine's random source so callers share one stream.
func (e *Engine) Sampler() *Sampler {
	return e.sampler
}

type candidate struct {
	variant  *content.Variant
	rates    discount.Rates
	history  int
	matching int
}

// Select samples every eligible variant's posterior once and returns the
// highest draw. With a non-nil bctx, variants need MinContextMatches
// matching instances or no history at all; if that leaves nothing the
// filter is dropped.
func (e *Engine) Select(ctx context.Context, bctx *Context) (*Selection, error) {
	variants, err := e.store.ListVariants(ctx)
	if err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, ErrNoVariants
	}

	cands := make([]candidate, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReads)
	for i, v := range variants {
		g.Go(func() error {
			instances, err := e.rates.Window(gctx, v.ID, e.windowDays)
			if err != nil {
				return err
			}
			c := candidate{variant: v, rates: e.rates.RatesOf(instances)}
			if bctx != nil {
				c.history = len(instances)
				for _, inst := range instances {
					if bctx.Matches(inst.Context) {
						c.matching++
					}
				}
			}
			cands[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pool := cands
	filtered := false
	if bctx != nil {
		var eligible []candidate
		for _, c := range cands {
			if c.history == 0 || c.matching >= MinContextMatches {
				eligible = append(eligible, c)
			}
		}
		if len(eligible) > 0 && len(eligible) < len(cands) {
			pool = eligible
			filtered = true
		}
	}

	arms := make([]Arm, len(pool))
	for i, c := range pool {
		p := NewPosterior(c.rates.ShareRate, c.rates.Attempts)
		arms[i] = Arm{
			Variant:    c.variant,
			Posterior:  p,
			Rates:      c.rates,
			Sample:     p.Sample(e.sampler),
			Confidence: p.Confidence(),
		}
	}
	sort.SliceStable(arms, func(i, j int) bool { return arms[i].Sample > arms[j].Sample })

	return &Selection{Arm: arms[0], Ranked: arms, ContextFiltered: filtered}, nil
}
