// Package viral decides which content variant to generate next and records
// how each variant performs.
package viral

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/mbd888/viralloop/internal/audit"
	"github.com/mbd888/viralloop/internal/bandit"
	"github.com/mbd888/viralloop/internal/content"
	"github.com/mbd888/viralloop/internal/discount"
	"github.com/mbd888/viralloop/internal/idgen"
	"github.com/mbd888/viralloop/internal/metrics"
	"github.com/mbd888/viralloop/internal/traces"
)

const (
	BootstrapVariantID  = "profile_mashup"
	BootstrapConfidence = 0.5

	// MinAttempts is how many attempts a variant needs before the engine
	// trusts data over the bootstrap suggestion.
	MinAttempts = 3
	// ExploreCeiling is the confidence below which a variant is still worth
	// exploring.
	ExploreCeiling = 0.7

	DefaultExplorationRate = 0.2
)

// Strategy names how a suggestion was chosen.
type Strategy string

const (
	StrategyBootstrap Strategy = "bootstrap"
	StrategyThompson  Strategy = "thompson"
	StrategyExplore   Strategy = "explore"
	StrategyExploit   Strategy = "exploit"
)

// Policy names accepted by Config.Policy.
const (
	PolicyThompson      = "thompson"
	PolicyEpsilonGreedy = "epsilon_greedy"
)

// BootstrapVariant is served until some variant has real data.
func BootstrapVariant() *content.Variant {
	return &content.Variant{
		ID:          BootstrapVariantID,
		ContentType: "profile_mashup",
		Template: content.Template{
			RoastLevel:  3,
			CoachID:     "default",
			Layout:      "mashup",
			ColorScheme: "vibrant",
		},
	}
}

// Suggestion is the variant to generate next.
type Suggestion struct {
	Variant    *content.Variant `json:"variant"`
	Strategy   Strategy         `json:"strategy"`
	Confidence float64          `json:"confidence"`
	Sample     float64          `json:"sample,omitempty"`
	Reason     string           `json:"reason"`
}

// Config selects the suggestion policy.
type Config struct {
	Policy          string
	ExplorationRate float64
}

// DefaultConfig explores with probability 0.2 and otherwise exploits with
// Thompson sampling.
func DefaultConfig() Config {
	return Config{Policy: PolicyThompson, ExplorationRate: DefaultExplorationRate}
}

// Engine orchestrates cold start, exploration and bandit selection.
type Engine struct {
	store   content.Store
	bandit  *bandit.Engine
	scores  *discount.Engine
	sampler *bandit.Sampler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an orchestrator. Random draws come from the bandit's
// sampler.
func NewEngine(store content.Store, b *bandit.Engine, scores *discount.Engine, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Policy == "" {
		cfg.Policy = PolicyThompson
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		bandit:  b,
		scores:  scores,
		sampler: b.Sampler(),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// GetSuggestion returns the next variant to generate.
func (e *Engine) GetSuggestion(ctx context.Context, bctx *bandit.Context) (*Suggestion, error) {
	ctx, span := traces.StartSpan(ctx, "viral.GetSuggestion")
	defer span.End()
	start := time.Now()

	s, err := e.suggest(ctx, bctx)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	span.SetAttributes(traces.VariantID(s.Variant.ID), traces.Strategy(string(s.Strategy)))
	metrics.SuggestionsTotal.WithLabelValues(string(s.Strategy)).Inc()
	metrics.SuggestionDuration.Observe(time.Since(start).Seconds())
	e.logger.Debug("suggestion", "variant_id", s.Variant.ID, "strategy", s.Strategy, "confidence", s.Confidence)
	return s, nil
}

func (e *Engine) suggest(ctx context.Context, bctx *bandit.Context) (*Suggestion, error) {
	variants, err := e.store.ListVariants(ctx)
	if err != nil {
		return nil, err
	}

	if !hasData(variants) {
		v, err := e.bootstrap(ctx)
		if err != nil {
			return nil, err
		}
		return &Suggestion{
			Variant:    v,
			Strategy:   StrategyBootstrap,
			Confidence: BootstrapConfidence,
			Reason:     "no variant has enough attempts yet",
		}, nil
	}

	// The ε draw comes first under every policy; Thompson sampling only
	// replaces the exploit step.
	if e.sampler.Float64() < e.cfg.ExplorationRate {
		if s := e.explore(variants); s != nil {
			return s, nil
		}
	}

	if e.cfg.Policy == PolicyThompson {
		sel, err := e.bandit.Select(ctx, bctx)
		switch {
		case err == nil:
			return &Suggestion{
				Variant:    sel.Variant,
				Strategy:   StrategyThompson,
				Confidence: sel.Confidence,
				Sample:     sel.Sample,
				Reason:     "highest posterior draw",
			}, nil
		case !errors.Is(err, bandit.ErrNoVariants):
			return nil, err
		}
	}

	return exploit(variants), nil
}

func hasData(variants []*content.Variant) bool {
	for _, v := range variants {
		if v.Attempts >= MinAttempts {
			return true
		}
	}
	return false
}

// bootstrap returns the stored bootstrap variant, or the built-in one when
// it has not been seeded. It never writes.
func (e *Engine) bootstrap(ctx context.Context) (*content.Variant, error) {
	v, err := e.store.GetVariant(ctx, BootstrapVariantID)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, content.ErrVariantNotFound):
		return BootstrapVariant(), nil
	default:
		return nil, err
	}
}

// SeedBootstrap stores the bootstrap variant if it is missing so attempts
// and rewards against it have somewhere to land. Safe to call on every
// start.
func (e *Engine) SeedBootstrap(ctx context.Context) error {
	err := e.store.CreateVariant(ctx, BootstrapVariant())
	if err != nil && !errors.Is(err, content.ErrVariantExists) {
		return err
	}
	return nil
}

// explore picks uniformly among variants whose confidence is below
// ExploreCeiling. It returns nil when every variant is already confident.
func (e *Engine) explore(variants []*content.Variant) *Suggestion {
	var uncertain []*content.Variant
	for _, v := range variants {
		if v.Confidence < ExploreCeiling {
			uncertain = append(uncertain, v)
		}
	}
	if len(uncertain) == 0 {
		return nil
	}
	v := uncertain[e.sampler.IntN(len(uncertain))]
	return &Suggestion{Variant: v, Strategy: StrategyExplore, Confidence: v.Confidence, Reason: "exploring a low-confidence variant"}
}

// exploit returns the highest viral score. variants must be non-empty.
func exploit(variants []*content.Variant) *Suggestion {
	best := variants[0]
	for _, v := range variants[1:] {
		if v.ViralScore > best.ViralScore {
			best = v
		}
	}
	return &Suggestion{Variant: best, Strategy: StrategyExploit, Confidence: best.Confidence, Reason: "highest viral score"}
}

// CreateVariantRequest is the input to CreateVariant.
type CreateVariantRequest struct {
	ID          string           `json:"id"`
	ContentType string           `json:"contentType"`
	Template    content.Template `json:"template"`
}

// CreateVariant registers a new variant. An empty ID gets a generated one.
func (e *Engine) CreateVariant(ctx context.Context, req CreateVariantRequest) (*content.Variant, error) {
	id := req.ID
	if id == "" {
		id = idgen.WithPrefix("var_")
	}
	v := &content.Variant{ID: id, ContentType: req.ContentType, Template: req.Template}
	if err := e.store.CreateVariant(ctx, v); err != nil {
		return nil, err
	}
	return e.store.GetVariant(ctx, id)
}

// RecordAttempt counts one generation of the variant.
func (e *Engine) RecordAttempt(ctx context.Context, variantID string) (*content.Variant, error) {
	v, err := e.store.IncrementAttempts(ctx, variantID)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("attempt recorded", "variant_id", variantID, "attempts", v.Attempts)
	return v, nil
}

// GenerateRequest describes a concrete post made from a variant.
type GenerateRequest struct {
	InstanceID string          `json:"instanceId"`
	UserID     string          `json:"userId"`
	Context    content.Context `json:"context"`
}

// Generation is the instance created by Generate and the variant after its
// attempt was counted.
type Generation struct {
	Variant  *content.Variant  `json:"variant"`
	Instance *content.Instance `json:"instance"`
}

// Generate records an attempt for variantID and creates the instance whose
// engagement will be tracked. An empty InstanceID gets a UUID.
func (e *Engine) Generate(ctx context.Context, variantID string, req GenerateRequest) (*Generation, error) {
	id := req.InstanceID
	if id == "" {
		id = idgen.New()
	}
	inst := &content.Instance{
		ID:        id,
		VariantID: variantID,
		UserID:    req.UserID,
		Context:   req.Context,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	v, err := e.RecordAttempt(ctx, variantID)
	if err != nil {
		return nil, err
	}
	stored, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Generation{Variant: v, Instance: stored}, nil
}

// UpdateVariantPerformance folds reward metrics into the variant's counters
// and refreshes its share rate, viral score and confidence.
func (e *Engine) UpdateVariantPerformance(ctx context.Context, variantID string, deltas map[audit.Metric]int64) (*content.Variant, error) {
	v, err := e.store.ApplyPerformance(ctx, variantID, deltas)
	if err != nil {
		return nil, err
	}
	e.logger.Info("variant performance updated",
		"variant_id", variantID,
		"share_rate", v.ShareRate,
		"viral_score", v.ViralScore,
		"confidence", v.Confidence,
	)
	return v, nil
}

// Stats is a variant with its windowed statistics.
type Stats struct {
	Variant       *content.Variant `json:"variant"`
	WindowedScore float64          `json:"windowedScore"`
	Rates         discount.Rates   `json:"rates"`
	Posterior     bandit.Posterior `json:"posterior"`
	Confidence    float64          `json:"posteriorConfidence"`
}

// VariantStats returns the variant with its 30-day discounted statistics.
func (e *Engine) VariantStats(ctx context.Context, variantID string, windowDays int) (*Stats, error) {
	v, err := e.store.GetVariant(ctx, variantID)
	if err != nil {
		return nil, err
	}
	score, err := e.scores.TimeWindowedScore(ctx, variantID, windowDays)
	if err != nil {
		return nil, err
	}
	rates, err := e.scores.TimeWindowedRates(ctx, variantID, windowDays)
	if err != nil {
		return nil, err
	}
	p := bandit.NewPosterior(rates.ShareRate, rates.Attempts)
	return &Stats{Variant: v, WindowedScore: score, Rates: rates, Posterior: p, Confidence: p.Confidence()}, nil
}

// Ranked is one row of the seasonal leaderboard.
type Ranked struct {
	Variant       *content.Variant `json:"variant"`
	WindowedScore float64          `json:"windowedScore"`
	Seasonality   float64          `json:"seasonality"`
	SeasonalScore float64          `json:"seasonalScore"`
}

// RankVariants orders variants by discounted windowed score and annotates
// each with the seasonality multiplier for at.
func (e *Engine) RankVariants(ctx context.Context, at time.Time, windowDays int) ([]Ranked, error) {
	variants, err := e.store.ListVariants(ctx)
	if err != nil {
		return nil, err
	}
	season := discount.SeasonalityAt(at)

	out := make([]Ranked, 0, len(variants))
	for _, v := range variants {
		score, err := e.scores.TimeWindowedScore(ctx, v.ID, windowDays)
		if err != nil {
			return nil, err
		}
		out = append(out, Ranked{Variant: v, WindowedScore: score, Seasonality: season, SeasonalScore: score * season})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WindowedScore > out[j].WindowedScore })
	return out, nil
}
