package bandit

import "math"

// JeffreysPrior is added to both the success and failure counts.
const JeffreysPrior = 0.5

// Posterior is a Beta belief about a variant's share probability.
type Posterior struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// NewPosterior builds the posterior for shareRate observed over attempts:
// shares = round(shareRate*attempts), clamped to [0, attempts].
func NewPosterior(shareRate float64, attempts int64) Posterior {
	if attempts < 0 {
		attempts = 0
	}
	shares := int64(math.Round(shareRate * float64(attempts)))
	shares = min(max(shares, 0), attempts)
	return Posterior{
		Alpha: float64(shares) + JeffreysPrior,
		Beta:  float64(attempts-shares) + JeffreysPrior,
	}
}

// Mean is alpha/(alpha+beta).
func (p Posterior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// Variance is alpha*beta / (n^2 (n+1)) with n = alpha+beta.
func (p Posterior) Variance() float64 {
	n := p.Alpha + p.Beta
	return p.Alpha * p.Beta / (n * n * (n + 1))
}

// Confidence averages a sample-size term and a variance term.
func (p Posterior) Confidence() float64 {
	n := p.Alpha + p.Beta
	sizeTerm := math.Min(0.99, 1-math.Exp(-n/20))
	varTerm := math.Max(0, 1-10*p.Variance())
	return (sizeTerm + varTerm) / 2
}

// Sample draws once from the posterior.
func (p Posterior) Sample(s *Sampler) float64 {
	return s.Beta(p.Alpha, p.Beta)
}
