// Package bandit selects the next content variant to serve with Thompson
// sampling over Beta posteriors built from discounted share statistics.
package bandit

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Sampler draws from the distributions Thompson sampling needs. It is safe
// for concurrent use; draws are serialized so a seeded sampler replays the
// same sequence.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler returns a deterministic sampler for the given seed.
func NewSampler(seed1, seed2 uint64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// NewRandomSampler returns a sampler seeded from the runtime's random source.
func NewRandomSampler() *Sampler {
	return NewSampler(rand.Uint64(), rand.Uint64())
}

// Float64 returns a uniform draw in [0, 1).
func (s *Sampler) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// IntN returns a uniform draw in [0, n).
func (s *Sampler) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// Normal returns a standard normal draw.
func (s *Sampler) Normal() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.normal()
}

// Gamma returns a Gamma(shape, 1) draw.
func (s *Sampler) Gamma(shape float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gamma(shape)
}

// Beta returns a Beta(a, b) draw as Gamma(a)/(Gamma(a)+Gamma(b)).
func (s *Sampler) Beta(a, b float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	x := s.gamma(a)
	y := s.gamma(b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// normal is the Box–Muller transform. u1 is kept in (0, 1] so the log is
// finite.
func (s *Sampler) normal() float64 {
	u1 := 1 - s.rng.Float64()
	u2 := s.rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// gamma is Marsaglia–Tsang. Shapes below one sample Gamma(shape+1) and
// scale by U^(1/shape).
func (s *Sampler) gamma(shape float64) float64 {
	if shape <= 0 {
		return 0
	}
	if shape < 1 {
		u := 1 - s.rng.Float64()
		return s.gamma(shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := s.normal()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := s.rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
