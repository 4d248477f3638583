// Package circuitbreaker guards calls to the durable store. After a run of
// infrastructure failures the breaker opens and calls fail fast until a
// probe succeeds.
package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker open")

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "viralloop",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by breaker, from-state, and to-state.",
}, []string{"name", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

// Settings configures a Breaker.
type Settings struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold uint32
	// OpenFor is how long the circuit stays open before allowing a probe.
	OpenFor time.Duration
	// IsFailure reports whether err counts against the breaker. Errors that
	// describe a normal business outcome (not found, duplicate) should not.
	// Nil means every non-nil error is a failure.
	IsFailure func(err error) bool
}

// Breaker wraps a gobreaker circuit with a name used for metrics.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]
}

// New creates a breaker named name.
func New(name string, s Settings) *Breaker {
	if s.Threshold == 0 {
		s.Threshold = 5
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	isFailure := s.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}

	return &Breaker{
		name: name,
		cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     s.OpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.Threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !isFailure(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				stateTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			},
		}),
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

// Execute runs fn through b. When the circuit rejects the call the error
// wraps ErrOpen. A nil breaker runs fn directly.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	if b == nil {
		return fn()
	}
	out, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	if out == nil {
		var zero T
		return zero, err
	}
	return out.(T), err
}

// Do is Execute for calls without a result.
func Do(b *Breaker, fn func() error) error {
	_, err := Execute(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
