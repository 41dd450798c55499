package breaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// minRequestsForRatio is the sample size below which the failure ratio is ignored
const minRequestsForRatio = 10

// Settings configures a breaker
type Settings struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
}

// StateObserver receives state changes, e.g. a metrics registry
type StateObserver interface {
	SetBreakerState(name string, state float64)
}

// Breaker wraps a gobreaker.CircuitBreaker for one upstream
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New builds a breaker. isSuccessful decides which errors count as upstream
// failures; nil means every error counts.
func New(s Settings, isSuccessful func(error) bool, observer StateObserver) *Breaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= s.ConsecutiveFailures {
				return true
			}
			if s.FailureRatio > 0 && counts.Requests >= minRequestsForRatio {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= s.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			event := log.Info()
			if to == gobreaker.StateOpen {
				event = log.Warn()
			}
			event.Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			if observer != nil {
				observer.SetBreakerState(name, stateValue(to))
			}
		},
	}
	if isSuccessful != nil {
		settings.IsSuccessful = isSuccessful
	}

	if observer != nil {
		observer.SetBreakerState(s.Name, 0)
	}

	return &Breaker{name: s.Name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state as a string
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Counts returns the counters of the current generation
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// IsOpen reports whether err was produced by an open or saturated breaker
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
