package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GlobalKey is the bucket used for requests not tied to a location
const GlobalKey = "_global"

// Limiter throttles CRM API calls with one token bucket per key. The API
// meters burst traffic per location, so callers key by location id.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a limiter with the given per-key rate and burst
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	if key == "" {
		key = GlobalKey
	}

	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := l.limiters[key]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[key] = limiter
	return limiter
}

// Allow reports whether a request for key may proceed now
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// Wait blocks until a request for key is allowed or ctx is done
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.bucket(key).Wait(ctx)
}

// SetRate updates rate and burst for existing and future buckets
func (l *Limiter) SetRate(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rps = rps
	l.burst = burst
	for _, limiter := range l.limiters {
		limiter.SetLimit(rate.Limit(rps))
		limiter.SetBurst(burst)
	}
}

// Stats returns a snapshot of every bucket
func (l *Limiter) Stats() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]Stats, len(l.limiters))
	for key, limiter := range l.limiters {
		tokens := limiter.Tokens()
		var delay time.Duration
		if tokens < 1 && limiter.Limit() > 0 {
			delay = time.Duration((1 - tokens) / float64(limiter.Limit()) * float64(time.Second))
		}
		stats[key] = Stats{
			Key:             key,
			RPS:             float64(limiter.Limit()),
			Burst:           limiter.Burst(),
			TokensAvailable: tokens,
			Delay:           delay,
		}
	}
	return stats
}

// Reset drops all buckets
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
}

// Stats describes one bucket
type Stats struct {
	Key             string        `json:"key"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	Delay           time.Duration `json:"delay"`
}

// IsThrottled returns true if the next request would have to wait
func (s Stats) IsThrottled() bool {
	return s.Delay > 0
}
