// Package budget tracks the daily request allowance of the CRM API. The
// marketplace app is capped per day; running into the cap mid-refresh leaves
// half-collected data, so the wrapper refuses requests once it is spent.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrBudgetExhausted is returned when the daily budget is spent
	ErrBudgetExhausted = errors.New("daily budget exhausted")
)

// ExhaustedError describes a spent budget and when it resets
type ExhaustedError struct {
	Provider string
	Used     int64
	Limit    int64
	ResetAt  time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted for %s: %d/%d requests used, resets at %s",
		e.Provider, e.Used, e.Limit, e.ResetAt.Format("15:04 UTC"))
}

func (e *ExhaustedError) Unwrap() error {
	return ErrBudgetExhausted
}

// Tracker counts requests against a daily limit that resets at a UTC hour
type Tracker struct {
	mu            sync.Mutex
	provider      string
	limit         int64
	used          int64
	resetHour     int
	warnThreshold float64
	warned        bool
	lastReset     time.Time
	now           func() time.Time
	onWarn        func(Stats)
}

// NewTracker creates a tracker. A limit of zero or less disables the budget.
func NewTracker(provider string, limit int64, resetHour int, warnThreshold float64) *Tracker {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	if warnThreshold <= 0 || warnThreshold > 1 {
		warnThreshold = 0.8
	}

	t := &Tracker{
		provider:      provider,
		limit:         limit,
		resetHour:     resetHour,
		warnThreshold: warnThreshold,
		now:           time.Now,
	}
	t.lastReset = lastResetTime(t.now().UTC(), resetHour)
	return t
}

// WithClock replaces the time source
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.lastReset = lastResetTime(now().UTC(), t.resetHour)
	return t
}

// OnWarn registers a callback fired once per budget period when usage
// crosses the warning threshold
func (t *Tracker) OnWarn(fn func(Stats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onWarn = fn
}

func lastResetTime(now time.Time, resetHour int) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), resetHour, 0, 0, 0, time.UTC)
	if now.Hour() >= resetHour {
		return today
	}
	return today.AddDate(0, 0, -1)
}

// resetIfDue must be called with t.mu held
func (t *Tracker) resetIfDue() {
	now := t.now().UTC()
	if !now.Before(t.lastReset.Add(24 * time.Hour)) {
		t.used = 0
		t.warned = false
		t.lastReset = lastResetTime(now, t.resetHour)
	}
}

// Consume takes one request from the budget
func (t *Tracker) Consume() error {
	t.mu.Lock()
	if t.limit <= 0 {
		t.mu.Unlock()
		return nil
	}
	t.resetIfDue()

	if t.used >= t.limit {
		err := &ExhaustedError{
			Provider: t.provider,
			Used:     t.used,
			Limit:    t.limit,
			ResetAt:  t.lastReset.Add(24 * time.Hour),
		}
		t.mu.Unlock()
		return err
	}
	t.used++

	var warn func(Stats)
	if !t.warned && float64(t.used)/float64(t.limit) >= t.warnThreshold {
		t.warned = true
		warn = t.onWarn
	}
	stats := t.statsLocked()
	t.mu.Unlock()

	if warn != nil {
		warn(stats)
	}
	return nil
}

// Stats returns current budget usage
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetIfDue()
	return t.statsLocked()
}

func (t *Tracker) statsLocked() Stats {
	utilization := 0.0
	if t.limit > 0 {
		utilization = float64(t.used) / float64(t.limit)
	}
	return Stats{
		Provider:        t.provider,
		Limit:           t.limit,
		Used:            t.used,
		Remaining:       t.limit - t.used,
		UtilizationRate: utilization,
		NextReset:       t.lastReset.Add(24 * time.Hour),
		IsWarning:       t.limit > 0 && utilization >= t.warnThreshold,
		IsExhausted:     t.limit > 0 && t.used >= t.limit,
	}
}

// Stats represents budget tracker statistics
type Stats struct {
	Provider        string    `json:"provider"`
	Limit           int64     `json:"limit"`
	Used            int64     `json:"used"`
	Remaining       int64     `json:"remaining"`
	UtilizationRate float64   `json:"utilization_rate"`
	NextReset       time.Time `json:"next_reset"`
	IsWarning       bool      `json:"is_warning"`
	IsExhausted     bool      `json:"is_exhausted"`
}
