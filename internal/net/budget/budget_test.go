package budget

import (
	"errors"
	"testing"
	"time"
)

func TestTracker_Consume(t *testing.T) {
	tracker := NewTracker("ghl", 10, 0, 0.8)

	var warnings int
	tracker.OnWarn(func(Stats) { warnings++ })

	for i := 0; i < 10; i++ {
		if err := tracker.Consume(); err != nil {
			t.Fatalf("request %d should be within budget: %v", i, err)
		}
	}

	if warnings != 1 {
		t.Errorf("warning should fire once per period, fired %d times", warnings)
	}

	err := tracker.Consume()
	if err == nil {
		t.Fatal("should block consumption over limit")
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T: %v", err, err)
	}
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Error("ExhaustedError should unwrap to ErrBudgetExhausted")
	}

	stats := tracker.Stats()
	if stats.Used != 10 {
		t.Errorf("usage should stay at 10 after blocked attempt, got %d", stats.Used)
	}
	if !stats.IsExhausted {
		t.Error("stats should report exhaustion")
	}
}

func TestTracker_ResetsDaily(t *testing.T) {
	now := time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC)
	tracker := NewTracker("ghl", 2, 0, 0.8).WithClock(func() time.Time { return now })

	tracker.Consume()
	tracker.Consume()
	if err := tracker.Consume(); err == nil {
		t.Fatal("budget should be exhausted")
	}

	now = now.Add(time.Hour) // past midnight UTC
	if err := tracker.Consume(); err != nil {
		t.Fatalf("budget should reset at the reset hour: %v", err)
	}

	stats := tracker.Stats()
	if stats.Used != 1 {
		t.Errorf("expected 1 used after reset, got %d", stats.Used)
	}
	expected := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
	if !stats.NextReset.Equal(expected) {
		t.Errorf("next reset should be %v, got %v", expected, stats.NextReset)
	}
}

func TestTracker_Disabled(t *testing.T) {
	tracker := NewTracker("ghl", 0, 0, 0.8)
	for i := 0; i < 1000; i++ {
		if err := tracker.Consume(); err != nil {
			t.Fatalf("disabled budget should never block: %v", err)
		}
	}
	if tracker.Stats().IsExhausted {
		t.Error("disabled budget should not report exhaustion")
	}
}
