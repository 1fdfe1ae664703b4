package ratelimit

import (
	"testing"
	"time"
)

// fixedClock returns a clock function that can be advanced manually.
func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestAllowWithinLimit(t *testing.T) {
	l := NewLimiter()
	rule := Rule{Limit: 3, Window: time.Second}

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("c1", "send_message", rule)
		if !ok {
			t.Fatalf("event %d unexpectedly limited", i+1)
		}
	}
}

func TestExceedingLimitGivesRetryAfter(t *testing.T) {
	l := NewLimiter()
	clock, _ := fixedClock(time.Unix(1000, 0))
	l.now = clock
	rule := Rule{Limit: 5, Window: time.Second}

	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("c1", "send_message", rule); !ok {
			t.Fatalf("event %d unexpectedly limited", i+1)
		}
	}

	// The 6th send in the same window is dropped with a retry hint.
	ok, retry := l.Allow("c1", "send_message", rule)
	if ok {
		t.Fatal("6th event should have been limited")
	}
	if retry < 1 {
		t.Errorf("expected retry-after >= 1, got %d", retry)
	}
}

func TestWindowReset(t *testing.T) {
	l := NewLimiter()
	clock, advance := fixedClock(time.Unix(1000, 0))
	l.now = clock
	rule := Rule{Limit: 1, Window: time.Second}

	if ok, _ := l.Allow("c1", "join", rule); !ok {
		t.Fatal("first event limited")
	}
	if ok, _ := l.Allow("c1", "join", rule); ok {
		t.Fatal("second event in window should be limited")
	}

	advance(2 * time.Second)
	if ok, _ := l.Allow("c1", "join", rule); !ok {
		t.Fatal("event after window reset should be allowed")
	}
}

func TestConnectionsAndEventsAreIndependent(t *testing.T) {
	l := NewLimiter()
	rule := Rule{Limit: 1, Window: time.Minute}

	if ok, _ := l.Allow("c1", "join", rule); !ok {
		t.Fatal("c1 join limited")
	}
	if ok, _ := l.Allow("c2", "join", rule); !ok {
		t.Fatal("c2 should have its own counter")
	}
	if ok, _ := l.Allow("c1", "typing", rule); !ok {
		t.Fatal("typing should have its own counter")
	}
}

func TestForget(t *testing.T) {
	l := NewLimiter()
	rule := Rule{Limit: 1, Window: time.Minute}

	l.Allow("c1", "join", rule)
	if ok, _ := l.Allow("c1", "join", rule); ok {
		t.Fatal("expected limited before Forget")
	}

	l.Forget("c1")
	if ok, _ := l.Allow("c1", "join", rule); !ok {
		t.Fatal("expected fresh window after Forget")
	}
}
