package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(limit int) (*Limiter, *time.Time) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := NewLimiter(func() int { return limit })
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowWithinCeiling(t *testing.T) {
	l, _ := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		if !l.Allow("sender-a") {
			t.Fatalf("message %d: expected allowed within ceiling", i+1)
		}
	}
	if l.Allow("sender-a") {
		t.Error("expected fourth message over ceiling to be deferred")
	}
}

func TestAllowIsPerSender(t *testing.T) {
	l, _ := newTestLimiter(1)

	if !l.Allow("sender-a") {
		t.Fatal("expected first message from sender-a allowed")
	}
	if !l.Allow("sender-b") {
		t.Error("expected sender-b unaffected by sender-a's window")
	}
	if l.Allow("sender-a") {
		t.Error("expected second message from sender-a deferred")
	}
}

func TestWindowResetsLazily(t *testing.T) {
	l, now := newTestLimiter(1)

	if !l.Allow("sender-a") {
		t.Fatal("expected first message allowed")
	}
	if l.Allow("sender-a") {
		t.Fatal("expected second message deferred")
	}

	*now = now.Add(Window)
	if !l.Allow("sender-a") {
		t.Error("expected fresh window after expiry")
	}
}

func TestOverLimitTrafficExtendsNothing(t *testing.T) {
	// Over-limit messages keep counting inside the same window; the sender
	// stays limited until the window started by their first message expires.
	l, now := newTestLimiter(2)

	for i := 0; i < 5; i++ {
		l.Allow("sender-a")
	}
	if !l.IsLimited("sender-a") {
		t.Fatal("expected sender limited")
	}

	*now = now.Add(Window)
	if l.IsLimited("sender-a") {
		t.Error("expected limit lifted after window expiry")
	}
}

func TestIsLimitedDoesNotRecord(t *testing.T) {
	l, _ := newTestLimiter(2)

	l.Allow("sender-a")
	for i := 0; i < 10; i++ {
		l.IsLimited("sender-a")
	}
	if !l.Allow("sender-a") {
		t.Error("expected IsLimited checks not to consume the ceiling")
	}
}

func TestZeroCeilingDisablesLimiting(t *testing.T) {
	l, _ := newTestLimiter(0)

	for i := 0; i < 100; i++ {
		if !l.Allow("sender-a") {
			t.Fatal("expected limiting disabled with zero ceiling")
		}
	}
	if l.IsLimited("sender-a") {
		t.Error("expected IsLimited false with zero ceiling")
	}
}

func TestPruneDropsExpiredWindows(t *testing.T) {
	l, now := newTestLimiter(5)

	l.Allow("sender-a")
	l.Allow("sender-b")

	if pruned := l.Prune(); pruned != 0 {
		t.Errorf("expected nothing pruned inside window, got %d", pruned)
	}

	*now = now.Add(Window)
	l.Allow("sender-c")

	if pruned := l.Prune(); pruned != 2 {
		t.Errorf("expected 2 expired windows pruned, got %d", pruned)
	}
	if l.IsLimited("sender-c") {
		t.Error("expected live window to survive pruning")
	}
}
