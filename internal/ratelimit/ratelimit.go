// Package ratelimit provides a per-sender sliding-window message counter.
//
// The limiter is process-local and advisory: exceeding the ceiling tells the
// entry point to defer the message, it does not drop anything. Window resets
// happen lazily on access rather than via a background timer.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Window is the counting interval.
const Window = time.Minute

type senderWindow struct {
	windowStart time.Time
	count       int
}

// Limiter counts inbound messages per sender within a rolling window.
type Limiter struct {
	mu      sync.Mutex
	senders map[string]*senderWindow

	// limit returns the current per-window ceiling, read on every check so
	// a settings change takes effect without restarting the limiter.
	limit func() int

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter whose ceiling is supplied by limit. A nil or
// non-positive-returning limit function disables limiting.
func NewLimiter(limit func() int) *Limiter {
	return &Limiter{
		senders: make(map[string]*senderWindow),
		limit:   limit,
		now:     time.Now,
	}
}

// Allow records one message from senderID and reports whether it is within
// the ceiling. The count increments even when over the limit so a flooding
// sender stays limited until their window expires.
func (l *Limiter) Allow(senderID string) bool {
	ceiling := 0
	if l.limit != nil {
		ceiling = l.limit()
	}
	if ceiling <= 0 {
		return true
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.senders[senderID]
	if !ok || now.Sub(w.windowStart) >= Window {
		l.senders[senderID] = &senderWindow{windowStart: now, count: 1}
		return true
	}

	w.count++
	if w.count > ceiling {
		slog.Debug("Limiter.Allow: sender over ceiling", "senderID", senderID, "count", w.count, "ceiling", ceiling)
		return false
	}
	return true
}

// IsLimited reports whether senderID is currently over the ceiling without
// recording a message.
func (l *Limiter) IsLimited(senderID string) bool {
	ceiling := 0
	if l.limit != nil {
		ceiling = l.limit()
	}
	if ceiling <= 0 {
		return false
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.senders[senderID]
	if !ok || now.Sub(w.windowStart) >= Window {
		return false
	}
	return w.count >= ceiling
}

// Prune drops expired sender windows. Called periodically by the maintenance
// sweeper so the map does not grow with every sender ever seen.
func (l *Limiter) Prune() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for id, w := range l.senders {
		if now.Sub(w.windowStart) >= Window {
			delete(l.senders, id)
			pruned++
		}
	}
	return pruned
}
