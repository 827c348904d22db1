// Package ratelimit implements per-fingerprint admission control with a
// fixed-window counter held in process memory.
//
// The limiter is deliberately approximate: a burst straddling a window
// boundary can briefly exceed the limit. In exchange every admission decision
// is O(1) in time and memory, and there is no external dependency. State is
// per-instance by design — see the config package for the deployment note.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultLimit is the default number of requests admitted per window.
	DefaultLimit = 20

	// DefaultWindow is the default window duration.
	DefaultWindow = time.Minute

	// sweepThreshold is the table size above which Admit runs an inline
	// garbage-collection pass before deciding. The sweep removes windows
	// older than twice the window duration; it runs on the request path,
	// never on a background timer, so its cost is attributable to the
	// request that triggered it and no extra goroutine lifecycle exists.
	sweepThreshold = 10_000
)

type window struct {
	count int
	start time.Time
}

// Limiter admits or denies requests per origin fingerprint.
// Safe for concurrent use. Denials are advisory, never errors.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	limit  int
	period time.Duration

	// now is injectable so tests can advance simulated time.
	now func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the limiter's time source. Test-only in practice.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Limiter admitting at most limit requests per period
// for each fingerprint. Non-positive arguments fall back to the defaults.
func NewLimiter(limit int, period time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultWindow
	}
	l := &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Admit decides whether a request from the given fingerprint may proceed.
// On denial, retryAfter is the remaining window duration — the caller turns
// it into a Retry-After hint.
func (l *Limiter) Admit(fingerprint string) (ok bool, retryAfter time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.windows) > sweepThreshold {
		l.sweepLocked(now)
	}

	w, exists := l.windows[fingerprint]
	if !exists || now.Sub(w.start) > l.period {
		l.windows[fingerprint] = &window{count: 1, start: now}
		return true, 0
	}

	w.count++
	if w.count <= l.limit {
		return true, 0
	}
	return false, l.period - now.Sub(w.start)
}

// Len reports the number of tracked windows, including expired ones not yet
// swept.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// sweepLocked deletes every window older than twice the window duration.
// Callers must hold l.mu.
func (l *Limiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-2 * l.period)
	for fp, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, fp)
		}
	}
}
