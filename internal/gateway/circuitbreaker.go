package gateway

import (
	"sync"
	"time"
)

// cbState represents the operational state of the upstream circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — the model API is failing; requests are rejected immediately.
//	cbHalfOpen — recovery mode; a single probe request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Breaker defaults. A deployment talks to exactly one model API, so one
// breaker guards the whole upstream path. The breaker never retries a
// request — it only decides whether the next request may be attempted.
const (
	cbErrorThreshold  = 5
	cbTimeWindow      = 60 * time.Second
	cbHalfOpenTimeout = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back
// to the package defaults above.
type CBConfig struct {
	// ErrorThreshold is the number of upstream failures within TimeWindow
	// that trips the breaker.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request.
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return cbErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return cbTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return cbHalfOpenTimeout
}

// Breaker is the circuit breaker for the configured model API.
// It is safe for concurrent use from multiple goroutines.
type Breaker struct {
	mu  sync.Mutex
	cfg CBConfig

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// NewBreaker creates a Breaker with the given thresholds.
func NewBreaker(cfg CBConfig) *Breaker {
	return &Breaker{
		cfg:         cfg,
		state:       cbClosed,
		windowStart: time.Now(),
	}
}

// Allow reports whether the next upstream request should be attempted.
//
//   - Closed   → always true.
//   - Open     → false, unless the half-open timeout has elapsed, in which
//     case the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(b.openedAt) >= b.cfg.halfOpenTimeout() {
			b.state = cbHalfOpen
			b.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if b.probeInflight {
			return false
		}
		b.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful upstream response and resets the breaker
// to Closed regardless of its previous state.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = cbClosed
	b.errorCount = 0
	b.probeInflight = false
	b.windowStart = time.Now()
}

// RecordFailure increments the error counter. When the counter reaches
// ErrorThreshold within TimeWindow the breaker opens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	// Reset counter when the rolling window has expired.
	if now.Sub(b.windowStart) > b.cfg.timeWindow() {
		b.errorCount = 0
		b.windowStart = now
	}

	b.errorCount++
	b.probeInflight = false

	if b.errorCount >= b.cfg.errorThreshold() {
		b.state = cbOpen
		b.openedAt = now
	}
}

// State returns the current cbState (used for the metrics gauge).
func (b *Breaker) State() cbState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (b *Breaker) StateLabel() string {
	switch b.State() {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
