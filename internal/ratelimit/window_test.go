package ratelimit_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/platewise/recipe-gateway/internal/ratelimit"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_ExactlyOneDenialAtLimitPlusOne(t *testing.T) {
	clock := newFakeClock()
	const limit = 5
	l := ratelimit.NewLimiter(limit, time.Minute, ratelimit.WithClock(clock.Now))

	fp := ratelimit.Fingerprint("203.0.113.7")

	denials := 0
	for i := 0; i < limit+1; i++ {
		ok, retryAfter := l.Admit(fp)
		if !ok {
			denials++
			if retryAfter <= 0 || retryAfter > time.Minute {
				t.Errorf("retryAfter = %v, want in (0, 1m]", retryAfter)
			}
		}
	}
	if denials != 1 {
		t.Fatalf("got %d denials in %d requests, want exactly 1", denials, limit+1)
	}
}

func TestLimiter_FreshWindowAfterExpiry(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.NewLimiter(2, time.Minute, ratelimit.WithClock(clock.Now))

	fp := ratelimit.Fingerprint("198.51.100.1")

	l.Admit(fp)
	l.Admit(fp)
	if ok, _ := l.Admit(fp); ok {
		t.Fatal("third request within window should be denied")
	}

	clock.Advance(61 * time.Second)

	if ok, _ := l.Admit(fp); !ok {
		t.Fatal("request after window expiry should start a fresh window")
	}
	// Fresh window has count 1, so one more fits under limit 2.
	if ok, _ := l.Admit(fp); !ok {
		t.Fatal("second request in fresh window should be admitted")
	}
}

func TestLimiter_FingerprintsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.NewLimiter(1, time.Minute, ratelimit.WithClock(clock.Now))

	a := ratelimit.Fingerprint("192.0.2.10")
	b := ratelimit.Fingerprint("192.0.2.11")

	if ok, _ := l.Admit(a); !ok {
		t.Fatal("first request for a should pass")
	}
	if ok, _ := l.Admit(a); ok {
		t.Fatal("second request for a should be denied")
	}
	if ok, _ := l.Admit(b); !ok {
		t.Fatal("b must not be affected by a's denial")
	}
}

func TestLimiter_SweepEvictsStaleWindows(t *testing.T) {
	clock := newFakeClock()
	l := ratelimit.NewLimiter(10, time.Minute, ratelimit.WithClock(clock.Now))

	// Fill the table past the sweep threshold.
	for i := 0; i < 10_001; i++ {
		l.Admit(ratelimit.Fingerprint(fmt.Sprintf("10.9.%d.%d", i/256, i%256)))
	}
	before := l.Len()
	if before < 10_001 {
		t.Fatalf("table size = %d, want >= 10001", before)
	}

	// All windows are now older than 2×period; the next Admit sweeps them.
	clock.Advance(3 * time.Minute)
	l.Admit(ratelimit.Fingerprint("fresh"))

	if after := l.Len(); after > 2 {
		t.Errorf("table size after sweep = %d, want <= 2", after)
	}
}

func TestFingerprint_FixedLengthAndDeterministic(t *testing.T) {
	a := ratelimit.Fingerprint("203.0.113.7")
	b := ratelimit.Fingerprint("203.0.113.7")
	c := ratelimit.Fingerprint("203.0.113.8")

	if a != b {
		t.Error("fingerprint must be deterministic")
	}
	if a == c {
		t.Error("distinct identities must not collide trivially")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestLimiter_ConcurrentAdmitDoesNotRace(t *testing.T) {
	l := ratelimit.NewLimiter(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			fp := ratelimit.Fingerprint(fmt.Sprintf("worker-%d", n))
			for j := 0; j < 200; j++ {
				l.Admit(fp)
			}
		}(i)
	}
	wg.Wait()
}
