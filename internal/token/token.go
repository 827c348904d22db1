// Package token issues and verifies the short-lived, single-use capability
// tokens that gate access to the expensive upstream call.
//
// Issuance is cheap and unauthenticated (it sits behind the rate limiter
// only); verification is the actual gate. Nothing is recorded at issuance —
// a nonce enters the ledger on its first successful verification, which is
// what makes each token worth exactly one call.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	// NonceBytes is the fixed nonce length before hex encoding.
	NonceBytes = 16

	// DefaultTTL is how long an issued token stays verifiable.
	DefaultTTL = 5 * time.Minute

	// DefaultSkew is the clock-skew allowance when checking that exp is not
	// implausibly far in the future (guards against forged long-lived tokens).
	DefaultSkew = 30 * time.Second

	// replayBuffer extends a consumed nonce's ledger entry beyond its exp so
	// a replay right at the expiry boundary still loses.
	replayBuffer = time.Minute

	// pruneThreshold is the ledger size above which Verify prunes expired
	// entries inline before deciding.
	pruneThreshold = 10_000
)

// Verification failure modes. The gateway maps all of them to 403 with the
// same client message; the distinction exists for logs and tests.
var (
	ErrMalformed    = errors.New("token malformed")
	ErrExpired      = errors.New("token expired")
	ErrNotYetValid  = errors.New("token expiry implausibly far in the future")
	ErrReplayed     = errors.New("token already used")
	ErrBadSignature = errors.New("token signature mismatch")
)

// Token is the capability value handed to clients. Clients return it
// unchanged; they never construct one.
type Token struct {
	Nonce string `json:"nonce"` // hex, 2×NonceBytes chars
	Exp   int64  `json:"exp"`   // unix seconds
	Sig   string `json:"sig"`   // hex HMAC-SHA256(secret, nonce ":" exp)
}

// Service signs and verifies tokens and tracks consumed nonces.
//
// When constructed without a secret the service runs in the explicit
// signing-disabled mode: Issue returns nil and Verify accepts everything.
// This is a development convenience that must be switched on by leaving the
// secret unset on purpose — it is logged loudly at startup.
type Service struct {
	secret []byte
	ttl    time.Duration
	skew   time.Duration

	mu     sync.Mutex
	ledger map[string]int64 // nonce → evict-after unix seconds

	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the service's time source. Test-only in practice.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSkew overrides the future-expiry allowance.
func WithSkew(skew time.Duration) Option {
	return func(s *Service) { s.skew = skew }
}

// NewService creates a token service. An empty secret selects the
// signing-disabled mode. Non-positive ttl falls back to DefaultTTL.
func NewService(secret string, ttl time.Duration, opts ...Option) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Service{
		ttl:    ttl,
		skew:   DefaultSkew,
		ledger: make(map[string]int64),
		now:    time.Now,
	}
	if secret != "" {
		s.secret = []byte(secret)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SigningDisabled reports whether the service runs without a secret.
func (s *Service) SigningDisabled() bool { return len(s.secret) == 0 }

// Issue creates a fresh signed token, or (nil, nil) when signing is disabled
// so the handler can serialize an explicit null.
func (s *Service) Issue() (*Token, error) {
	if s.SigningDisabled() {
		return nil, nil
	}

	raw := make([]byte, NonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("token: nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)
	exp := s.now().Add(s.ttl).Unix()

	return &Token{
		Nonce: nonce,
		Exp:   exp,
		Sig:   s.sign(nonce, exp),
	}, nil
}

// Verify checks a token and consumes its nonce. The order of checks is
// shape → expiry window → replay → signature; the signature comparison is
// constant-time regardless of where a mismatch occurs.
func (s *Service) Verify(t *Token) error {
	if s.SigningDisabled() {
		return nil
	}
	if t == nil || len(t.Nonce) != NonceBytes*2 || t.Exp <= 0 || len(t.Sig) != sha256.Size*2 {
		return ErrMalformed
	}
	if _, err := hex.DecodeString(t.Nonce); err != nil {
		return ErrMalformed
	}

	now := s.now()
	if t.Exp < now.Unix() {
		return ErrExpired
	}
	if t.Exp > now.Add(s.ttl+s.skew).Unix() {
		return ErrNotYetValid
	}

	expected := s.sign(t.Nonce, t.Exp)
	// hmac.Equal is constant-time; comparing hex strings of equal length
	// through it keeps the timing independent of the mismatch position.
	sigOK := hmac.Equal([]byte(expected), []byte(t.Sig))

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ledger) > pruneThreshold {
		s.pruneLocked(now.Unix())
	}

	// Replay check precedes the signature verdict so a replayed valid token
	// and a forged one are both rejected, but only a valid first use is
	// recorded.
	if _, used := s.ledger[t.Nonce]; used {
		return ErrReplayed
	}
	if !sigOK {
		return ErrBadSignature
	}

	s.ledger[t.Nonce] = t.Exp + int64(replayBuffer.Seconds())
	return nil
}

// LedgerLen reports the number of consumed nonces still tracked.
func (s *Service) LedgerLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

func (s *Service) sign(nonce string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(nonce))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// pruneLocked drops ledger entries whose evict-after time has passed.
// Callers must hold s.mu.
func (s *Service) pruneLocked(nowUnix int64) {
	for nonce, evictAfter := range s.ledger {
		if evictAfter < nowUnix {
			delete(s.ledger, nonce)
		}
	}
}
