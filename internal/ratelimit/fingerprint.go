package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint reduces a caller's apparent network identity (normally the
// client IP, optionally combined with selected headers) to a fixed-length
// one-way digest. The digest is the only form in which the identity is kept:
// it keys the rate-limit table and appears in audit records, so raw client
// addresses are never retained.
//
// No secret is involved — the fingerprint exists for compactness and privacy
// of map keys, not for authentication.
func Fingerprint(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}
