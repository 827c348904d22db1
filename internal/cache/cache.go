// Package cache stores validated recipe JSON keyed by a digest of the
// normalized request payload, so an identical submission skips the model
// call entirely.
//
// Two interchangeable backends:
//   - Memory — in-process TTL cache, zero external dependencies.
//   - Redis  — shared across replicas, recommended for fleets.
//
// Only successful, validated results are ever cached; errors and rejected
// drafts are not, because generation is nondeterministic and a retry may
// succeed.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Store is the backend-neutral cache interface.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key derives the cache key for a request payload. The variant keeps text,
// URL and image submissions with coincidentally equal bytes apart.
func Key(variant string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(variant))
	h.Write([]byte{0})
	h.Write(payload)
	return "recipe:" + hex.EncodeToString(h.Sum(nil))
}
