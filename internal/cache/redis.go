package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 500 * time.Millisecond

// Redis is a Redis-backed Store shared across gateway replicas.
//
// All operations degrade gracefully when Redis is unavailable: Get reports a
// miss and Set swallows the error, so the gateway keeps serving (it just
// pays the model call). Delete surfaces the error for callers that care.
type Redis struct {
	client *redis.Client
}

// NewRedisFromClient wraps an existing client. The caller owns its lifecycle.
func NewRedisFromClient(cli *redis.Client) *Redis {
	return &Redis{client: cli}
}

// NewRedisFromURL parses redisURL, connects, and verifies with a PING.
func NewRedisFromURL(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &Redis{client: cli}, nil
}

// Get returns (data, true) on a hit and (nil, false) on a miss or any error.
// Errors other than a plain miss are logged at WARN, never propagated.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error", slog.String("error", err.Error()))
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key with ttl. Returns nil even on Redis error.
func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error", slog.String("error", err.Error()))
	}
	return nil
}

// Delete removes key and surfaces the underlying error.
func (c *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return c.client.Del(ctx, key).Err()
}
