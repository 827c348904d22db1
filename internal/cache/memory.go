package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// Memory is an in-process cache with per-entry TTL.
//
// Safe for concurrent use. A background goroutine periodically evicts
// expired entries so the map cannot grow without bound between requests.
// Not shared across replicas — use the Redis backend for fleets.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memItem

	done chan struct{}
	once sync.Once
}

// NewMemory creates a Memory cache and starts the cleanup loop.
// The loop stops when ctx is canceled or Close is called.
func NewMemory(ctx context.Context) *Memory {
	c := &Memory{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the value for key, or (nil, false) on a miss or expired entry.
// Expired entries are removed lazily on access.
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores value under key for ttl. Non-positive ttl defaults to an hour.
func (c *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	c.items[key] = memItem{data: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes key. Returns nil if the key did not exist.
func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len reports the current entry count, including not-yet-evicted expired ones.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *Memory) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Memory) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Memory) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
