package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Cache is the key/value collaborator used for computed result sets.
// Get reports ok=false on a miss or an expired entry.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// Memory is an in-process Cache with per-entry TTL.
type Memory struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	v         []byte
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{store: make(map[string]cacheEntry), now: time.Now}
}

// WithClock replaces the time source, for tests.
func (c *Memory) WithClock(now func() time.Time) *Memory {
	c.now = now
	return c
}

func (c *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		// only drop it if nobody refreshed the entry meanwhile
		if cur, ok := c.store[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.store, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return e.v, true, nil
}

func (c *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.store[key] = cacheEntry{v: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *Memory) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.store, k)
	}
	c.mu.Unlock()
	return nil
}

func (c *Memory) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.store {
		if strings.HasPrefix(k, prefix) {
			delete(c.store, k)
			n++
		}
	}
	return n, nil
}
