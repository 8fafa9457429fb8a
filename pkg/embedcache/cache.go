// Package embedcache caches embedding vectors so a name is sent to the
// embedding provider at most once per TTL.
package embedcache

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cache stores embedding vectors by key. Implementations are safe for
// concurrent use. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
}

// MemoryCache is an in-process Cache backed by go-cache.
type MemoryCache struct {
	items *cache.Cache
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a MemoryCache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{items: cache.New(ttl, ttl*2)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	v, found := c.items.Get(key)
	if !found {
		return nil, false, nil
	}
	vec, ok := v.([]float32)
	if !ok {
		return nil, false, nil
	}
	return vec, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, vec []float32) error {
	c.items.Set(key, vec, cache.DefaultExpiration)
	return nil
}

// ItemCount returns the number of cached vectors, including expired ones not yet evicted.
func (c *MemoryCache) ItemCount() int {
	return c.items.ItemCount()
}
