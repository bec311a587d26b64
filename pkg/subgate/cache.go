package subgate

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache holds resolved feature sets keyed by user id and active Stripe price id.
// An empty price id is the free tier.
type Cache interface {
	// Get returns a copy of the cached feature set.
	Get(userID, priceID string) (FeatureSet, bool)

	// Set stores a feature set.
	Set(userID, priceID string, features FeatureSet)

	// InvalidateUser drops every entry of the user regardless of price.
	InvalidateUser(userID string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(_, _ string) (FeatureSet, bool) {
	return nil, false
}

func (c *NoopCache) Set(_, _ string, _ FeatureSet) {}

func (c *NoopCache) InvalidateUser(_ string) {}

func (c *NoopCache) Clear() {}

func (c *NoopCache) Stats() CacheStats {
	return CacheStats{}
}

const cacheKeySep = "\x00"

// LRUCache implements Cache on top of an expiring LRU.
type LRUCache struct {
	lru       *expirable.LRU[string, FeatureSet]
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewLRUCache creates a cache holding at most size entries, each living for ttl.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LRUCache{
		lru: expirable.NewLRU[string, FeatureSet](size, nil, ttl),
	}
}

func cacheKey(userID, priceID string) string {
	return userID + cacheKeySep + priceID
}

func (c *LRUCache) Get(userID, priceID string) (FeatureSet, bool) {
	fs, ok := c.lru.Get(cacheKey(userID, priceID))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return fs.Clone(), true
}

func (c *LRUCache) Set(userID, priceID string, features FeatureSet) {
	if evicted := c.lru.Add(cacheKey(userID, priceID), features.Clone()); evicted {
		c.evictions.Add(1)
	}
}

func (c *LRUCache) InvalidateUser(userID string) {
	prefix := userID + cacheKeySep
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
}

func (c *LRUCache) Clear() {
	c.lru.Purge()
}

func (c *LRUCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.lru.Len(),
	}
}
