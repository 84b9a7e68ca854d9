package perception

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Remote is an optional second cache level shared between processes.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
}

type cacheKey struct {
	url  string
	tier Tier
}

type cacheEntry struct {
	data       []byte
	insertedAt time.Time
}

// Cache memoises perception results by (URL, tier). Entries older than the
// TTL are invisible to readers. When full, the oldest insert is evicted.
// Results are stored in canonical encoding so every read hands out a fresh
// copy and equal results stay byte-equal.
type Cache struct {
	mu       sync.RWMutex
	entries  map[cacheKey]cacheEntry
	ttl      time.Duration
	capacity int
	remote   Remote
	logger   *zap.Logger
	now      func() time.Time
}

// NewCache creates a cache. remote may be nil.
func NewCache(ttl time.Duration, capacity int, remote Remote, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if capacity <= 0 {
		capacity = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries:  make(map[cacheKey]cacheEntry, capacity),
		ttl:      ttl,
		capacity: capacity,
		remote:   remote,
		logger:   logger.Named("perception_cache"),
		now:      time.Now,
	}
}

// RemoteKey is the key used in the second level.
func RemoteKey(url string, tier Tier) string {
	return fmt.Sprintf("%s:%s", url, tier)
}

// Get returns a copy of the live entry, if any. The returned source is "hit"
// for a local hit, "remote_hit" for a second level hit, and "miss" otherwise.
func (c *Cache) Get(ctx context.Context, url string, tier Tier) (*Result, string) {
	k := cacheKey{url, tier}
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.insertedAt) <= c.ttl {
		r, err := DecodeResult(e.data)
		if err == nil {
			return r, "hit"
		}
		c.logger.Warn("Dropping undecodable cache entry", zap.String("url", url), zap.Error(err))
	}

	if c.remote == nil {
		return nil, "miss"
	}
	data, found, err := c.remote.Get(ctx, RemoteKey(url, tier))
	if err != nil {
		c.logger.Debug("Remote cache lookup failed", zap.String("url", url), zap.Error(err))
		return nil, "miss"
	}
	if !found {
		return nil, "miss"
	}
	r, err := DecodeResult(data)
	if err != nil {
		return nil, "miss"
	}
	c.storeLocal(k, data)
	return r, "remote_hit"
}

// Put stores r under (url, tier) locally and, when configured, remotely.
func (c *Cache) Put(ctx context.Context, url string, tier Tier, r *Result) error {
	data, err := r.Encode()
	if err != nil {
		return fmt.Errorf("encode perception result: %w", err)
	}
	c.storeLocal(cacheKey{url, tier}, data)
	if c.remote != nil {
		if err := c.remote.Set(ctx, RemoteKey(url, tier), data, c.ttl); err != nil {
			c.logger.Warn("Remote cache write failed", zap.String("url", url), zap.Error(err))
		}
	}
	return nil
}

func (c *Cache) storeLocal(k cacheKey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked(now)
	}
	c.entries[k] = cacheEntry{data: data, insertedAt: now}
}

// evictLocked drops expired entries, and if none expired, the oldest one.
func (c *Cache) evictLocked(now time.Time) {
	var oldest cacheKey
	var oldestAt time.Time
	first := true
	expired := false
	for k, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.entries, k)
			expired = true
			continue
		}
		if first || e.insertedAt.Before(oldestAt) {
			oldest, oldestAt, first = k, e.insertedAt, false
		}
	}
	if !expired && !first {
		delete(c.entries, oldest)
	}
}

// Lookup finds the freshest result for url at any concrete tier, highest tier
// first. It is used when falling back to cached data.
func (c *Cache) Lookup(url string) (*Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	for i := len(ConcreteTiers) - 1; i >= 0; i-- {
		e, ok := c.entries[cacheKey{url, ConcreteTiers[i]}]
		if !ok || now.Sub(e.insertedAt) > c.ttl {
			continue
		}
		if r, err := DecodeResult(e.data); err == nil {
			return r, true
		}
	}
	return nil, false
}

// Len counts stored entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear empties both levels.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[cacheKey]cacheEntry, c.capacity)
	c.mu.Unlock()
	if c.remote != nil {
		return c.remote.Clear(ctx)
	}
	return nil
}
