package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kenneth/tiered-segment-store/internal/manifest"
)

// CacheEntry represents a cached manifest.
type CacheEntry struct {
	Manifest  *manifest.SegmentManifest
	StoredAt  time.Time
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Cache holds decoded manifests keyed by segment key. Manifests are
// immutable, so entries are shared with callers rather than copied.
type Cache interface {
	// Get retrieves a cached manifest.
	Get(ctx context.Context, segmentKey string) (*manifest.SegmentManifest, bool)

	// Set stores a manifest. A zero ttl selects the default TTL.
	Set(ctx context.Context, segmentKey string, m *manifest.SegmentManifest, ttl time.Duration) error

	// Delete removes a manifest from the cache.
	Delete(ctx context.Context, segmentKey string) error

	// Clear clears all cached manifests.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*CacheEntry
	maxItems int
	stats    CacheStats
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(maxItems int, defaultTTL time.Duration) Cache {
	return newMemoryCache(maxItems, defaultTTL, time.Now)
}

func newMemoryCache(maxItems int, defaultTTL time.Duration, now func() time.Time) *memoryCache {
	if maxItems < 1 {
		maxItems = 1
	}
	return &memoryCache{
		entries:  make(map[string]*CacheEntry),
		maxItems: maxItems,
		ttl:      defaultTTL,
		now:      now,
	}
}

// Get retrieves a cached manifest. Expired entries are dropped on access.
func (c *memoryCache) Get(ctx context.Context, segmentKey string) (*manifest.SegmentManifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[segmentKey]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	if entry.IsExpired(c.now()) {
		delete(c.entries, segmentKey)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return entry.Manifest, true
}

// Set stores a manifest, evicting expired and then oldest entries when full.
func (c *memoryCache) Set(ctx context.Context, segmentKey string, m *manifest.SegmentManifest, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}

	now := c.now()
	entry := &CacheEntry{
		Manifest:  m,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[segmentKey]; !exists && len(c.entries) >= c.maxItems {
		c.evictExpiredLocked(now)
		for len(c.entries) >= c.maxItems {
			c.evictOldestLocked()
		}
	}

	c.entries[segmentKey] = entry
	return nil
}

// Delete removes a manifest from the cache.
func (c *memoryCache) Delete(ctx context.Context, segmentKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, segmentKey)
	return nil
}

// Clear clears all cached manifests.
func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*CacheEntry)
	c.stats = CacheStats{}

	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Items = len(c.entries)

	return stats
}

// evictExpiredLocked removes expired entries (must be called with lock held).
func (c *memoryCache) evictExpiredLocked(now time.Time) {
	for key, entry := range c.entries {
		if entry.IsExpired(now) {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
}

// evictOldestLocked removes the entry stored first (must be called with lock held).
func (c *memoryCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.StoredAt.Before(oldest) {
			oldestKey, oldest = key, entry.StoredAt
		}
	}
	if oldestKey == "" {
		return
	}
	delete(c.entries, oldestKey)
	c.stats.Evictions++
}
