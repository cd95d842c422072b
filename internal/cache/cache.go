package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CacheEntry represents a cached document. Data is the stored document
// encoding, which holds only ciphertext.
type CacheEntry struct {
	Data      []byte
	Metadata  map[string]string
	StoredAt  time.Time
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache is an interface for caching stored documents.
type Cache interface {
	// Get retrieves a cached document.
	Get(ctx context.Context, collection, id string) (*CacheEntry, bool)

	// Set stores a document in the cache. A zero ttl uses the default.
	Set(ctx context.Context, collection, id string, data []byte, metadata map[string]string, ttl time.Duration) error

	// Delete removes a document from the cache.
	Delete(ctx context.Context, collection, id string) error

	// Clear clears all cached documents.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*CacheEntry
	maxSize  int64
	maxItems int
	stats    CacheStats
	ttl      time.Duration
}

// NewMemoryCache creates a new in-memory cache bounded by total bytes and item count.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:  make(map[string]*CacheEntry),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

// cacheKey generates a cache key from collection and document id.
func cacheKey(collection, id string) string {
	return fmt.Sprintf("%s:%s", collection, id)
}

// Get retrieves a cached document.
func (c *memoryCache) Get(ctx context.Context, collection, id string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := cacheKey(collection, id)
	entry, ok := c.entries[keyStr]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	if entry.IsExpired() {
		delete(c.entries, keyStr)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return entry, true
}

// Set stores a document in the cache.
func (c *memoryCache) Set(ctx context.Context, collection, id string, data []byte, metadata map[string]string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	entrySize := int64(len(data))
	if entrySize > c.maxSize {
		return fmt.Errorf("entry of %d bytes exceeds cache size %d", entrySize, c.maxSize)
	}

	now := time.Now()
	entry := &CacheEntry{
		Data:      append([]byte(nil), data...),
		Metadata:  metadata,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := cacheKey(collection, id)
	delete(c.entries, keyStr)

	c.evictExpiredLocked()
	c.evictForSpaceLocked(entrySize)

	c.entries[keyStr] = entry
	return nil
}

// Delete removes a document from the cache.
func (c *memoryCache) Delete(ctx context.Context, collection, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, cacheKey(collection, id))
	return nil
}

// Clear clears all cached documents.
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
	stats.Size = c.currentSizeLocked()
	stats.Items = len(c.entries)
	return stats
}

// currentSizeLocked sums the size of live entries (must be called with lock held).
func (c *memoryCache) currentSizeLocked() int64 {
	var size int64
	for _, entry := range c.entries {
		if !entry.IsExpired() {
			size += int64(len(entry.Data))
		}
	}
	return size
}

// evictExpiredLocked removes expired entries (must be called with lock held).
func (c *memoryCache) evictExpiredLocked() {
	for key, entry := range c.entries {
		if entry.IsExpired() {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
}

// evictForSpaceLocked removes the oldest entries until neededSpace more bytes
// and one more item fit (must be called with lock held).
func (c *memoryCache) evictForSpaceLocked(neededSpace int64) {
	size := c.currentSizeLocked()
	for len(c.entries) > 0 && (size+neededSpace > c.maxSize || len(c.entries) >= c.maxItems) {
		var oldestKey string
		var oldest *CacheEntry
		for key, entry := range c.entries {
			if oldest == nil || entry.StoredAt.Before(oldest.StoredAt) {
				oldestKey, oldest = key, entry
			}
		}
		delete(c.entries, oldestKey)
		c.stats.Evictions++
		size -= int64(len(oldest.Data))
	}
}
