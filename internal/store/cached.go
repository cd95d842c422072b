package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/letter-vault/internal/cache"
)

const revisionMetadataKey = "revision"

// CachedBackend is a read-through cache in front of another backend. Only
// encrypted documents are cached. Puts and deletes invalidate the entry.
//
// Every write bumps generation. A fetch that overlapped a write is returned
// but not cached, so an invalidation can never be undone by a slower read.
type CachedBackend struct {
	backend Backend
	cache   cache.Cache
	ttl     time.Duration
	logger  *logrus.Logger

	mu         sync.Mutex
	generation uint64
}

// NewCachedBackend wraps backend with c. A zero ttl uses the cache default.
func NewCachedBackend(backend Backend, c cache.Cache, ttl time.Duration, logger *logrus.Logger) *CachedBackend {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CachedBackend{backend: backend, cache: c, ttl: ttl, logger: logger}
}

// Get serves from the cache when possible.
func (b *CachedBackend) Get(ctx context.Context, collection, id string) (*Document, error) {
	if entry, ok := b.cache.Get(ctx, collection, id); ok {
		var doc Document
		if err := json.Unmarshal(entry.Data, &doc); err == nil {
			doc.Revision = entry.Metadata[revisionMetadataKey]
			return &doc, nil
		}
		_ = b.cache.Delete(ctx, collection, id)
	}

	b.mu.Lock()
	generation := b.generation
	b.mu.Unlock()

	doc, err := b.backend.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return doc, nil
	}
	metadata := map[string]string{revisionMetadataKey: doc.Revision}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.generation != generation {
		return doc, nil
	}
	if err := b.cache.Set(ctx, collection, id, data, metadata, b.ttl); err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"collection": collection,
			"id":         id,
		}).Debug("Failed to cache document")
	}
	return doc, nil
}

// Put writes through and invalidates the cached entry.
func (b *CachedBackend) Put(ctx context.Context, collection string, doc *Document) error {
	err := b.backend.Put(ctx, collection, doc)
	b.invalidate(ctx, collection, doc.ID)
	return err
}

// Delete deletes through and invalidates the cached entry.
func (b *CachedBackend) Delete(ctx context.Context, collection, id string) error {
	err := b.backend.Delete(ctx, collection, id)
	b.invalidate(ctx, collection, id)
	return err
}

func (b *CachedBackend) invalidate(ctx context.Context, collection, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation++
	_ = b.cache.Delete(ctx, collection, id)
}

// List always reads from the underlying backend.
func (b *CachedBackend) List(ctx context.Context, collection, prefix string) ([]*Document, error) {
	return b.backend.List(ctx, collection, prefix)
}

// Stats returns the cache statistics.
func (b *CachedBackend) Stats() cache.CacheStats {
	return b.cache.Stats()
}
