package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/letter-vault/internal/cache"
)

func TestMemoryBackend(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	_, err := b.Get(ctx, "letters", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, b.Delete(ctx, "letters", "missing"), ErrNotFound)

	doc := &Document{ID: "u/1", OwnerID: "u", Ciphertext: "v1.a.b.c"}
	require.NoError(t, b.Put(ctx, "letters", doc))
	assert.NotEmpty(t, doc.Revision)

	got, err := b.Get(ctx, "letters", "u/1")
	require.NoError(t, err)
	assert.Equal(t, "v1.a.b.c", got.Ciphertext)
	assert.Equal(t, doc.Revision, got.Revision)

	// Returned documents are copies.
	got.Ciphertext = "changed"
	again, err := b.Get(ctx, "letters", "u/1")
	require.NoError(t, err)
	assert.Equal(t, "v1.a.b.c", again.Ciphertext)

	require.NoError(t, b.Put(ctx, "letters", &Document{ID: "u/2", OwnerID: "u"}))
	require.NoError(t, b.Put(ctx, "letters", &Document{ID: "v/1", OwnerID: "v"}))
	require.NoError(t, b.Put(ctx, "addresses", &Document{ID: "u", OwnerID: "u"}))

	docs, err := b.List(ctx, "letters", "u/")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "u/1", docs[0].ID)
	assert.Equal(t, "u/2", docs[1].ID)

	all, err := b.List(ctx, "letters", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := b.List(ctx, "postcards", "")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, b.Delete(ctx, "letters", "u/1"))
	_, err = b.Get(ctx, "letters", "u/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackend_ConditionalPut(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "letters", &Document{ID: "a", Ciphertext: "one"}))
	first, err := b.Get(ctx, "letters", "a")
	require.NoError(t, err)
	second, err := b.Get(ctx, "letters", "a")
	require.NoError(t, err)

	first.Ciphertext = "two"
	require.NoError(t, b.Put(ctx, "letters", first))

	second.Ciphertext = "three"
	assert.ErrorIs(t, b.Put(ctx, "letters", second), ErrConflict)

	got, err := b.Get(ctx, "letters", "a")
	require.NoError(t, err)
	assert.Equal(t, "two", got.Ciphertext)

	assert.ErrorIs(t, b.Put(ctx, "letters", &Document{ID: "gone", Revision: "1"}), ErrConflict)
}

func TestMemoryBackend_CancelledContext(t *testing.T) {
	b := NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Get(ctx, "letters", "a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, b.Put(ctx, "letters", &Document{ID: "a"}), context.Canceled)
}

// countingBackend counts calls to Get.
type countingBackend struct {
	Backend
	mu   sync.Mutex
	gets int
}

func (b *countingBackend) Get(ctx context.Context, collection, id string) (*Document, error) {
	b.mu.Lock()
	b.gets++
	b.mu.Unlock()
	return b.Backend.Get(ctx, collection, id)
}

func (b *countingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets
}

func TestCachedBackend_ServesRepeatReads(t *testing.T) {
	inner := &countingBackend{Backend: NewMemoryBackend()}
	cached := NewCachedBackend(inner, cache.NewMemoryCache(1<<20, 100, time.Minute), 0, nil)
	ctx := context.Background()

	require.NoError(t, cached.Put(ctx, "letters", &Document{ID: "a", OwnerID: "u", Ciphertext: "v1.x.y.z"}))

	for i := 0; i < 3; i++ {
		doc, err := cached.Get(ctx, "letters", "a")
		require.NoError(t, err)
		assert.Equal(t, "v1.x.y.z", doc.Ciphertext)
		assert.NotEmpty(t, doc.Revision)
	}
	assert.Equal(t, 1, inner.count())
	assert.Equal(t, int64(2), cached.Stats().Hits)
}

func TestCachedBackend_InvalidatesOnWrite(t *testing.T) {
	inner := &countingBackend{Backend: NewMemoryBackend()}
	cached := NewCachedBackend(inner, cache.NewMemoryCache(1<<20, 100, time.Minute), 0, nil)
	ctx := context.Background()

	require.NoError(t, cached.Put(ctx, "letters", &Document{ID: "a", Ciphertext: "old"}))
	_, err := cached.Get(ctx, "letters", "a")
	require.NoError(t, err)

	require.NoError(t, cached.Put(ctx, "letters", &Document{ID: "a", Ciphertext: "new"}))
	doc, err := cached.Get(ctx, "letters", "a")
	require.NoError(t, err)
	assert.Equal(t, "new", doc.Ciphertext)
	assert.Equal(t, 2, inner.count())

	require.NoError(t, cached.Delete(ctx, "letters", "a"))
	_, err = cached.Get(ctx, "letters", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedBackend_RevisionSurvivesCache(t *testing.T) {
	cached := NewCachedBackend(NewMemoryBackend(), cache.NewMemoryCache(1<<20, 100, time.Minute), 0, nil)
	ctx := context.Background()

	require.NoError(t, cached.Put(ctx, "letters", &Document{ID: "a", Ciphertext: "one"}))
	_, err := cached.Get(ctx, "letters", "a")
	require.NoError(t, err)
	fromCache, err := cached.Get(ctx, "letters", "a")
	require.NoError(t, err)

	fromCache.Ciphertext = "two"
	require.NoError(t, cached.Put(ctx, "letters", fromCache), "cached revision must allow a conditional write")
}

// pausingBackend blocks the next Get after it has read from the inner
// backend, until release is closed.
type pausingBackend struct {
	Backend
	mu      sync.Mutex
	pause   bool
	fetched chan struct{}
	release chan struct{}
}

func (b *pausingBackend) Get(ctx context.Context, collection, id string) (*Document, error) {
	doc, err := b.Backend.Get(ctx, collection, id)

	b.mu.Lock()
	pause := b.pause
	b.pause = false
	b.mu.Unlock()

	if pause {
		close(b.fetched)
		<-b.release
	}
	return doc, err
}

func TestCachedBackend_WriteDuringFetchIsNotOverwritten(t *testing.T) {
	memory := NewMemoryBackend()
	inner := &pausingBackend{
		Backend: memory,
		fetched: make(chan struct{}),
		release: make(chan struct{}),
	}
	cached := NewCachedBackend(inner, cache.NewMemoryCache(1<<20, 100, time.Minute), 0, nil)
	ctx := context.Background()

	require.NoError(t, cached.Put(ctx, "letters", &Document{ID: "a", Ciphertext: "OLD"}))

	inner.mu.Lock()
	inner.pause = true
	inner.mu.Unlock()

	slow := make(chan *Document, 1)
	go func() {
		doc, err := cached.Get(ctx, "letters", "a")
		assert.NoError(t, err)
		slow <- doc
	}()

	<-inner.fetched
	require.NoError(t, cached.Put(ctx, "letters", &Document{ID: "a", Ciphertext: "NEW"}))
	close(inner.release)

	stale := <-slow
	require.NotNil(t, stale)
	assert.Equal(t, "OLD", stale.Ciphertext)

	stored, err := memory.Get(ctx, "letters", "a")
	require.NoError(t, err)

	doc, err := cached.Get(ctx, "letters", "a")
	require.NoError(t, err)
	assert.Equal(t, "NEW", doc.Ciphertext)
	assert.Equal(t, stored.Revision, doc.Revision)

	doc.Ciphertext = "NEWER"
	assert.NoError(t, cached.Put(ctx, "letters", doc), "revision read through the cache must be current")
}

func TestStore_WithCachedBackend(t *testing.T) {
	inner := NewMemoryBackend()
	cached := NewCachedBackend(inner, cache.NewMemoryCache(1<<20, 100, time.Minute), 0, nil)
	ctx := context.Background()

	old := newHarness(t, inner, legacyKeys(), false)
	require.NoError(t, old.store.Addresses.Save(ctx, "user-1", sampleAddress()))

	current := newHarness(t, cached, rotatedKeys(), false)
	for i := 0; i < 3; i++ {
		addr, err := current.store.Addresses.Get(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "Cardiff", addr.City)
	}

	doc, err := inner.Get(ctx, CollectionAddresses, "user-1")
	require.NoError(t, err)
	assert.Contains(t, doc.Ciphertext[:3], "v2.")
}
