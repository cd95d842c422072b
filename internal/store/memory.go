package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MemoryBackend keeps documents in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	docs     map[string]map[string]*Document
	revision uint64
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]map[string]*Document)}
}

// Get returns a copy of the stored document.
func (b *MemoryBackend) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, ok := b.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *doc
	return &clone, nil
}

// Put stores a copy of doc and updates doc.Revision.
func (b *MemoryBackend) Put(ctx context.Context, collection string, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	coll, ok := b.docs[collection]
	if !ok {
		coll = make(map[string]*Document)
		b.docs[collection] = coll
	}
	if doc.Revision != "" {
		current, exists := coll[doc.ID]
		if !exists || current.Revision != doc.Revision {
			return ErrConflict
		}
	}

	b.revision++
	clone := *doc
	clone.Revision = strconv.FormatUint(b.revision, 10)
	coll[doc.ID] = &clone
	doc.Revision = clone.Revision
	return nil
}

// Delete removes a document.
func (b *MemoryBackend) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.docs[collection][id]; !ok {
		return ErrNotFound
	}
	delete(b.docs[collection], id)
	return nil
}

// List returns copies of all documents with the given id prefix.
func (b *MemoryBackend) List(ctx context.Context, collection, prefix string) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	docs := make([]*Document, 0)
	for id, doc := range b.docs[collection] {
		if strings.HasPrefix(id, prefix) {
			clone := *doc
			docs = append(docs, &clone)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}
