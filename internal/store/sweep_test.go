package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Sweep(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	old := newHarness(t, backend, legacyKeys(), false)
	for _, owner := range []string{"a", "b", "c"} {
		_, err := old.store.Letters.Create(ctx, owner, sampleLetter("old"))
		require.NoError(t, err)
	}

	current := newHarness(t, backend, rotatedKeys(), false)
	_, err := current.store.Letters.Create(ctx, "a", sampleLetter("new"))
	require.NoError(t, err)
	bad, err := current.store.Letters.Create(ctx, "b", sampleLetter("bad"))
	require.NoError(t, err)
	corrupt(t, backend, CollectionLetters, letterDocID("b", bad.ID))

	report, err := current.store.Sweep(ctx, CollectionLetters)
	require.NoError(t, err)
	assert.Equal(t, CollectionLetters, report.Collection)
	assert.Equal(t, 5, report.Scanned)
	assert.Equal(t, 3, report.Rotated)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, map[string]int{"v1": 3, "v2": 2}, report.ByVersion)
	assert.Equal(t, []string{"v1", "v2"}, report.Versions())

	docs, err := backend.List(ctx, CollectionLetters, "")
	require.NoError(t, err)
	for _, doc := range docs {
		assert.True(t, strings.HasPrefix(doc.Ciphertext, "v2."), doc.ID)
	}

	// Everything readable is now on the primary.
	again, err := current.store.Sweep(ctx, CollectionLetters)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Rotated)
	assert.Equal(t, map[string]int{"v2": 5}, again.ByVersion)
}

func TestStore_SweepCountsInvalidEnvelopes(t *testing.T) {
	backend := NewMemoryBackend()
	h := newHarness(t, backend, rotatedKeys(), false)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, CollectionAddresses, &Document{ID: "x", OwnerID: "x", Ciphertext: "garbage"}))

	report, err := h.store.Sweep(ctx, CollectionAddresses)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, map[string]int{invalidVersion: 1}, report.ByVersion)
}

func TestStore_SweepUnknownCollection(t *testing.T) {
	h := newHarness(t, NewMemoryBackend(), legacyKeys(), false)

	_, err := h.store.Sweep(context.Background(), "postcards")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestStore_SweepAll(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	old := newHarness(t, backend, legacyKeys(), false)
	require.NoError(t, old.store.Addresses.Save(ctx, "a", sampleAddress()))
	_, err := old.store.Letters.Create(ctx, "a", sampleLetter("old"))
	require.NoError(t, err)

	current := newHarness(t, backend, rotatedKeys(), true)
	reports, err := current.store.SweepAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, CollectionAddresses, reports[0].Collection)
	assert.Equal(t, 1, reports[0].Rotated)
	assert.Equal(t, CollectionLetters, reports[1].Collection)
	assert.Equal(t, 1, reports[1].Rotated)
}

func TestStore_SweepHonoursCancellation(t *testing.T) {
	backend := NewMemoryBackend()
	h := newHarness(t, backend, legacyKeys(), false)
	ctx := context.Background()
	_, err := h.store.Letters.Create(ctx, "a", sampleLetter("x"))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.store.Sweep(cancelled, CollectionLetters)
	assert.ErrorIs(t, err, context.Canceled)
}
