package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localdb-dev/localdb/internal/errors"
	"github.com/localdb-dev/localdb/internal/store"
)

// countingBackend wraps the sqlite-backed cache table and counts reads.
type countingBackend struct {
	*store.DocumentStore
	reads int
}

func (b *countingBackend) CacheGetMany(ctx context.Context, embedderID string, hashes []string) (map[string][]float32, error) {
	b.reads++
	return b.DocumentStore.CacheGetMany(ctx, embedderID, hashes)
}

// failingBackend simulates storage I/O failure.
type failingBackend struct{}

func (failingBackend) CacheGetMany(context.Context, string, []string) (map[string][]float32, error) {
	return nil, fmt.Errorf("disk error")
}

func (failingBackend) CachePutMany(context.Context, []*store.CacheEntry) error {
	return fmt.Errorf("disk error")
}

func newTestBackend(t *testing.T) *countingBackend {
	t.Helper()
	st, err := store.OpenDocumentStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &countingBackend{DocumentStore: st}
}

func TestCache_MissIsNotError(t *testing.T) {
	c := New(newTestBackend(t), 16)

	// A miss returns no value and no error.
	_, ok, err := c.Get(context.Background(), "unknown-hash", "static:d4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	c := New(newTestBackend(t), 16)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "h1", "static:d4", []float32{0.1, 0.2}))

	v, ok, err := c.Get(ctx, "h1", "static:d4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDeltaSlice(t, []float32{0.1, 0.2}, v, 1e-6)

	// The key is scoped by embedder id.
	_, ok, err = c.Get(ctx, "h1", "other:d4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_MemoryLayerAbsorbsRepeatReads(t *testing.T) {
	// Given: an entry that exists only in the durable backend
	backend := newTestBackend(t)
	require.NoError(t, backend.CachePutMany(context.Background(), []*store.CacheEntry{
		{ContentHash: "h1", EmbedderID: "static:d4", Vector: []float32{1, 0}},
	}))
	c := New(backend, 16)

	// When: reading the same key twice
	_, ok, err := c.Get(context.Background(), "h1", "static:d4")
	require.NoError(t, err)
	require.True(t, ok)
	firstReads := backend.reads

	_, ok, err = c.Get(context.Background(), "h1", "static:d4")
	require.NoError(t, err)
	require.True(t, ok)

	// Then: the second read is served from the LRU layer
	assert.Equal(t, firstReads, backend.reads)
}

func TestCache_GetManySplitsHitsAndMisses(t *testing.T) {
	c := New(newTestBackend(t), 16)
	ctx := context.Background()

	require.NoError(t, c.PutMany(ctx, "static:d4", map[string][]float32{
		"h1": {1, 0},
		"h2": {0, 1},
	}))

	got, err := c.GetMany(ctx, "static:d4", []string{"h1", "h2", "h3"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "h1")
	assert.Contains(t, got, "h2")
	assert.NotContains(t, got, "h3")
}

func TestCache_DuplicatePutsAreIdempotent(t *testing.T) {
	// The value is a deterministic function of the key, so concurrent
	// duplicate puts must not error or change the stored vector.
	c := New(newTestBackend(t), 16)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "h1", "static:d4", []float32{1, 0}))
	require.NoError(t, c.Put(ctx, "h1", "static:d4", []float32{1, 0}))

	v, ok, err := c.Get(ctx, "h1", "static:d4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, v)
}

func TestCache_BackendFailureIsCacheError(t *testing.T) {
	c := New(failingBackend{}, 16)

	_, err := c.GetMany(context.Background(), "static:d4", []string{"h1"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeCache))

	err = c.Put(context.Background(), "h1", "static:d4", []float32{1})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeCache))
}
