package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *DocumentStore {
	t.Helper()
	s, err := OpenDocumentStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertTestChunks(t *testing.T, s *DocumentStore, n int) []*Chunk {
	t.Helper()
	chunks := make([]*Chunk, n)
	for i := range chunks {
		chunks[i] = NewChunk(
			fmt.Sprintf("doc1#%d", i), "doc1", "docs/a.md", "/guides",
			fmt.Sprintf("chunk content number %d", i), i, n)
	}
	require.NoError(t, s.InsertChunks(context.Background(), chunks))
	return chunks
}

func TestInsertChunks_StartsNew(t *testing.T) {
	// Given: a store with three inserted chunks
	s := openTestStore(t)
	insertTestChunks(t, s, 3)

	// Then: all rows are pending with version 0
	claims, err := s.SelectPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claims, 3)
	for _, c := range claims {
		assert.Equal(t, StatusNew, c.Status)
		assert.Equal(t, int64(0), c.Version)
	}
}

func TestInsertChunks_ReplaceResetsRow(t *testing.T) {
	// Given: a chunk that reached Ready
	s := openTestStore(t)
	ctx := context.Background()
	chunks := insertTestChunks(t, s, 1)

	claims, err := s.SelectPending(ctx, 1)
	require.NoError(t, err)
	ok, err := s.ClaimChunk(ctx, claims[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkReady(ctx, []string{claims[0].ID}, time.Now()))

	// When: the document is re-added with changed content
	updated := NewChunk(chunks[0].ID, "doc1", "docs/a.md", "/guides", "rewritten content", 0, 1)
	require.NoError(t, s.InsertChunks(ctx, []*Chunk{updated}))

	// Then: the row is back to New with a fresh hash, so it re-embeds
	got, err := s.GetChunk(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, got.EmbeddingStatus)
	assert.Equal(t, HashContent("rewritten content"), got.ContentHash)
	assert.Equal(t, int64(0), got.EmbeddingVersion)
}

func TestClaimChunk_CASWinsOnce(t *testing.T) {
	// Given: one pending row observed by two workers
	s := openTestStore(t)
	ctx := context.Background()
	insertTestChunks(t, s, 1)

	claims, err := s.SelectPending(ctx, 1)
	require.NoError(t, err)
	first := *claims[0]
	second := *claims[0]

	// When: both attempt the claim
	ok1, err := s.ClaimChunk(ctx, &first)
	require.NoError(t, err)
	ok2, err := s.ClaimChunk(ctx, &second)
	require.NoError(t, err)

	// Then: exactly one wins
	assert.True(t, ok1)
	assert.False(t, ok2)
}

func TestClaimChunk_StaleVersionLoses(t *testing.T) {
	// Given: a row that completed a full cycle after being observed
	s := openTestStore(t)
	ctx := context.Background()
	insertTestChunks(t, s, 1)

	claims, err := s.SelectPending(ctx, 1)
	require.NoError(t, err)
	stale := *claims[0]

	ok, err := s.ClaimChunk(ctx, claims[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkError(ctx, []string{claims[0].ID}, "provider down"))

	// When: a worker claims with the stale observation.
	// The row is Error again but its version moved, so the CAS fails.
	ok, err = s.ClaimChunk(ctx, &stale)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReclaimStale_ResetsAbandonedClaims(t *testing.T) {
	// Given: one claimed row and one untouched row
	s := openTestStore(t)
	ctx := context.Background()
	insertTestChunks(t, s, 2)

	claims, err := s.SelectPending(ctx, 2)
	require.NoError(t, err)
	ok, err := s.ClaimChunk(ctx, claims[0])
	require.NoError(t, err)
	require.True(t, ok)

	// Then: a fresh claim is not reclaimed
	n, err := s.ReclaimStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// When: the claim ages past the TTL with no completion
	time.Sleep(5 * time.Millisecond)
	n, err = s.ReclaimStale(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Then: the row is back in the selection set as a retryable Error
	got, err := s.GetChunk(ctx, claims[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.EmbeddingStatus)
	assert.Contains(t, got.EmbeddingError, "claim expired")
	assert.Equal(t, int64(1), got.EmbeddingVersion)

	pending, err := s.SelectPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestMarkReady_BumpsVersionAndClearsError(t *testing.T) {
	// Given: a row that failed once and was retried
	s := openTestStore(t)
	ctx := context.Background()
	insertTestChunks(t, s, 1)

	claims, err := s.SelectPending(ctx, 1)
	require.NoError(t, err)
	id := claims[0].ID

	ok, err := s.ClaimChunk(ctx, claims[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkError(ctx, []string{id}, "timeout"))

	claims, err = s.SelectPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, StatusError, claims[0].Status)
	assert.Equal(t, int64(1), claims[0].Version)

	ok, err = s.ClaimChunk(ctx, claims[0])
	require.NoError(t, err)
	require.True(t, ok)
	now := time.Now()
	require.NoError(t, s.MarkReady(ctx, []string{id}, now))

	// Then: Ready, error cleared, version bumped again
	got, err := s.GetChunk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.EmbeddingStatus)
	assert.Empty(t, got.EmbeddingError)
	assert.Equal(t, int64(2), got.EmbeddingVersion)
	assert.WithinDuration(t, now, got.EmbeddedAt, time.Second)

	// And: Ready rows are no longer selected
	claims, err = s.SelectPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestMarkReady_RequiresInProgress(t *testing.T) {
	// Given: a pending row that was never claimed
	s := openTestStore(t)
	ctx := context.Background()
	chunks := insertTestChunks(t, s, 1)

	// When: marking ready without a claim
	require.NoError(t, s.MarkReady(ctx, []string{chunks[0].ID}, time.Now()))

	// Then: the guard leaves the row untouched
	got, err := s.GetChunk(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, got.EmbeddingStatus)
}

func TestSyncServingVectors(t *testing.T) {
	// Given: two Ready rows with side-table embeddings and one pending row
	s := openTestStore(t)
	ctx := context.Background()
	insertTestChunks(t, s, 3)

	claims, err := s.SelectPending(ctx, 2)
	require.NoError(t, err)
	ids := []string{claims[0].ID, claims[1].ID}
	for _, c := range claims {
		ok, err := s.ClaimChunk(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
	}

	records := []*EmbeddingRecord{
		{ChunkID: ids[0], EmbedderID: "static:d4", ContentHash: claims[0].ContentHash,
			EmbeddedAt: time.Now(), Vector: []float32{1, 0, 0, 0}},
		{ChunkID: ids[1], EmbedderID: "static:d4", ContentHash: claims[1].ContentHash,
			EmbeddedAt: time.Now(), Vector: []float32{0, 1, 0, 0}},
	}
	require.NoError(t, s.UpsertEmbeddings(ctx, records))
	require.NoError(t, s.MarkReady(ctx, ids, time.Now()))

	// When: syncing the serving column for this embedder
	n, err := s.SyncServingVectors(ctx, "static:d4")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Then: only the Ready rows carry serving vectors
	gotIDs, vectors, err := s.ServingVectors(ctx)
	require.NoError(t, err)
	require.Len(t, gotIDs, 2)
	assert.ElementsMatch(t, ids, gotIDs)
	assert.Equal(t, []float32{1, 0, 0, 0}, vectors[0])

	count, err := s.CountServingVectors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSyncServingVectors_ScopedToEmbedder(t *testing.T) {
	// Given: a Ready row embedded only by a different embedder
	s := openTestStore(t)
	ctx := context.Background()
	insertTestChunks(t, s, 1)

	claims, err := s.SelectPending(ctx, 1)
	require.NoError(t, err)
	ok, err := s.ClaimChunk(ctx, claims[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.UpsertEmbeddings(ctx, []*EmbeddingRecord{{
		ChunkID: claims[0].ID, EmbedderID: "other:d4",
		ContentHash: claims[0].ContentHash, EmbeddedAt: time.Now(),
		Vector: []float32{1, 0, 0, 0},
	}}))
	require.NoError(t, s.MarkReady(ctx, []string{claims[0].ID}, time.Now()))

	// When: syncing for an embedder with no records
	n, err := s.SyncServingVectors(ctx, "static:d4")
	require.NoError(t, err)

	// Then: nothing is copied
	assert.Equal(t, 0, n)
}

func TestStatusCounts(t *testing.T) {
	// Given: one claimed row out of three
	s := openTestStore(t)
	ctx := context.Background()
	insertTestChunks(t, s, 3)

	claims, err := s.SelectPending(ctx, 1)
	require.NoError(t, err)
	ok, err := s.ClaimChunk(ctx, claims[0])
	require.NoError(t, err)
	require.True(t, ok)

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusNew])
	assert.Equal(t, 1, counts[StatusInProgress])
}

func TestCache_MissIsNotError(t *testing.T) {
	// Given: an empty cache table
	s := openTestStore(t)

	// When: looking up unknown hashes
	got, err := s.CacheGetMany(context.Background(), "static:d4", []string{"deadbeef"})

	// Then: no error, just an empty result
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []*CacheEntry{
		{ContentHash: "h1", EmbedderID: "static:d4", Vector: []float32{0.1, 0.2, 0.3, 0.4}},
		{ContentHash: "h2", EmbedderID: "static:d4", Vector: []float32{0.5, 0.6, 0.7, 0.8}},
	}
	require.NoError(t, s.CachePutMany(ctx, entries))

	// Duplicate puts are harmless.
	require.NoError(t, s.CachePutMany(ctx, entries[:1]))

	got, err := s.CacheGetMany(ctx, "static:d4", []string{"h1", "h2", "h3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3, 0.4}, got["h1"], 1e-6)

	// Scoped by embedder: another embedder sees nothing.
	got, err = s.CacheGetMany(ctx, "other:d4", []string{"h1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMeta_ActiveIndexPointer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := ActiveIndexKey(ChunkTable)

	// Unset pointer reads as absent.
	_, ok, err := s.GetMeta(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	// Set and overwrite.
	require.NoError(t, s.SetMeta(ctx, key, "ivfpq-one"))
	require.NoError(t, s.SetMeta(ctx, key, "ivfpq-two"))

	value, ok, err := s.GetMeta(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ivfpq-two", value)
}

func TestVectorEncoding_RoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3.14159, 0}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}
