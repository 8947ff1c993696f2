package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLexical(t *testing.T) *LexicalIndex {
	t.Helper()
	idx, err := NewLexicalIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestLexical_IndexAndSearch(t *testing.T) {
	// Given: chunks about different topics
	idx := openTestLexical(t)
	chunks := []*Chunk{
		NewChunk("a", "doc1", "docs/claims.md", "/pipeline", "the claim protocol uses optimistic versioned updates", 0, 2),
		NewChunk("b", "doc1", "docs/claims.md", "/pipeline", "index builds train partitions from serving vectors", 1, 2),
		NewChunk("c", "doc2", "docs/cache.md", "/cache", "the embedding cache is keyed by content hash", 0, 1),
	}
	require.NoError(t, idx.Index(context.Background(), chunks))

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	// When: searching for claim terminology
	hits, err := idx.Search(context.Background(), "claim protocol", 10)
	require.NoError(t, err)

	// Then: the claim chunk ranks first, tagged as a lexical hit
	require.NotEmpty(t, hits)
	assert.Equal(t, "a", hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.Equal(t, SourceLexical, hits[0].Source)
}

func TestLexical_SearchRespectsK(t *testing.T) {
	idx := openTestLexical(t)
	chunks := make([]*Chunk, 5)
	for i := range chunks {
		chunks[i] = NewChunk(string(rune('a'+i)), "doc1", "docs/a.md", "",
			"shared vocabulary about embedding pipelines", i, 5)
	}
	require.NoError(t, idx.Index(context.Background(), chunks))

	hits, err := idx.Search(context.Background(), "embedding pipelines", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestLexical_Delete(t *testing.T) {
	idx := openTestLexical(t)
	chunks := []*Chunk{
		NewChunk("a", "doc1", "docs/a.md", "", "searchable text about caching", 0, 1),
	}
	require.NoError(t, idx.Index(context.Background(), chunks))
	require.NoError(t, idx.Delete(context.Background(), []string{"a", "unknown"}))

	hits, err := idx.Search(context.Background(), "caching", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLexical_NoMatches(t *testing.T) {
	idx := openTestLexical(t)
	require.NoError(t, idx.Index(context.Background(), []*Chunk{
		NewChunk("a", "doc1", "docs/a.md", "", "vectors and partitions", 0, 1),
	}))

	hits, err := idx.Search(context.Background(), "zzzzunrelated", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
