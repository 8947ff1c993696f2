package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localdb-dev/localdb/internal/embed"
	"github.com/localdb-dev/localdb/internal/index"
	"github.com/localdb-dev/localdb/internal/store"
)

func TestServingSearcher_NoActiveIndexDegradesToLexical(t *testing.T) {
	// Given: a hybrid engine whose vector leg points at an unbuilt index
	st, err := store.OpenDocumentStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	lexical, err := store.NewLexicalIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lexical.Close() })

	chunks := []*store.Chunk{
		store.NewChunk("a", "doc1", "docs/a.md", "", "hybrid retrieval merges two rankings", 0, 1),
	}
	require.NoError(t, lexical.Index(context.Background(), chunks))

	resolver := index.NewResolver(st, t.TempDir())
	serving := NewServingSearcher(resolver, 0, 0)
	engine := NewEngine(embed.NewStaticEmbedder(), lexical, serving)

	// When: querying before any build has flipped a pointer
	results, err := engine.Query(context.Background(), "hybrid retrieval", 5)

	// Then: the query succeeds on the lexical leg alone
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, []store.Source{store.SourceLexical}, results[0].Sources)
}

func TestServingSearcher_DefaultTuning(t *testing.T) {
	s := NewServingSearcher(nil, 0, 0)
	assert.Equal(t, DefaultNprobe, s.nprobe)
	assert.Equal(t, DefaultRefine, s.refine)
}
