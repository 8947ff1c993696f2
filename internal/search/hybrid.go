// Package search merges lexical and vector retrieval into a single ranked
// result list. The two retrievers score on different scales; the merge
// takes the maximum per chunk, which is an uncalibrated approximation
// rather than a principled fusion, and is documented as such.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/localdb-dev/localdb/internal/embed"
	"github.com/localdb-dev/localdb/internal/store"
)

// VectorSearcher is the vector retrieval half of the hybrid engine. The
// in-memory graph index implements it directly; the serving index is
// adapted through ServingSearcher so the active pointer is honored per
// query.
type VectorSearcher interface {
	SearchVec(ctx context.Context, query []float32, k int) ([]store.SearchHit, error)
}

// VectorIndexer is implemented by vector indexes that accept incremental
// writes. The serving index does not; it is rebuilt offline.
type VectorIndexer interface {
	Index(ctx context.Context, chunks []*store.Chunk, vectors [][]float32) error
}

// Result is one merged hit. Sources records which retrievers surfaced the
// chunk; a chunk found by both carries both tags.
type Result struct {
	ID      string
	Score   float64
	Sources []store.Source
}

// Engine queries the lexical and vector indexes in parallel and merges
// their hits.
type Engine struct {
	embedder embed.Embedder
	lexical  *store.LexicalIndex
	vector   VectorSearcher
	logger   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets a custom logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a hybrid engine over the given retrievers.
func NewEngine(embedder embed.Embedder, lexical *store.LexicalIndex, vector VectorSearcher, opts ...EngineOption) *Engine {
	e := &Engine{
		embedder: embedder,
		lexical:  lexical,
		vector:   vector,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Index embeds the chunks once and feeds both indexes from the same pass,
// so the lexical and vector views never disagree about membership. Only
// incremental vector indexes support this path; the serving index is
// populated through backfill and rebuild instead.
func (e *Engine) Index(ctx context.Context, chunks []*store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	indexer, ok := e.vector.(VectorIndexer)
	if !ok {
		return fmt.Errorf("vector index does not accept incremental writes; use backfill and rebuild")
	}

	vectors := make([][]float32, 0, len(chunks))
	batchLen := e.embedder.MaxBatchLen()
	for start := 0; start < len(chunks); start += batchLen {
		end := min(start+batchLen, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}
		vs, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed chunks: %w", err)
		}
		vectors = append(vectors, vs...)
	}

	if err := indexer.Index(ctx, chunks, vectors); err != nil {
		return fmt.Errorf("failed to index vectors: %w", err)
	}
	if err := e.lexical.Index(ctx, chunks); err != nil {
		return fmt.Errorf("failed to index lexical: %w", err)
	}

	e.logger.Debug("hybrid_indexed", slog.Int("chunks", len(chunks)))
	return nil
}

// Query runs both retrievers in parallel and returns the top k merged
// results, ordered by score descending with chunk id as tie-break.
func (e *Engine) Query(ctx context.Context, text string, k int) ([]Result, error) {
	if k <= 0 {
		return []Result{}, nil
	}

	var lexHits, vecHits []store.SearchHit
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := e.lexical.Search(gctx, text, k)
		if err != nil {
			return fmt.Errorf("lexical search failed: %w", err)
		}
		lexHits = hits
		return nil
	})

	g.Go(func() error {
		vs, err := e.embedder.EmbedBatch(gctx, []string{text})
		if err != nil {
			return fmt.Errorf("failed to embed query: %w", err)
		}
		hits, err := e.vector.SearchVec(gctx, vs[0], k)
		if err != nil {
			return fmt.Errorf("vector search failed: %w", err)
		}
		vecHits = hits
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := MaxMerge(lexHits, vecHits, k)
	e.logger.Debug("hybrid_query",
		slog.Int("lexical_hits", len(lexHits)),
		slog.Int("vector_hits", len(vecHits)),
		slog.Int("merged", len(merged)))
	return merged, nil
}

// MaxMerge combines hit lists by chunk id, keeping the maximum score per
// chunk and the union of source tags. Scores from the two retrievers live
// on different scales, so the maximum is an approximation, not a
// calibrated combination. Output is sorted by score descending, chunk id
// ascending on ties, and truncated to k.
func MaxMerge(a, b []store.SearchHit, k int) []Result {
	byID := make(map[string]*Result, len(a)+len(b))
	order := make([]string, 0, len(a)+len(b))

	absorb := func(hits []store.SearchHit) {
		for _, h := range hits {
			r, ok := byID[h.ID]
			if !ok {
				byID[h.ID] = &Result{ID: h.ID, Score: h.Score, Sources: []store.Source{h.Source}}
				order = append(order, h.ID)
				continue
			}
			if h.Score > r.Score {
				r.Score = h.Score
			}
			if !hasSource(r.Sources, h.Source) {
				r.Sources = append(r.Sources, h.Source)
			}
		}
	}
	absorb(a)
	absorb(b)

	out := make([]Result, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func hasSource(sources []store.Source, s store.Source) bool {
	for _, existing := range sources {
		if existing == s {
			return true
		}
	}
	return false
}
