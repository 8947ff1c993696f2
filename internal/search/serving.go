package search

import (
	"context"
	"errors"

	"github.com/localdb-dev/localdb/internal/index"
	"github.com/localdb-dev/localdb/internal/store"
)

// Serving-index probe defaults for interactive queries.
const (
	DefaultNprobe = 16
	DefaultRefine = 4
)

// ServingSearcher adapts the offline-built serving index to the
// VectorSearcher interface. The active index pointer is resolved on every
// query, so a rebuild's flip takes effect without restarting the engine.
type ServingSearcher struct {
	resolver *index.Resolver
	nprobe   int
	refine   int
}

// NewServingSearcher creates a searcher over the resolver. nprobe and
// refine values <= 0 select the defaults.
func NewServingSearcher(r *index.Resolver, nprobe, refine int) *ServingSearcher {
	if nprobe <= 0 {
		nprobe = DefaultNprobe
	}
	if refine <= 0 {
		refine = DefaultRefine
	}
	return &ServingSearcher{resolver: r, nprobe: nprobe, refine: refine}
}

// SearchVec queries the active serving index. When no index has been
// built yet the vector side contributes nothing and hybrid search
// degrades to lexical-only.
func (s *ServingSearcher) SearchVec(ctx context.Context, query []float32, k int) ([]store.SearchHit, error) {
	idx, err := s.resolver.Active(ctx)
	if errors.Is(err, index.ErrNoActiveIndex) {
		return []store.SearchHit{}, nil
	}
	if err != nil {
		return nil, err
	}
	return idx.SearchVec(ctx, query, k, s.nprobe, s.refine)
}
