// Package embed defines the embedding provider capability and its
// implementations: a deterministic local embedder and a remote Ollama
// client. Providers return one unit-length, fixed-dimension vector per
// input text, in input order, deterministically for identical input and
// configuration.
package embed

import (
	"context"
	"math"
)

// Default provider limits.
const (
	// DefaultMaxBatchLen is the default number of texts accepted per
	// EmbedBatch call.
	DefaultMaxBatchLen = 64
)

// Embedder is the capability consumed by the backfill engine and the
// hybrid search engine. Implementations must be safe for concurrent use.
type Embedder interface {
	// ID is the stable embedder identifier recorded with every
	// embedding record and cache entry, e.g. "static:d256".
	ID() string

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// MaxBatchLen returns the maximum number of texts per EmbedBatch
	// call. Callers split larger batches.
	MaxBatchLen() int

	// EmbedBatch returns one normalized vector per input text, in input
	// order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// normalizeVector scales v to unit length. A zero vector is returned
// unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	normalized := make([]float32, len(v))
	for i, x := range v {
		normalized[i] = float32(float64(x) / magnitude)
	}
	return normalized
}
