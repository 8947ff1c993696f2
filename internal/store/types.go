// Package store provides the persistence layer for the hybrid search
// pipeline: the chunk table with per-row embedding status, the embeddings
// side table, the content-addressed embedding cache table, and the meta
// key/value table that names the active vector index.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// EmbeddingStatus is the per-row state of the embedding pipeline.
// Transitions are restricted; see CanTransition.
type EmbeddingStatus string

const (
	// StatusNew marks a chunk that has never been embedded.
	StatusNew EmbeddingStatus = "new"
	// StatusInProgress marks a chunk claimed by a backfill worker.
	StatusInProgress EmbeddingStatus = "in_progress"
	// StatusReady marks a chunk whose embedding landed in the side table.
	StatusReady EmbeddingStatus = "ready"
	// StatusError marks a chunk whose last provider call failed.
	// Error rows are retried by re-entering the backfill cycle.
	StatusError EmbeddingStatus = "error"
)

// Valid reports whether s is one of the four pipeline states.
func (s EmbeddingStatus) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusReady, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether the status machine allows s -> to.
// The machine only advances New->InProgress->{Ready|Error}; Error rows may
// re-enter InProgress for a retry. Ready is terminal until content changes.
func (s EmbeddingStatus) CanTransition(to EmbeddingStatus) bool {
	switch s {
	case StatusNew:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusReady || to == StatusError
	case StatusError:
		return to == StatusInProgress
	case StatusReady:
		return false
	default:
		return false
	}
}

// Chunk is a retrievable unit of a source document.
//
// The Vector field is the serving column: it is written only by the index
// builder's sync step, never by the backfill engine, so it stays stable
// while embedding runs concurrently.
type Chunk struct {
	ID          string // unique chunk identifier
	DocID       string // parent document identity
	DocPath     string // original path of the source document
	Category    string // facet label, e.g. "/topic/subtopic"
	Content     string
	ChunkIndex  int // position within the parent document
	TotalChunks int // sibling count within the parent document

	ContentHash string    // deterministic digest of Content
	Vector      []float32 // serving vector; nil until synced

	EmbeddingStatus  EmbeddingStatus
	EmbeddingError   string // last provider failure, empty if none
	EmbeddingVersion int64  // bumped on every Ready/Error transition
	EmbeddedAt       time.Time

	IndexStatus  string // reserved lifecycle tag
	IndexVersion int64
}

// EmbeddingRecord is one embedder's output for one chunk, stored in the
// side table. The side table is the source of truth for index builds; the
// serving column is derived from it by the sync step.
type EmbeddingRecord struct {
	ChunkID     string
	EmbedderID  string
	ContentHash string
	EmbeddedAt  time.Time
	Vector      []float32
}

// CacheEntry is a content-addressed embedding, keyed by
// (content hash, embedder id). Values are deterministic for a given key,
// so duplicate writes are harmless.
type CacheEntry struct {
	ContentHash string
	EmbedderID  string
	CreatedAt   time.Time
	Vector      []float32
}

// Claim is the slice of a chunk row a backfill worker operates on.
// Status and Version are the compare-and-set guard for claiming.
type Claim struct {
	ID          string
	Content     string
	ContentHash string
	Status      EmbeddingStatus
	Version     int64
}

// Source labels which engine produced a search hit.
type Source string

const (
	SourceLexical Source = "lexical"
	SourceVector  Source = "vector"
)

// SearchHit is the minimal result surface shared by both engines.
// Score is engine-specific; higher is always better.
type SearchHit struct {
	ID     string
	Score  float64
	Source Source
}

// ActiveIndexKey returns the meta table key that names the live vector
// index for the given chunk table.
func ActiveIndexKey(table string) string {
	return fmt.Sprintf("active_index_id:%s", table)
}

// HashContent returns the hex digest used as the cache and dedup key for
// chunk content. It is a pure function of the content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ErrDimensionMismatch indicates a vector of the wrong dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// NewChunk builds a chunk in the initial pipeline state with its content
// hash computed.
func NewChunk(id, docID, docPath, category, content string, index, total int) *Chunk {
	return &Chunk{
		ID:              id,
		DocID:           docID,
		DocPath:         docPath,
		Category:        category,
		Content:         content,
		ChunkIndex:      index,
		TotalChunks:     total,
		ContentHash:     HashContent(content),
		EmbeddingStatus: StatusNew,
		IndexStatus:     "stale",
	}
}
