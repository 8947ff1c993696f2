package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
)

// LexicalIndex wraps Bleve v2 for BM25-scored full-text search over chunk
// content. The hybrid engine treats it as one of its two retrieval legs;
// its internals (analysis chain, scoring) belong to Bleve.
type LexicalIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// lexicalDocument is the shape handed to Bleve for indexing.
type lexicalDocument struct {
	Content  string `json:"content"`
	Category string `json:"category"`
	DocPath  string `json:"doc_path"`
}

// NewLexicalIndex opens or creates a lexical index at path. An empty path
// creates an in-memory index for testing.
func NewLexicalIndex(path string) (*LexicalIndex, error) {
	mapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	contentField := bleve.NewTextFieldMapping()
	docMapping.AddFieldMappingsAt("content", contentField)

	categoryField := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("category", categoryField)

	pathField := bleve.NewKeywordFieldMapping()
	pathField.Index = false
	docMapping.AddFieldMappingsAt("doc_path", pathField)

	mapping.DefaultMapping = docMapping

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(mapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create directory: %w", mkErr)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, mapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open lexical index: %w", err)
	}

	return &LexicalIndex{index: idx, path: path}, nil
}

// Index adds chunks to the lexical index. Re-indexing an existing chunk ID
// replaces its content.
func (l *LexicalIndex) Index(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("index is closed")
	}

	batch := l.index.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, lexicalDocument{
			Content:  c.Content,
			Category: c.Category,
			DocPath:  c.DocPath,
		}); err != nil {
			return fmt.Errorf("failed to batch chunk %s: %w", c.ID, err)
		}
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to index batch: %w", err)
	}
	return nil
}

// Search returns up to k chunks matching the query, ranked by BM25-style
// relevance. Scores share no scale with vector similarity; the merge layer
// documents that approximation.
func (l *LexicalIndex) Search(ctx context.Context, query string, k int) ([]SearchHit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, fmt.Errorf("index is closed")
	}

	matchQuery := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequest(matchQuery)
	req.Size = k

	res, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	hits := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, SearchHit{
			ID:     h.ID,
			Score:  h.Score,
			Source: SourceLexical,
		})
	}
	return hits, nil
}

// Delete removes chunks by ID. Unknown IDs are no-ops.
func (l *LexicalIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("index is closed")
	}

	batch := l.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return l.index.Batch(batch)
}

// Count returns the number of indexed chunks.
func (l *LexicalIndex) Count() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, fmt.Errorf("index is closed")
	}
	return l.index.DocCount()
}

// Close releases the underlying index. Safe to call multiple times.
func (l *LexicalIndex) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.index.Close()
}
