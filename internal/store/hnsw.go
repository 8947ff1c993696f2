package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex is a graph-based vector index used by the fast-iteration
// profile: it needs no training step, so chunks become searchable as soon
// as they are embedded. The large-corpus profile uses IVFPQIndex instead.
type HNSWIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dim   int

	idMap   map[string]uint64 // chunk ID -> internal key
	keyMap  map[uint64]string // internal key -> chunk ID
	nextKey uint64

	closed bool
}

// hnswMetadata is the persisted companion of the graph export.
type hnswMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Dim     int
}

// NewHNSWIndex creates an empty HNSW index for unit-length vectors of the
// given dimension. Cosine distance throughout.
func NewHNSWIndex(dim int) *HNSWIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:  graph,
		dim:    dim,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// Index inserts one vector per chunk. Re-indexing an existing chunk ID
// replaces its vector via lazy deletion: the old graph node is orphaned
// rather than removed, which sidesteps coder/hnsw delete edge cases.
func (s *HNSWIndex) Index(ctx context.Context, chunks []*Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks and vectors length mismatch: %d vs %d", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	for _, v := range vectors {
		if len(v) != s.dim {
			return ErrDimensionMismatch{Expected: s.dim, Got: len(v)}
		}
	}

	for i, c := range chunks {
		if oldKey, exists := s.idMap[c.ID]; exists {
			delete(s.keyMap, oldKey)
			delete(s.idMap, c.ID)
		}

		key := s.nextKey
		s.nextKey++

		vec := append([]float32(nil), vectors[i]...)
		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[c.ID] = key
		s.keyMap[key] = c.ID
	}
	return nil
}

// SearchVec returns the k nearest chunks by cosine similarity.
func (s *HNSWIndex) SearchVec(ctx context.Context, query []float32, k int) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if len(query) != s.dim {
		return nil, ErrDimensionMismatch{Expected: s.dim, Got: len(query)}
	}
	if s.graph.Len() == 0 {
		return []SearchHit{}, nil
	}

	// Over-fetch to compensate for orphaned nodes from lazy deletion: the
	// graph keeps every node ever added, the ID maps only the live ones.
	nodes := s.graph.Search(query, k+(s.graph.Len()-len(s.idMap)))

	hits := make([]SearchHit, 0, k)
	for _, node := range nodes {
		id, ok := s.keyMap[node.Key]
		if !ok {
			continue
		}
		distance := s.graph.Distance(query, node.Value)
		hits = append(hits, SearchHit{
			ID:     id,
			Score:  float64(1 - distance), // cosine distance -> similarity
			Source: SourceVector,
		})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// Contains reports whether the chunk ID has a live vector.
func (s *HNSWIndex) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.idMap[id]
	return ok
}

// Count returns the number of live vectors.
func (s *HNSWIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Save persists the graph and ID mappings next to each other, both through
// temp-file-plus-rename.
func (s *HNSWIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := s.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	metaPath := path + ".meta"
	tmpMeta := metaPath + ".tmp"
	mf, err := os.Create(tmpMeta)
	if err != nil {
		return fmt.Errorf("failed to create metadata file: %w", err)
	}
	w := bufio.NewWriter(mf)
	err = gob.NewEncoder(w).Encode(hnswMetadata{
		IDMap:   s.idMap,
		NextKey: s.nextKey,
		Dim:     s.dim,
	})
	if err == nil {
		err = w.Flush()
	}
	if cerr := mf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpMeta)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return os.Rename(tmpMeta, metaPath)
}

// Load restores an index written by Save.
func (s *HNSWIndex) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := s.graph.Import(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	mf, err := os.Open(path + ".meta")
	if err != nil {
		return fmt.Errorf("failed to open metadata file: %w", err)
	}
	defer func() { _ = mf.Close() }()

	var meta hnswMetadata
	if err := gob.NewDecoder(bufio.NewReader(mf)).Decode(&meta); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}

	s.idMap = meta.IDMap
	s.nextKey = meta.NextKey
	s.dim = meta.Dim
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		s.keyMap[key] = id
	}
	return nil
}

// Close marks the index closed. Safe to call multiple times.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
