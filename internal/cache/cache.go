// Package cache provides the content-addressed embedding cache consulted
// by the backfill engine before any provider call.
package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/localdb-dev/localdb/internal/errors"
	"github.com/localdb-dev/localdb/internal/store"
)

// DefaultMemoryEntries is the default size of the in-process LRU layer.
// At 256 dimensions * 4 bytes * 4096 entries this is about 4MB.
const DefaultMemoryEntries = 4096

// Backend is the durable half of the cache. Implemented by
// store.DocumentStore over the embedding_cache table.
type Backend interface {
	CacheGetMany(ctx context.Context, embedderID string, hashes []string) (map[string][]float32, error)
	CachePutMany(ctx context.Context, entries []*store.CacheEntry) error
}

// Cache maps (content hash, embedder id) to an embedding vector. A miss
// is never an error, only a signal to compute. Values are a deterministic
// function of the key, so concurrent duplicate puts are harmless and no
// coordination is needed between backfill workers.
//
// Reads go through an in-process LRU in front of the durable backend;
// writes go through to both.
type Cache struct {
	backend Backend
	memory  *lru.Cache[string, []float32]
}

// New creates a cache over the given backend. memoryEntries bounds the
// LRU layer; values <= 0 select the default.
func New(backend Backend, memoryEntries int) *Cache {
	if memoryEntries <= 0 {
		memoryEntries = DefaultMemoryEntries
	}
	memory, _ := lru.New[string, []float32](memoryEntries)
	return &Cache{backend: backend, memory: memory}
}

func cacheKey(contentHash, embedderID string) string {
	return contentHash + "\x00" + embedderID
}

// Get returns the cached vector for (contentHash, embedderID), or false on
// a miss.
func (c *Cache) Get(ctx context.Context, contentHash, embedderID string) ([]float32, bool, error) {
	hits, err := c.GetMany(ctx, embedderID, []string{contentHash})
	if err != nil {
		return nil, false, err
	}
	v, ok := hits[contentHash]
	return v, ok, nil
}

// GetMany returns the cached vectors for the given hashes. Missing hashes
// are absent from the result map.
func (c *Cache) GetMany(ctx context.Context, embedderID string, hashes []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	var misses []string
	for _, h := range hashes {
		if v, ok := c.memory.Get(cacheKey(h, embedderID)); ok {
			out[h] = v
		} else {
			misses = append(misses, h)
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	stored, err := c.backend.CacheGetMany(ctx, embedderID, misses)
	if err != nil {
		return nil, errors.Wrap(errors.CodeCache, err)
	}
	for h, v := range stored {
		out[h] = v
		c.memory.Add(cacheKey(h, embedderID), v)
	}
	return out, nil
}

// Put stores one vector under (contentHash, embedderID).
func (c *Cache) Put(ctx context.Context, contentHash, embedderID string, vector []float32) error {
	return c.PutMany(ctx, embedderID, map[string][]float32{contentHash: vector})
}

// PutMany writes vectors through to the backend and the LRU layer.
// Repeated puts for the same key are idempotent no-ops in effect.
func (c *Cache) PutMany(ctx context.Context, embedderID string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	now := time.Now()
	entries := make([]*store.CacheEntry, 0, len(vectors))
	for h, v := range vectors {
		entries = append(entries, &store.CacheEntry{
			ContentHash: h,
			EmbedderID:  embedderID,
			CreatedAt:   now,
			Vector:      v,
		})
	}
	if err := c.backend.CachePutMany(ctx, entries); err != nil {
		return errors.Wrap(errors.CodeCache, err)
	}
	for h, v := range vectors {
		c.memory.Add(cacheKey(h, embedderID), v)
	}
	return nil
}
