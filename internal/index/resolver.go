package index

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/localdb-dev/localdb/internal/store"
)

// ErrNoActiveIndex is returned when the active index pointer is unset,
// i.e. no build has completed for the table yet.
var ErrNoActiveIndex = fmt.Errorf("no active index")

// Resolver maps the active index pointer to a loaded index. The pointer
// is re-read from the meta table on every call, so a flip by a concurrent
// maintenance window takes effect on the next query; only the loaded
// artifact is cached, keyed by index name.
type Resolver struct {
	store *store.DocumentStore
	dir   string

	mu     sync.Mutex
	name   string
	loaded *store.IVFPQIndex
}

// NewResolver creates a resolver reading artifacts from dir.
func NewResolver(st *store.DocumentStore, dir string) *Resolver {
	return &Resolver{store: st, dir: dir}
}

// Active returns the currently active index for the chunk table. Returns
// ErrNoActiveIndex when the pointer is unset.
func (r *Resolver) Active(ctx context.Context) (*store.IVFPQIndex, error) {
	name, ok, err := r.store.GetMeta(ctx, store.ActiveIndexKey(store.ChunkTable))
	if err != nil {
		return nil, fmt.Errorf("failed to read active index pointer: %w", err)
	}
	if !ok || name == "" {
		return nil, ErrNoActiveIndex
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded != nil && r.name == name {
		return r.loaded, nil
	}

	idx, err := store.LoadIVFPQ(filepath.Join(r.dir, name+".idx"))
	if err != nil {
		return nil, fmt.Errorf("failed to load active index %s: %w", name, err)
	}
	r.name = name
	r.loaded = idx
	return idx, nil
}

// ActiveName returns the active index name without loading the artifact.
func (r *Resolver) ActiveName(ctx context.Context) (string, error) {
	name, ok, err := r.store.GetMeta(ctx, store.ActiveIndexKey(store.ChunkTable))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoActiveIndex
	}
	return name, nil
}
