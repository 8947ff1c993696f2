package index

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/localdb-dev/localdb/internal/errors"
	"github.com/localdb-dev/localdb/internal/store"
)

// Validation defaults: sampleCount stored vectors are queried against the
// fresh index before it may become active.
const (
	DefaultValidationSamples = 10
	DefaultValidationK       = 32
	DefaultValidationNprobe  = 8
	DefaultValidationRefine  = 4
)

// maintenanceLockFile serializes rebuilds across processes.
const maintenanceLockFile = "maintenance.lock"

// Builder runs the offline index maintenance window: sync the serving
// vector column, train a fresh index under a new name, validate it, and
// only then flip the active index pointer. A failed validation leaves the
// pointer untouched and removes the rejected artifact, so serving never
// degrades below the previous index.
type Builder struct {
	store  *store.DocumentStore
	dir    string
	logger *slog.Logger

	validationSamples int
	validationK       int
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBuilderLogger sets a custom logger.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithValidation overrides the validation sample count and per-query k.
func WithValidation(samples, k int) BuilderOption {
	return func(b *Builder) {
		if samples > 0 {
			b.validationSamples = samples
		}
		if k > 0 {
			b.validationK = k
		}
	}
}

// NewBuilder creates a builder storing index artifacts under dir.
func NewBuilder(st *store.DocumentStore, dir string, opts ...BuilderOption) *Builder {
	b := &Builder{
		store:             st,
		dir:               dir,
		logger:            slog.Default(),
		validationSamples: DefaultValidationSamples,
		validationK:       DefaultValidationK,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildResult summarizes one maintenance window.
type BuildResult struct {
	IndexName string
	Synced    int
	Vectors   int
	Params    store.IVFPQParams
	Duration  time.Duration
}

// Rebuild runs the full window for the given embedder: acquire the
// exclusive maintenance lock, copy Ready embeddings into the serving
// column, train a new index under a fresh name, validate it with sample
// self-queries, and flip the active pointer. Holding the lock for the
// whole window keeps sync, build and flip mutually consistent.
func (b *Builder) Rebuild(ctx context.Context, embedderID string) (*BuildResult, error) {
	start := time.Now()

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	lock := flock.New(filepath.Join(b.dir, maintenanceLockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire maintenance lock: %w", err)
	}
	if !locked {
		return nil, errors.New(errors.CodeConflict, "maintenance window already held by another process")
	}
	defer func() { _ = lock.Unlock() }()

	synced, err := b.store.SyncServingVectors(ctx, embedderID)
	if err != nil {
		return nil, fmt.Errorf("failed to sync serving vectors: %w", err)
	}

	ids, vectors, err := b.store.ServingVectors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load serving vectors: %w", err)
	}
	if len(ids) == 0 {
		return nil, errors.New(errors.CodeValidation, "no serving vectors to index; run backfill first")
	}

	params := ComputeParams(len(ids), len(vectors[0]))
	name := "ivfpq-" + uuid.NewString()

	b.logger.Info("index_build_started",
		slog.String("index", name),
		slog.String("embedder", embedderID),
		slog.Int("synced", synced),
		slog.Int("vectors", len(ids)),
		slog.Int("partitions", params.Partitions),
		slog.Int("sub_vectors", params.SubVectors))

	idx, err := store.BuildIVFPQ(name, ids, vectors, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build index: %w", err)
	}

	path := b.IndexPath(name)
	if err := idx.Save(path); err != nil {
		return nil, fmt.Errorf("failed to save index: %w", err)
	}

	if err := b.validate(ctx, idx); err != nil {
		_ = os.Remove(path)
		b.logger.Error("index_validation_failed",
			slog.String("index", name),
			slog.String("error", err.Error()))
		return nil, err
	}

	// The flip is the only mutation readers can observe. Everything before
	// this line is invisible to queries.
	if err := b.store.SetMeta(ctx, store.ActiveIndexKey(store.ChunkTable), name); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to flip active index: %w", err)
	}

	result := &BuildResult{
		IndexName: name,
		Synced:    synced,
		Vectors:   len(ids),
		Params:    params,
		Duration:  time.Since(start),
	}
	b.logger.Info("index_build_complete",
		slog.String("index", name),
		slog.Int("vectors", result.Vectors),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// IndexPath returns the artifact path for a named index.
func (b *Builder) IndexPath(name string) string {
	return filepath.Join(b.dir, name+".idx")
}

// validate self-queries the fresh index with a sample of its own vectors.
// Each query must return a non-empty result of at most k hits with finite
// scores. Failures are reported as validation errors and never flip the
// pointer.
func (b *Builder) validate(ctx context.Context, idx *store.IVFPQIndex) error {
	samples := b.validationSamples
	if samples > idx.Count() {
		samples = idx.Count()
	}

	step := idx.Count() / samples
	if step < 1 {
		step = 1
	}
	for i := 0; i < samples; i++ {
		query := idx.VectorAt(i * step)
		hits, err := idx.SearchVec(ctx, query, b.validationK, DefaultValidationNprobe, DefaultValidationRefine)
		if err != nil {
			return errors.Wrap(errors.CodeValidation, err)
		}
		if len(hits) == 0 {
			return errors.New(errors.CodeValidation, "validation query returned no results")
		}
		if len(hits) > b.validationK {
			return errors.New(errors.CodeValidation,
				fmt.Sprintf("validation query returned %d results for k=%d", len(hits), b.validationK))
		}
		for _, h := range hits {
			if math.IsNaN(h.Score) || math.IsInf(h.Score, 0) {
				return errors.New(errors.CodeValidation,
					fmt.Sprintf("validation query produced non-finite score for %s", h.ID))
			}
		}
	}
	return nil
}
