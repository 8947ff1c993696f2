// Package backfill drives chunks from unembedded to embedded in bounded,
// restart-safe batches. Workers claim rows optimistically, consult the
// content-addressed cache, and only call the embedding provider for
// misses; provider failures poison nothing beyond the rows in that batch.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/localdb-dev/localdb/internal/cache"
	"github.com/localdb-dev/localdb/internal/embed"
	"github.com/localdb-dev/localdb/internal/errors"
	"github.com/localdb-dev/localdb/internal/store"
)

// DefaultBatchSize is the number of rows selected per cycle.
const DefaultBatchSize = 64

// DefaultClaimTTL is how long a claim may sit in InProgress before a run
// presumes its worker dead and reclaims the row.
const DefaultClaimTTL = 15 * time.Minute

// Stats summarizes one engine run.
type Stats struct {
	Selected      int // rows picked up across all cycles
	Claimed       int // rows successfully claimed
	Conflicts     int // claims lost to another worker (soft, retried later)
	CacheHits     int // rows satisfied without a provider call
	ProviderCalls int // EmbedBatch invocations
	Ready         int // rows transitioned to Ready
	Failed        int // rows transitioned to Error
}

func (s *Stats) add(o Stats) {
	s.Selected += o.Selected
	s.Claimed += o.Claimed
	s.Conflicts += o.Conflicts
	s.CacheHits += o.CacheHits
	s.ProviderCalls += o.ProviderCalls
	s.Ready += o.Ready
	s.Failed += o.Failed
}

// Store is the slice of the document store the engine drives: selection,
// the optimistic claim, and the terminal transitions.
type Store interface {
	SelectPending(ctx context.Context, limit int) ([]*store.Claim, error)
	ClaimChunk(ctx context.Context, c *store.Claim) (bool, error)
	UpsertEmbeddings(ctx context.Context, records []*store.EmbeddingRecord) error
	MarkReady(ctx context.Context, ids []string, at time.Time) error
	MarkError(ctx context.Context, ids []string, msg string) error
	ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// Engine is the resumable embedding backfill state machine. Correctness
// under concurrency relies solely on the row-level (status, version)
// compare-and-set in the store; multiple engines may run against the same
// table and at worst skip each other's rows.
type Engine struct {
	store    Store
	cache    *cache.Cache
	provider embed.Embedder
	breaker  *errors.CircuitBreaker
	pool     *ants.Pool

	batchSize int
	workers   int
	claimTTL  time.Duration
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize bounds the number of rows selected per cycle.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithWorkers sets the number of concurrent claim workers per cycle.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithClaimTTL sets how long an InProgress claim may age before a run
// reclaims it from a presumed-dead worker.
func WithClaimTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.claimTTL = d
		}
	}
}

// WithCircuitBreaker replaces the default breaker guarding provider calls.
func WithCircuitBreaker(cb *errors.CircuitBreaker) Option {
	return func(e *Engine) {
		e.breaker = cb
	}
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates a backfill engine over the given store, cache and provider.
func New(st Store, c *cache.Cache, provider embed.Embedder, opts ...Option) (*Engine, error) {
	if st == nil || c == nil || provider == nil {
		return nil, fmt.Errorf("store, cache and provider are required")
	}

	e := &Engine{
		store:     st,
		cache:     c,
		provider:  provider,
		breaker:   errors.NewCircuitBreaker("embed-provider"),
		batchSize: DefaultBatchSize,
		claimTTL:  DefaultClaimTTL,
		workers:   max(1, runtime.NumCPU()/2),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	pool, err := ants.NewPool(e.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	e.pool = pool
	return e, nil
}

// Close releases the worker pool.
func (e *Engine) Close() {
	e.pool.Release()
}

// Run cycles until no pending rows remain. A fully-Ready corpus selects
// zero rows and performs zero provider calls. The run also stops when a
// cycle makes no forward progress: either every selected row lost its
// claim race (another engine owns them), or every provider call failed
// (the circuit breaker is cooling down); in both cases a later run picks
// the rows up again.
//
// Before the first cycle, claims older than the claim TTL are reclaimed:
// a worker that crashed between claim and completion would otherwise
// strand its rows in InProgress forever.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	var total Stats

	reclaimed, err := e.store.ReclaimStale(ctx, e.claimTTL)
	if err != nil {
		return total, err
	}
	if reclaimed > 0 {
		e.logger.Warn("backfill_claims_reclaimed",
			slog.Int("rows", reclaimed),
			slog.Duration("ttl", e.claimTTL))
	}

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		cycle, err := e.runCycle(ctx)
		total.add(cycle)
		if err != nil {
			return total, err
		}
		if cycle.Selected == 0 {
			break
		}
		if cycle.Claimed == 0 || (cycle.Ready == 0 && cycle.Failed > 0) {
			e.logger.Warn("backfill_suspended",
				slog.Int("selected", cycle.Selected),
				slog.Int("claimed", cycle.Claimed),
				slog.Int("failed", cycle.Failed),
				slog.String("breaker", e.breaker.State().String()))
			break
		}
	}

	e.logger.Info("backfill_run_complete",
		slog.Int("selected", total.Selected),
		slog.Int("ready", total.Ready),
		slog.Int("failed", total.Failed),
		slog.Int("cache_hits", total.CacheHits),
		slog.Int("provider_calls", total.ProviderCalls))
	return total, nil
}

// runCycle selects one bounded batch and fans it out to the worker pool.
func (e *Engine) runCycle(ctx context.Context) (Stats, error) {
	claims, err := e.store.SelectPending(ctx, e.batchSize)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Selected: len(claims)}
	if len(claims) == 0 {
		return stats, nil
	}

	shards := shard(claims, e.workers)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range shards {
		s := s
		wg.Add(1)
		if err := e.pool.Submit(func() {
			defer wg.Done()
			w := e.processShard(ctx, s)
			mu.Lock()
			stats.add(w)
			mu.Unlock()
		}); err != nil {
			wg.Done()
			return stats, fmt.Errorf("failed to submit shard: %w", err)
		}
	}
	wg.Wait()

	e.logger.Debug("backfill_cycle_complete",
		slog.Int("selected", stats.Selected),
		slog.Int("ready", stats.Ready),
		slog.Int("failed", stats.Failed),
		slog.Int("conflicts", stats.Conflicts))
	return stats, nil
}

// processShard runs the claim -> cache -> provider -> persist sequence for
// one worker's share of the cycle.
func (e *Engine) processShard(ctx context.Context, claims []*store.Claim) Stats {
	var stats Stats

	// Claim optimistically; losing a race is soft and the row is simply
	// skipped this cycle.
	claimed := make([]*store.Claim, 0, len(claims))
	for _, c := range claims {
		ok, err := e.store.ClaimChunk(ctx, c)
		if err != nil {
			e.logger.Error("claim_failed", slog.String("chunk", c.ID), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			stats.Conflicts++
			continue
		}
		claimed = append(claimed, c)
	}
	stats.Claimed = len(claimed)
	if len(claimed) == 0 {
		return stats
	}

	// Cache lookup by (content hash, embedder id).
	hashes := make([]string, len(claimed))
	for i, c := range claimed {
		hashes[i] = c.ContentHash
	}
	cached, err := e.cache.GetMany(ctx, e.provider.ID(), hashes)
	if err != nil {
		// Cache I/O failure: surface by erroring the whole shard; rows
		// re-enter a later cycle.
		e.failRows(ctx, claimed, errors.Wrap(errors.CodeCache, err))
		stats.Failed += len(claimed)
		return stats
	}

	vectors := make(map[string][]float32, len(claimed))
	var misses []*store.Claim
	for _, c := range claimed {
		if v, ok := cached[c.ContentHash]; ok {
			vectors[c.ID] = v
			stats.CacheHits++
		} else {
			misses = append(misses, c)
		}
	}

	// Embed misses in provider-sized batches. A failing batch errors only
	// its own rows; earlier batches and cache hits are unaffected.
	newlyComputed := make(map[string][]float32)
	for _, group := range shardBySize(misses, e.provider.MaxBatchLen()) {
		texts := make([]string, len(group))
		for i, c := range group {
			texts[i] = c.Content
		}

		var embedded [][]float32
		callErr := e.breaker.Execute(func() error {
			stats.ProviderCalls++
			vs, err := e.provider.EmbedBatch(ctx, texts)
			if err != nil {
				return err
			}
			if len(vs) != len(texts) {
				return fmt.Errorf("provider returned %d vectors for %d texts", len(vs), len(texts))
			}
			for _, v := range vs {
				if len(v) != e.provider.Dimensions() {
					return store.ErrDimensionMismatch{Expected: e.provider.Dimensions(), Got: len(v)}
				}
			}
			embedded = vs
			return nil
		})
		if callErr != nil {
			e.failRows(ctx, group, errors.Wrap(errors.CodeProvider, callErr))
			stats.Failed += len(group)
			continue
		}

		for i, c := range group {
			vectors[c.ID] = embedded[i]
			newlyComputed[c.ContentHash] = embedded[i]
		}
	}

	// Persist: cache entries for computed vectors, side-table records and
	// the Ready transition for every row that got a vector.
	if len(newlyComputed) > 0 {
		if err := e.cache.PutMany(ctx, e.provider.ID(), newlyComputed); err != nil {
			e.logger.Error("cache_write_failed", slog.String("error", err.Error()))
			// The side table still gets the vectors; the cache refills on
			// the next computation.
		}
	}

	now := time.Now()
	var readyIDs []string
	var records []*store.EmbeddingRecord
	for _, c := range claimed {
		v, ok := vectors[c.ID]
		if !ok {
			continue // row failed above
		}
		readyIDs = append(readyIDs, c.ID)
		records = append(records, &store.EmbeddingRecord{
			ChunkID:     c.ID,
			EmbedderID:  e.provider.ID(),
			ContentHash: c.ContentHash,
			EmbeddedAt:  now,
			Vector:      v,
		})
	}
	if len(records) == 0 {
		return stats
	}

	if err := e.store.UpsertEmbeddings(ctx, records); err != nil {
		e.failRows(ctx, claimed, errors.Wrap(errors.CodeCache, err))
		stats.Failed += len(readyIDs)
		return stats
	}
	if err := e.store.MarkReady(ctx, readyIDs, now); err != nil {
		e.logger.Error("mark_ready_failed", slog.String("error", err.Error()))
		return stats
	}
	stats.Ready += len(readyIDs)
	return stats
}

// failRows records a terminal Error transition for the given rows.
func (e *Engine) failRows(ctx context.Context, rows []*store.Claim, cause error) {
	ids := make([]string, len(rows))
	for i, c := range rows {
		ids[i] = c.ID
	}
	if err := e.store.MarkError(ctx, ids, cause.Error()); err != nil {
		e.logger.Error("mark_error_failed", slog.String("error", err.Error()))
	}
	e.logger.Warn("backfill_rows_errored",
		slog.Int("rows", len(ids)),
		slog.String("error", cause.Error()))
}

// shard splits claims into at most n roughly equal slices.
func shard(claims []*store.Claim, n int) [][]*store.Claim {
	if n > len(claims) {
		n = len(claims)
	}
	shards := make([][]*store.Claim, 0, n)
	size := (len(claims) + n - 1) / n
	for start := 0; start < len(claims); start += size {
		end := min(start+size, len(claims))
		shards = append(shards, claims[start:end])
	}
	return shards
}

// shardBySize splits claims into groups of at most size, the provider's
// batch capacity.
func shardBySize(claims []*store.Claim, size int) [][]*store.Claim {
	if size <= 0 {
		size = embed.DefaultMaxBatchLen
	}
	var groups [][]*store.Claim
	for start := 0; start < len(claims); start += size {
		end := min(start+size, len(claims))
		groups = append(groups, claims[start:end])
	}
	return groups
}
