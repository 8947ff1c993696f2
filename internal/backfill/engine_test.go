package backfill

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localdb-dev/localdb/internal/cache"
	"github.com/localdb-dev/localdb/internal/errors"
	"github.com/localdb-dev/localdb/internal/store"
)

// testEmbedder produces deterministic 4-dim unit vectors and can be told
// to fail its first n calls.
type testEmbedder struct {
	mu           sync.Mutex
	calls        int
	failuresLeft int
	batchLen     int
}

func newTestEmbedder() *testEmbedder {
	return &testEmbedder{batchLen: 2}
}

func (e *testEmbedder) ID() string       { return "test:d4" }
func (e *testEmbedder) Dimensions() int  { return 4 }
func (e *testEmbedder) MaxBatchLen() int { return e.batchLen }

func (e *testEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *testEmbedder) FailNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failuresLeft = n
}

func (e *testEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	if e.failuresLeft > 0 {
		e.failuresLeft--
		e.mu.Unlock()
		return nil, fmt.Errorf("provider unavailable")
	}
	e.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		h := fnv.New32a()
		_, _ = h.Write([]byte(text))
		// A one-hot unit vector derived from the text hash.
		v := make([]float32, 4)
		v[h.Sum32()%4] = 1
		out[i] = v
	}
	return out, nil
}

type testPipeline struct {
	store    *store.DocumentStore
	cache    *cache.Cache
	embedder *testEmbedder
	engine   *Engine
}

func newTestPipeline(t *testing.T, opts ...Option) *testPipeline {
	t.Helper()
	st, err := store.OpenDocumentStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	embedder := newTestEmbedder()
	c := cache.New(st, 64)

	opts = append([]Option{WithWorkers(2), WithBatchSize(8)}, opts...)
	engine, err := New(st, c, embedder, opts...)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &testPipeline{store: st, cache: c, embedder: embedder, engine: engine}
}

func (p *testPipeline) insert(t *testing.T, contents ...string) []string {
	t.Helper()
	ids := make([]string, len(contents))
	chunks := make([]*store.Chunk, len(contents))
	for i, content := range contents {
		ids[i] = fmt.Sprintf("doc1#%d", i)
		chunks[i] = store.NewChunk(ids[i], "doc1", "docs/a.md", "", content, i, len(contents))
	}
	require.NoError(t, p.store.InsertChunks(context.Background(), chunks))
	return ids
}

func TestEngine_EmbedsAllPending(t *testing.T) {
	// Given: five pending chunks
	p := newTestPipeline(t)
	ids := p.insert(t, "one", "two", "three", "four", "five")

	// When: running the backfill
	stats, err := p.engine.Run(context.Background())
	require.NoError(t, err)

	// Then: every row is Ready with a side-table embedding
	assert.Equal(t, 5, stats.Ready)
	assert.Zero(t, stats.Failed)
	for _, id := range ids {
		c, err := p.store.GetChunk(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusReady, c.EmbeddingStatus)
		assert.Equal(t, int64(1), c.EmbeddingVersion)
	}

	counts, err := p.store.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, counts[store.StatusReady])
}

func TestEngine_SecondRunIsNoOp(t *testing.T) {
	// Given: a fully backfilled corpus
	p := newTestPipeline(t)
	p.insert(t, "one", "two", "three")
	_, err := p.engine.Run(context.Background())
	require.NoError(t, err)
	callsAfterFirst := p.embedder.Calls()

	// When: running again
	stats, err := p.engine.Run(context.Background())
	require.NoError(t, err)

	// Then: nothing is selected and the provider is never called
	assert.Zero(t, stats.Selected)
	assert.Zero(t, stats.ProviderCalls)
	assert.Equal(t, callsAfterFirst, p.embedder.Calls())
}

func TestEngine_CacheSkipsProviderForKnownContent(t *testing.T) {
	// Given: a backfilled chunk and a new chunk with identical content
	p := newTestPipeline(t)
	p.insert(t, "shared content")
	_, err := p.engine.Run(context.Background())
	require.NoError(t, err)
	callsAfterFirst := p.embedder.Calls()

	chunks := []*store.Chunk{
		store.NewChunk("doc2#0", "doc2", "docs/b.md", "", "shared content", 0, 1),
	}
	require.NoError(t, p.store.InsertChunks(context.Background(), chunks))

	// When: backfilling the new chunk
	stats, err := p.engine.Run(context.Background())
	require.NoError(t, err)

	// Then: the cache satisfies it without a provider call
	assert.Equal(t, 1, stats.Ready)
	assert.Equal(t, 1, stats.CacheHits)
	assert.Equal(t, callsAfterFirst, p.embedder.Calls())

	got, err := p.store.GetChunk(context.Background(), "doc2#0")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.EmbeddingStatus)
}

func TestEngine_ProviderFailureMarksErrorThenRetrySucceeds(t *testing.T) {
	// Given: a provider that fails every call for now
	p := newTestPipeline(t)
	ids := p.insert(t, "only chunk")
	p.embedder.FailNext(100)

	// When: running the backfill
	stats, err := p.engine.Run(context.Background())
	require.NoError(t, err)

	// Then: the row is in Error with the failure message recorded
	assert.Equal(t, 1, stats.Failed)
	got, err := p.store.GetChunk(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, got.EmbeddingStatus)
	assert.True(t, strings.HasPrefix(got.EmbeddingError, "[ERR_PROVIDER]"), got.EmbeddingError)
	assert.Contains(t, got.EmbeddingError, "provider unavailable")
	assert.Equal(t, int64(1), got.EmbeddingVersion)

	// When: the provider recovers and the backfill is re-run
	p.embedder.FailNext(0)
	stats, err = p.engine.Run(context.Background())
	require.NoError(t, err)

	// Then: the Error row is retried to Ready with another version bump
	assert.Equal(t, 1, stats.Ready)
	got, err = p.store.GetChunk(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.EmbeddingStatus)
	assert.Empty(t, got.EmbeddingError)
	assert.Equal(t, int64(2), got.EmbeddingVersion)
}

func TestEngine_FailingBatchDoesNotPoisonOthers(t *testing.T) {
	// Given: three chunks in one worker shard with MaxBatchLen 2, where
	// only the first provider call fails
	p := newTestPipeline(t, WithWorkers(1))
	p.insert(t, "alpha", "beta", "gamma")
	p.embedder.FailNext(1)

	stats, err := p.engine.Run(context.Background())
	require.NoError(t, err)

	// Then: the failing batch errored only its own rows, and a later
	// cycle within the same run retried them to Ready.
	assert.Equal(t, 3, stats.Ready)
	assert.Equal(t, 2, stats.Failed)
	counts, err := p.store.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[store.StatusReady])
}

func TestEngine_ReclaimsRowsStrandedByDeadWorker(t *testing.T) {
	// Given: a row claimed by a worker that never completed it
	p := newTestPipeline(t, WithClaimTTL(time.Millisecond))
	ids := p.insert(t, "stranded content")

	claims, err := p.store.SelectPending(context.Background(), 1)
	require.NoError(t, err)
	ok, err := p.store.ClaimChunk(context.Background(), claims[0])
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	// When: a later run starts
	stats, err := p.engine.Run(context.Background())
	require.NoError(t, err)

	// Then: the stranded row is reclaimed and embedded to Ready
	assert.Equal(t, 1, stats.Ready)
	got, err := p.store.GetChunk(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.EmbeddingStatus)
	assert.Empty(t, got.EmbeddingError)
	// one bump from the reclaim, one from the Ready transition
	assert.Equal(t, int64(2), got.EmbeddingVersion)
}

// brokenPersistStore fails every side-table write.
type brokenPersistStore struct {
	*store.DocumentStore
}

func (s brokenPersistStore) UpsertEmbeddings(context.Context, []*store.EmbeddingRecord) error {
	return fmt.Errorf("disk full")
}

func TestEngine_PersistFailureRecordsStorageCode(t *testing.T) {
	// Given: a store whose embedding persistence fails
	st, err := store.OpenDocumentStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	engine, err := New(brokenPersistStore{st}, cache.New(st, 64), newTestEmbedder(), WithWorkers(1))
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	chunks := []*store.Chunk{
		store.NewChunk("doc1#0", "doc1", "docs/a.md", "", "some content", 0, 1),
	}
	require.NoError(t, st.InsertChunks(context.Background(), chunks))

	// When: running the backfill
	stats, err := engine.Run(context.Background())
	require.NoError(t, err)

	// Then: the row is in Error and the message carries the storage code,
	// same taxonomy prefix as every other failure path
	assert.Equal(t, 1, stats.Failed)
	got, err := st.GetChunk(context.Background(), "doc1#0")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, got.EmbeddingStatus)
	assert.True(t, strings.HasPrefix(got.EmbeddingError, "[ERR_CACHE]"), got.EmbeddingError)
	assert.Contains(t, got.EmbeddingError, "disk full")
}

func TestEngine_RunStopsWhenEveryCallFails(t *testing.T) {
	// Given: a permanently failing provider
	p := newTestPipeline(t)
	p.insert(t, "a", "b", "c")
	p.embedder.FailNext(1000)

	// When: running the backfill
	stats, err := p.engine.Run(context.Background())

	// Then: the run suspends instead of spinning; rows stay retryable
	require.NoError(t, err)
	assert.Zero(t, stats.Ready)
	assert.Equal(t, 3, stats.Failed)

	claims, err := p.store.SelectPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, claims, 3)
}

func TestEngine_CircuitBreakerShortCircuits(t *testing.T) {
	// Given: a breaker that opens after one failure
	breaker := errors.NewCircuitBreaker("test",
		errors.WithMaxFailures(1), errors.WithResetTimeout(time.Hour))
	p := newTestPipeline(t, WithWorkers(1), WithCircuitBreaker(breaker))
	p.insert(t, "a", "b", "c", "d", "e")
	p.embedder.FailNext(1000)

	// When: running the backfill
	_, err := p.engine.Run(context.Background())
	require.NoError(t, err)

	// Then: after the first failure the breaker rejects calls without
	// reaching the provider
	assert.Equal(t, errors.StateOpen, breaker.State())
	assert.Equal(t, 1, p.embedder.Calls())
}

func TestEngine_ContextCancellation(t *testing.T) {
	p := newTestPipeline(t)
	p.insert(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
