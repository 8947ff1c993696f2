package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// ChunkTable is the name of the primary chunk table. Meta keys that refer
// to the serving index are scoped by this name.
const ChunkTable = "chunks"

// DocumentStore is the SQLite-backed durable store for chunks, the
// embeddings side table, the embedding cache, and the meta key/value table.
//
// All writes go through a single connection (SQLite single-writer model);
// concurrent backfill workers coordinate through row-level optimistic
// claims, not through Go-side locking.
type DocumentStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// OpenDocumentStore opens (or creates) the store at path. An empty path
// opens an in-memory store for testing. WAL mode is enabled for concurrent
// multi-process access.
func OpenDocumentStore(path string) (*DocumentStore, error) {
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA for modernc.org/sqlite; DSN params may be ignored
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &DocumentStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *DocumentStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Primary chunk table. The vector column is the serving column:
	-- written only by the index builder's sync step.
	CREATE TABLE IF NOT EXISTS chunks (
		id                TEXT PRIMARY KEY,
		doc_id            TEXT NOT NULL,
		doc_path          TEXT NOT NULL,
		category          TEXT NOT NULL DEFAULT '',
		content           TEXT NOT NULL,
		chunk_index       INTEGER NOT NULL,
		total_chunks      INTEGER NOT NULL,
		content_hash      TEXT NOT NULL,
		vector            BLOB,
		embedding_status  TEXT NOT NULL DEFAULT 'new',
		embedding_error   TEXT,
		embedding_version INTEGER NOT NULL DEFAULT 0,
		embedded_at       INTEGER,
		claimed_at        INTEGER,
		index_status      TEXT NOT NULL DEFAULT 'stale',
		index_version     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_embedding_status ON chunks(embedding_status);

	-- Side table: one embedder's output per chunk. Source of truth for
	-- index builds, independent from the serving column.
	CREATE TABLE IF NOT EXISTS embeddings (
		chunk_id     TEXT NOT NULL,
		embedder_id  TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		embedded_at  INTEGER NOT NULL,
		vector       BLOB NOT NULL,
		PRIMARY KEY (chunk_id, embedder_id)
	);

	-- Content-addressed cache: (content_hash, embedder_id) -> vector.
	CREATE TABLE IF NOT EXISTS embedding_cache (
		content_hash TEXT NOT NULL,
		embedder_id  TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		vector       BLOB NOT NULL,
		PRIMARY KEY (content_hash, embedder_id)
	);

	-- Key/value metadata, including the active index pointer.
	CREATE TABLE IF NOT EXISTS meta (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertChunks adds chunks in their initial pipeline state. Existing IDs
// are replaced; replacing resets the row to New with a recomputed hash so
// changed content is re-embedded.
func (s *DocumentStore) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks
		(id, doc_id, doc_path, category, content, chunk_index, total_chunks,
		 content_hash, vector, embedding_status, embedding_error,
		 embedding_version, embedded_at, index_status, index_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, 0, NULL, 'stale', 0)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range chunks {
		hash := c.ContentHash
		if hash == "" {
			hash = HashContent(c.Content)
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.DocID, c.DocPath, c.Category, c.Content,
			c.ChunkIndex, c.TotalChunks, hash, string(StatusNew)); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetChunk returns a chunk by ID, or nil if it does not exist.
func (s *DocumentStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, doc_id, doc_path, category, content, chunk_index,
		       total_chunks, content_hash, vector, embedding_status,
		       COALESCE(embedding_error, ''), embedding_version,
		       COALESCE(embedded_at, 0), index_status, index_version
		FROM chunks WHERE id = ?`, id)

	var c Chunk
	var vec []byte
	var status string
	var embeddedAt int64
	err := row.Scan(&c.ID, &c.DocID, &c.DocPath, &c.Category, &c.Content,
		&c.ChunkIndex, &c.TotalChunks, &c.ContentHash, &vec, &status,
		&c.EmbeddingError, &c.EmbeddingVersion, &embeddedAt,
		&c.IndexStatus, &c.IndexVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.EmbeddingStatus = EmbeddingStatus(status)
	if embeddedAt != 0 {
		c.EmbeddedAt = time.UnixMilli(embeddedAt)
	}
	if len(vec) > 0 {
		c.Vector = decodeVector(vec)
	}
	return &c, nil
}

// SelectPending returns up to limit rows whose status is New or Error, the
// selection set of one backfill cycle. Rows are returned oldest-first so
// retries do not starve fresh rows. InProgress rows are excluded: a live
// worker owns them, and rows stranded by a dead worker re-enter the set
// through ReclaimStale.
func (s *DocumentStore) SelectPending(ctx context.Context, limit int) ([]*Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, content_hash, embedding_status, embedding_version
		FROM chunks
		WHERE embedding_status IN (?, ?)
		ORDER BY rowid
		LIMIT ?`, string(StatusNew), string(StatusError), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var claims []*Claim
	for rows.Next() {
		var c Claim
		var status string
		if err := rows.Scan(&c.ID, &c.Content, &c.ContentHash, &status, &c.Version); err != nil {
			return nil, err
		}
		c.Status = EmbeddingStatus(status)
		claims = append(claims, &c)
	}
	return claims, rows.Err()
}

// ClaimChunk attempts the optimistic transition to InProgress, guarded by
// the (status, version) pair observed at selection time. A false return
// means another worker claimed the row first; the caller simply skips it.
func (s *DocumentStore) ClaimChunk(ctx context.Context, c *Claim) (bool, error) {
	if !c.Status.CanTransition(StatusInProgress) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, fmt.Errorf("store is closed")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET embedding_status = ?, claimed_at = ?
		WHERE id = ? AND embedding_status = ? AND embedding_version = ?`,
		string(StatusInProgress), time.Now().UnixMilli(), c.ID, string(c.Status), c.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkReady transitions claimed rows to Ready, clears the error message,
// bumps the embedding version and stamps embedded_at.
func (s *DocumentStore) MarkReady(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	query := fmt.Sprintf(`
		UPDATE chunks SET
			embedding_status = ?,
			embedding_error = NULL,
			embedding_version = embedding_version + 1,
			embedded_at = ?
		WHERE id IN (%s) AND embedding_status = ?`, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+3)
	args = append(args, string(StatusReady), at.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(StatusInProgress))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// MarkError transitions claimed rows to Error with the provider failure
// message and bumps the embedding version. Error rows re-enter a later
// backfill cycle.
func (s *DocumentStore) MarkError(ctx context.Context, ids []string, msg string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	query := fmt.Sprintf(`
		UPDATE chunks SET
			embedding_status = ?,
			embedding_error = ?,
			embedding_version = embedding_version + 1
		WHERE id IN (%s) AND embedding_status = ?`, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+3)
	args = append(args, string(StatusError), msg)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(StatusInProgress))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// ReclaimStale resets InProgress rows whose claim is older than maxAge
// back to Error, so the next backfill cycle retries them. This is the
// recovery path for workers that crashed between claiming a row and
// completing it; the version bump invalidates nothing a live worker needs,
// since completions are guarded by status alone and embeddings are a
// deterministic function of content.
func (s *DocumentStore) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET
			embedding_status = ?,
			embedding_error = ?,
			embedding_version = embedding_version + 1
		WHERE embedding_status = ? AND COALESCE(claimed_at, 0) < ?`,
		string(StatusError), "claim expired; worker presumed dead",
		string(StatusInProgress), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UpsertEmbeddings writes embedding records into the side table. The
// primary key (chunk_id, embedder_id) makes repeated writes idempotent.
func (s *DocumentStore) UpsertEmbeddings(ctx context.Context, records []*EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO embeddings
		(chunk_id, embedder_id, content_hash, embedded_at, vector)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ChunkID, r.EmbedderID,
			r.ContentHash, r.EmbeddedAt.UnixMilli(), encodeVector(r.Vector)); err != nil {
			return fmt.Errorf("failed to upsert embedding for %s: %w", r.ChunkID, err)
		}
	}
	return tx.Commit()
}

// SyncServingVectors copies every Ready row's side-table vector (for the
// given embedder) into the serving column, keyed by chunk id. This is the
// only writer of the serving column. It must run inside the exclusive
// maintenance window, never concurrently with a build on the same table.
func (s *DocumentStore) SyncServingVectors(ctx context.Context, embedderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET
			vector = (SELECT e.vector FROM embeddings e
			          WHERE e.chunk_id = chunks.id AND e.embedder_id = ?),
			index_version = index_version + 1
		WHERE embedding_status = ?
		  AND EXISTS (SELECT 1 FROM embeddings e
		              WHERE e.chunk_id = chunks.id AND e.embedder_id = ?)`,
		embedderID, string(StatusReady), embedderID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Debug("serving_vectors_synced",
		slog.String("embedder", embedderID),
		slog.Int64("rows", n))
	return int(n), nil
}

// ServingVectors returns every (id, vector) pair from the serving column.
// Used by the index builder; callers hold the maintenance lock.
func (s *DocumentStore) ServingVectors(ctx context.Context) ([]string, [][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vector FROM chunks WHERE vector IS NOT NULL ORDER BY rowid`)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	var vectors [][]float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		vectors = append(vectors, decodeVector(blob))
	}
	return ids, vectors, rows.Err()
}

// CountServingVectors returns the number of rows with a serving vector.
func (s *DocumentStore) CountServingVectors(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE vector IS NOT NULL`).Scan(&n)
	return n, err
}

// StatusCounts returns the number of chunks per embedding status.
func (s *DocumentStore) StatusCounts(ctx context.Context) (map[EmbeddingStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT embedding_status, COUNT(*) FROM chunks GROUP BY embedding_status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[EmbeddingStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[EmbeddingStatus(status)] = n
	}
	return counts, rows.Err()
}

// CacheGetMany returns cached vectors for the given content hashes and
// embedder. Missing hashes are simply absent from the result; a miss is a
// signal to compute, not an error.
func (s *DocumentStore) CacheGetMany(ctx context.Context, embedderID string, hashes []string) (map[string][]float32, error) {
	if len(hashes) == 0 {
		return map[string][]float32{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	query := fmt.Sprintf(`
		SELECT content_hash, vector FROM embedding_cache
		WHERE embedder_id = ? AND content_hash IN (%s)`, placeholders(len(hashes)))
	args := make([]any, 0, len(hashes)+1)
	args = append(args, embedderID)
	for _, h := range hashes {
		args = append(args, h)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]float32, len(hashes))
	for rows.Next() {
		var hash string
		var blob []byte
		if err := rows.Scan(&hash, &blob); err != nil {
			return nil, err
		}
		out[hash] = decodeVector(blob)
	}
	return out, rows.Err()
}

// CachePutMany stores cache entries. Entries are write-once in practice:
// the same key always carries the same vector, so INSERT OR REPLACE makes
// concurrent duplicate writes harmless.
func (s *DocumentStore) CachePutMany(ctx context.Context, entries []*CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO embedding_cache
		(content_hash, embedder_id, created_at, vector)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		at := e.CreatedAt
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, e.ContentHash, e.EmbedderID,
			at.UnixMilli(), encodeVector(e.Vector)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetMeta upserts a key in the meta table. Used for the active index
// pointer: a single UPDATE on a primary-key row, so readers observe either
// the old or the new value, never a partial one.
func (s *DocumentStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetMeta returns the value for key, or "" and false if unset.
func (s *DocumentStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, fmt.Errorf("store is closed")
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Close releases the underlying database. Safe to call multiple times.
func (s *DocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// placeholders returns "?, ?, ..." for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// encodeVector packs a float32 vector as little-endian bytes for BLOB
// storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// decodeVector unpacks a BLOB written by encodeVector.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
