package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// IVFPQParams are the training parameters for an inverted-partition index
// with product-quantized codes. They are pure functions of corpus size and
// embedding dimension; see index.ComputeParams.
type IVFPQParams struct {
	Partitions int // number of coarse partitions (inverted lists)
	SubVectors int // number of PQ sub-quantizers
	Bits       int // code width per sub-vector; fixed at 8
}

// kmeansSeed keeps training deterministic across builds of the same corpus.
const kmeansSeed = 42

const kmeansIterations = 10

// pqEntry is one encoded vector in an inverted list.
type pqEntry struct {
	Ord  int    // ordinal into the id/vector tables
	Code []byte // one byte per sub-vector
}

// IVFPQIndex is an approximate nearest-neighbor index: vectors are
// clustered into coarse partitions and compressed into short PQ codes.
// Queries probe the nearest partitions, score candidates with asymmetric
// distance tables, then re-rank the best candidates exactly against the
// stored serving vectors (the refine step).
//
// An index is immutable after training; rebuilds produce a new index under
// a fresh name and republish it through the active index pointer.
type IVFPQIndex struct {
	mu sync.RWMutex

	name   string
	dim    int
	subDim int
	params IVFPQParams

	centroids [][]float32   // coarse centroids, len = Partitions
	codebooks [][][]float32 // per sub-quantizer centroids, up to 256 each
	lists     [][]pqEntry   // one inverted list per partition

	ids     []string
	vectors [][]float32 // serving vectors kept for the refine re-rank
}

// ivfpqFile is the gob-serialized form of an index.
type ivfpqFile struct {
	Name      string
	Dim       int
	Params    IVFPQParams
	Centroids [][]float32
	Codebooks [][][]float32
	Lists     [][]pqEntry
	IDs       []string
	Vectors   [][]float32
}

// BuildIVFPQ trains a new index over the given serving vectors. The name
// identifies the index artifact; an existing index is never mutated in
// place. Vectors are expected unit-length (the embedder contract), so
// similarity is the inner product.
func BuildIVFPQ(name string, ids []string, vectors [][]float32, params IVFPQParams) (*IVFPQIndex, error) {
	if len(ids) != len(vectors) {
		return nil, fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("cannot build index over empty corpus")
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim {
			return nil, ErrDimensionMismatch{Expected: dim, Got: len(v)}
		}
	}
	if params.SubVectors <= 0 || dim%params.SubVectors != 0 {
		return nil, fmt.Errorf("sub-vector count %d does not divide dimension %d", params.SubVectors, dim)
	}
	if params.Partitions < 1 {
		params.Partitions = 1
	}
	if params.Partitions > len(vectors) {
		params.Partitions = len(vectors)
	}

	rng := rand.New(rand.NewSource(kmeansSeed))
	idx := &IVFPQIndex{
		name:    name,
		dim:     dim,
		subDim:  dim / params.SubVectors,
		params:  params,
		ids:     ids,
		vectors: vectors,
	}

	// Coarse quantizer: k-means over the full vectors.
	idx.centroids = kmeans(rng, vectors, params.Partitions, kmeansIterations)

	// Product quantizer: independent k-means per sub-space.
	codeCount := 1 << params.Bits
	if codeCount > len(vectors) {
		codeCount = len(vectors)
	}
	idx.codebooks = make([][][]float32, params.SubVectors)
	for m := 0; m < params.SubVectors; m++ {
		sub := make([][]float32, len(vectors))
		for i, v := range vectors {
			sub[i] = v[m*idx.subDim : (m+1)*idx.subDim]
		}
		idx.codebooks[m] = kmeans(rng, sub, codeCount, kmeansIterations)
	}

	// Assign and encode.
	idx.lists = make([][]pqEntry, len(idx.centroids))
	for ord, v := range vectors {
		part := nearestCentroid(v, idx.centroids)
		code := make([]byte, params.SubVectors)
		for m := 0; m < params.SubVectors; m++ {
			code[m] = byte(nearestCentroid(v[m*idx.subDim:(m+1)*idx.subDim], idx.codebooks[m]))
		}
		idx.lists[part] = append(idx.lists[part], pqEntry{Ord: ord, Code: code})
	}
	return idx, nil
}

// Name returns the index identifier.
func (idx *IVFPQIndex) Name() string { return idx.name }

// Dimensions returns the vector dimension the index was trained for.
func (idx *IVFPQIndex) Dimensions() int { return idx.dim }

// Count returns the number of indexed vectors.
func (idx *IVFPQIndex) Count() int { return len(idx.ids) }

// VectorAt returns the stored serving vector at ordinal i. Used by index
// validation to self-query with known members.
func (idx *IVFPQIndex) VectorAt(i int) []float32 { return idx.vectors[i] }

// SearchVec returns the k nearest chunks to the query vector. nprobe
// partitions are scanned; refine controls over-retrieval: k*refine
// candidates are scored approximately, then re-ranked exactly against the
// stored serving vectors.
func (idx *IVFPQIndex) SearchVec(ctx context.Context, query []float32, k, nprobe, refine int) ([]SearchHit, error) {
	if len(query) != idx.dim {
		return nil, ErrDimensionMismatch{Expected: idx.dim, Got: len(query)}
	}
	if k <= 0 {
		return []SearchHit{}, nil
	}
	if nprobe < 1 {
		nprobe = 1
	}
	if nprobe > len(idx.centroids) {
		nprobe = len(idx.centroids)
	}
	if refine < 1 {
		refine = 1
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	// Rank partitions by centroid similarity.
	type partScore struct {
		part  int
		score float32
	}
	parts := make([]partScore, len(idx.centroids))
	for i, c := range idx.centroids {
		parts[i] = partScore{part: i, score: dot(query, c)}
	}
	sort.Slice(parts, func(a, b int) bool { return parts[a].score > parts[b].score })

	// Asymmetric distance tables: per sub-quantizer, the inner product of
	// the query sub-vector with every codebook centroid.
	tables := make([][]float32, idx.params.SubVectors)
	for m := 0; m < idx.params.SubVectors; m++ {
		q := query[m*idx.subDim : (m+1)*idx.subDim]
		tables[m] = make([]float32, len(idx.codebooks[m]))
		for c, centroid := range idx.codebooks[m] {
			tables[m][c] = dot(q, centroid)
		}
	}

	// Approximate scores over the probed lists.
	type cand struct {
		ord   int
		score float32
	}
	var cands []cand
	for _, p := range parts[:nprobe] {
		for _, e := range idx.lists[p.part] {
			var s float32
			for m, c := range e.Code {
				s += tables[m][c]
			}
			cands = append(cands, cand{ord: e.Ord, score: s})
		}
	}
	sort.Slice(cands, func(a, b int) bool { return cands[a].score > cands[b].score })

	keep := k * refine
	if keep > len(cands) {
		keep = len(cands)
	}
	cands = cands[:keep]

	// Refine: exact inner product against the serving vectors.
	hits := make([]SearchHit, 0, len(cands))
	for _, c := range cands {
		hits = append(hits, SearchHit{
			ID:     idx.ids[c.ord],
			Score:  float64(dot(query, idx.vectors[c.ord])),
			Source: SourceVector,
		})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].ID < hits[b].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Save persists the index artifact. Write goes to a temp file first, then
// an atomic rename, so a crash never leaves a partial artifact under the
// final name.
func (idx *IVFPQIndex) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := gob.NewEncoder(w)
	err = enc.Encode(ivfpqFile{
		Name:      idx.name,
		Dim:       idx.dim,
		Params:    idx.params,
		Centroids: idx.centroids,
		Codebooks: idx.codebooks,
		Lists:     idx.lists,
		IDs:       idx.ids,
		Vectors:   idx.vectors,
	})
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write index: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadIVFPQ reads an index artifact written by Save.
func LoadIVFPQ(path string) (*IVFPQIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var file ivfpqFile
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	if file.Dim == 0 || len(file.IDs) != len(file.Vectors) {
		return nil, fmt.Errorf("index file is corrupt: %s", path)
	}
	return &IVFPQIndex{
		name:      file.Name,
		dim:       file.Dim,
		subDim:    file.Dim / file.Params.SubVectors,
		params:    file.Params,
		centroids: file.Centroids,
		codebooks: file.Codebooks,
		lists:     file.Lists,
		ids:       file.IDs,
		vectors:   file.Vectors,
	}, nil
}

// kmeans runs a bounded Lloyd iteration and returns k centroids. Initial
// centroids are drawn without replacement from the input. Empty clusters
// are reseeded from random points so every centroid stays meaningful.
func kmeans(rng *rand.Rand, points [][]float32, k, iterations int) [][]float32 {
	if k > len(points) {
		k = len(points)
	}
	if k < 1 {
		k = 1
	}
	dim := len(points[0])

	centroids := make([][]float32, k)
	for i, p := range rng.Perm(len(points))[:k] {
		centroids[i] = append([]float32(nil), points[p]...)
	}

	assign := make([]int, len(points))
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, p := range points {
			best := nearestCentroid(p, centroids)
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, p := range points {
			c := assign[i]
			counts[c]++
			for d, x := range p {
				sums[c][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				centroids[c] = append([]float32(nil), points[rng.Intn(len(points))]...)
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}
	return centroids
}

// nearestCentroid returns the index of the closest centroid by squared
// euclidean distance.
func nearestCentroid(p []float32, centroids [][]float32) int {
	best := 0
	bestDist := float32(math.MaxFloat32)
	for i, c := range centroids {
		var d float32
		for j := range p {
			diff := p[j] - c[j]
			d += diff * diff
		}
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
