package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// StaticDimensions is the embedding dimension of the static embedder.
const StaticDimensions = 256

// Vector composition weights. Token features carry most of the signal;
// character n-grams add robustness to morphology and typos.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// textStopWords are high-frequency words dropped before pooling.
var textStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"of": true, "to": true, "in": true, "on": true, "is": true,
	"are": true, "was": true, "be": true, "for": true, "with": true,
	"as": true, "at": true, "by": true, "it": true, "this": true,
}

// tokenRegex matches alphanumeric sequences.
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// StaticEmbedder produces embeddings from hashed token features with mean
// pooling, entirely offline. Output is deterministic for identical input,
// which makes it the reference provider for tests and the fast-iteration
// profile. Semantic quality is reduced compared to a neural model.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

// NewStaticEmbedder creates a static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// ID returns the stable embedder identifier.
func (e *StaticEmbedder) ID() string {
	return fmt.Sprintf("static:d%d", StaticDimensions)
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return StaticDimensions
}

// MaxBatchLen returns the maximum texts per EmbedBatch call. The static
// embedder has no real limit; the default keeps batch shapes comparable
// across providers.
func (e *StaticEmbedder) MaxBatchLen() int {
	return DefaultMaxBatchLen
}

// EmbedBatch returns one normalized vector per input text, in input order.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

// embedOne builds the vector for a single text: hashed token features are
// mean-pooled, an n-gram channel is blended in, and the result is
// L2-normalized. Empty input maps to the zero vector.
func (e *StaticEmbedder) embedOne(text string) []float32 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions)
	}

	vector := make([]float32, StaticDimensions)

	// Token channel with mean pooling: each token contributes a hashed
	// feature; the sum is divided by token count so long texts do not
	// dominate before normalization.
	tokens := filterStopWords(tokenize(trimmed))
	if len(tokens) > 0 {
		pooled := make([]float32, StaticDimensions)
		for _, token := range tokens {
			pooled[hashToIndex(token, StaticDimensions)] += 1
		}
		inv := 1 / float32(len(tokens))
		for i, x := range pooled {
			vector[i] += tokenWeight * x * inv
		}
	}

	// Character n-gram channel.
	ngrams := extractNgrams(normalizeForNgrams(trimmed), ngramSize)
	if len(ngrams) > 0 {
		inv := 1 / float32(len(ngrams))
		for _, ngram := range ngrams {
			vector[hashToIndex(ngram, StaticDimensions)] += ngramWeight * inv
		}
	}

	return normalizeVector(vector)
}

// Close releases the embedder. Safe to call multiple times.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// tokenize splits text into lowercase tokens, breaking camelCase and
// snake_case identifiers so paths and code-ish content tokenize sanely.
func tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenRegex.FindAllString(text, -1) {
		for _, t := range splitCompoundToken(word) {
			if lower := strings.ToLower(t); lower != "" {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// splitCompoundToken splits camelCase and snake_case identifiers.
func splitCompoundToken(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			result = append(result, splitCompoundToken(part)...)
		}
		return result
	}

	var result []string
	start := 0
	for i := 1; i < len(token); i++ {
		if unicode.IsUpper(rune(token[i])) && !unicode.IsUpper(rune(token[i-1])) {
			result = append(result, token[start:i])
			start = i
		}
	}
	result = append(result, token[start:])
	return result
}

func filterStopWords(tokens []string) []string {
	filtered := tokens[:0:len(tokens)]
	for _, t := range tokens {
		if !textStopWords[t] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// normalizeForNgrams lowercases and collapses whitespace.
func normalizeForNgrams(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func extractNgrams(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		return nil
	}
	ngrams := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		ngrams = append(ngrams, string(runes[i:i+n]))
	}
	return ngrams
}

// hashToIndex maps a feature string to a vector index via FNV-1a.
func hashToIndex(s string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dims))
}
