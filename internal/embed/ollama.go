package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama API defaults.
const (
	// DefaultOllamaHost is the default Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model.
	DefaultOllamaModel = "nomic-embed-text"

	// DefaultOllamaTimeout bounds a single embed request.
	DefaultOllamaTimeout = 60 * time.Second
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	// Host is the Ollama API endpoint (default: http://localhost:11434).
	Host string

	// Model is the embedding model to use.
	Model string

	// Dimensions overrides auto-detection when non-zero.
	Dimensions int

	// MaxBatchLen is the maximum texts per request (default: 64).
	MaxBatchLen int

	// Timeout bounds each API request.
	Timeout time.Duration
}

// OllamaEmbedder calls a local Ollama server over HTTP. Determinism holds
// for a fixed model and server version, which is what the cache key
// (content hash, embedder id) encodes.
type OllamaEmbedder struct {
	config OllamaConfig
	client *http.Client
	dims   int
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder creates an Ollama-backed embedder and probes the model
// once to detect its dimension when not configured.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.MaxBatchLen <= 0 {
		cfg.MaxBatchLen = DefaultMaxBatchLen
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultOllamaTimeout
	}

	e := &OllamaEmbedder{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		dims:   cfg.Dimensions,
	}

	if e.dims == 0 {
		probe, err := e.doEmbed(ctx, []string{"dimension probe"})
		if err != nil {
			return nil, fmt.Errorf("failed to detect dimensions: %w", err)
		}
		if len(probe) == 0 {
			return nil, fmt.Errorf("dimension probe returned no embedding")
		}
		e.dims = len(probe[0])
	}
	return e, nil
}

// ID returns the stable embedder identifier.
func (e *OllamaEmbedder) ID() string {
	return fmt.Sprintf("ollama:%s:d%d", e.config.Model, e.dims)
}

// Dimensions returns the embedding dimension.
func (e *OllamaEmbedder) Dimensions() int {
	return e.dims
}

// MaxBatchLen returns the maximum texts per EmbedBatch call.
func (e *OllamaEmbedder) MaxBatchLen() int {
	return e.config.MaxBatchLen
}

// EmbedBatch embeds texts through the Ollama API. Vectors are normalized
// before return; some models emit unnormalized embeddings.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if len(texts) > e.config.MaxBatchLen {
		return nil, fmt.Errorf("batch of %d exceeds provider limit %d", len(texts), e.config.MaxBatchLen)
	}

	vectors, err := e.doEmbed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != e.dims {
			return nil, fmt.Errorf("provider returned dimension %d, expected %d", len(v), e.dims)
		}
		vectors[i] = normalizeVector(v)
	}
	return vectors, nil
}

func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(data))
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	return out.Embeddings, nil
}

// Close releases resources. The shared HTTP client needs no teardown.
func (e *OllamaEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
