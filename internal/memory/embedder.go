package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/stellarlinkco/tagflow/internal/config"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// APIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint and
// L2-normalizes the returned vectors.
type APIEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	batchSize  int
	httpClient *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func NewAPIEmbedder(cfg config.EmbeddingConfig) *APIEmbedder {
	e := &APIEmbedder{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Model),
		batchSize:  config.DefaultEmbeddingBatchSize,
		httpClient: &http.Client{Timeout: time.Duration(config.DefaultEmbeddingTimeoutMs) * time.Millisecond},
	}
	if e.baseURL == "" {
		e.baseURL = config.DefaultEmbeddingBaseURL
	}
	if e.model == "" {
		e.model = config.DefaultEmbeddingModel
	}
	if cfg.TimeoutMs > 0 {
		e.httpClient.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	if cfg.BatchSize > 0 {
		e.batchSize = cfg.BatchSize
	}
	return e
}

func (e *APIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}

	vectors, err := e.requestEmbeddings(ctx, trimmed, 1)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vectors[0], nil
}

func (e *APIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed batch: empty texts")
	}

	normalized := make([]string, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, fmt.Errorf("embed batch: empty text at index %d", i)
		}
		normalized[i] = trimmed
	}

	vectors := make([][]float32, 0, len(normalized))
	for start := 0; start < len(normalized); start += e.batchSize {
		end := start + e.batchSize
		if end > len(normalized) {
			end = len(normalized)
		}

		chunk, err := e.requestEmbeddings(ctx, normalized[start:end], end-start)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

func (e *APIEmbedder) requestEmbeddings(ctx context.Context, input any, expectedCount int) ([][]float32, error) {
	if e.apiKey == "" {
		return nil, fmt.Errorf("missing embedding api key")
	}

	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return validateEmbeddingData(decoded.Data, expectedCount)
}

func validateEmbeddingData(data []embeddingData, expectedCount int) ([][]float32, error) {
	if len(data) != expectedCount {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(data), expectedCount)
	}

	vectors := make([][]float32, expectedCount)
	for _, item := range data {
		if item.Index < 0 || item.Index >= expectedCount {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if vectors[item.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding vector at index %d", item.Index)
		}
		copied := make([]float32, len(item.Embedding))
		copy(copied, item.Embedding)
		vectors[item.Index] = l2Normalize(copied)
	}
	return vectors, nil
}

// HashEmbedder is a dependency-free bag-of-words embedding: each lowercase
// whitespace token increments bucket xxhash(token) % dim.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = config.DefaultRAGHashDim
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dim() int { return h.dim }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return h.embed(text), nil
}

func (h *HashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.embed(text)
	}
	return out, nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	v := make([]float32, h.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		v[xxhash.Sum64String(token)%uint64(h.dim)]++
	}
	return l2Normalize(v)
}

// FallbackEmbedder uses primary and drops to secondary whenever primary fails.
type FallbackEmbedder struct {
	primary   Embedder
	secondary Embedder
}

func NewFallbackEmbedder(primary, secondary Embedder) *FallbackEmbedder {
	return &FallbackEmbedder{primary: primary, secondary: secondary}
}

func (f *FallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := f.primary.Embed(ctx, text)
	if err == nil {
		return v, nil
	}
	log.Printf("[memory] warning: embedding failed, using fallback: %v", err)
	return f.secondary.Embed(ctx, text)
}

func (f *FallbackEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	v, err := f.primary.EmbedBatch(ctx, texts)
	if err == nil {
		return v, nil
	}
	log.Printf("[memory] warning: batch embedding failed, using fallback: %v", err)
	return f.secondary.EmbedBatch(ctx, texts)
}

// NewEmbedder picks the API embedder with hash fallback when a key is
// configured, and the hash embedder alone otherwise.
func NewEmbedder(cfg config.RAGConfig) Embedder {
	hash := NewHashEmbedder(cfg.HashDim)
	if strings.TrimSpace(cfg.Embedding.APIKey) == "" {
		return hash
	}
	return NewFallbackEmbedder(NewAPIEmbedder(cfg.Embedding), hash)
}
