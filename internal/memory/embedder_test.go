package memory

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/tagflow/internal/config"
)

func norm2(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestAPIEmbedderEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "embed-test", body["model"])
		require.Equal(t, "hello embedder", body["input"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{3, 4}}},
		})
	}))
	defer srv.Close()

	e := NewAPIEmbedder(config.EmbeddingConfig{BaseURL: srv.URL + "/", APIKey: "test-key", Model: "embed-test"})
	vec, err := e.Embed(context.Background(), "  hello embedder  ")
	require.NoError(t, err)
	require.InDelta(t, 0.6, vec[0], 1e-6)
	require.InDelta(t, 0.8, vec[1], 1e-6)
}

func TestAPIEmbedderBatchSplitsAndOrders(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var body struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		data := make([]map[string]any, 0, len(body.Input))
		for i := len(body.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{"index": i, "embedding": []float32{float32(len(body.Input[i])), 0}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	e := NewAPIEmbedder(config.EmbeddingConfig{BaseURL: srv.URL, APIKey: "k", BatchSize: 2})
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	for _, v := range vecs {
		require.InDelta(t, 1.0, norm2(v), 1e-6)
	}
}

func TestAPIEmbedderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewAPIEmbedder(config.EmbeddingConfig{BaseURL: srv.URL, APIKey: "k"})
	_, err := e.Embed(context.Background(), "x")
	require.ErrorContains(t, err, "embedding http 500")

	_, err = NewAPIEmbedder(config.EmbeddingConfig{BaseURL: srv.URL}).Embed(context.Background(), "x")
	require.ErrorContains(t, err, "missing embedding api key")

	_, err = e.Embed(context.Background(), "   ")
	require.ErrorContains(t, err, "empty text")
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(0)
	require.Equal(t, config.DefaultRAGHashDim, h.Dim())

	a, _ := h.Embed(context.Background(), "Hello World")
	b, _ := h.Embed(context.Background(), "hello   world")
	require.Equal(t, a, b)
	require.InDelta(t, 1.0, norm2(a), 1e-6)

	empty, _ := h.Embed(context.Background(), "")
	require.Equal(t, 0.0, norm2(empty))
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("down")
}

func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("down")
}

func TestFallbackEmbedder(t *testing.T) {
	f := NewFallbackEmbedder(failingEmbedder{}, NewHashEmbedder(8))
	v, err := f.Embed(context.Background(), "hi there")
	require.NoError(t, err)
	require.Len(t, v, 8)

	vs, err := f.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vs, 2)
}

func TestNewEmbedderSelection(t *testing.T) {
	cfg := config.DefaultConfig().RAG
	_, isHash := NewEmbedder(cfg).(*HashEmbedder)
	require.True(t, isHash)

	cfg.Embedding.APIKey = "k"
	_, isFallback := NewEmbedder(cfg).(*FallbackEmbedder)
	require.True(t, isFallback)
}
