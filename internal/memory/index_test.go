package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/tagflow/internal/store"
)

// fixedEmbedder returns a preset vector per text and a default otherwise.
type fixedEmbedder struct {
	vectors map[string][]float32
	dim     int
	batches int
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return append([]float32(nil), v...), nil
	}
	return make([]float32, f.dim), nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batches++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = f.Embed(ctx, text)
	}
	return out, nil
}

func newTestIndex(t *testing.T, e Embedder) (*Index, string) {
	t.Helper()
	dir := t.TempDir()
	idx, err := NewIndex(dir, e)
	require.NoError(t, err)
	return idx, dir
}

func TestIndexUpsertIdempotent(t *testing.T) {
	idx, _ := newTestIndex(t, NewHashEmbedder(16))
	ctx := context.Background()
	msgs := []store.Message{
		{Direction: store.DirectionInbound, Body: "hello there"},
		{Direction: store.DirectionOutbound, Body: "hi, how can I help?"},
		{Direction: store.DirectionInbound, Body: "   "},
		{Direction: store.DirectionInbound, Body: " hello there "},
	}

	added, err := idx.Upsert(ctx, "c1", msgs)
	require.NoError(t, err)
	require.Equal(t, 2, added)

	added, err = idx.Upsert(ctx, "c1", msgs)
	require.NoError(t, err)
	require.Equal(t, 0, added)

	n, err := idx.Count("c1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestIndexSameBodyDifferentDirection(t *testing.T) {
	idx, _ := newTestIndex(t, NewHashEmbedder(16))
	added, err := idx.Upsert(context.Background(), "c1", []store.Message{
		{Direction: store.DirectionInbound, Body: "ok"},
		{Direction: store.DirectionOutbound, Body: "ok"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, added)
}

func TestIndexSearchEmpty(t *testing.T) {
	idx, _ := newTestIndex(t, NewHashEmbedder(16))
	hits, err := idx.Search(context.Background(), "nobody", "anything", 3)
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = idx.Search(context.Background(), "nobody", "   ", 3)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestIndexSearchRanksTopHit(t *testing.T) {
	e := &fixedEmbedder{dim: 3, vectors: map[string][]float32{
		"pricing question": {1, 0, 0},
		"shipping delay":   {0, 1, 0},
		"how much":         {0.9, 0.1, 0},
	}}
	idx, _ := newTestIndex(t, e)
	ctx := context.Background()

	hits, err := idx.Search(ctx, "c1", "how much", 2)
	require.NoError(t, err)
	require.Empty(t, hits)

	_, err = idx.Upsert(ctx, "c1", []store.Message{
		{Direction: store.DirectionInbound, Body: "pricing question"},
		{Direction: store.DirectionInbound, Body: "shipping delay"},
	})
	require.NoError(t, err)

	hits, err = idx.Search(ctx, "c1", "how much", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "pricing question", hits[0].Body)
	require.Greater(t, hits[0].Score, 0.3)
}

func TestIndexPadsOnDimensionGrowth(t *testing.T) {
	e := &fixedEmbedder{dim: 2, vectors: map[string][]float32{
		"small": {1, 0},
		"large": {0, 0, 0, 1},
		"query": {0, 0, 0, 1},
	}}
	idx, dir := newTestIndex(t, e)
	ctx := context.Background()

	_, err := idx.Upsert(ctx, "c1", []store.Message{{Direction: store.DirectionInbound, Body: "small"}})
	require.NoError(t, err)
	_, err = idx.Upsert(ctx, "c1", []store.Message{{Direction: store.DirectionInbound, Body: "large"}})
	require.NoError(t, err)

	var doc metaDocument
	raw, err := os.ReadFile(filepath.Join(dir, "c1.meta.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, 2, doc.Version)
	require.Equal(t, 4, doc.Dim)

	hits, err := idx.Search(ctx, "c1", "query", 1)
	require.NoError(t, err)
	require.Equal(t, "large", hits[0].Body)
}

func TestIndexMigratesLegacyLayout(t *testing.T) {
	idx, dir := newTestIndex(t, NewHashEmbedder(4))

	legacyItems := `[{"direction":"inbound","body":"old one","ts":1},{"direction":"outbound","body":"old two","ts":2},{"direction":"inbound","body":"orphan","ts":3}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c1.meta.json"), []byte(legacyItems), 0o644))
	blob := encodeLegacyMatrix([][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}, []string{"legacy-1", ""})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c1.vec"), blob, 0o644))

	n, err := idx.Count("c1")
	require.NoError(t, err)
	require.Equal(t, 2, n, "rows are truncated to min(items, vectors)")

	raw, err := os.ReadFile(filepath.Join(dir, "c1.meta.json"))
	require.NoError(t, err)
	var doc metaDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, indexVersion, doc.Version)
	require.Equal(t, "legacy-1", doc.Items[0].ID)
	require.Equal(t, MessageID("outbound", "old two"), doc.Items[1].ID)

	vec, err := os.ReadFile(filepath.Join(dir, "c1.vec"))
	require.NoError(t, err)
	rows, err := DecodeMatrix(vec)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	added, err := idx.Upsert(context.Background(), "c1", []store.Message{{Direction: "outbound", Body: "old two"}})
	require.NoError(t, err)
	require.Equal(t, 0, added)
}

func TestIndexCorruptMetaRecreated(t *testing.T) {
	idx, dir := newTestIndex(t, NewHashEmbedder(4))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c1.meta.json"), []byte("{oops"), 0o644))

	added, err := idx.Upsert(context.Background(), "c1", []store.Message{{Direction: "inbound", Body: "fresh"}})
	require.NoError(t, err)
	require.Equal(t, 1, added)
}

func TestIndexRebuild(t *testing.T) {
	idx, _ := newTestIndex(t, NewHashEmbedder(8))
	ctx := context.Background()
	_, err := idx.Upsert(ctx, "c1", []store.Message{{Direction: "inbound", Body: "a"}, {Direction: "inbound", Body: "b"}})
	require.NoError(t, err)

	added, err := idx.Rebuild(ctx, "c1", []store.Message{{Direction: "inbound", Body: "c"}})
	require.NoError(t, err)
	require.Equal(t, 1, added)
	n, _ := idx.Count("c1")
	require.Equal(t, 1, n)
}

func TestIndexRejectsBadContactID(t *testing.T) {
	idx, _ := newTestIndex(t, NewHashEmbedder(8))
	_, err := idx.Upsert(context.Background(), "../x", []store.Message{{Body: "a"}})
	require.ErrorIs(t, err, store.ErrInvalidContactID)
}
