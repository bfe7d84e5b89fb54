package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/stellarlinkco/tagflow/internal/store"
)

const (
	indexVersion   = 2
	vectorFileExt  = ".vec"
	metaFileSuffix = ".meta.json"
)

// Item is one indexed message.
type Item struct {
	ID        string  `json:"id"`
	Direction string  `json:"direction"`
	Body      string  `json:"body"`
	TS        float64 `json:"ts"`
}

type Hit struct {
	Item
	Score float64 `json:"score"`
}

type metaDocument struct {
	Version int    `json:"version"`
	Dim     int    `json:"dim"`
	Items   []Item `json:"items"`
}

type indexData struct {
	dim     int
	items   []Item
	vectors [][]float32
}

// MessageID is the content address of a message: direction plus the hex
// xxhash of its trimmed body.
func MessageID(direction, body string) string {
	return direction + ":" + strconv.FormatUint(xxhash.Sum64String(body), 16)
}

// Index is a per-contact flat vector index persisted as a vector block plus
// a JSON metadata document.
type Index struct {
	dir      string
	embedder Embedder
	locks    *store.KeyedMutex
	now      func() time.Time
}

func NewIndex(dir string, embedder Embedder) (*Index, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("index: directory is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("index: embedder is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	return &Index{dir: dir, embedder: embedder, locks: store.NewKeyedMutex(), now: time.Now}, nil
}

func (x *Index) vectorPath(contactID string) string {
	return filepath.Join(x.dir, contactID+vectorFileExt)
}

func (x *Index) metaPath(contactID string) string {
	return filepath.Join(x.dir, contactID+metaFileSuffix)
}

// Upsert embeds and appends messages whose id is not yet indexed. It returns
// the number of rows added.
func (x *Index) Upsert(ctx context.Context, contactID string, msgs []store.Message) (int, error) {
	if err := store.ValidateContactID(contactID); err != nil {
		return 0, err
	}
	unlock := x.locks.Lock(contactID)
	defer unlock()

	data, err := x.load(contactID)
	if err != nil {
		return 0, err
	}

	known := make(map[string]struct{}, len(data.items)+len(msgs))
	for _, it := range data.items {
		known[it.ID] = struct{}{}
	}

	var fresh []Item
	for _, m := range msgs {
		body := strings.TrimSpace(m.Body)
		if body == "" {
			continue
		}
		id := m.ID
		if id == "" {
			id = MessageID(m.Direction, body)
		}
		if _, ok := known[id]; ok {
			continue
		}
		known[id] = struct{}{}
		ts := m.TS
		if ts == 0 {
			ts = float64(x.now().UnixNano()) / 1e9
		}
		fresh = append(fresh, Item{ID: id, Direction: m.Direction, Body: body, TS: ts})
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	bodies := make([]string, len(fresh))
	for i, it := range fresh {
		bodies[i] = it.Body
	}
	vectors, err := x.embedder.EmbedBatch(ctx, bodies)
	if err != nil {
		return 0, fmt.Errorf("index upsert %s: %w", contactID, err)
	}
	if len(vectors) != len(fresh) {
		return 0, fmt.Errorf("index upsert %s: got %d vectors for %d items", contactID, len(vectors), len(fresh))
	}

	dim := data.dim
	for _, v := range vectors {
		if len(v) > dim {
			dim = len(v)
		}
	}
	padRows(data.vectors, dim)
	padRows(vectors, dim)

	data.dim = dim
	data.items = append(data.items, fresh...)
	data.vectors = append(data.vectors, vectors...)
	if err := x.save(contactID, data); err != nil {
		return 0, err
	}
	return len(fresh), nil
}

// Search ranks indexed messages by cosine similarity to query.
func (x *Index) Search(ctx context.Context, contactID, query string, k int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if err := store.ValidateContactID(contactID); err != nil {
		return nil, err
	}
	unlock := x.locks.Lock(contactID)
	data, err := x.load(contactID)
	unlock()
	if err != nil {
		return nil, err
	}
	if len(data.items) == 0 {
		return nil, nil
	}

	qv, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("index search %s: %w", contactID, err)
	}
	qv = fitDim(qv, data.dim)

	hits := make([]Hit, 0, len(data.items))
	for i, it := range data.items {
		score, err := CosineSimilarity(qv, data.vectors[i])
		if err != nil {
			log.Printf("[memory] warning: score row %d for %s: %v", i, contactID, err)
			continue
		}
		hits = append(hits, Hit{Item: it, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Count returns the number of indexed rows for contactID.
func (x *Index) Count(contactID string) (int, error) {
	if err := store.ValidateContactID(contactID); err != nil {
		return 0, err
	}
	unlock := x.locks.Lock(contactID)
	defer unlock()
	data, err := x.load(contactID)
	if err != nil {
		return 0, err
	}
	return len(data.items), nil
}

// Rebuild drops the contact's index and re-embeds msgs from scratch.
func (x *Index) Rebuild(ctx context.Context, contactID string, msgs []store.Message) (int, error) {
	if err := store.ValidateContactID(contactID); err != nil {
		return 0, err
	}
	unlock := x.locks.Lock(contactID)
	for _, p := range []string{x.vectorPath(contactID), x.metaPath(contactID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			unlock()
			return 0, fmt.Errorf("index rebuild %s: %w", contactID, err)
		}
	}
	unlock()
	return x.Upsert(ctx, contactID, msgs)
}

// load reads the contact's artifacts. Legacy layouts are migrated and
// written back in the current layout.
func (x *Index) load(contactID string) (*indexData, error) {
	metaBytes, err := os.ReadFile(x.metaPath(contactID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &indexData{}, nil
		}
		return nil, fmt.Errorf("read index meta %s: %w", contactID, err)
	}
	vecBytes, err := os.ReadFile(x.vectorPath(contactID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read index vectors %s: %w", contactID, err)
	}

	trimmed := bytes.TrimSpace(metaBytes)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		data, err := decodeLegacyIndex(trimmed, vecBytes)
		if err != nil {
			log.Printf("[memory] index %s unreadable, recreating: %v", contactID, err)
			return &indexData{}, nil
		}
		if err := x.save(contactID, data); err != nil {
			return nil, fmt.Errorf("migrate index %s: %w", contactID, err)
		}
		log.Printf("[memory] migrated index %s to version %d (%d items)", contactID, indexVersion, len(data.items))
		return data, nil
	}

	var doc metaDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		log.Printf("[memory] index %s unreadable, recreating: %v", contactID, err)
		return &indexData{}, nil
	}
	if doc.Version != indexVersion {
		return nil, fmt.Errorf("index %s: unsupported version %d", contactID, doc.Version)
	}

	var vectors [][]float32
	if len(vecBytes) > 0 {
		vectors, err = DecodeMatrix(vecBytes)
		if err != nil {
			log.Printf("[memory] index %s vectors unreadable, recreating: %v", contactID, err)
			return &indexData{}, nil
		}
	}
	return align(doc.Dim, doc.Items, vectors), nil
}

func decodeLegacyIndex(meta, vec []byte) (*indexData, error) {
	var items []Item
	if err := json.Unmarshal(meta, &items); err != nil {
		return nil, fmt.Errorf("decode legacy meta: %w", err)
	}
	var (
		vectors [][]float32
		ids     []string
		err     error
	)
	if len(vec) > 0 {
		vectors, ids, err = decodeLegacyMatrix(vec)
		if err != nil {
			return nil, err
		}
	}
	for i := range items {
		items[i].Direction = store.NormalizeDirection(items[i].Direction)
		if items[i].ID != "" {
			continue
		}
		if i < len(ids) && ids[i] != "" {
			items[i].ID = ids[i]
		} else {
			items[i].ID = MessageID(items[i].Direction, strings.TrimSpace(items[i].Body))
		}
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	return align(dim, items, vectors), nil
}

func align(dim int, items []Item, vectors [][]float32) *indexData {
	n := len(items)
	if len(vectors) < n {
		n = len(vectors)
	}
	for _, v := range vectors[:n] {
		if len(v) > dim {
			dim = len(v)
		}
	}
	vectors = vectors[:n]
	padRows(vectors, dim)
	return &indexData{dim: dim, items: items[:n], vectors: vectors}
}

func (x *Index) save(contactID string, data *indexData) error {
	blob, err := EncodeMatrix(data.vectors)
	if err != nil {
		return fmt.Errorf("save index %s: %w", contactID, err)
	}
	if err := store.WriteFileAtomic(x.vectorPath(contactID), blob); err != nil {
		return fmt.Errorf("save index %s: %w", contactID, err)
	}
	items := data.items
	if items == nil {
		items = []Item{}
	}
	doc := metaDocument{Version: indexVersion, Dim: data.dim, Items: items}
	if err := store.WriteJSONAtomic(x.metaPath(contactID), doc); err != nil {
		return fmt.Errorf("save index %s: %w", contactID, err)
	}
	return nil
}
