package memory

import (
	"context"
	"fmt"
	"log"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/stellarlinkco/tagflow/internal/config"
)

// Searcher is the read side of Index.
type Searcher interface {
	Search(ctx context.Context, contactID, query string, k int) ([]Hit, error)
}

// Retriever turns index hits into a snippet block for the reply prompt.
type Retriever struct {
	index    Searcher
	minSim   float64
	maxChars int
	topK     int
}

func NewRetriever(index Searcher, cfg config.RAGConfig) *Retriever {
	r := &Retriever{index: index, minSim: cfg.MinSim, maxChars: cfg.MaxSnippetChars, topK: cfg.TopK}
	if r.maxChars <= 3 {
		r.maxChars = config.DefaultRAGMaxSnippetChars
	}
	if r.topK <= 0 {
		r.topK = config.DefaultRAGTopK
	}
	return r
}

// Retrieve returns "- (direction) body" lines for hits scoring at least the
// similarity floor whose bodies are not already in exclude. Failures yield "".
func (r *Retriever) Retrieve(ctx context.Context, contactID, query string, k int, exclude []string) string {
	if k <= 0 {
		k = r.topK
	}
	hits, err := r.index.Search(ctx, contactID, query, k)
	if err != nil {
		log.Printf("[memory] warning: retrieve for %s: %v", contactID, err)
		return ""
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, body := range exclude {
		skip[NormalizeText(body)] = struct{}{}
	}

	var lines []string
	for _, hit := range hits {
		if hit.Score < r.minSim {
			continue
		}
		body := NormalizeText(hit.Body)
		if body == "" {
			continue
		}
		if _, ok := skip[body]; ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("- (%s) %s", hit.Direction, truncateRunes(body, r.maxChars)))
	}
	return strings.Join(lines, "\n")
}

// NormalizeText applies NFC, trims, and flattens newlines so that equal
// bodies compare equal regardless of transport encoding.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
