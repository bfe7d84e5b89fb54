package memory

import (
	"context"

	"github.com/stellarlinkco/tagflow/internal/config"
	"github.com/stellarlinkco/tagflow/internal/store"
)

// SummaryFunc condenses a most-recent-first batch.
type SummaryFunc interface {
	Summarize(ctx context.Context, batch []store.Message) string
}

// Compactor keeps a session's live window bounded by folding its oldest
// messages into the session context.
type Compactor struct {
	summarizer SummaryFunc
	threshold  int
	chunk      int
}

func NewCompactor(summarizer SummaryFunc, cfg config.CompactionConfig) *Compactor {
	c := &Compactor{summarizer: summarizer, threshold: cfg.Threshold, chunk: cfg.Chunk}
	if c.threshold <= 0 {
		c.threshold = config.DefaultCompactThreshold
	}
	if c.chunk <= 0 || c.chunk > c.threshold {
		c.chunk = config.DefaultCompactChunk
	}
	return c
}

// Update compacts sess in place and reports whether it changed. With
// flushAll the whole window is summarized and emptied; otherwise the oldest
// chunk is folded once the window reaches the threshold.
func (c *Compactor) Update(ctx context.Context, sess *store.Session, flushAll bool) bool {
	n := len(sess.Messages)
	if n == 0 {
		return false
	}
	if !flushAll && n < c.threshold {
		return false
	}

	var batch, remaining []store.Message
	if flushAll {
		batch = sess.Messages
		remaining = []store.Message{}
	} else {
		cut := n - c.chunk
		if cut < 0 {
			cut = 0
		}
		batch = sess.Messages[cut:]
		remaining = append([]store.Message{}, sess.Messages[:cut]...)
	}

	input := make([]store.Message, 0, len(batch)+1)
	input = append(input, batch...)
	if sess.Context != "" {
		input = append(input, store.Message{Direction: store.DirectionContext, Body: sess.Context})
	}

	sess.Context = c.summarizer.Summarize(ctx, input)
	sess.Messages = remaining
	return true
}
