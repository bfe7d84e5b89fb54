package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/tagflow/internal/config"
	"github.com/stellarlinkco/tagflow/internal/store"
)

type recordingSummarizer struct {
	batches [][]store.Message
}

func (r *recordingSummarizer) Summarize(_ context.Context, batch []store.Message) string {
	r.batches = append(r.batches, batch)
	return fmt.Sprintf("summary of %d", len(batch))
}

func sessionWith(n int) *store.Session {
	s := store.NewSession()
	for i := 0; i < n; i++ {
		s.Prepend(store.Message{Direction: store.DirectionInbound, Body: fmt.Sprintf("m%d", i)})
	}
	return s
}

func TestCompactorBelowThresholdIsNoop(t *testing.T) {
	rec := &recordingSummarizer{}
	c := NewCompactor(rec, config.DefaultConfig().Compaction)
	s := sessionWith(29)

	require.False(t, c.Update(context.Background(), s, false))
	require.Len(t, s.Messages, 29)
	require.Empty(t, rec.batches)
}

func TestCompactorEmptyFlushIsNoop(t *testing.T) {
	rec := &recordingSummarizer{}
	s := store.NewSession()
	s.Context = "keep me"
	require.False(t, NewCompactor(rec, config.DefaultConfig().Compaction).Update(context.Background(), s, true))
	require.Equal(t, "keep me", s.Context)
}

func TestCompactorFoldsOldestChunk(t *testing.T) {
	rec := &recordingSummarizer{}
	c := NewCompactor(rec, config.DefaultConfig().Compaction)
	s := sessionWith(29)
	s.Prepend(store.Message{Direction: store.DirectionInbound, Body: "m29"})

	require.True(t, c.Update(context.Background(), s, false))
	require.Len(t, s.Messages, 15)
	require.Equal(t, "m29", s.Messages[0].Body)
	require.Equal(t, "m15", s.Messages[14].Body)
	require.Equal(t, "summary of 15", s.Context)

	batch := rec.batches[0]
	require.Equal(t, "m14", batch[0].Body)
	require.Equal(t, "m0", batch[14].Body)
}

func TestCompactorCarriesPriorContext(t *testing.T) {
	rec := &recordingSummarizer{}
	c := NewCompactor(rec, config.DefaultConfig().Compaction)
	s := sessionWith(30)
	s.Context = "earlier"

	c.Update(context.Background(), s, false)
	batch := rec.batches[0]
	require.Len(t, batch, 16)
	last := batch[len(batch)-1]
	require.Equal(t, store.DirectionContext, last.Direction)
	require.Equal(t, "earlier", last.Body)
}

func TestCompactorFlushAll(t *testing.T) {
	rec := &recordingSummarizer{}
	c := NewCompactor(rec, config.DefaultConfig().Compaction)
	s := sessionWith(3)

	require.True(t, c.Update(context.Background(), s, true))
	require.Empty(t, s.Messages)
	require.NotNil(t, s.Messages)
	require.Equal(t, "summary of 3", s.Context)
}

func TestCompactorIsMonotonic(t *testing.T) {
	c := NewCompactor(&recordingSummarizer{}, config.DefaultConfig().Compaction)
	s := store.NewSession()
	prev := 0
	for i := 0; i < 100; i++ {
		s.Prepend(store.Message{Direction: store.DirectionInbound, Body: fmt.Sprintf("m%d", i)})
		c.Update(context.Background(), s, false)
		require.Less(t, len(s.Messages), 30)
		if len(s.Messages) > prev+1 {
			t.Fatalf("window grew by more than one message: %d -> %d", prev, len(s.Messages))
		}
		prev = len(s.Messages)
	}
}
