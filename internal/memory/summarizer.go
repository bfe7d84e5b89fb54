package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cexll/agentsdk-go/pkg/model"
	"golang.org/x/sync/singleflight"

	"github.com/stellarlinkco/tagflow/internal/config"
	"github.com/stellarlinkco/tagflow/internal/store"
)

const summarySystemPrompt = "Summarize the conversation succinctly"

// Completer is the slice of model.Model the summarizer needs.
type Completer interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

type summaryLine struct {
	Direction string `json:"direction"`
	Body      string `json:"body"`
}

// Summarizer condenses a message batch into a context string. It never
// fails: without a usable model it returns the plain transcript.
type Summarizer struct {
	llm         Completer
	maxMessages int
	timeout     time.Duration
	cache       *ttlCache
	group       singleflight.Group
}

func NewSummarizer(llm Completer, cfg config.CompactionConfig, ttl time.Duration) *Summarizer {
	s := &Summarizer{
		llm:         llm,
		maxMessages: cfg.SummaryMaxMessages,
		timeout:     time.Duration(cfg.TimeoutMs) * time.Millisecond,
		cache:       newTTLCache(cfg.CacheSize, ttl),
	}
	if s.maxMessages <= 0 {
		s.maxMessages = config.DefaultSummaryMaxMessages
	}
	if s.timeout <= 0 {
		s.timeout = time.Duration(config.DefaultSummaryTimeoutMs) * time.Millisecond
	}
	return s
}

// Summarize takes a most-recent-first batch and returns its summary.
func (s *Summarizer) Summarize(ctx context.Context, batch []store.Message) string {
	if len(batch) == 0 {
		return ""
	}
	n := len(batch)
	if n > s.maxMessages {
		n = s.maxMessages
	}
	lines := make([]summaryLine, 0, n)
	for i := n - 1; i >= 0; i-- {
		lines = append(lines, summaryLine{Direction: batch[i].Direction, Body: batch[i].Body})
	}
	transcript := formatTranscript(lines)

	if s.llm == nil {
		return transcript
	}

	canonical, err := json.Marshal(lines)
	if err != nil {
		return transcript
	}
	key := xxhash.Sum64(canonical)
	if cached, ok := s.cache.get(key); ok {
		return cached
	}

	out, _, _ := s.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		if cached, ok := s.cache.get(key); ok {
			return cached, nil
		}
		summary, err := s.complete(ctx, transcript)
		if err != nil {
			log.Printf("[memory] warning: summarize failed, keeping transcript: %v", err)
			return transcript, nil
		}
		s.cache.set(key, summary)
		return summary, nil
	})
	return out.(string)
}

func (s *Summarizer) complete(ctx context.Context, transcript string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.llm.Complete(ctx, model.Request{
		System:   summarySystemPrompt,
		Messages: []model.Message{{Role: "user", Content: transcript}},
	})
	if err != nil {
		return "", fmt.Errorf("summary completion: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("summary completion: empty response")
	}
	text := strings.TrimSpace(resp.Message.TextContent())
	if text == "" {
		return "", fmt.Errorf("summary completion: empty text")
	}
	return text, nil
}

// SweepCache drops expired summaries and reports how many were removed.
func (s *Summarizer) SweepCache() int {
	return s.cache.sweep()
}

func (s *Summarizer) CacheLen() int {
	return s.cache.len()
}

func formatTranscript(lines []summaryLine) string {
	var sb strings.Builder
	for i, l := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(l.Direction)
		sb.WriteString(": ")
		sb.WriteString(l.Body)
	}
	return sb.String()
}
