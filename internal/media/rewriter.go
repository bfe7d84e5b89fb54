package media

import (
	"context"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"
)

const maxConcurrentFetches = 4

// Rewriter folds attachment text into a message body. Either collaborator
// may be nil, in which case that media kind is left alone.
type Rewriter struct {
	Transcriber Transcriber
	Describer   Describer
}

// Rewrite appends one "[audio] ..." line per transcribed audio and one
// "[image] ..." line per described image. Failed or empty results are
// skipped, so the body is returned unchanged when nothing could be read.
func (r *Rewriter) Rewrite(ctx context.Context, body string, atts []Attachment) string {
	if r == nil || len(atts) == 0 {
		return body
	}

	type job struct {
		label string
		url   string
		run   func(context.Context, string) (string, error)
	}
	var jobs []job
	if r.Transcriber != nil {
		for _, u := range AudioURLs(atts) {
			jobs = append(jobs, job{label: "audio", url: u, run: r.Transcriber.Transcribe})
		}
	}
	if r.Describer != nil {
		for _, u := range ImageURLs(atts) {
			jobs = append(jobs, job{label: "image", url: u, run: r.Describer.Describe})
		}
	}
	if len(jobs) == 0 {
		return body
	}

	results := make([]string, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for i, j := range jobs {
		g.Go(func() error {
			text, err := j.run(gctx, j.url)
			if err != nil {
				log.Printf("[media] %s %s failed: %v", j.label, j.url, err)
				return nil
			}
			if text = strings.TrimSpace(text); text != "" {
				results[i] = "[" + j.label + "] " + text
			}
			return nil
		})
	}
	_ = g.Wait()

	lines := make([]string, 0, len(results)+1)
	if strings.TrimSpace(body) != "" {
		lines = append(lines, body)
	}
	for _, line := range results {
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return body
	}
	return strings.Join(lines, "\n")
}
