// Package reply drafts the automated answer to a customer's latest message.
package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/tagflow/internal/config"
	"github.com/stellarlinkco/tagflow/internal/store"
)

const (
	defaultTimeout = 60 * time.Second
	memoryNote     = "Memory (do not share with the customer):\n"
	retrievedNote  = "Relevant earlier messages (do not quote verbatim):\n"
	flowNote       = "Flow state:\n"
)

// ReplyInput is everything the generator may use. Messages are
// most-recent-first, as stored in the session.
type ReplyInput struct {
	Messages []store.Message
	Context  string
	Extra    string
	Flow     map[string]any
}

type Generator interface {
	Generate(ctx context.Context, in ReplyInput) (string, error)
}

// Completer is the slice of model.Model the generator needs.
type Completer interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

// LLMGenerator builds a chat transcript from the session and asks the model
// for the next outbound message.
type LLMGenerator struct {
	llm       Completer
	system    string
	fewshots  []model.Message
	window    int
	maxTokens int
	timeout   time.Duration
}

func NewGenerator(llm Completer, cfg config.ReplyConfig, maxTokens int) *LLMGenerator {
	g := &LLMGenerator{
		llm:       llm,
		window:    cfg.Window,
		maxTokens: maxTokens,
		timeout:   defaultTimeout,
	}
	if g.window <= 0 {
		g.window = config.DefaultReplyWindow
	}
	g.system = buildSystemPrompt(cfg)
	g.fewshots = loadFewshots(cfg.FewshotsPath)
	return g
}

func buildSystemPrompt(cfg config.ReplyConfig) string {
	var sb strings.Builder
	params := []struct{ key, value string }{
		{"brand_name", cfg.BrandName},
		{"voice_tone", cfg.VoiceTone},
		{"channel", cfg.Channel},
		{"languages", cfg.Languages},
		{"sla", cfg.SLA},
		{"output_style", cfg.OutputStyle},
	}
	wrote := false
	for _, p := range params {
		if strings.TrimSpace(p.value) == "" {
			continue
		}
		if !wrote {
			sb.WriteString("# Parameters\n")
			wrote = true
		}
		fmt.Fprintf(&sb, "- %s: %s\n", p.key, strings.TrimSpace(p.value))
	}

	if path := strings.TrimSpace(cfg.PromptPath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[reply] prompt file %s unreadable: %v", path, err)
		} else if body := strings.TrimSpace(string(data)); body != "" {
			if wrote {
				sb.WriteString("\n")
			}
			sb.WriteString(body)
			sb.WriteString("\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

// loadFewshots reads example turns from a JSON list of {role, content}.
// Entries missing either field are skipped; an unreadable file yields none.
func loadFewshots(path string) []model.Message {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[reply] fewshots file %s unreadable: %v", path, err)
		return nil
	}
	parsed := gjson.ParseBytes(data)
	if !gjson.ValidBytes(data) || !parsed.IsArray() {
		log.Printf("[reply] warning: fewshots file %s is not a JSON list", path)
		return nil
	}
	var out []model.Message
	parsed.ForEach(func(_, item gjson.Result) bool {
		role := strings.TrimSpace(item.Get("role").String())
		content := item.Get("content").String()
		if role == "" || strings.TrimSpace(content) == "" {
			return true
		}
		out = append(out, model.Message{Role: role, Content: content})
		return true
	})
	return out
}

// Generate returns "" without calling the model when the recent window has
// no inbound message to answer.
func (g *LLMGenerator) Generate(ctx context.Context, in ReplyInput) (string, error) {
	convo := make([]store.Message, 0, g.window)
	hasInbound := false
	for _, m := range in.Messages {
		if len(convo) == g.window {
			break
		}
		if m.Direction != store.DirectionInbound && m.Direction != store.DirectionOutbound {
			continue
		}
		if strings.TrimSpace(m.Body) == "" {
			continue
		}
		if m.Direction == store.DirectionInbound {
			hasInbound = true
		}
		convo = append(convo, m)
	}
	if len(convo) == 0 || !hasInbound {
		return "", nil
	}

	msgs := make([]model.Message, 0, len(g.fewshots)+len(convo)+3)
	msgs = append(msgs, g.fewshots...)
	if c := strings.TrimSpace(in.Context); c != "" {
		msgs = append(msgs, model.Message{Role: "assistant", Content: memoryNote + c})
	}
	if e := strings.TrimSpace(in.Extra); e != "" {
		msgs = append(msgs, model.Message{Role: "assistant", Content: retrievedNote + e})
	}
	if note := flowState(in.Flow); note != "" {
		msgs = append(msgs, model.Message{Role: "assistant", Content: flowNote + note})
	}
	for i := len(convo) - 1; i >= 0; i-- {
		role := "user"
		if convo[i].Direction == store.DirectionOutbound {
			role = "assistant"
		}
		msgs = append(msgs, model.Message{Role: role, Content: convo[i].Body})
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := g.llm.Complete(ctx, model.Request{
		System:    g.system,
		Messages:  msgs,
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("reply completion: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("reply completion: empty response")
	}
	return strings.TrimSpace(resp.Message.TextContent()), nil
}

// flowState renders the flow bag when it carries a step or a checklist.
func flowState(flow map[string]any) string {
	if flow == nil {
		return ""
	}
	_, hasStep := flow["current_step"]
	_, hasChecklist := flow["checklist"]
	if !hasStep && !hasChecklist {
		return ""
	}
	data, err := json.Marshal(flow)
	if err != nil {
		return ""
	}
	return string(data)
}
