package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	// DirectionContext marks the synthetic entry carrying a prior summary
	// into a compaction batch. It never appears in a persisted window.
	DirectionContext = "context"
)

var ErrInvalidContactID = errors.New("invalid contact id")

// Message is one conversation event. Its retrieval identity is derived from
// direction and body, so ID is normally empty.
type Message struct {
	ID             string  `json:"id,omitempty"`
	Direction      string  `json:"direction"`
	Body           string  `json:"body"`
	ConversationID string  `json:"conversationId,omitempty"`
	TS             float64 `json:"ts,omitempty"`
}

// NormalizeDirection coerces anything that is not "outbound" to "inbound".
func NormalizeDirection(direction string) string {
	if strings.EqualFold(strings.TrimSpace(direction), DirectionOutbound) {
		return DirectionOutbound
	}
	return DirectionInbound
}

// Session is the durable per-contact record. Messages are most-recent-first.
type Session struct {
	Messages       []Message       `json:"messages"`
	Context        string          `json:"context"`
	ConversationID string          `json:"conversationId,omitempty"`
	HistoryFetched bool            `json:"historyFetched"`
	Flow           json.RawMessage `json:"flow,omitempty"`
	LastUpdate     string          `json:"lastUpdate"`
}

func NewSession() *Session {
	return &Session{Messages: []Message{}, LastUpdate: nowISO()}
}

// Prepend adds msg as the most recent message.
func (s *Session) Prepend(msg Message) {
	s.Messages = append([]Message{msg}, s.Messages...)
}

// ReplaceHistory swaps the window for fetched history given oldest-first.
func (s *Session) ReplaceHistory(chronological []Message) {
	out := make([]Message, 0, len(chronological))
	for i := len(chronological) - 1; i >= 0; i-- {
		out = append(out, chronological[i])
	}
	s.Messages = out
}

// Recent returns up to n messages, most-recent-first.
func (s *Session) Recent(n int) []Message {
	if n <= 0 || n > len(s.Messages) {
		n = len(s.Messages)
	}
	out := make([]Message, n)
	copy(out, s.Messages[:n])
	return out
}

// FlowMap decodes the flow bag. Malformed flow yields nil.
func (s *Session) FlowMap() map[string]any {
	if len(s.Flow) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(s.Flow, &out); err != nil {
		return nil
	}
	return out
}

func (s *Session) normalize() {
	if s.Messages == nil {
		s.Messages = []Message{}
	}
}

// Registry is the set of contacts whose tag is currently active.
type Registry struct {
	ContactIDs []string `json:"contactIds"`
	LastUpdate string   `json:"lastUpdate"`
}

func NewRegistry() *Registry {
	return &Registry{ContactIDs: []string{}, LastUpdate: nowISO()}
}

func (r *Registry) Contains(contactID string) bool {
	i := sort.SearchStrings(r.ContactIDs, contactID)
	return i < len(r.ContactIDs) && r.ContactIDs[i] == contactID
}

// Add inserts contactID keeping the set sorted. It reports whether the set changed.
func (r *Registry) Add(contactID string) bool {
	i := sort.SearchStrings(r.ContactIDs, contactID)
	if i < len(r.ContactIDs) && r.ContactIDs[i] == contactID {
		return false
	}
	r.ContactIDs = append(r.ContactIDs, "")
	copy(r.ContactIDs[i+1:], r.ContactIDs[i:])
	r.ContactIDs[i] = contactID
	return true
}

func (r *Registry) Remove(contactID string) bool {
	i := sort.SearchStrings(r.ContactIDs, contactID)
	if i >= len(r.ContactIDs) || r.ContactIDs[i] != contactID {
		return false
	}
	r.ContactIDs = append(r.ContactIDs[:i], r.ContactIDs[i+1:]...)
	return true
}

// normalize sorts and dedupes ids loaded from disk, which older writers
// did not always keep ordered.
func (r *Registry) normalize() {
	if r.ContactIDs == nil {
		r.ContactIDs = []string{}
		return
	}
	sort.Strings(r.ContactIDs)
	out := make([]string, 0, len(r.ContactIDs))
	for _, id := range r.ContactIDs {
		if id == "" || (len(out) > 0 && out[len(out)-1] == id) {
			continue
		}
		out = append(out, id)
	}
	r.ContactIDs = out
}

// Store persists sessions and the activation registry. Implementations must
// write atomically and must recreate unreadable documents as empty ones.
type Store interface {
	LoadSession(ctx context.Context, contactID string) (*Session, error)
	SaveSession(ctx context.Context, contactID string, s *Session) error
	ListSessions(ctx context.Context) ([]string, error)
	LoadRegistry(ctx context.Context) (*Registry, error)
	SaveRegistry(ctx context.Context, r *Registry) error
	Close() error
}

func ValidateContactID(contactID string) error {
	trimmed := strings.TrimSpace(contactID)
	if trimmed == "" || trimmed != contactID {
		return ErrInvalidContactID
	}
	if strings.ContainsAny(contactID, `/\`) || contactID == "." || contactID == ".." || filepath.Base(contactID) != contactID {
		return ErrInvalidContactID
	}
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func ensureNotCanceled(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
