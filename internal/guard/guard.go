// Package guard tracks which webhook deliveries and outbound replies have
// already been handled, so retried deliveries and CRM echoes of our own
// replies cause no second side effect.
package guard

import (
	"sync"
	"time"
)

// Kind namespaces webhook ids. The CRM reuses id spaces across hooks.
type Kind string

const (
	KindTag      Kind = "tag"
	KindInbound  Kind = "inbound"
	KindOutbound Kind = "outbound"
)

type echoKey struct {
	conversationID string
	body           string
}

// Guard is safe for concurrent use. State lives in memory only.
type Guard struct {
	mu    sync.Mutex
	seen  map[Kind]map[string]time.Time
	echos map[echoKey]time.Time
	now   func() time.Time
}

func New() *Guard {
	return &Guard{
		seen:  make(map[Kind]map[string]time.Time),
		echos: make(map[echoKey]time.Time),
		now:   time.Now,
	}
}

// Seen reports whether id was already observed for kind and marks it seen.
// An empty id is never recorded and always reports false.
func (g *Guard) Seen(kind Kind, id string) bool {
	if id == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ids, ok := g.seen[kind]
	if !ok {
		ids = make(map[string]time.Time)
		g.seen[kind] = ids
	}
	if _, dup := ids[id]; dup {
		return true
	}
	ids[id] = g.now()
	return false
}

// RecordReply remembers a reply we sent so its outbound echo can be dropped.
func (g *Guard) RecordReply(conversationID, body string) {
	g.mu.Lock()
	g.echos[echoKey{conversationID, body}] = g.now()
	g.mu.Unlock()
}

// ConsumeEcho reports whether (conversationID, body) was a pending reply and
// removes it. Each recorded reply suppresses exactly one echo.
func (g *Guard) ConsumeEcho(conversationID, body string) bool {
	key := echoKey{conversationID, body}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.echos[key]; !ok {
		return false
	}
	delete(g.echos, key)
	return true
}

// Prune drops entries older than maxAge and returns how many were removed.
func (g *Guard) Prune(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := g.now().Add(-maxAge)

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for _, ids := range g.seen {
		for id, at := range ids {
			if at.Before(cutoff) {
				delete(ids, id)
				removed++
			}
		}
	}
	for key, at := range g.echos {
		if at.Before(cutoff) {
			delete(g.echos, key)
			removed++
		}
	}
	return removed
}

// Stats is a point-in-time view for status output.
type Stats struct {
	Seen          map[Kind]int `json:"seen"`
	PendingEchoes int          `json:"pendingEchoes"`
}

func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Stats{Seen: make(map[Kind]int, len(g.seen)), PendingEchoes: len(g.echos)}
	for kind, ids := range g.seen {
		st.Seen[kind] = len(ids)
	}
	return st
}
