// Package conversation owns per-contact session state: tag-driven
// activation, message recording with compaction and indexing, and the
// automated reply round trip.
package conversation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/tagflow/internal/notify"
	"github.com/stellarlinkco/tagflow/internal/reply"
	"github.com/stellarlinkco/tagflow/internal/store"
)

type Transition string

const (
	TransitionActivated   Transition = "activated"
	TransitionDeactivated Transition = "deactivated"
	TransitionUnchanged   Transition = "unchanged"
)

type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string) []store.Message
}

type Sender interface {
	Send(ctx context.Context, contactID, conversationID, body string) bool
}

type Compactor interface {
	Update(ctx context.Context, sess *store.Session, flushAll bool) bool
}

type Indexer interface {
	Upsert(ctx context.Context, contactID string, msgs []store.Message) (int, error)
	Rebuild(ctx context.Context, contactID string, msgs []store.Message) (int, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, contactID, query string, k int, exclude []string) string
}

// EchoGuard remembers sent replies so their outbound webhook can be dropped.
type EchoGuard interface {
	RecordReply(conversationID, body string)
	ConsumeEcho(conversationID, body string) bool
}

// Deps are the collaborators of a Manager. Index, Retriever, Generator and
// Notifier may be nil.
type Deps struct {
	CRM         HistoryFetcher
	Sender      Sender
	Compactor   Compactor
	Index       Indexer
	Retriever   Retriever
	Generator   reply.Generator
	Echoes      EchoGuard
	Notifier    notify.Notifier
	ReplyWindow int
	TopK        int
}

type TagResult struct {
	Present    bool       `json:"present"`
	Transition Transition `json:"transition"`
}

type InboundResult struct {
	Active  bool `json:"active"`
	Replied bool `json:"replied"`
}

// Incoming is a normalized message event.
type Incoming struct {
	ContactID      string
	ConversationID string
	Body           string
}

type Manager struct {
	store   store.Store
	tagName string
	deps    Deps
	locks   *store.KeyedMutex
	regMu   sync.Mutex
	now     func() time.Time
}

func NewManager(st store.Store, tagName string, deps Deps) *Manager {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Manager{
		store:   st,
		tagName: tagName,
		deps:    deps,
		locks:   store.NewKeyedMutex(),
		now:     time.Now,
	}
}

// HasTag reports whether tags contains the tracked tag.
func (m *Manager) HasTag(tags []string) bool {
	want := strings.TrimSpace(m.tagName)
	for _, tag := range tags {
		if strings.TrimSpace(tag) == want {
			return true
		}
	}
	return false
}

// ApplyTag moves contactID between inactive and active according to the
// tag list of a tag-update event. The registry always ends up reflecting
// this event. Like HandleInbound and HandleOutbound it ignores cancellation
// of ctx once started.
func (m *Manager) ApplyTag(ctx context.Context, contactID string, tags []string) (TagResult, error) {
	if err := store.ValidateContactID(contactID); err != nil {
		return TagResult{}, err
	}
	ctx = context.WithoutCancel(ctx)
	present := m.HasTag(tags)

	unlock := m.locks.Lock(contactID)
	defer unlock()

	wasActive, err := m.setRegistered(ctx, contactID, present)
	if err != nil {
		return TagResult{}, err
	}

	result := TagResult{Present: present, Transition: TransitionUnchanged}
	switch {
	case present && !wasActive:
		result.Transition = TransitionActivated
		if err := m.activate(ctx, contactID); err != nil {
			return result, err
		}
		m.deps.Notifier.Notify(ctx, fmt.Sprintf("contact %s activated", contactID))
	case !present && wasActive:
		result.Transition = TransitionDeactivated
		if err := m.deactivate(ctx, contactID); err != nil {
			return result, err
		}
		m.deps.Notifier.Notify(ctx, fmt.Sprintf("contact %s deactivated", contactID))
	case present:
		// Retry a backfill that an earlier activation did not complete.
		if err := m.activate(ctx, contactID); err != nil {
			return result, err
		}
	}
	log.Printf("[conversation] tag update %s present=%t transition=%s", contactID, present, result.Transition)
	return result, nil
}

// setRegistered writes membership and returns the previous state.
func (m *Manager) setRegistered(ctx context.Context, contactID string, present bool) (bool, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	reg, err := m.store.LoadRegistry(ctx)
	if err != nil {
		return false, fmt.Errorf("load registry: %w", err)
	}
	was := reg.Contains(contactID)
	if present {
		reg.Add(contactID)
	} else {
		reg.Remove(contactID)
	}
	if err := m.store.SaveRegistry(ctx, reg); err != nil {
		return was, fmt.Errorf("save registry: %w", err)
	}
	return was, nil
}

func (m *Manager) activate(ctx context.Context, contactID string) error {
	sess, err := m.store.LoadSession(ctx, contactID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", contactID, err)
	}
	if sess.ConversationID == "" || sess.HistoryFetched || m.deps.CRM == nil {
		return nil
	}

	history := m.deps.CRM.FetchHistory(ctx, sess.ConversationID)
	if len(history) == 0 {
		return nil
	}
	sess.ReplaceHistory(history)
	m.index(ctx, contactID, history)
	sess.HistoryFetched = true
	m.compact(ctx, sess, true)
	if err := m.store.SaveSession(ctx, contactID, sess); err != nil {
		return fmt.Errorf("save session %s: %w", contactID, err)
	}
	log.Printf("[conversation] %s activated with %d history messages", contactID, len(history))
	return nil
}

func (m *Manager) deactivate(ctx context.Context, contactID string) error {
	sess, err := m.store.LoadSession(ctx, contactID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", contactID, err)
	}
	m.compact(ctx, sess, true)
	sess.Messages = []store.Message{}
	if err := m.store.SaveSession(ctx, contactID, sess); err != nil {
		return fmt.Errorf("save session %s: %w", contactID, err)
	}
	return nil
}

// IsActive reports registry membership.
func (m *Manager) IsActive(ctx context.Context, contactID string) (bool, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	reg, err := m.store.LoadRegistry(ctx)
	if err != nil {
		return false, fmt.Errorf("load registry: %w", err)
	}
	return reg.Contains(contactID), nil
}

// Registry returns the current set of active contacts.
func (m *Manager) Registry(ctx context.Context) (*store.Registry, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.store.LoadRegistry(ctx)
}

// HandleInbound records a customer message and, for active contacts, runs
// the reply round trip. The contact stays locked until the reply is
// recorded, so its echo webhook waits behind it. The message is recorded
// and the reply round trip completes even if ctx is cancelled mid-way.
func (m *Manager) HandleInbound(ctx context.Context, in Incoming) (InboundResult, error) {
	if err := store.ValidateContactID(in.ContactID); err != nil {
		return InboundResult{}, err
	}
	ctx = context.WithoutCancel(ctx)
	unlock := m.locks.Lock(in.ContactID)
	defer unlock()

	sess, err := m.record(ctx, in, store.DirectionInbound)
	if err != nil {
		return InboundResult{}, err
	}

	active, err := m.IsActive(ctx, in.ContactID)
	if err != nil {
		return InboundResult{}, err
	}
	result := InboundResult{Active: active}
	if !active || m.deps.Generator == nil || m.deps.Sender == nil {
		return result, nil
	}

	window := sess.Recent(m.deps.ReplyWindow)
	var extra string
	if m.deps.Retriever != nil {
		exclude := make([]string, 0, len(window))
		for _, msg := range window {
			exclude = append(exclude, msg.Body)
		}
		extra = m.deps.Retriever.Retrieve(ctx, in.ContactID, in.Body, m.deps.TopK, exclude)
	}

	text, err := m.deps.Generator.Generate(ctx, reply.ReplyInput{
		Messages: window,
		Context:  sess.Context,
		Extra:    extra,
		Flow:     sess.FlowMap(),
	})
	if err != nil {
		log.Printf("[conversation] reply for %s failed: %v", in.ContactID, err)
		return result, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return result, nil
	}

	conversationID := sess.ConversationID
	if !m.deps.Sender.Send(ctx, in.ContactID, conversationID, text) {
		m.deps.Notifier.Notify(ctx, fmt.Sprintf("reply to contact %s was not delivered", in.ContactID))
		return result, nil
	}
	if m.deps.Echoes != nil {
		m.deps.Echoes.RecordReply(conversationID, text)
	}
	if _, err := m.record(ctx, Incoming{ContactID: in.ContactID, ConversationID: conversationID, Body: text}, store.DirectionOutbound); err != nil {
		log.Printf("[conversation] record reply for %s failed: %v", in.ContactID, err)
	}
	result.Replied = true
	return result, nil
}

// HandleOutbound records an agent or system message. It reports true when
// the message is the echo of a reply this process sent, in which case
// nothing is recorded.
func (m *Manager) HandleOutbound(ctx context.Context, in Incoming) (bool, error) {
	if err := store.ValidateContactID(in.ContactID); err != nil {
		return false, err
	}
	ctx = context.WithoutCancel(ctx)
	unlock := m.locks.Lock(in.ContactID)
	defer unlock()

	if m.deps.Echoes != nil && m.deps.Echoes.ConsumeEcho(in.ConversationID, strings.TrimSpace(in.Body)) {
		return true, nil
	}
	if _, err := m.record(ctx, in, store.DirectionOutbound); err != nil {
		return false, err
	}
	return false, nil
}

// record prepends one message, compacts, persists, and indexes it. The
// caller holds the contact lock.
func (m *Manager) record(ctx context.Context, in Incoming, direction string) (*store.Session, error) {
	sess, err := m.store.LoadSession(ctx, in.ContactID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", in.ContactID, err)
	}
	if in.ConversationID != "" {
		sess.ConversationID = in.ConversationID
	}
	msg := store.Message{
		Direction:      direction,
		Body:           in.Body,
		ConversationID: in.ConversationID,
		TS:             float64(m.now().UnixNano()) / 1e9,
	}
	sess.Prepend(msg)
	m.compact(ctx, sess, false)
	if err := m.store.SaveSession(ctx, in.ContactID, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", in.ContactID, err)
	}
	m.index(ctx, in.ContactID, []store.Message{msg})
	return sess, nil
}

func (m *Manager) compact(ctx context.Context, sess *store.Session, flushAll bool) {
	if m.deps.Compactor == nil {
		return
	}
	m.deps.Compactor.Update(ctx, sess, flushAll)
}

func (m *Manager) index(ctx context.Context, contactID string, msgs []store.Message) {
	if m.deps.Index == nil {
		return
	}
	if _, err := m.deps.Index.Upsert(ctx, contactID, msgs); err != nil {
		log.Printf("[conversation] index %s failed: %v", contactID, err)
	}
}

// Compact folds the whole live window into context.
func (m *Manager) Compact(ctx context.Context, contactID string) (bool, error) {
	if err := store.ValidateContactID(contactID); err != nil {
		return false, err
	}
	unlock := m.locks.Lock(contactID)
	defer unlock()

	sess, err := m.store.LoadSession(ctx, contactID)
	if err != nil {
		return false, fmt.Errorf("load session %s: %w", contactID, err)
	}
	if m.deps.Compactor == nil || !m.deps.Compactor.Update(ctx, sess, true) {
		return false, nil
	}
	if err := m.store.SaveSession(ctx, contactID, sess); err != nil {
		return false, fmt.Errorf("save session %s: %w", contactID, err)
	}
	return true, nil
}

// Reindex rebuilds the contact's retrieval index from its live window.
func (m *Manager) Reindex(ctx context.Context, contactID string) (int, error) {
	if m.deps.Index == nil {
		return 0, fmt.Errorf("retrieval index is disabled")
	}
	if err := store.ValidateContactID(contactID); err != nil {
		return 0, err
	}
	unlock := m.locks.Lock(contactID)
	defer unlock()

	sess, err := m.store.LoadSession(ctx, contactID)
	if err != nil {
		return 0, fmt.Errorf("load session %s: %w", contactID, err)
	}
	return m.deps.Index.Rebuild(ctx, contactID, sess.Messages)
}
