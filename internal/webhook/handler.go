// Package webhook exposes the CRM webhook endpoints and the read-only
// registry view.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/stellarlinkco/tagflow/internal/config"
	"github.com/stellarlinkco/tagflow/internal/conversation"
	"github.com/stellarlinkco/tagflow/internal/feed"
	"github.com/stellarlinkco/tagflow/internal/guard"
	"github.com/stellarlinkco/tagflow/internal/media"
	"github.com/stellarlinkco/tagflow/internal/store"
)

const requestIDHeader = "X-Request-Id"

// Conversations is the session pipeline the handlers dispatch into.
type Conversations interface {
	ApplyTag(ctx context.Context, contactID string, tags []string) (conversation.TagResult, error)
	HandleInbound(ctx context.Context, in conversation.Incoming) (conversation.InboundResult, error)
	HandleOutbound(ctx context.Context, in conversation.Incoming) (bool, error)
	Registry(ctx context.Context) (*store.Registry, error)
}

// Deduper marks webhook ids as processed.
type Deduper interface {
	Seen(kind guard.Kind, webhookID string) bool
}

// BodyRewriter folds attachment text into a message body.
type BodyRewriter interface {
	Rewrite(ctx context.Context, body string, atts []media.Attachment) string
}

// Publisher receives an event for every dispatched webhook.
type Publisher interface {
	Publish(ev feed.Event)
}

type Handler struct {
	conv      Conversations
	dedup     Deduper
	verifier  *Verifier
	rewriter  BodyRewriter
	publisher Publisher
	tagName   string
	maxBody   int64
	mux       *http.ServeMux
}

// NewHandler wires the routes. rewriter may be nil.
func NewHandler(cfg config.WebhookConfig, tagName string, conv Conversations, dedup Deduper, rewriter BodyRewriter) (*Handler, error) {
	verifier, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = config.DefaultMaxBodyBytes
	}
	h := &Handler{
		conv:     conv,
		dedup:    dedup,
		verifier: verifier,
		rewriter: rewriter,
		tagName:  tagName,
		maxBody:  maxBody,
		mux:      http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET /contacts/active", h.handleList)
	h.mux.HandleFunc("GET /contacts/ativa", h.handleList)
	h.mux.HandleFunc("POST /webhooks/ghl/contact-tag", h.handleContactTag)
	h.mux.HandleFunc("POST /webhooks/ghl/inbound-message", h.handleInboundMessage)
	h.mux.HandleFunc("POST /webhooks/ghl/outbound-message", h.handleOutboundMessage)
	return h, nil
}

// AttachFeed serves hub on GET /events and publishes dispatch outcomes to it.
func (h *Handler) AttachFeed(hub *feed.Hub) {
	h.publisher = hub
	h.mux.Handle("GET /events", hub)
}

func (h *Handler) publish(ctx context.Context, ev feed.Event) {
	if h.publisher == nil {
		return
	}
	ev.RequestID = RequestID(ctx)
	h.publisher.Publish(ev)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, reqID)
	h.mux.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), reqID)))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	reg, err := h.conv.Registry(r.Context())
	if err != nil {
		logf(r.Context(), "load registry failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tag":        h.tagName,
		"count":      len(reg.ContactIDs),
		"ids":        reg.ContactIDs,
		"lastUpdate": reg.LastUpdate,
	})
}

func (h *Handler) handleContactTag(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.readEvent(w, r, guard.KindTag)
	if !ok {
		return
	}
	if ev.Type != eventTypeContactTagUpdate {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
		return
	}
	if ev.ID == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing contact id")
		return
	}

	ctx := dispatchContext(r)
	res, err := h.conv.ApplyTag(ctx, ev.ID, ev.Tags)
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	logf(ctx, "contact %s tag present=%t transition=%s", ev.ID, res.Present, res.Transition)
	h.publish(ctx, feed.Event{
		Type:      feed.EventTag,
		ContactID: ev.ID,
		Detail:    map[string]any{"present": res.Present, "transition": res.Transition},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"present":    res.Present,
		"transition": res.Transition,
	})
}

func (h *Handler) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.readEvent(w, r, guard.KindInbound)
	if !ok {
		return
	}
	if ev.ContactID == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing contact id")
		return
	}

	ctx := dispatchContext(r)
	body := ev.Body
	if h.rewriter != nil && len(ev.Attachments) > 0 {
		body = h.rewriter.Rewrite(ctx, body, ev.Attachments)
	}

	res, err := h.conv.HandleInbound(ctx, conversation.Incoming{
		ContactID:      ev.ContactID,
		ConversationID: ev.ConversationID,
		Body:           body,
	})
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	h.publish(ctx, feed.Event{
		Type:      feed.EventInbound,
		ContactID: ev.ContactID,
		Body:      body,
		Detail:    map[string]any{"active": res.Active, "replied": res.Replied},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"active":  res.Active,
		"replied": res.Replied,
	})
}

func (h *Handler) handleOutboundMessage(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.readEvent(w, r, guard.KindOutbound)
	if !ok {
		return
	}
	if ev.ContactID == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing contact id")
		return
	}

	ctx := dispatchContext(r)
	echo, err := h.conv.HandleOutbound(ctx, conversation.Incoming{
		ContactID:      ev.ContactID,
		ConversationID: ev.ConversationID,
		Body:           ev.Body,
	})
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	h.publish(ctx, feed.Event{
		Type:      feed.EventOutbound,
		ContactID: ev.ContactID,
		Body:      ev.Body,
		Detail:    map[string]any{"echo": echo},
	})
	if echo {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true, "echo": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// readEvent runs the shared front half of every POST: bounded read,
// signature check, parse, and webhook id dedup. It writes the response and
// returns false when the request stops here.
func (h *Handler) readEvent(w http.ResponseWriter, r *http.Request, kind guard.Kind) (Event, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return Event{}, false
		}
		writeError(w, http.StatusBadRequest, "read body failed")
		return Event{}, false
	}

	if err := h.verifier.Verify(raw, r.Header.Get(signatureHeader)); err != nil {
		logf(r.Context(), "rejected %s webhook: %v", kind, err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return Event{}, false
	}

	ev, err := ParseEvent(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return Event{}, false
	}

	if ev.WebhookID != "" && h.dedup != nil && h.dedup.Seen(kind, ev.WebhookID) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "dedup": true})
		return Event{}, false
	}
	return ev, true
}

// dispatchContext keeps the request values but not its cancellation. Once
// a webhook id is marked seen the event is processed to the end, bounded by
// the per-call timeouts of the CRM, model and embedding clients.
func dispatchContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrInvalidContactID) {
		writeError(w, http.StatusUnprocessableEntity, "invalid contact id")
		return
	}
	logf(r.Context(), "dispatch failed: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[webhook] write response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func logf(ctx context.Context, format string, args ...any) {
	log.Printf("[webhook] req=%s "+format, append([]any{RequestID(ctx)}, args...)...)
}
