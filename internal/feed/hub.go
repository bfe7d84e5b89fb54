// Package feed streams pipeline events to operator websocket clients.
package feed

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/tagflow/internal/config"
)

const (
	EventTag      = "tag"
	EventInbound  = "inbound"
	EventOutbound = "outbound"

	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Event is one dispatched webhook outcome.
type Event struct {
	Type      string         `json:"type"`
	ContactID string         `json:"contactId"`
	RequestID string         `json:"requestId,omitempty"`
	Body      string         `json:"body,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected clients. A slow client drops events
// rather than stalling the webhook that published them.
type Hub struct {
	token   string
	origins []string
	clients sync.Map
	nextID  atomic.Int64
	closed  atomic.Bool
	now     func() time.Time
}

func NewHub(cfg config.FeedConfig) *Hub {
	return &Hub{
		token:   strings.TrimSpace(cfg.Token),
		origins: cfg.AllowedOrigins,
		now:     time.Now,
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "feed closed", http.StatusServiceUnavailable)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		log.Printf("[feed] websocket accept error: %v", err)
		return
	}

	c := &client{
		id:   fmt.Sprintf("feed-%d", h.nextID.Add(1)),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	h.clients.Store(c.id, c)
	log.Printf("[feed] client connected: %s", c.id)

	defer func() {
		h.clients.Delete(c.id)
		conn.CloseNow()
		log.Printf("[feed] client disconnected: %s", c.id)
	}()

	// Clients only listen; CloseRead discards input and cancels on close.
	ctx := conn.CloseRead(context.Background())
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// Publish queues ev for every connected client.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = h.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[feed] marshal event: %v", err)
		return
	}
	h.clients.Range(func(_, value any) bool {
		c := value.(*client)
		select {
		case c.send <- data:
		default:
			log.Printf("[feed] client %s backlog full, dropping %s event", c.id, ev.Type)
		}
		return true
	})
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	n := 0
	h.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.closed.Store(true)
	h.clients.Range(func(_, value any) bool {
		c := value.(*client)
		c.conn.CloseNow()
		return true
	})
}
