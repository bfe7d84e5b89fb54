// Package crm talks to the LeadConnector conversations API with bounded,
// jittered retries.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/tagflow/internal/config"
	"github.com/stellarlinkco/tagflow/internal/store"
)

const (
	messageTypeSMS = "SMS"
	maxJitter      = 100 * time.Millisecond
	maxErrorBody   = 512
)

// StatusError is a non-2xx response from the CRM.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("crm status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

var ErrMissingCredentials = errors.New("crm credentials missing")

type Client struct {
	baseURL      string
	listVersion  string
	writeVersion string
	historyLimit int
	maxRetries   int
	backoffBase  time.Duration
	timeout      time.Duration
	creds        store.CredentialSource
	httpClient   *http.Client
	jitter       func() time.Duration
}

func NewClient(cfg config.CRMConfig, creds store.CredentialSource) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		listVersion:  cfg.ListVersion,
		writeVersion: cfg.WriteVersion,
		historyLimit: cfg.HistoryLimit,
		maxRetries:   cfg.MaxRetries,
		backoffBase:  time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		timeout:      time.Duration(cfg.TimeoutMs) * time.Millisecond,
		creds:        creds,
		httpClient:   &http.Client{},
		jitter:       func() time.Duration { return rand.N(maxJitter) },
	}
	if c.baseURL == "" {
		c.baseURL = config.DefaultCRMBaseURL
	}
	if c.listVersion == "" {
		c.listVersion = config.DefaultCRMListVersion
	}
	if c.writeVersion == "" {
		c.writeVersion = config.DefaultCRMWriteVersion
	}
	if c.historyLimit <= 0 {
		c.historyLimit = config.DefaultCRMHistoryLimit
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 1
	}
	if c.timeout <= 0 {
		c.timeout = time.Duration(config.DefaultCRMTimeoutMs) * time.Millisecond
	}
	return c
}

// FetchHistory returns up to the configured limit of a conversation's
// messages, oldest first. Any failure yields an empty slice.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) []store.Message {
	out := []store.Message{}
	if strings.TrimSpace(conversationID) == "" {
		return out
	}
	creds, err := c.credentials()
	if err != nil {
		log.Printf("[crm] fetch history %s skipped: %v", conversationID, err)
		return out
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/messages?limit=%d", c.baseURL, url.PathEscape(conversationID), c.historyLimit)
	headers := map[string]string{
		"Authorization": "Bearer " + creds.AccessToken,
		"Accept":        "application/json",
		"Version":       c.listVersion,
	}
	raw, err := c.doWithRetry(ctx, http.MethodGet, endpoint, headers, nil)
	if err != nil {
		log.Printf("[crm] fetch history %s failed: %v", conversationID, err)
		return out
	}

	msgs := gjson.GetBytes(raw, "messages")
	if msgs.IsObject() {
		msgs = msgs.Get("messages")
	}
	if !msgs.IsArray() {
		log.Printf("[crm] warning: history %s has no messages list", conversationID)
		return out
	}

	msgs.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			log.Printf("[crm] warning: skipping non-object history entry in %s", conversationID)
			return true
		}
		body := item.Get("body")
		if body.String() == "" {
			body = item.Get("text")
		}
		direction := item.Get("direction")
		if direction.String() == "" {
			direction = item.Get("messageDirection")
		}
		out = append(out, store.Message{
			Direction:      store.NormalizeDirection(direction.String()),
			Body:           body.String(),
			ConversationID: conversationID,
		})
		return true
	})

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

type sendPayload struct {
	LocationID     string `json:"locationId"`
	ContactID      string `json:"contactId"`
	Message        string `json:"message"`
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Send posts an SMS reply. It reports whether the CRM accepted it.
func (c *Client) Send(ctx context.Context, contactID, conversationID, body string) bool {
	if strings.TrimSpace(contactID) == "" {
		log.Printf("[crm] send skipped: missing contact id")
		return false
	}
	creds, err := c.credentials()
	if err != nil {
		log.Printf("[crm] send to %s skipped: %v", contactID, err)
		return false
	}
	if creds.LocationID == "" {
		log.Printf("[crm] send to %s skipped: missing location id", contactID)
		return false
	}

	payload, err := json.Marshal(sendPayload{
		LocationID:     creds.LocationID,
		ContactID:      contactID,
		Message:        body,
		Type:           messageTypeSMS,
		ConversationID: conversationID,
	})
	if err != nil {
		log.Printf("[crm] send to %s: marshal payload: %v", contactID, err)
		return false
	}

	headers := map[string]string{
		"Authorization": "Bearer " + creds.AccessToken,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
		"Version":       c.writeVersion,
	}
	if _, err := c.doWithRetry(ctx, http.MethodPost, c.baseURL+"/conversations/messages", headers, payload); err != nil {
		log.Printf("[crm] send to %s failed: %v", contactID, err)
		return false
	}
	return true
}

func (c *Client) credentials() (store.Credentials, error) {
	if c.creds == nil {
		return store.Credentials{}, ErrMissingCredentials
	}
	creds, err := c.creds.Credentials()
	if err != nil {
		return store.Credentials{}, fmt.Errorf("%w: %v", ErrMissingCredentials, err)
	}
	if creds.AccessToken == "" {
		return store.Credentials{}, ErrMissingCredentials
	}
	return creds, nil
}

func (c *Client) doWithRetry(ctx context.Context, method, endpoint string, headers map[string]string, body []byte) ([]byte, error) {
	op := func() ([]byte, error) {
		raw, err := c.doOnce(ctx, method, endpoint, headers, body)
		if err == nil {
			return raw, nil
		}
		if !c.shouldRetry(ctx, err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(&exponentialJitter{base: c.backoffBase, jitter: c.jitter}),
		backoff.WithMaxTries(uint(c.maxRetries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Printf("[crm] %s %s retrying in %s: %v", method, redactQuery(endpoint), wait, err)
		}),
	)
}

func (c *Client) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, headers map[string]string, body []byte) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := strings.TrimSpace(string(raw))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: text}
	}
	return raw, nil
}

// exponentialJitter yields base*2^n plus up to 100ms of jitter.
type exponentialJitter struct {
	base    time.Duration
	attempt int
	jitter  func() time.Duration
}

func (b *exponentialJitter) NextBackOff() time.Duration {
	d := b.base * time.Duration(1<<b.attempt)
	b.attempt++
	if b.jitter != nil {
		d += b.jitter()
	}
	return d
}

func (b *exponentialJitter) Reset() { b.attempt = 0 }

func redactQuery(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
