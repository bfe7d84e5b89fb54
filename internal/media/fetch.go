package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/tagflow/internal/store"
)

const defaultFetchTimeout = 30 * time.Second

// ErrTooLarge is returned when an attachment exceeds the configured cap.
var ErrTooLarge = errors.New("media exceeds size limit")

// fetcher downloads attachments. URLs under the CRM base get the location
// bearer token; everything else is fetched anonymously.
type fetcher struct {
	crmBaseURL string
	creds      store.CredentialSource
	maxBytes   int64
	client     *http.Client
}

func (f *fetcher) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create media request: %w", err)
	}
	if f.isCRMURL(rawURL) && f.creds != nil {
		if creds, err := f.creds.Credentials(); err == nil && creds.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		}
	}

	client := f.client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("media request failed with status %d", resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, "", ErrTooLarge
	}

	reader := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("read media response: %w", err)
	}
	if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
		return nil, "", ErrTooLarge
	}

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return body, contentType, nil
}

func (f *fetcher) isCRMURL(rawURL string) bool {
	base := strings.ToLower(strings.TrimSpace(f.crmBaseURL))
	return base != "" && strings.HasPrefix(strings.ToLower(rawURL), base)
}
