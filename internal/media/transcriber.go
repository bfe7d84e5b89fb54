package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/tagflow/internal/config"
	"github.com/stellarlinkco/tagflow/internal/store"
)

const transcriptionTimeout = 60 * time.Second

// Transcriber turns an audio URL into text.
type Transcriber interface {
	Transcribe(ctx context.Context, url string) (string, error)
}

// WhisperTranscriber downloads the audio and posts it to an
// OpenAI-compatible /v1/audio/transcriptions endpoint.
type WhisperTranscriber struct {
	endpoint   string
	apiKey     string
	model      string
	fetcher    *fetcher
	httpClient *http.Client
}

func NewWhisperTranscriber(cfg config.MediaConfig, crmBaseURL string, creds store.CredentialSource) *WhisperTranscriber {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = config.DefaultEmbeddingBaseURL
	}
	model := strings.TrimSpace(cfg.TranscriptionModel)
	if model == "" {
		model = config.DefaultTranscriptionModel
	}
	maxMB := cfg.MaxMB
	if maxMB <= 0 {
		maxMB = config.DefaultMediaMaxMB
	}
	return &WhisperTranscriber{
		endpoint: base + "/v1/audio/transcriptions",
		apiKey:   strings.TrimSpace(cfg.APIKey),
		model:    model,
		fetcher: &fetcher{
			crmBaseURL: crmBaseURL,
			creds:      creds,
			maxBytes:   int64(maxMB) << 20,
		},
		httpClient: &http.Client{Timeout: transcriptionTimeout},
	}
}

func (t *WhisperTranscriber) Transcribe(ctx context.Context, url string) (string, error) {
	if t.apiKey == "" {
		return "", fmt.Errorf("transcribe: missing api key")
	}

	data, contentType, err := t.fetcher.fetch(ctx, url)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	// Some hosts serve audio as application/octet-stream; trust the
	// extension in that case.
	if contentType != "" && !isAudioMIME(contentType) && !hasExtension(url, audioExtensions) {
		return "", fmt.Errorf("transcribe: %q is not audio (%s)", url, contentType)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", audioFilename(url, contentType))
	if err != nil {
		return "", fmt.Errorf("transcribe: create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("transcribe: write audio: %w", err)
	}
	if err := w.WriteField("model", t.model); err != nil {
		return "", fmt.Errorf("transcribe: write model field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("transcribe: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("transcribe: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("transcribe: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcribe: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// The endpoint answers with JSON {"text": ...} or, for response_format
	// text, the bare transcript.
	text := string(body)
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		var decoded struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil {
			return "", fmt.Errorf("transcribe: decode response: %w", err)
		}
		text = decoded.Text
	}
	return strings.TrimSpace(text), nil
}
