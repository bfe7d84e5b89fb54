package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/tagflow/internal/config"
	"github.com/stellarlinkco/tagflow/internal/store"
)

const (
	describePrompt = "Describe the image objectively in one or two sentences, in the language of the conversation. " +
		"If there is legible text, include it briefly."
	describeMaxTokens = 300
	describeTimeout   = 60 * time.Second
)

// Describer turns an image URL into a short description.
type Describer interface {
	Describe(ctx context.Context, url string) (string, error)
}

// Completer is the slice of model.Model the describer needs.
type Completer interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

// ModelDescriber asks a vision-capable model for a description. Public URLs
// are passed through; CRM-hosted images need the bearer token, so they are
// downloaded and inlined as base64.
type ModelDescriber struct {
	llm     Completer
	fetcher *fetcher
}

func NewModelDescriber(llm Completer, cfg config.MediaConfig, crmBaseURL string, creds store.CredentialSource) *ModelDescriber {
	maxMB := cfg.MaxMB
	if maxMB <= 0 {
		maxMB = config.DefaultMediaMaxMB
	}
	return &ModelDescriber{
		llm: llm,
		fetcher: &fetcher{
			crmBaseURL: crmBaseURL,
			creds:      creds,
			maxBytes:   int64(maxMB) << 20,
		},
	}
}

func (d *ModelDescriber) Describe(ctx context.Context, url string) (string, error) {
	if d.llm == nil {
		return "", fmt.Errorf("describe: no model configured")
	}

	image := model.ContentBlock{Type: model.ContentBlockImage, URL: url}
	if d.fetcher.isCRMURL(url) {
		data, contentType, err := d.fetcher.fetch(ctx, url)
		if err != nil {
			return "", fmt.Errorf("describe: %w", err)
		}
		image = model.ContentBlock{
			Type:      model.ContentBlockImage,
			MediaType: normalizeMIME(contentType),
			Data:      base64.StdEncoding.EncodeToString(data),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, describeTimeout)
	defer cancel()

	resp, err := d.llm.Complete(ctx, model.Request{
		Messages: []model.Message{{
			Role: "user",
			ContentBlocks: []model.ContentBlock{
				{Type: model.ContentBlockText, Text: describePrompt},
				image,
			},
		}},
		MaxTokens: describeMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("describe: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Message.TextContent()), nil
}
