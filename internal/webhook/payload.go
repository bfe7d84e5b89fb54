package webhook

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/tagflow/internal/media"
)

const eventTypeContactTagUpdate = "ContactTagUpdate"

var ErrInvalidJSON = errors.New("invalid json")

var (
	attachmentKeys = []string{"attachments", "messageAttachments", "media", "medias"}
	urlKeys        = []string{"url", "fileUrl", "link", "linkUrl"}
	mimeKeys       = []string{"mimeType", "contentType", "mime"}
)

// Event is the normalized form of every CRM webhook this service accepts.
// Tag events identify the contact by ID; message events by ContactID.
type Event struct {
	Type           string
	WebhookID      string
	ID             string
	ContactID      string
	ConversationID string
	Body           string
	Tags           []string
	Attachments    []media.Attachment
}

// ParseEvent normalizes a raw webhook body. Only a non-object payload is an
// error; unexpected field shapes degrade to empty values.
func ParseEvent(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, ErrInvalidJSON
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Event{}, ErrInvalidJSON
	}

	ev := Event{
		Type:           stringField(root, "type"),
		WebhookID:      strings.TrimSpace(stringField(root, "webhookId")),
		ID:             strings.TrimSpace(stringField(root, "id")),
		ContactID:      strings.TrimSpace(stringField(root, "contactId")),
		ConversationID: strings.TrimSpace(stringField(root, "conversationId")),
		Body:           stringField(root, "body"),
		Tags:           parseTags(root.Get("tags")),
		Attachments:    parseAttachments(root),
	}
	if ev.Body == "" {
		ev.Body = stringField(root, "message")
	}
	return ev, nil
}

// stringField returns the field only when it is a JSON string or number.
func stringField(root gjson.Result, key string) string {
	v := root.Get(key)
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return v.Raw
	}
	return ""
}

// Tags arrive as a list of strings, a list of {name} objects, or a single
// comma-separated string depending on the workflow that emitted them.
func parseTags(v gjson.Result) []string {
	var tags []string
	switch {
	case v.IsArray():
		v.ForEach(func(_, item gjson.Result) bool {
			switch {
			case item.Type == gjson.String:
				tags = append(tags, item.Str)
			case item.IsObject():
				if name := item.Get("name"); name.Type == gjson.String {
					tags = append(tags, name.Str)
				}
			}
			return true
		})
	case v.Type == gjson.String:
		for _, tag := range strings.Split(v.Str, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

func parseAttachments(root gjson.Result) []media.Attachment {
	var out []media.Attachment
	for _, key := range attachmentKeys {
		list := root.Get(key)
		if !list.IsArray() {
			continue
		}
		list.ForEach(func(_, item gjson.Result) bool {
			switch {
			case item.Type == gjson.String:
				if u := strings.TrimSpace(item.Str); u != "" {
					out = append(out, media.Attachment{URL: u})
				}
			case item.IsObject():
				u := firstString(item, urlKeys)
				if u == "" {
					return true
				}
				out = append(out, media.Attachment{URL: u, MIME: firstString(item, mimeKeys)})
			}
			return true
		})
	}
	return out
}

func firstString(obj gjson.Result, keys []string) string {
	for _, key := range keys {
		if v := obj.Get(key); v.Type == gjson.String {
			if s := strings.TrimSpace(v.Str); s != "" {
				return s
			}
		}
	}
	return ""
}
