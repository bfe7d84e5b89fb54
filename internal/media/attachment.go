// Package media turns message attachments into text the conversation
// pipeline can store: audio is transcribed, images are described.
package media

import (
	"net/url"
	"path"
	"strings"
)

// Attachment is one attachment reference found on a message event. MIME is
// empty when the payload only carried a URL.
type Attachment struct {
	URL  string
	MIME string
}

var audioExtensions = []string{"mp3", "m4a", "aac", "wav", "ogg", "oga", "opus", "webm", "3gp", "3g2", "amr"}

var imageExtensions = []string{"jpg", "jpeg", "png", "gif", "webp", "bmp", "heic"}

// AudioURLs returns the attachment URLs that look like audio.
func AudioURLs(atts []Attachment) []string {
	return selectURLs(atts, "audio/", audioExtensions)
}

// ImageURLs returns the attachment URLs that look like images.
func ImageURLs(atts []Attachment) []string {
	return selectURLs(atts, "image/", imageExtensions)
}

// A declared MIME type wins; the URL extension is only consulted when the
// payload carried none.
func selectURLs(atts []Attachment, mimePrefix string, exts []string) []string {
	var out []string
	for _, a := range atts {
		u := strings.TrimSpace(a.URL)
		if u == "" {
			continue
		}
		if mime := normalizeMIME(a.MIME); mime != "" {
			if strings.HasPrefix(mime, mimePrefix) {
				out = append(out, u)
			}
			continue
		}
		if hasExtension(u, exts) {
			out = append(out, u)
		}
	}
	return out
}

func normalizeMIME(value string) string {
	m := strings.TrimSpace(value)
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = m[:idx]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

func hasExtension(rawURL string, exts []string) bool {
	p := rawURL
	if parsed, err := url.Parse(rawURL); err == nil {
		p = parsed.Path
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func isAudioMIME(value string) bool {
	return strings.HasPrefix(normalizeMIME(value), "audio/")
}

// audioFilename picks the multipart file name the transcription API uses to
// sniff the container format.
func audioFilename(rawURL, contentType string) string {
	switch normalizeMIME(contentType) {
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/aac":
		return "audio.aac"
	case "audio/mp4":
		return "audio.m4a"
	case "audio/wav", "audio/x-wav":
		return "audio.wav"
	case "audio/webm":
		return "audio.webm"
	case "audio/ogg":
		return "audio.ogg"
	case "audio/3gpp":
		return "audio.3gp"
	case "audio/3gpp2":
		return "audio.3g2"
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		if base := path.Base(parsed.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "audio.bin"
}
