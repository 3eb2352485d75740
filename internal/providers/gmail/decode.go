package gmail

import (
	"bytes"
	"encoding/base64"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/swiftshield-sync/internal/sync"
)

const (
	defaultSender  = "Unknown"
	defaultSubject = "No Subject"

	// decodingFailed replaces a text part whose bytes could not be converted.
	decodingFailed = "DECODING_FAILED"
)

var urlPattern = regexp.MustCompile(`https?://[^\s/$.?#].[^\s]*`)

// textPart is one decoded text/* leaf of the MIME tree.
type textPart struct {
	mimeType string
	text     string
}

// Decode flattens a full-format Gmail message.
func Decode(m *gmail.Message) *sync.DecodedMessage {
	out := &sync.DecodedMessage{
		ID:      m.Id,
		Sender:  defaultSender,
		Subject: defaultSubject,
		Labels:  m.LabelIds,
		URLs:    []string{},
	}

	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch {
			case strings.EqualFold(h.Name, "From"):
				out.Sender = h.Value
			case strings.EqualFold(h.Name, "Subject"):
				out.Subject = h.Value
			case strings.EqualFold(h.Name, "Date"):
				out.Date = h.Value
			}
		}
	}

	if sync.Excluded(m.LabelIds) {
		out.Ignored = true
		return out
	}
	if m.Payload == nil {
		return out
	}

	var plainSet, htmlSet bool
	for _, p := range collectText(m.Payload, nil) {
		switch {
		case strings.HasPrefix(p.mimeType, "text/plain") && !plainSet:
			out.PlainText, plainSet = p.text, true
		case strings.HasPrefix(p.mimeType, "text/html") && !htmlSet:
			out.HTMLText, htmlSet = p.text, true
		}
	}

	out.URLs = ExtractURLs(out.PlainText, out.HTMLText)
	return out
}

// collectText walks the part tree in document order.
func collectText(part *gmail.MessagePart, acc []textPart) []textPart {
	mimeType := strings.ToLower(part.MimeType)
	switch {
	case strings.HasPrefix(mimeType, "text/"):
		data := ""
		if part.Body != nil {
			data = part.Body.Data
		}
		raw := decodeBody(data)
		return append(acc, textPart{mimeType: mimeType, text: toUTF8(raw, partCharset(part))})
	case strings.HasPrefix(mimeType, "multipart/"):
		for _, child := range part.Parts {
			if child != nil {
				acc = collectText(child, acc)
			}
		}
	}
	return acc
}

// decodeBody tries URL-safe then standard base64, padded or not. Anything else is taken as
// already decoded.
func decodeBody(data string) []byte {
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		if b, err := enc.DecodeString(data); err == nil {
			return b
		}
	}
	return []byte(data)
}

// partCharset reads the charset parameter of the part's own Content-Type header.
func partCharset(part *gmail.MessagePart) string {
	for _, h := range part.Headers {
		if !strings.EqualFold(h.Name, "Content-Type") {
			continue
		}
		var hdr message.Header
		hdr.Set("Content-Type", h.Value)
		_, params, err := hdr.ContentType()
		if err != nil {
			return "utf-8"
		}
		if cs := strings.TrimSpace(params["charset"]); cs != "" {
			return cs
		}
		return "utf-8"
	}
	return "utf-8"
}

func toUTF8(raw []byte, cs string) string {
	r, err := charset.Reader(cs, bytes.NewReader(raw))
	if err != nil {
		// unknown charset
		return string(raw)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return decodingFailed
	}
	return string(b)
}

// ExtractURLs matches the plain text first, then the HTML. Duplicates are kept.
func ExtractURLs(plain, html string) []string {
	urls := []string{}
	urls = append(urls, urlPattern.FindAllString(plain, -1)...)
	if html != "" {
		urls = append(urls, urlPattern.FindAllString(html, -1)...)
	}
	return urls
}
