package fetcher

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/stoik/mailsift/internal/models"
)

const (
	NoPayload       = "(No payload)"
	NoCleanText     = "(No clean text found)"
	ExtractFailed   = "(Extraction failed)"
	CleanFailed     = "(Clean failed)"
	DefaultSubject  = "(No Subject)"
	maxSubjectRunes = 120
)

var (
	urlPattern   = regexp.MustCompile(`https?://\S+`)
	spacePattern = regexp.MustCompile(`\s+`)
	strict       = bluemonday.StrictPolicy()
)

// ExtractPlainText returns the cleaned text of the first text/plain or
// text/html part of payload. Top-level parts are tried first, then the
// children of each top-level part.
func ExtractPlainText(payload *models.MessagePart) string {
	if payload == nil {
		return NoPayload
	}

	if len(payload.Parts) == 0 {
		if payload.Data != "" && isTextPart(payload.MimeType) {
			return decodeAndClean(payload.Data)
		}
		return NoCleanText
	}

	for _, part := range payload.Parts {
		if part != nil && part.Data != "" && isTextPart(part.MimeType) {
			return decodeAndClean(part.Data)
		}
	}
	for _, part := range payload.Parts {
		if part == nil {
			continue
		}
		for _, sub := range part.Parts {
			if sub != nil && sub.Data != "" && isTextPart(sub.MimeType) {
				return decodeAndClean(sub.Data)
			}
		}
	}
	return NoCleanText
}

func isTextPart(mime string) bool {
	return mime == "text/plain" || mime == "text/html"
}

func decodeAndClean(data string) string {
	raw, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return ExtractFailed
		}
	}
	return CleanText(strings.ToValidUTF8(string(raw), ""))
}

// CleanText strips markup from raw, drops script, style, image and link
// elements along with their content, removes URLs and collapses whitespace.
func CleanText(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		// Parsing also fails on nesting deeper than the parser's
		// open element limit. Keep whatever the sanitizer can salvage.
		if text := collapse(html.UnescapeString(strict.Sanitize(raw))); text != "" {
			return text
		}
		return CleanFailed
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Img, atom.A:
				return
			}
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		case html.CommentNode, html.DoctypeNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return collapse(b.String())
}

func collapse(s string) string {
	s = urlPattern.ReplaceAllString(s, "")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
