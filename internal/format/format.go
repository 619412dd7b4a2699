// Package format turns Canvas announcement HTML into Discord-ready text.
//
// The markup handling is a regular-expression approximation, not a parser:
// well-formed, non-nested anchors are extracted; malformed or nested markup
// is best-effort.
package format

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxBody is the longest body sent unmodified.
	MaxBody = 1900
	// TruncatedBody is how many characters survive truncation, before Ellipsis.
	TruncatedBody = 1800
	Ellipsis      = "..."
)

var (
	reTag    = regexp.MustCompile(`<[^>]+>`)
	reAnchor = regexp.MustCompile(`(?is)<a\s[^>]*?href\s*=\s*["']([^"']*)["'][^>]*>(.*?)</a\s*>`)
)

// Link is a named hyperlink found in announcement markup.
type Link struct {
	Text string
	URL  string
}

// Markdown renders the link as [text](url).
func (l Link) Markdown() string { return "[" + l.Text + "](" + l.URL + ")" }

// StripMarkup removes tags, decodes entities and trims surrounding space.
func StripMarkup(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(reTag.ReplaceAllString(s, "")))
}

// ExtractNamedLinks returns anchors with both a non-empty text and URL, in document order.
func ExtractNamedLinks(s string) []Link {
	var out []Link
	for _, m := range reAnchor.FindAllStringSubmatch(s, -1) {
		u := strings.TrimSpace(html.UnescapeString(m[1]))
		text := StripMarkup(m[2])
		if u == "" || text == "" {
			continue
		}
		out = append(out, Link{Text: text, URL: u})
	}
	return out
}

// Truncate cuts s to TruncatedBody characters plus Ellipsis when it is longer
// than MaxBody characters.
func Truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxBody {
		return s
	}
	n := 0
	for i := range s {
		if n == TruncatedBody {
			return s[:i] + Ellipsis
		}
		n++
	}
	return s
}

// Body builds the embed description for raw announcement HTML: the truncated
// plain text, followed by a "Links:" section when the markup had named links.
//
// The links section is appended after truncation and is not counted against
// MaxBody.
func Body(raw string) string {
	body := Truncate(StripMarkup(raw))
	links := ExtractNamedLinks(raw)
	if len(links) == 0 {
		return body
	}

	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\nLinks:")
	for _, l := range links {
		b.WriteString("\n")
		b.WriteString(l.Markdown())
	}
	return b.String()
}
