package render

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// Message bodies reach us as whatever the sender typed; the web widget used
// to inject them as HTML. For a terminal we strip all markup.
var textPolicy = bluemonday.StrictPolicy()

const maxNameLen = 24

// Text reduces s to plain printable text.
func Text(s string) string {
	if s == "" {
		return ""
	}
	sanitized := textPolicy.Sanitize(escapeStrayLT(s))
	// StrictPolicy escapes what it keeps; undo that for terminal output.
	sanitized = html.UnescapeString(sanitized)
	sanitized = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, sanitized)
	return strings.TrimSpace(sanitized)
}

// escapeStrayLT escapes every '<' that is not closed by a '>' before the
// next '<', so "a<b" stays text while "<b>x</b>" is still markup.
func escapeStrayLT(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '<' {
			b.WriteByte(s[i])
			continue
		}
		rest := s[i+1:]
		end := strings.IndexByte(rest, '>')
		if end < 0 || strings.IndexByte(rest[:end], '<') >= 0 {
			b.WriteString("&lt;")
			continue
		}
		b.WriteByte('<')
	}
	return b.String()
}

// Name sanitizes a display name and caps its length. Empty names stay empty.
func Name(s string) string {
	name := strings.Join(strings.Fields(Text(s)), " ")
	if r := []rune(name); len(r) > maxNameLen {
		name = string(r[:maxNameLen])
	}
	return name
}
