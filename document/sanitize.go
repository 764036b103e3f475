package document

import (
	"html"
	"strings"
	"unicode/utf8"
)

const maxDocumentNameLen = 255

// sanitizeText strips null bytes and control characters except newline and
// tab, then HTML-escapes the remainder. The escaped form is what gets stored
// and snapshotted into signature requests.
func sanitizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return html.EscapeString(b.String())
}

// sanitizeName trims, caps, and defaults the document name.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultDocumentName
	}
	if len(name) > maxDocumentNameLen {
		cut := maxDocumentNameLen
		// back up to a rune boundary so the cut never leaves invalid UTF-8
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}
