// Package alert delivers signal notifications over email and Telegram.
package alert

import (
	"strings"
	"unicode/utf8"
)

// maxSubjectLen bounds header-bound strings after sanitization.
const maxSubjectLen = 120

// sanitizeHeader strips CR/LF (header injection) and control characters
// from strings that end up in message headers, and caps their length.
func sanitizeHeader(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\r' || r == '\n' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxSubjectLen {
		// Back off to a rune boundary so the cut never emits invalid UTF-8.
		n := maxSubjectLen
		for n > 0 && !utf8.RuneStart(out[n]) {
			n--
		}
		out = out[:n]
	}
	return out
}
