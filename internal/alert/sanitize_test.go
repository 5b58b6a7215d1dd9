package alert

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeHeader(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "LONG EURUSD score 85", "LONG EURUSD score 85"},
		{"crlf injection", "signal\r\nBcc: attacker@evil.test", "signalBcc: attacker@evil.test"},
		{"bare newlines", "line1\nline2\n", "line1line2"},
		{"control chars", "a\x00b\x1bc", "abc"},
		{"surrounding space", "  padded  ", "padded"},
		{"long input capped", strings.Repeat("x", 500), strings.Repeat("x", maxSubjectLen)},
		{"multibyte rune at the cap", strings.Repeat("x", maxSubjectLen-1) + "é", strings.Repeat("x", maxSubjectLen-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeHeader(tt.in)
			if got != tt.want {
				t.Errorf("sanitizeHeader(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if strings.ContainsAny(got, "\r\n") {
				t.Errorf("output still contains CR/LF: %q", got)
			}
			if len(got) > maxSubjectLen {
				t.Errorf("output length %d exceeds cap %d", len(got), maxSubjectLen)
			}
			if !utf8.ValidString(got) {
				t.Errorf("output is not valid UTF-8: %q", got)
			}
		})
	}
}
