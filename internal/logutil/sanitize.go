package logutil

import (
	"strings"
	"unicode"
)

// maxLogValue caps how much of a single user-supplied value reaches the log.
const maxLogValue = 256

// SanitizeForLog flattens user-provided strings (nicknames, URIs, prompt
// answers echoed in errors) onto a single line so they cannot forge log
// entries. Newlines and tabs become spaces, other control characters are
// dropped, and the result is truncated to maxLogValue runes.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n == maxLogValue {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
