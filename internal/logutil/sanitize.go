package logutil

import (
	"strings"
	"unicode/utf8"
)

// maxLogField bounds a single user-supplied value in a log line.
const maxLogField = 512

// SanitizeForLog removes newlines and control characters from user-provided
// strings so a path or file name cannot forge extra log entries. Long values
// are cut to maxLogField bytes.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLogField))
	for i, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
		if b.Len() >= maxLogField && i+utf8.RuneLen(r) < len(s) {
			b.WriteString("...")
			break
		}
	}
	return b.String()
}
