package logutil

import "strings"

// maxLogValue bounds how much of an untrusted value ends up in a log line.
const maxLogValue = 256

// SanitizeForLog prepares client-controlled strings (hostnames, session
// ids, decode errors quoting frame content) for logging. Line breaks and
// tabs become spaces, other control characters are dropped and the result
// is truncated so a single request cannot forge or flood log entries.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxLogValue))
	n := 0
	for _, r := range s {
		if n >= maxLogValue {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 0x20 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
