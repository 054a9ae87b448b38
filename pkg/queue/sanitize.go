package queue

import (
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// previewMaxChars caps the sanitized log previews stored per attempt.
const previewMaxChars = 4000

// readPreview reads the tail of a log file and sanitizes it for storage:
// control characters stripped, length capped. A missing file yields "".
func readPreview(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return sanitizePreview(string(data))
}

func sanitizePreview(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > previewMaxChars {
		// Keep the tail; errors print last. Never start mid-rune.
		start := len(out) - previewMaxChars
		for start < len(out) && !utf8.RuneStart(out[start]) {
			start++
		}
		out = out[start:]
	}
	return strings.TrimSpace(out)
}
