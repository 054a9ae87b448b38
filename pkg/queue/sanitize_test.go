package queue

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizePreviewStripsControlChars(t *testing.T) {
	assert.Equal(t, "line one\nline\ttwo", sanitizePreview("line one\nline\ttwo\x07\r"))
	assert.Equal(t, "", sanitizePreview("\x00\x01\x02"))
}

func TestSanitizePreviewKeepsTail(t *testing.T) {
	s := strings.Repeat("a", previewMaxChars) + "error: boom"
	out := sanitizePreview(s)
	assert.Len(t, out, previewMaxChars)
	assert.True(t, strings.HasSuffix(out, "error: boom"))
}

func TestSanitizePreviewTailCapOnRuneBoundary(t *testing.T) {
	// 3-byte runes put the tail cut mid-rune; the preview must stay valid
	// UTF-8 and start on a rune boundary.
	s := strings.Repeat("世", previewMaxChars)
	out := sanitizePreview(s)
	assert.LessOrEqual(t, len(out), previewMaxChars)
	assert.True(t, utf8.ValidString(out))
	r, _ := utf8.DecodeRuneInString(out)
	assert.Equal(t, '世', r)
}
