package ingest

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanConvertsHTML(t *testing.T) {
	n := NewNormalizer()

	clean, truncated, fullContent, err := n.Clean("<p>The <strong>central bank</strong> held rates.</p>")
	require.NoError(t, err)
	assert.Equal(t, "The **central bank** held rates.", clean)
	assert.False(t, truncated)
	assert.False(t, fullContent)
}

func TestCleanFullContentThreshold(t *testing.T) {
	n := NewNormalizer()

	// A teaser under 600 chars is not full content.
	clean, _, fullContent, err := n.Clean("<p>" + strings.Repeat("ab ", 100) + "</p>")
	require.NoError(t, err)
	assert.Less(t, len(clean), 600)
	assert.False(t, fullContent)

	// A long body is.
	_, _, fullContent, err = n.Clean("<p>" + strings.Repeat("word ", 300) + "</p>")
	require.NoError(t, err)
	assert.True(t, fullContent)
}

func TestCleanTruncatesLongBodies(t *testing.T) {
	n := NewNormalizer()

	clean, truncated, fullContent, err := n.Clean("<p>" + strings.Repeat("x", 30000) + "</p>")
	require.NoError(t, err)
	assert.Len(t, clean, 20000)
	assert.True(t, truncated)
	assert.True(t, fullContent)
}

func TestCleanTruncatesOnRuneBoundary(t *testing.T) {
	n := NewNormalizer()

	// 3-byte runes leave the 20000-byte cut mid-rune; the result must still
	// be valid UTF-8.
	clean, truncated, _, err := n.Clean("<p>" + strings.Repeat("世", 8000) + "</p>")
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(clean), 20000)
	assert.True(t, utf8.ValidString(clean))
	r, _ := utf8.DecodeLastRuneInString(clean)
	assert.Equal(t, '世', r)
}

func TestCleanCollapsesBlankLines(t *testing.T) {
	n := NewNormalizer()

	clean, _, _, err := n.Clean("<p>one</p><br/><br/><br/><p>two</p>")
	require.NoError(t, err)
	assert.NotContains(t, clean, "\n\n\n")
	assert.Contains(t, clean, "one")
	assert.Contains(t, clean, "two")
}
