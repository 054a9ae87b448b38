// Package ingest runs the per-user ingestion pipeline: it drains pages from
// an RSS source, normalizes raw item HTML, upserts articles, and records
// coverage gaps for retryable fetch failures.
package ingest

import (
	"fmt"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

const (
	// maxCleanChars caps clean_text; longer bodies are truncated and flagged.
	maxCleanChars = 20000
	// fullContentMinChars is the heuristic for "article body, not teaser".
	fullContentMinChars = 600
)

// Normalizer converts raw feed item HTML to clean markdown text and derives
// the truncation and full-content flags.
type Normalizer struct {
	converter *md.Converter
}

// NewNormalizer creates a Normalizer with a shared HTML-to-markdown converter.
func NewNormalizer() *Normalizer {
	return &Normalizer{converter: md.NewConverter("", true, nil)}
}

// Clean converts HTML to markdown, collapses whitespace, and truncates to
// maxCleanChars. It returns the clean text, whether it was truncated, and
// whether it looks like full article content.
func (n *Normalizer) Clean(rawHTML string) (clean string, truncated, fullContent bool, err error) {
	clean, err = n.converter.ConvertString(rawHTML)
	if err != nil {
		return "", false, false, fmt.Errorf("failed to convert html: %w", err)
	}
	clean = collapseBlankLines(strings.TrimSpace(clean))

	if len(clean) > maxCleanChars {
		clean = truncateAtRuneBoundary(clean, maxCleanChars)
		truncated = true
	}
	fullContent = len(clean) >= fullContentMinChars
	return clean, truncated, fullContent, nil
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}

// truncateAtRuneBoundary cuts s to at most max bytes without splitting a
// multi-byte rune.
func truncateAtRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
