package rss

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/models"
)

const feedWithGUIDs = `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Example News</title>
  <item>
    <guid>item-100</guid>
    <title>Rates held steady</title>
    <link>HTTPS://Example.com/news/rates/#section</link>
    <pubDate>Mon, 24 Aug 2026 09:30:00 GMT</pubDate>
    <description>The central bank held rates.</description>
  </item>
  <item>
    <title>No guid, no date</title>
    <link>https://example.com/news/undated</link>
  </item>
</channel></rss>`

func TestParseFeedExternalIDs(t *testing.T) {
	const feedURL = "https://example.com/feed.xml"

	articles, err := ParseFeed("rss", feedURL, []byte(feedWithGUIDs))
	require.NoError(t, err)
	require.Len(t, articles, 2)

	withGUID, generated := articles[0], articles[1]

	// GUID items are namespaced by a 10-char feed hash.
	parts := strings.SplitN(withGUID.ExternalID, ":", 2)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 10)
	assert.Equal(t, "item-100", parts[1])

	// GUID-less items get a deterministic generated id.
	assert.True(t, strings.HasPrefix(generated.ExternalID, models.GeneratedIDPrefix))

	again, err := ParseFeed("rss", feedURL, []byte(feedWithGUIDs))
	require.NoError(t, err)
	assert.Equal(t, generated.ExternalID, again[1].ExternalID)

	// Same item in a different feed gets a different identity.
	other, err := ParseFeed("rss", "https://other.example.com/feed.xml", []byte(feedWithGUIDs))
	require.NoError(t, err)
	assert.NotEqual(t, withGUID.ExternalID, other[0].ExternalID)
}

func TestParseFeedDateFallback(t *testing.T) {
	articles, err := ParseFeed("rss", "https://example.com/feed.xml", []byte(feedWithGUIDs))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC), articles[0].PublishedAt)
	assert.Equal(t, time.Unix(0, 0).UTC(), articles[1].PublishedAt)
}

func TestParseFeedMetadata(t *testing.T) {
	articles, err := ParseFeed("rss", "https://example.com/feed.xml", []byte(feedWithGUIDs))
	require.NoError(t, err)

	a := articles[0]
	assert.Equal(t, "rss", a.SourceName)
	assert.Equal(t, "Rates held steady", a.Title)
	assert.Equal(t, "example.com", a.SourceDomain)
	assert.Equal(t, "The central bank held rates.", a.RawText)
	assert.NotEmpty(t, a.RawPayload)
	assert.Len(t, a.URLHash, 16)
}

func TestParseFeedUnparseable(t *testing.T) {
	_, err := ParseFeed("rss", "https://example.com/feed.xml", []byte("not xml"))
	require.Error(t, err)
	var nre *NonRetryableSourceError
	assert.ErrorAs(t, err, &nre)
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com/a#frag", "https://example.com/a"},
		{"https://example.com/a?b=1#frag", "https://example.com/a?b=1"},
		{"  https://example.com/x  ", "https://example.com/x"},
		{"https://example.com:443/a", "https://example.com/a"},
		{"http://example.com:80/a", "http://example.com/a"},
		{"https://example.com/a?utm_source=x&utm_medium=y&b=1", "https://example.com/a?b=1"},
		{"https://example.com/a?fbclid=abc&gclid=def", "https://example.com/a"},
		{"://bad url", "://bad url"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalURL(tt.in), tt.in)
	}
}

func TestURLHashEquivalence(t *testing.T) {
	// Variants that canonicalize identically share a hash.
	assert.Equal(t, URLHash("https://example.com/a/"), URLHash("HTTPS://EXAMPLE.com/a#x"))
	assert.NotEqual(t, URLHash("https://example.com/a"), URLHash("https://example.com/b"))
	assert.Len(t, URLHash("https://example.com/a"), 16)
}
