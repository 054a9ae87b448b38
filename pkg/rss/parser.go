package rss

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/recapd/recapd/pkg/models"
)

// epochFallback is the published time assigned to items whose dates are
// missing or unparseable. Such items sort last and still dedupe stably.
var epochFallback = time.Unix(0, 0).UTC()

// ParseFeed parses raw feed XML into normalized source articles. Items
// without a GUID receive a deterministic generated external ID.
func ParseFeed(sourceName, feedURL string, body []byte) ([]models.SourceArticle, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &NonRetryableSourceError{Code: "parse_failed", Err: fmt.Errorf("feed %s: %w", feedURL, err)}
	}

	articles := make([]models.SourceArticle, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		articles = append(articles, itemToArticle(sourceName, feedURL, item))
	}
	return articles, nil
}

func itemToArticle(sourceName, feedURL string, item *gofeed.Item) models.SourceArticle {
	link := strings.TrimSpace(item.Link)
	title := strings.TrimSpace(item.Title)

	publishedAt := epochFallback
	switch {
	case item.PublishedParsed != nil:
		publishedAt = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		publishedAt = item.UpdatedParsed.UTC()
	}

	raw := item.Content
	if raw == "" {
		raw = item.Description
	}

	payload, _ := json.Marshal(item)

	return models.SourceArticle{
		SourceName:   sourceName,
		ExternalID:   externalID(feedURL, item),
		URL:          link,
		URLHash:      URLHash(link),
		Title:        title,
		SourceDomain: domainOf(link),
		PublishedAt:  publishedAt,
		RawText:      raw,
		RawPayload:   string(payload),
	}
}

// externalID derives the item identity: a GUID gets namespaced by a short
// feed-URL hash; GUID-less items get a generated ID over stable item fields.
func externalID(feedURL string, item *gofeed.Item) string {
	feedHash := sha1Hex(feedURL)[:10]
	if guid := strings.TrimSpace(item.GUID); guid != "" {
		return feedHash + ":" + guid
	}

	rawPublished := item.Published
	if rawPublished == "" {
		rawPublished = item.Updated
	}
	seed, _ := json.Marshal([]string{feedURL, item.Link, item.Title, rawPublished})
	return models.GeneratedIDPrefix + sha1Hex(string(seed))
}

// URLHash returns the canonical 16-hex-char hash of a URL.
func URLHash(rawURL string) string {
	canonical := CanonicalURL(rawURL)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}

// trackingParams are query parameters that vary per referral without changing
// the target document.
var trackingParams = []string{"fbclid", "gclid", "msclkid", "ref"}

// CanonicalURL normalizes a URL for identity comparison: lowercases scheme
// and host, drops default ports, fragments, tracking parameters (utm_* and
// click IDs), and trailing slashes.
func CanonicalURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if strings.HasPrefix(key, "utm_") {
				q.Del(key)
			}
		}
		for _, key := range trackingParams {
			q.Del(key)
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
