package rss

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/recapd/recapd/pkg/services"
)

// emptyFeedXML is what a 304 Not Modified normalizes to, so downstream
// parsing sees a valid feed with zero items.
const emptyFeedXML = `<?xml version="1.0"?><rss version="2.0"><channel><title>not modified</title></channel></rss>`

// retryable HTTP status codes per the source contract.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Fetcher performs conditional-GET feed fetches, persisting ETag and
// Last-Modified validators between runs.
type Fetcher struct {
	httpClient *http.Client
	feedStates *services.FeedStateService
	userAgent  string
}

// NewFetcher creates a Fetcher. A nil httpClient gets a 30-second default.
func NewFetcher(httpClient *http.Client, feedStates *services.FeedStateService, userAgent string) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if userAgent == "" {
		userAgent = "recapd/1.0 (+https://github.com/recapd/recapd)"
	}
	return &Fetcher{httpClient: httpClient, feedStates: feedStates, userAgent: userAgent}
}

// FetchFeed GETs one feed URL with stored validators. 304 responses
// normalize to an empty feed document; 429/5xx surface as temporary errors
// with any Retry-After honored; other 4xx are non-retryable.
func (f *Fetcher) FetchFeed(ctx context.Context, feedURL string, pageLimit int) ([]byte, error) {
	requestURL := applyInoreaderLimit(feedURL, pageLimit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &NonRetryableSourceError{Code: "bad_url", Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	state, err := f.feedStates.GetFeedState(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load feed state: %w", err)
	}
	if state != nil {
		if state.ETag != nil {
			req.Header.Set("If-None-Match", *state.ETag)
		}
		if state.LastModified != nil {
			req.Header.Set("If-Modified-Since", *state.LastModified)
		}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &TemporarySourceError{Code: "transport", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		slog.Debug("Feed not modified", "feed_url", feedURL)
		return []byte(emptyFeedXML), nil

	case retryableStatus[resp.StatusCode]:
		return nil, &TemporarySourceError{
			Code:       fmt.Sprintf("http_%d", resp.StatusCode),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("feed %s returned %s", feedURL, resp.Status),
		}

	case resp.StatusCode >= 400:
		return nil, &NonRetryableSourceError{
			Code: fmt.Sprintf("http_%d", resp.StatusCode),
			Err:  fmt.Errorf("feed %s returned %s", feedURL, resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &TemporarySourceError{Code: "read_body", Err: err}
	}

	if err := f.storeValidators(ctx, feedURL, resp.Header); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) storeValidators(ctx context.Context, feedURL string, headers http.Header) error {
	var etag, lastModified *string
	if v := headers.Get("ETag"); v != "" {
		etag = &v
	}
	if v := headers.Get("Last-Modified"); v != "" {
		lastModified = &v
	}
	if etag == nil && lastModified == nil {
		return nil
	}
	if err := f.feedStates.UpsertFeedState(ctx, feedURL, etag, lastModified); err != nil {
		return fmt.Errorf("failed to store feed validators: %w", err)
	}
	return nil
}

// parseRetryAfter handles the integer-seconds form of Retry-After.
func parseRetryAfter(value string) *time.Time {
	if value == "" {
		return nil
	}
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs < 0 {
		return nil
	}
	t := time.Now().UTC().Add(time.Duration(secs) * time.Second)
	return &t
}

// applyInoreaderLimit overrides the page size on Inoreader stream URLs.
func applyInoreaderLimit(feedURL string, limit int) string {
	if limit <= 0 || !strings.Contains(feedURL, "inoreader.com/reader/api") {
		return feedURL
	}
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	q := u.Query()
	q.Set("n", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return u.String()
}
