// Package recap coordinates the six-step daily recap pipeline: classify,
// enrich, group, full enrich, synthesize, compose. Each LLM step is a
// durable queue task; the coordinator threads outputs between steps through
// workdir files.
package recap

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/recapd/recapd/pkg/services"
)

// ResourceFetcher loads the full text behind an article URL. Implementations
// beyond plain HTML extraction (video transcripts, paywalled sources) plug
// in here.
type ResourceFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// ReadabilityFetcher extracts readable article text from HTML pages.
type ReadabilityFetcher struct {
	httpClient *http.Client
	maxChars   int
}

// NewReadabilityFetcher creates a ReadabilityFetcher. A nil client gets a
// 30-second default.
func NewReadabilityFetcher(httpClient *http.Client, maxChars int) *ReadabilityFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if maxChars <= 0 {
		maxChars = 40000
	}
	return &ReadabilityFetcher{httpClient: httpClient, maxChars: maxChars}
}

// Fetch downloads the page and runs readability extraction.
func (f *ReadabilityFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s returned %s", url, resp.Status)
	}

	article, err := readability.FromReader(resp.Body, resp.Request.URL)
	if err != nil {
		return "", fmt.Errorf("readability failed for %s: %w", url, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > f.maxChars {
		text = text[:f.maxChars]
	}
	return text, nil
}

// cachingFetcher memoizes fetched resources in the article resource store so
// the full-load step never refetches what the first load already pulled.
type cachingFetcher struct {
	inner    ResourceFetcher
	articles *services.ArticleService
	ttl      time.Duration
}

func newCachingFetcher(inner ResourceFetcher, articles *services.ArticleService, ttl time.Duration) *cachingFetcher {
	return &cachingFetcher{inner: inner, articles: articles, ttl: ttl}
}

func (c *cachingFetcher) fetch(ctx context.Context, urlHash, url string) (string, error) {
	if cached, err := c.articles.GetArticleResource(ctx, urlHash, "fulltext"); err == nil && cached != "" {
		return cached, nil
	}
	text, err := c.inner.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	expires := time.Now().UTC().Add(c.ttl)
	if err := c.articles.SaveArticleResource(ctx, urlHash, "fulltext", text, &expires); err != nil {
		return "", err
	}
	return text, nil
}
