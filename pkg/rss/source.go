package rss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/services"
)

// Config controls one RSS source: its feed set, page size, and how long a
// processing snapshot stays resumable.
type Config struct {
	SourceName     string
	FeedURLs       []string
	PageSize       int
	SnapshotMaxAge time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PageSize <= 0 {
		out.PageSize = 50
	}
	if out.SnapshotMaxAge <= 0 {
		out.SnapshotMaxAge = 6 * time.Hour
	}
	return out
}

// RunStats summarizes what BeginRun did.
type RunStats struct {
	FeedsFetched int  `json:"feeds_fetched"`
	FeedsFailed  int  `json:"feeds_failed"`
	ItemsTotal   int  `json:"items_total"`
	Resumed      bool `json:"resumed"`
}

// Source yields a snapshot-backed, cursor-paged stream of normalized source
// articles for one user. A run either resumes a fresh snapshot or fetches
// every feed once and materializes a new one; pages are then served from the
// snapshot so a crash mid-run never refetches.
type Source struct {
	cfg        Config
	fetcher    *Fetcher
	feedStates *services.FeedStateService
	logger     *slog.Logger

	userID      string
	feedSetHash string
	items       []models.SourceArticle
}

// NewSource creates a Source for one user over the configured feed set.
func NewSource(cfg Config, fetcher *Fetcher, feedStates *services.FeedStateService, userID string) *Source {
	return &Source{
		cfg:         cfg.withDefaults(),
		fetcher:     fetcher,
		feedStates:  feedStates,
		logger:      slog.With("source", cfg.SourceName, "user_id", userID),
		userID:      userID,
		feedSetHash: FeedSetHash(cfg.FeedURLs),
	}
}

// FeedSetHash identifies a feed set independent of ordering.
func FeedSetHash(feedURLs []string) string {
	sorted := append([]string(nil), feedURLs...)
	sort.Strings(sorted)
	joined := ""
	for _, u := range sorted {
		joined += u + "\n"
	}
	return sha1Hex(joined)[:12]
}

// BeginRun prepares the item stream and returns the starting cursor, or nil
// when there is nothing to process. A snapshot younger than SnapshotMaxAge
// with an unfinished cursor is resumed instead of refetching.
func (s *Source) BeginRun(ctx context.Context) (*string, RunStats, error) {
	stats := RunStats{}

	snap, err := s.feedStates.LoadSnapshot(ctx, s.userID, s.cfg.SourceName, s.feedSetHash)
	if err != nil {
		return nil, stats, err
	}
	if snap != nil && snap.NextCursor != nil && time.Since(snap.UpdatedAt) < s.cfg.SnapshotMaxAge {
		if err := json.Unmarshal(snap.Items, &s.items); err != nil {
			return nil, stats, fmt.Errorf("failed to decode snapshot items: %w", err)
		}
		stats.Resumed = true
		stats.ItemsTotal = len(s.items)
		s.logger.Info("Resuming from processing snapshot",
			"cursor", *snap.NextCursor, "items", len(s.items))
		return snap.NextCursor, stats, nil
	}
	if snap != nil {
		// Stale or drained snapshot: discard and refetch.
		if err := s.feedStates.DeleteSnapshot(ctx, s.userID, s.cfg.SourceName, s.feedSetHash); err != nil {
			return nil, stats, err
		}
	}

	combined, fetchStats, err := s.fetchAll(ctx)
	stats.FeedsFetched = fetchStats.FeedsFetched
	stats.FeedsFailed = fetchStats.FeedsFailed
	if err != nil {
		return nil, stats, err
	}

	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].PublishedAt.After(combined[j].PublishedAt)
	})
	s.items = combined
	stats.ItemsTotal = len(combined)

	if len(combined) == 0 {
		return nil, stats, nil
	}

	encoded, err := json.Marshal(combined)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to encode snapshot items: %w", err)
	}
	start := "0"
	if err := s.feedStates.SaveSnapshot(ctx, s.userID, s.cfg.SourceName, s.feedSetHash, encoded, &start); err != nil {
		return nil, stats, err
	}
	return &start, stats, nil
}

// fetchAll fetches every feed in the set. One feed failing non-retryably is
// skipped with a warning; a temporary failure aborts so the orchestrator can
// open a gap and retry the whole set later.
func (s *Source) fetchAll(ctx context.Context) ([]models.SourceArticle, RunStats, error) {
	var combined []models.SourceArticle
	stats := RunStats{}
	for _, feedURL := range s.cfg.FeedURLs {
		body, err := s.fetcher.FetchFeed(ctx, feedURL, s.cfg.PageSize)
		if err != nil {
			var temp *TemporarySourceError
			if errors.As(err, &temp) {
				return nil, stats, err
			}
			stats.FeedsFailed++
			s.logger.Warn("Skipping failed feed", "feed_url", feedURL, "error", err)
			continue
		}
		articles, err := ParseFeed(s.cfg.SourceName, feedURL, body)
		if err != nil {
			stats.FeedsFailed++
			s.logger.Warn("Skipping unparseable feed", "feed_url", feedURL, "error", err)
			continue
		}
		stats.FeedsFetched++
		combined = append(combined, articles...)
	}
	return combined, stats, nil
}

// FetchPage returns the page of items at cursor plus the next cursor, which
// is nil on the final page.
func (s *Source) FetchPage(ctx context.Context, cursor string) ([]models.SourceArticle, *string, error) {
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return nil, nil, &NonRetryableSourceError{Code: "bad_cursor", Err: fmt.Errorf("invalid cursor %q", cursor)}
	}
	if offset >= len(s.items) {
		return nil, nil, nil
	}

	end := offset + s.cfg.PageSize
	if end > len(s.items) {
		end = len(s.items)
	}
	page := s.items[offset:end]

	var next *string
	if end < len(s.items) {
		nc := strconv.Itoa(end)
		next = &nc
	}
	return page, next, nil
}

// MarkPageProcessed durably advances the snapshot cursor after a page has
// been fully persisted. A nil next cursor drains and deletes the snapshot.
func (s *Source) MarkPageProcessed(ctx context.Context, nextCursor *string) error {
	return s.feedStates.AdvanceSnapshotCursor(ctx, s.userID, s.cfg.SourceName, s.feedSetHash, nextCursor)
}
