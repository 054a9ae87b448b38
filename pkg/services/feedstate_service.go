package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/models"
)

// FeedStateService stores per-feed HTTP validators and the resumable
// processing snapshots that make fetch crash-safe.
type FeedStateService struct {
	client *database.Client
}

// NewFeedStateService creates a new FeedStateService.
func NewFeedStateService(client *database.Client) *FeedStateService {
	return &FeedStateService{client: client}
}

// GetFeedState returns the stored validators for a feed URL, or nil when the
// feed has never been fetched.
func (s *FeedStateService) GetFeedState(ctx context.Context, feedURL string) (*models.RssFeedState, error) {
	var state models.RssFeedState
	err := s.client.GetContext(ctx, &state,
		`SELECT * FROM rss_feed_state WHERE feed_url = ?`, feedURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed state: %w", err)
	}
	return &state, nil
}

// UpsertFeedState stores the validators observed on the latest fetch.
func (s *FeedStateService) UpsertFeedState(ctx context.Context, feedURL string, etag, lastModified *string) error {
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO rss_feed_state (feed_url, etag, last_modified, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(feed_url) DO UPDATE
		 SET etag = excluded.etag, last_modified = excluded.last_modified,
		     updated_at = excluded.updated_at`,
		feedURL, etag, lastModified, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert feed state: %w", err)
	}
	return nil
}

// LoadSnapshot returns the processing snapshot for (user, source, feed set),
// or nil when none exists.
func (s *FeedStateService) LoadSnapshot(ctx context.Context, userID, sourceName, feedSetHash string) (*models.RssProcessingSnapshot, error) {
	var snap models.RssProcessingSnapshot
	err := s.client.GetContext(ctx, &snap,
		`SELECT * FROM rss_processing_snapshots
		 WHERE user_id = ? AND source_name = ? AND feed_set_hash = ?`,
		userID, sourceName, feedSetHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot upserts the serialized item page and cursor.
func (s *FeedStateService) SaveSnapshot(ctx context.Context, userID, sourceName, feedSetHash string, items []byte, nextCursor *string) error {
	now := time.Now().UTC()
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO rss_processing_snapshots
		   (user_id, source_name, feed_set_hash, items, next_cursor, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, source_name, feed_set_hash) DO UPDATE
		 SET items = excluded.items, next_cursor = excluded.next_cursor,
		     updated_at = excluded.updated_at`,
		userID, sourceName, feedSetHash, items, nextCursor, now, now)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// AdvanceSnapshotCursor records that the page up to nextCursor has been
// processed. A nil cursor means the snapshot is drained and is deleted.
func (s *FeedStateService) AdvanceSnapshotCursor(ctx context.Context, userID, sourceName, feedSetHash string, nextCursor *string) error {
	if nextCursor == nil {
		return s.DeleteSnapshot(ctx, userID, sourceName, feedSetHash)
	}
	_, err := s.client.ExecContext(ctx,
		`UPDATE rss_processing_snapshots SET next_cursor = ?, updated_at = ?
		 WHERE user_id = ? AND source_name = ? AND feed_set_hash = ?`,
		nextCursor, time.Now().UTC(), userID, sourceName, feedSetHash)
	if err != nil {
		return fmt.Errorf("failed to advance snapshot cursor: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot row.
func (s *FeedStateService) DeleteSnapshot(ctx context.Context, userID, sourceName, feedSetHash string) error {
	_, err := s.client.ExecContext(ctx,
		`DELETE FROM rss_processing_snapshots
		 WHERE user_id = ? AND source_name = ? AND feed_set_hash = ?`,
		userID, sourceName, feedSetHash)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
