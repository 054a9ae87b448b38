package models

import "time"

// RssFeedState stores per-feed HTTP validators used for conditional GETs.
type RssFeedState struct {
	FeedURL      string    `db:"feed_url" json:"feed_url"`
	ETag         *string   `db:"etag" json:"etag,omitempty"`
	LastModified *string   `db:"last_modified" json:"last_modified,omitempty"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// RssProcessingSnapshot is a serialized page of fetched items plus the next
// cursor, enabling crash-safe resumption of a partially processed fetch.
// Keyed by (user_id, source_name, feed_set_hash).
type RssProcessingSnapshot struct {
	UserID      string    `db:"user_id" json:"user_id"`
	SourceName  string    `db:"source_name" json:"source_name"`
	FeedSetHash string    `db:"feed_set_hash" json:"feed_set_hash"`
	Items       []byte    `db:"items" json:"-"`
	NextCursor  *string   `db:"next_cursor" json:"next_cursor,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
