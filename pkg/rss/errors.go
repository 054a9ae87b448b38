// Package rss produces an ordered, resumable stream of normalized source
// articles across one or more RSS/Atom feed URLs, minimizing refetch via
// conditional GETs and crash-safe processing snapshots.
package rss

import (
	"fmt"
	"time"
)

// TemporarySourceError signals a retryable transport failure (rate limit or
// upstream 5xx). The ingestion orchestrator turns it into an open gap.
type TemporarySourceError struct {
	Code       string
	RetryAfter *time.Time
	ToCursor   *string
	Err        error
}

func (e *TemporarySourceError) Error() string {
	return fmt.Sprintf("temporary source error (%s): %v", e.Code, e.Err)
}

func (e *TemporarySourceError) Unwrap() error { return e.Err }

// NonRetryableSourceError signals a permanent failure (malformed XML,
// client-side HTTP error). It aborts the run as failed.
type NonRetryableSourceError struct {
	Code string
	Err  error
}

func (e *NonRetryableSourceError) Error() string {
	return fmt.Sprintf("non-retryable source error (%s): %v", e.Code, e.Err)
}

func (e *NonRetryableSourceError) Unwrap() error { return e.Err }
