// Package models defines the domain types shared across services, the
// ingestion pipeline, and the task queue.
package models

import "time"

// RunStatus is the lifecycle state of an ingestion run.
type RunStatus string

// Run status constants.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusPartial   RunStatus = "partial"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimeout, RunStatusPartial:
		return true
	}
	return false
}

// RunCounters aggregates per-run ingestion statistics.
type RunCounters struct {
	Ingested        int `db:"ingested" json:"ingested"`
	Updated         int `db:"updated" json:"updated"`
	Skipped         int `db:"skipped" json:"skipped"`
	DedupClusters   int `db:"dedup_clusters" json:"dedup_clusters"`
	DedupDuplicates int `db:"dedup_duplicates" json:"dedup_duplicates"`
	GapsOpened      int `db:"gaps_opened" json:"gaps_opened"`
}

// IngestionRun is one ingestion activation for a (user, source) pair.
// At most one run per (user, source) may be running at a time.
type IngestionRun struct {
	ID           string     `db:"run_id" json:"run_id"`
	UserID       string     `db:"user_id" json:"user_id"`
	Source       string     `db:"source" json:"source"`
	Status       RunStatus  `db:"status" json:"status"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	HeartbeatAt  time.Time  `db:"heartbeat_at" json:"heartbeat_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	ErrorSummary *string    `db:"error_summary" json:"error_summary,omitempty"`

	RunCounters
}

// GapStatus is the lifecycle state of an ingestion gap.
type GapStatus string

// Gap status constants.
const (
	GapStatusOpen     GapStatus = "open"
	GapStatusResolved GapStatus = "resolved"
	GapStatusExpired  GapStatus = "expired"
)

// IngestionGap records an unread window of a source left behind by a
// temporary fetch error. Open gaps seed backfill chains in the next run.
type IngestionGap struct {
	ID         string     `db:"gap_id" json:"gap_id"`
	UserID     string     `db:"user_id" json:"user_id"`
	Source     string     `db:"source" json:"source"`
	FromCursor *string    `db:"from_cursor" json:"from_cursor,omitempty"`
	ToCursor   *string    `db:"to_cursor" json:"to_cursor,omitempty"`
	ErrorCode  string     `db:"error_code" json:"error_code"`
	RetryAfter *time.Time `db:"retry_after" json:"retry_after,omitempty"`
	Status     GapStatus  `db:"status" json:"status"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	ResolvedAt *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}
