package models

import "time"

// TaskStatus is the lifecycle state of a durable LLM task.
type TaskStatus string

// Task status constants. Transitions: queued→running→terminal, and
// running→queued only through a scheduled retry.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimeout   TaskStatus = "timeout"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusTimeout, TaskStatusCanceled:
		return true
	}
	return false
}

// FailureClass categorizes why an attempt or task failed.
type FailureClass string

// Failure classes. Only Timeout and BackendTransient are retryable.
const (
	FailureInputContract       FailureClass = "INPUT_CONTRACT_ERROR"
	FailureBackendTransient    FailureClass = "BACKEND_TRANSIENT"
	FailureBackendNonRetryable FailureClass = "BACKEND_NON_RETRYABLE"
	FailureTimeout             FailureClass = "TIMEOUT"
	FailureOutputInvalidJSON   FailureClass = "OUTPUT_INVALID_JSON"
	FailureSourceMapping       FailureClass = "SOURCE_MAPPING_FAILED"
	FailureBillingOrQuota      FailureClass = "BILLING_OR_QUOTA"
	FailureAccessOrAuth        FailureClass = "ACCESS_OR_AUTH"
	FailureModelNotAvailable   FailureClass = "MODEL_NOT_AVAILABLE"
)

// Retryable reports whether the class permits a scheduled retry.
func (c FailureClass) Retryable() bool {
	return c == FailureTimeout || c == FailureBackendTransient
}

// RepairEligible reports whether the class permits the single in-attempt
// output repair.
func (c FailureClass) RepairEligible() bool {
	return c == FailureOutputInvalidJSON || c == FailureSourceMapping
}

// Task task types. The recap_* family carries per-type output schemas and
// never produces citation snapshots.
const (
	TaskTypeHighlights    = "highlights"
	TaskTypeStoryDetails  = "story_details"
	TaskTypeMonitorAnswer = "monitor_answer"
	TaskTypeQAAnswer      = "qa_answer"

	TaskTypeRecapClassify   = "recap_classify"
	TaskTypeRecapEnrich     = "recap_enrich"
	TaskTypeRecapGroup      = "recap_group"
	TaskTypeRecapEnrichFull = "recap_enrich_full"
	TaskTypeRecapSynthesize = "recap_synthesize"
	TaskTypeRecapCompose    = "recap_compose"
)

// IsRecapTaskType reports whether the task type belongs to the recap family.
func IsRecapTaskType(taskType string) bool {
	switch taskType {
	case TaskTypeRecapClassify, TaskTypeRecapEnrich, TaskTypeRecapGroup,
		TaskTypeRecapEnrichFull, TaskTypeRecapSynthesize, TaskTypeRecapCompose:
		return true
	}
	return false
}

// Task is a durable LLM job managed by the queue.
type Task struct {
	ID                string        `db:"task_id" json:"task_id"`
	UserID            string        `db:"user_id" json:"user_id"`
	TaskType          string        `db:"task_type" json:"task_type"`
	Priority          int           `db:"priority" json:"priority"`
	Status            TaskStatus    `db:"status" json:"status"`
	Attempt           int           `db:"attempt" json:"attempt"`
	MaxAttempts       int           `db:"max_attempts" json:"max_attempts"`
	TimeoutSeconds    int           `db:"timeout_seconds" json:"timeout_seconds"`
	RunAfter          time.Time     `db:"run_after" json:"run_after"`
	StartedAt         *time.Time    `db:"started_at" json:"started_at,omitempty"`
	HeartbeatAt       *time.Time    `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	FinishedAt        *time.Time    `db:"finished_at" json:"finished_at,omitempty"`
	FailureClass      *FailureClass `db:"failure_class" json:"failure_class,omitempty"`
	LastExitCode      *int          `db:"last_exit_code" json:"last_exit_code,omitempty"`
	RepairAttemptedAt *time.Time    `db:"repair_attempted_at" json:"repair_attempted_at,omitempty"`
	WorkerID          *string       `db:"worker_id" json:"worker_id,omitempty"`
	InputManifestPath string        `db:"input_manifest_path" json:"input_manifest_path"`
	OutputPath        *string       `db:"output_path" json:"output_path,omitempty"`
	ErrorSummary      *string       `db:"error_summary" json:"error_summary,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// Task event types recorded in the append-only audit trail.
const (
	TaskEventEnqueued        = "enqueued"
	TaskEventClaimed         = "claimed"
	TaskEventRetryScheduled  = "retry_scheduled"
	TaskEventCompleted       = "completed"
	TaskEventFailed          = "failed"
	TaskEventCanceled        = "canceled"
	TaskEventManualRetry     = "manual_retry"
	TaskEventStaleRecovered  = "stale_recovered"
	TaskEventRoutingFallback = "routing_fallback_applied"
	TaskEventRepairStarted   = "repair_started"
)

// TaskEvent is one append-only audit record for a task.
type TaskEvent struct {
	ID         int64     `db:"event_id" json:"event_id"`
	TaskID     string    `db:"task_id" json:"task_id"`
	EventType  string    `db:"event_type" json:"event_type"`
	StatusFrom *string   `db:"status_from" json:"status_from,omitempty"`
	StatusTo   *string   `db:"status_to" json:"status_to,omitempty"`
	Details    *string   `db:"details" json:"details,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// UsageSource identifies how token usage for an attempt was obtained.
const (
	UsageSourceParsed    = "parsed"
	UsageSourceEstimated = "estimated"
	UsageSourceNone      = "none"
)

// TaskAttempt is the telemetry record for one execution of a task.
type TaskAttempt struct {
	ID            int64         `db:"attempt_id" json:"attempt_id"`
	TaskID        string        `db:"task_id" json:"task_id"`
	Attempt       int           `db:"attempt" json:"attempt"`
	StartedAt     time.Time     `db:"started_at" json:"started_at"`
	FinishedAt    time.Time     `db:"finished_at" json:"finished_at"`
	DurationMS    int64         `db:"duration_ms" json:"duration_ms"`
	ExitCode      *int          `db:"exit_code" json:"exit_code,omitempty"`
	TimedOut      bool          `db:"timed_out" json:"timed_out"`
	FailureClass  *FailureClass `db:"failure_class" json:"failure_class,omitempty"`
	FailureCode   *string       `db:"failure_code" json:"failure_code,omitempty"`
	StdoutPreview string        `db:"stdout_preview" json:"stdout_preview"`
	StderrPreview string        `db:"stderr_preview" json:"stderr_preview"`
	InputTokens   *int64        `db:"input_tokens" json:"input_tokens,omitempty"`
	OutputTokens  *int64        `db:"output_tokens" json:"output_tokens,omitempty"`
	EstimatedCost *float64      `db:"estimated_cost_usd" json:"estimated_cost_usd,omitempty"`
	UsageSource   string        `db:"usage_source" json:"usage_source"`
	ParserVersion string        `db:"parser_version" json:"parser_version"`
}

// Artifact kinds attached to a task.
const (
	ArtifactStdoutLog    = "stdout_log"
	ArtifactStderrLog    = "stderr_log"
	ArtifactOutputResult = "output_result"
)

// TaskArtifact records a file produced while executing a task.
type TaskArtifact struct {
	ID        int64     `db:"artifact_id" json:"artifact_id"`
	TaskID    string    `db:"task_id" json:"task_id"`
	Kind      string    `db:"kind" json:"kind"`
	Path      string    `db:"path" json:"path"`
	Size      int64     `db:"size" json:"size"`
	Checksum  string    `db:"checksum" json:"checksum"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CitationSnapshot preserves the source metadata cited by a successful task
// output. Snapshots are immutable and survive article garbage collection.
type CitationSnapshot struct {
	TaskID      string     `db:"task_id" json:"task_id"`
	SourceID    string     `db:"source_id" json:"source_id"`
	Position    int        `db:"position" json:"position"`
	ArticleID   *string    `db:"article_id" json:"article_id,omitempty"`
	Title       string     `db:"title" json:"title"`
	URL         string     `db:"url" json:"url"`
	Source      *string    `db:"source" json:"source,omitempty"`
	PublishedAt *time.Time `db:"published_at" json:"published_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}
