package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/models"
)

// TaskService manages the durable LLM task queue: enqueue, atomic claim,
// retry scheduling, terminal transitions, attempt telemetry, artifacts, and
// citation snapshots. Every status change is a compare-and-swap paired with
// an append-only event row.
type TaskService struct {
	client *database.Client
}

// NewTaskService creates a new TaskService.
func NewTaskService(client *database.Client) *TaskService {
	return &TaskService{client: client}
}

// EnqueueTaskRequest describes a new durable task.
type EnqueueTaskRequest struct {
	UserID            string
	TaskType          string
	Priority          int
	MaxAttempts       int
	TimeoutSeconds    int
	RunAfter          time.Time
	InputManifestPath string
}

// EnqueueTask inserts a queued task and emits the enqueued event.
func (s *TaskService) EnqueueTask(ctx context.Context, req EnqueueTaskRequest) (*models.Task, error) {
	if req.UserID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	if req.TaskType == "" {
		return nil, NewValidationError("task_type", "required")
	}
	if req.InputManifestPath == "" {
		return nil, NewValidationError("input_manifest_path", "required")
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = 600
	}
	if req.Priority == 0 {
		req.Priority = 100
	}
	now := time.Now().UTC()
	runAfter := req.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}

	taskID := uuid.New().String()

	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO llm_tasks
		   (task_id, user_id, task_type, priority, status, attempt, max_attempts,
		    timeout_seconds, run_after, input_manifest_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?, ?, ?)`,
		taskID, req.UserID, req.TaskType, req.Priority, req.MaxAttempts,
		req.TimeoutSeconds, runAfter.UTC(), req.InputManifestPath, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	if err := appendEvent(ctx, tx, taskID, models.TaskEventEnqueued, nil, strPtr("queued"), nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return s.GetTask(ctx, taskID)
}

// ClaimNextReadyTask atomically claims the next ready queued task for a
// worker. Ordering is (priority, run_after, created_at). Returns nil when
// the queue is idle.
func (s *TaskService) ClaimNextReadyTask(ctx context.Context, workerID string) (*models.Task, error) {
	const maxRaces = 5
	for i := 0; i < maxRaces; i++ {
		var candidate models.Task
		err := s.client.GetContext(ctx, &candidate,
			`SELECT * FROM llm_tasks
			 WHERE status = 'queued' AND run_after <= ?
			 ORDER BY priority ASC, run_after ASC, created_at ASC
			 LIMIT 1`, time.Now().UTC())
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select ready task: %w", err)
		}

		tx, err := s.client.BeginTxx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to start transaction: %w", err)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE llm_tasks
			 SET status = 'running', attempt = attempt + 1,
			     started_at = ?, heartbeat_at = ?, worker_id = ?,
			     failure_class = NULL, last_exit_code = NULL, error_summary = NULL,
			     updated_at = ?
			 WHERE task_id = ? AND status = 'queued'`,
			now, now, workerID, now, candidate.ID)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race; try the next candidate.
			_ = tx.Rollback()
			continue
		}

		details := fmt.Sprintf(`{"worker_id":%q}`, workerID)
		if err := appendEvent(ctx, tx, candidate.ID, models.TaskEventClaimed, strPtr("queued"), strPtr("running"), &details); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit claim: %w", err)
		}
		return s.GetTask(ctx, candidate.ID)
	}
	return nil, nil
}

// TouchTask updates the heartbeat while the task is still running.
func (s *TaskService) TouchTask(ctx context.Context, taskID string) error {
	_, err := s.client.ExecContext(ctx,
		`UPDATE llm_tasks SET heartbeat_at = ?, updated_at = ?
		 WHERE task_id = ? AND status = 'running'`,
		time.Now().UTC(), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to touch task: %w", err)
	}
	return nil
}

// ScheduleRetry transitions running→queued, preserving attempt and clearing
// the claim fields. Returns whether the CAS succeeded; terminal states
// absorb the call.
func (s *TaskService) ScheduleRetry(ctx context.Context, taskID string, runAfter time.Time, timeoutSeconds int, failureClass models.FailureClass, errorSummary string, lastExitCode *int) (bool, error) {
	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE llm_tasks
		 SET status = 'queued', run_after = ?, timeout_seconds = ?,
		     failure_class = ?, error_summary = ?, last_exit_code = ?,
		     started_at = NULL, heartbeat_at = NULL, worker_id = NULL,
		     repair_attempted_at = NULL, updated_at = ?
		 WHERE task_id = ? AND status = 'running'`,
		runAfter.UTC(), timeoutSeconds, failureClass, nullIfEmpty(errorSummary),
		lastExitCode, now, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	details := fmt.Sprintf(`{"failure_class":%q,"run_after":%q,"timeout_seconds":%d}`,
		failureClass, runAfter.UTC().Format(time.RFC3339), timeoutSeconds)
	if err := appendEvent(ctx, tx, taskID, models.TaskEventRetryScheduled, strPtr("running"), strPtr("queued"), &details); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit retry: %w", err)
	}
	return true, nil
}

// CompleteTask transitions running→succeeded and persists citation snapshots
// in the same transaction; partial citation persistence is impossible.
// Returns whether the CAS succeeded.
func (s *TaskService) CompleteTask(ctx context.Context, taskID, outputPath string, citations []models.CitationSnapshot) (bool, error) {
	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE llm_tasks
		 SET status = 'succeeded', finished_at = ?, output_path = ?, updated_at = ?
		 WHERE task_id = ? AND status = 'running'`,
		now, outputPath, now, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	for _, c := range citations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO output_citation_snapshots
			   (task_id, source_id, position, article_id, title, url, source, published_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			taskID, c.SourceID, c.Position, c.ArticleID, c.Title, c.URL,
			c.Source, c.PublishedAt, now); err != nil {
			return false, fmt.Errorf("failed to persist citation %s: %w", c.SourceID, err)
		}
	}

	if err := appendEvent(ctx, tx, taskID, models.TaskEventCompleted, strPtr("running"), strPtr("succeeded"), nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit completion: %w", err)
	}
	return true, nil
}

// FailTask transitions running→failed or running→timeout. Returns whether
// the CAS succeeded.
func (s *TaskService) FailTask(ctx context.Context, taskID string, status models.TaskStatus, failureClass models.FailureClass, errorSummary string, lastExitCode *int, details string) (bool, error) {
	if status != models.TaskStatusFailed && status != models.TaskStatusTimeout {
		return false, NewValidationError("status", "must be failed or timeout")
	}

	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE llm_tasks
		 SET status = ?, finished_at = ?, failure_class = ?,
		     error_summary = ?, last_exit_code = ?, updated_at = ?
		 WHERE task_id = ? AND status = 'running'`,
		status, now, failureClass, nullIfEmpty(errorSummary), lastExitCode, now, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to fail task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	var detailsPtr *string
	if details != "" {
		detailsPtr = &details
	}
	if err := appendEvent(ctx, tx, taskID, models.TaskEventFailed, strPtr("running"), strPtr(string(status)), detailsPtr); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit failure: %w", err)
	}
	return true, nil
}

// CancelTask transitions queued or running to canceled. Returns whether the
// CAS succeeded.
func (s *TaskService) CancelTask(ctx context.Context, taskID string) (bool, error) {
	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var from string
	err = tx.GetContext(ctx, &from,
		`SELECT status FROM llm_tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load task status: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE llm_tasks SET status = 'canceled', finished_at = ?, updated_at = ?
		 WHERE task_id = ? AND status IN ('queued', 'running')`,
		now, now, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := appendEvent(ctx, tx, taskID, models.TaskEventCanceled, &from, strPtr("canceled"), nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit cancel: %w", err)
	}
	return true, nil
}

// RetryTask is the manual operator retry: terminal failed/timeout/canceled
// back to queued with a fresh attempt budget.
func (s *TaskService) RetryTask(ctx context.Context, taskID string) (bool, error) {
	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var from string
	err = tx.GetContext(ctx, &from,
		`SELECT status FROM llm_tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load task status: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE llm_tasks
		 SET status = 'queued', attempt = 0, run_after = ?,
		     started_at = NULL, heartbeat_at = NULL, finished_at = NULL,
		     worker_id = NULL, repair_attempted_at = NULL,
		     failure_class = NULL, last_exit_code = NULL, error_summary = NULL,
		     output_path = NULL, updated_at = ?
		 WHERE task_id = ? AND status IN ('failed', 'timeout', 'canceled')`,
		now, now, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to retry task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := appendEvent(ctx, tx, taskID, models.TaskEventManualRetry, &from, strPtr("queued"), nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit manual retry: %w", err)
	}
	return true, nil
}

// MarkRepairAttempted records the single allowed in-attempt repair. Returns
// false when the task is not running or repair was already attempted.
func (s *TaskService) MarkRepairAttempted(ctx context.Context, taskID string) (bool, error) {
	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE llm_tasks SET repair_attempted_at = ?, updated_at = ?
		 WHERE task_id = ? AND status = 'running' AND repair_attempted_at IS NULL`,
		now, now, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to mark repair: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := appendEvent(ctx, tx, taskID, models.TaskEventRepairStarted, strPtr("running"), strPtr("running"), nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit repair mark: %w", err)
	}
	return true, nil
}

// RecoverStaleRunningTasks requeues running tasks whose heartbeat is older
// than staleAfter. Attempt counts are preserved; a later claim increments
// them, so any zombie's eventual terminal write loses its CAS.
func (s *TaskService) RecoverStaleRunningTasks(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)

	var staleIDs []string
	err := s.client.SelectContext(ctx, &staleIDs,
		`SELECT task_id FROM llm_tasks
		 WHERE status = 'running' AND heartbeat_at IS NOT NULL AND heartbeat_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to query stale tasks: %w", err)
	}

	recovered := 0
	for _, taskID := range staleIDs {
		ok, err := s.requeueStale(ctx, taskID, cutoff)
		if err != nil {
			slog.Error("Failed to recover stale task", "task_id", taskID, "error", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (s *TaskService) requeueStale(ctx context.Context, taskID string, cutoff time.Time) (bool, error) {
	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE llm_tasks
		 SET status = 'queued', run_after = ?,
		     started_at = NULL, heartbeat_at = NULL, worker_id = NULL,
		     repair_attempted_at = NULL, updated_at = ?
		 WHERE task_id = ? AND status = 'running' AND heartbeat_at < ?`,
		now, now, taskID, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to requeue stale task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := appendEvent(ctx, tx, taskID, models.TaskEventStaleRecovered, strPtr("running"), strPtr("queued"), nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit stale recovery: %w", err)
	}
	slog.Warn("Recovered stale running task", "task_id", taskID)
	return true, nil
}

// RequeueWorkerOrphans requeues running tasks still claimed by a previous
// incarnation of this worker, matched by worker_id prefix. Called once at
// worker startup before the first claim.
func (s *TaskService) RequeueWorkerOrphans(ctx context.Context, workerIDPrefix string) (int, error) {
	if workerIDPrefix == "" {
		return 0, NewValidationError("worker_id_prefix", "required")
	}

	var orphanIDs []string
	err := s.client.SelectContext(ctx, &orphanIDs,
		`SELECT task_id FROM llm_tasks
		 WHERE status = 'running' AND worker_id LIKE ?`,
		workerIDPrefix+"%")
	if err != nil {
		return 0, fmt.Errorf("failed to query orphaned tasks: %w", err)
	}

	requeued := 0
	for _, taskID := range orphanIDs {
		ok, err := s.requeueOrphan(ctx, taskID, workerIDPrefix)
		if err != nil {
			slog.Error("Failed to requeue orphaned task", "task_id", taskID, "error", err)
			continue
		}
		if ok {
			requeued++
		}
	}
	return requeued, nil
}

func (s *TaskService) requeueOrphan(ctx context.Context, taskID, workerIDPrefix string) (bool, error) {
	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE llm_tasks
		 SET status = 'queued', run_after = ?,
		     started_at = NULL, heartbeat_at = NULL, worker_id = NULL,
		     repair_attempted_at = NULL, updated_at = ?
		 WHERE task_id = ? AND status = 'running' AND worker_id LIKE ?`,
		now, now, taskID, workerIDPrefix+"%")
	if err != nil {
		return false, fmt.Errorf("failed to requeue orphaned task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	details := `{"reason":"startup_orphan"}`
	if err := appendEvent(ctx, tx, taskID, models.TaskEventStaleRecovered, strPtr("running"), strPtr("queued"), &details); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit orphan requeue: %w", err)
	}
	slog.Warn("Requeued orphaned task from previous worker", "task_id", taskID)
	return true, nil
}

// AppendTaskEvent appends an audit event outside a status transition
// (e.g. routing_fallback_applied).
func (s *TaskService) AppendTaskEvent(ctx context.Context, taskID, eventType string, details string) error {
	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	var detailsPtr *string
	if details != "" {
		detailsPtr = &details
	}
	if err := appendEvent(ctx, tx, taskID, eventType, nil, nil, detailsPtr); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// RecordAttempt writes one attempt telemetry row.
func (s *TaskService) RecordAttempt(ctx context.Context, a *models.TaskAttempt) error {
	_, err := s.client.NamedExecContext(ctx,
		`INSERT INTO llm_task_attempts
		   (task_id, attempt, started_at, finished_at, duration_ms, exit_code,
		    timed_out, failure_class, failure_code, stdout_preview, stderr_preview,
		    input_tokens, output_tokens, estimated_cost_usd, usage_source, parser_version)
		 VALUES (:task_id, :attempt, :started_at, :finished_at, :duration_ms, :exit_code,
		    :timed_out, :failure_class, :failure_code, :stdout_preview, :stderr_preview,
		    :input_tokens, :output_tokens, :estimated_cost_usd, :usage_source, :parser_version)`,
		a)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// AddArtifact records a file produced by a task.
func (s *TaskService) AddArtifact(ctx context.Context, artifact *models.TaskArtifact) error {
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO llm_task_artifacts (task_id, kind, path, size, checksum)
		 VALUES (?, ?, ?, ?, ?)`,
		artifact.TaskID, artifact.Kind, artifact.Path, artifact.Size, artifact.Checksum)
	if err != nil {
		return fmt.Errorf("failed to add artifact: %w", err)
	}
	return nil
}

// GetTask loads one task.
func (s *TaskService) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	err := s.client.GetContext(ctx, &task,
		`SELECT * FROM llm_tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// TaskFilters narrows ListTasks.
type TaskFilters struct {
	UserID   string
	Status   models.TaskStatus
	TaskType string
	Limit    int
}

// ListTasks returns tasks matching the filters, newest first.
func (s *TaskService) ListTasks(ctx context.Context, f TaskFilters) ([]models.Task, error) {
	query := `SELECT * FROM llm_tasks WHERE 1=1`
	args := []any{}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, f.TaskType)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var tasks []models.Task
	if err := s.client.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// ListTaskEvents returns a task's audit trail in append order.
func (s *TaskService) ListTaskEvents(ctx context.Context, taskID string) ([]models.TaskEvent, error) {
	var events []models.TaskEvent
	err := s.client.SelectContext(ctx, &events,
		`SELECT * FROM llm_task_events WHERE task_id = ? ORDER BY event_id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task events: %w", err)
	}
	return events, nil
}

// ListTaskAttempts returns a task's attempt telemetry in order.
func (s *TaskService) ListTaskAttempts(ctx context.Context, taskID string) ([]models.TaskAttempt, error) {
	var attempts []models.TaskAttempt
	err := s.client.SelectContext(ctx, &attempts,
		`SELECT * FROM llm_task_attempts WHERE task_id = ? ORDER BY attempt_id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task attempts: %w", err)
	}
	return attempts, nil
}

// ListOutputCitations returns the immutable citation snapshots of a task in
// block order.
func (s *TaskService) ListOutputCitations(ctx context.Context, taskID string) ([]models.CitationSnapshot, error) {
	var citations []models.CitationSnapshot
	err := s.client.SelectContext(ctx, &citations,
		`SELECT * FROM output_citation_snapshots WHERE task_id = ? ORDER BY position ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list citations: %w", err)
	}
	return citations, nil
}

// CountTasksByStatus returns queue depth per status.
func (s *TaskService) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows := []struct {
		Status models.TaskStatus `db:"status"`
		N      int               `db:"n"`
	}{}
	err := s.client.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM llm_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	out := make(map[models.TaskStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// CountRunningTasks returns the number of currently running tasks.
func (s *TaskService) CountRunningTasks(ctx context.Context) (int, error) {
	var n int
	err := s.client.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM llm_tasks WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count running tasks: %w", err)
	}
	return n, nil
}

func appendEvent(ctx context.Context, tx *sqlx.Tx, taskID, eventType string, from, to, details *string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO llm_task_events (task_id, event_type, status_from, status_to, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, eventType, from, to, details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return nil
}

func strPtr(s string) *string { return &s }

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
