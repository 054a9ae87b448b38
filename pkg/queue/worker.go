package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recapd/recapd/pkg/agent"
	"github.com/recapd/recapd/pkg/metrics"
	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/services"
	"github.com/recapd/recapd/pkg/workdir"
)

// Outcome summarizes one run_once cycle.
type Outcome string

// Run-once outcomes.
const (
	OutcomeIdle      Outcome = "idle"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetried   Outcome = "retried"
	// OutcomeLost means a terminal CAS found the task already moved
	// (canceled mid-flight); the attempt row is still recorded.
	OutcomeLost Outcome = "lost"
)

// Config controls one worker.
type Config struct {
	WorkerIDPrefix     string
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	Retry              RetryPolicy
	TransientExitCodes []int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WorkerIDPrefix == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		out.WorkerIDPrefix = host
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 15 * time.Second
	}
	if out.Retry == (RetryPolicy{}) {
		out.Retry = DefaultRetryPolicy()
	}
	if out.TransientExitCodes == nil {
		out.TransientExitCodes = agent.DefaultTransientExitCodes
	}
	return out
}

// Worker claims and executes tasks one at a time. Multiple workers may run
// concurrently over the same store; the claim CAS keeps them disjoint.
type Worker struct {
	cfg      Config
	tasks    *services.TaskService
	backend  *agent.Backend
	routing  *agent.RoutingDefaults
	workerID string
	logger   *slog.Logger
}

// NewWorker creates a Worker with a unique worker ID under the configured
// prefix.
func NewWorker(cfg Config, tasks *services.TaskService, backend *agent.Backend, routing *agent.RoutingDefaults) *Worker {
	c := cfg.withDefaults()
	workerID := c.WorkerIDPrefix + "-" + uuid.New().String()[:8]
	return &Worker{
		cfg:      c,
		tasks:    tasks,
		backend:  backend,
		routing:  routing,
		workerID: workerID,
		logger:   slog.With("worker_id", workerID),
	}
}

// WorkerID returns this worker's claim identity.
func (w *Worker) WorkerID() string { return w.workerID }

// RunOnce claims and fully processes one task.
func (w *Worker) RunOnce(ctx context.Context) (Outcome, error) {
	task, err := w.tasks.ClaimNextReadyTask(ctx, w.workerID)
	if err != nil {
		return OutcomeIdle, err
	}
	if task == nil {
		return OutcomeIdle, nil
	}
	w.logger.Info("Claimed task",
		"task_id", task.ID, "task_type", task.TaskType, "attempt", task.Attempt)

	stopHeartbeat := w.startHeartbeat(ctx, task.ID)
	defer stopHeartbeat()

	return w.execute(ctx, task)
}

// startHeartbeat touches the task until the returned stop function runs.
func (w *Worker) startHeartbeat(ctx context.Context, taskID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.tasks.TouchTask(ctx, taskID); err != nil {
					w.logger.Warn("Heartbeat failed", "task_id", taskID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// execute runs the claimed task to a terminal or requeued state. The attempt
// row is written on every path.
func (w *Worker) execute(ctx context.Context, task *models.Task) (Outcome, error) {
	att := &models.TaskAttempt{
		TaskID:        task.ID,
		Attempt:       task.Attempt,
		StartedAt:     time.Now().UTC(),
		UsageSource:   models.UsageSourceNone,
		ParserVersion: agent.UsageParserVersion,
	}
	defer w.finalizeAttempt(ctx, task.TaskType, att)

	_, input, index, err := w.readContracts(task)
	if err != nil {
		att.FailureClass = classPtr(models.FailureInputContract)
		return w.failTerminal(ctx, task, models.TaskStatusFailed, models.FailureInputContract, err.Error(), nil)
	}

	frozen, outcome, err := w.resolveRouting(ctx, task, input)
	if err != nil || outcome != "" {
		att.FailureClass = classPtr(models.FailureBackendNonRetryable)
		return outcome, err
	}

	res, runErr := w.backend.Run(ctx, agent.BackendRunRequest{
		ManifestPath:    task.InputManifestPath,
		Timeout:         time.Duration(task.TimeoutSeconds) * time.Second,
		Agent:           frozen.Agent,
		Profile:         frozen.Profile,
		Model:           frozen.Model,
		CommandTemplate: frozen.CommandTemplate,
	})
	if runErr != nil {
		return w.handleRunError(ctx, task, att, runErr)
	}

	w.recordLogArtifacts(ctx, task.ID, res)
	att.ExitCode = &res.ExitCode
	att.TimedOut = res.TimedOut
	att.StdoutPreview = readPreview(res.StdoutPath)
	att.StderrPreview = readPreview(res.StderrPath)

	if res.TimedOut {
		att.FailureClass = classPtr(models.FailureTimeout)
		nextTimeout := w.cfg.Retry.GrowTimeout(task.TimeoutSeconds)
		return w.retryOrFail(ctx, task, models.FailureTimeout, "wall clock timeout exceeded", &res.ExitCode, nextTimeout)
	}

	if res.ExitCode != 0 {
		cls := agent.Classify(frozen.Agent, res.ExitCode, att.StdoutPreview, att.StderrPreview, w.cfg.TransientExitCodes)
		att.FailureClass = classPtr(cls.Class)
		att.FailureCode = strPtr(cls.MatchedRule)
		summary := fmt.Sprintf("exit %d (%s)", res.ExitCode, cls.MatchedRule)
		return w.retryOrFail(ctx, task, cls.Class, summary, &res.ExitCode, task.TimeoutSeconds)
	}

	w.fillUsage(att, res.StdoutPath, frozen.Model, input.Prompt)

	validated, vfail := agent.ValidateOutput(task.TaskType, res.ResultPath, index.AllowedSourceIDs())
	if vfail == nil {
		return w.complete(ctx, task, res, validated, index)
	}
	return w.repairOrFail(ctx, task, att, frozen, index, res, vfail, input.Prompt)
}

func (w *Worker) readContracts(task *models.Task) (*workdir.Manifest, *workdir.TaskInput, *workdir.ArticlesIndex, error) {
	manifest, err := workdir.LoadManifest(task.InputManifestPath)
	if err != nil {
		return nil, nil, nil, err
	}
	input, err := workdir.ReadTaskInput(manifest.TaskInputPath)
	if err != nil {
		return nil, nil, nil, err
	}
	index, err := workdir.ReadArticlesIndex(manifest.ArticlesIndexPath)
	if err != nil {
		return nil, nil, nil, err
	}
	return manifest, input, index, nil
}

// resolveRouting uses the frozen routing when valid and recomputes defaults
// otherwise, emitting routing_fallback_applied. A non-empty outcome means
// the task was terminally failed here.
func (w *Worker) resolveRouting(ctx context.Context, task *models.Task, input *workdir.TaskInput) (*models.FrozenRouting, Outcome, error) {
	frozen := input.Metadata.Routing
	if frozen.Valid() {
		return frozen, "", nil
	}

	details, _ := json.Marshal(map[string]string{"reason": "frozen routing invalid or missing"})
	if err := w.tasks.AppendTaskEvent(ctx, task.ID, models.TaskEventRoutingFallback, string(details)); err != nil {
		w.logger.Warn("Failed to record routing fallback", "task_id", task.ID, "error", err)
	}

	recomputed, err := w.routing.Resolve(task.TaskType, agent.RoutingOverrides{}, models.RoutingResolvedByWorkerFallback)
	if err != nil {
		outcome, ferr := w.failTerminal(ctx, task, models.TaskStatusFailed,
			models.FailureBackendNonRetryable, fmt.Sprintf("routing resolution failed: %v", err), nil)
		return nil, outcome, ferr
	}
	return recomputed, "", nil
}

func (w *Worker) handleRunError(ctx context.Context, task *models.Task, att *models.TaskAttempt, runErr error) (Outcome, error) {
	var backendErr *agent.BackendRunError
	if !errors.As(runErr, &backendErr) {
		att.FailureClass = classPtr(models.FailureBackendTransient)
		return w.retryOrFail(ctx, task, models.FailureBackendTransient, runErr.Error(), nil, task.TimeoutSeconds)
	}
	if backendErr.Transient {
		att.FailureClass = classPtr(models.FailureBackendTransient)
		return w.retryOrFail(ctx, task, models.FailureBackendTransient, backendErr.Error(), nil, task.TimeoutSeconds)
	}
	att.FailureClass = classPtr(models.FailureBackendNonRetryable)
	return w.failTerminal(ctx, task, models.TaskStatusFailed, models.FailureBackendNonRetryable, backendErr.Error(), nil)
}

// repairOrFail applies the single in-attempt output repair when the failure
// class allows it and no repair has fired on this task yet.
func (w *Worker) repairOrFail(
	ctx context.Context,
	task *models.Task,
	att *models.TaskAttempt,
	frozen *models.FrozenRouting,
	index *workdir.ArticlesIndex,
	res *agent.BackendRunResult,
	vfail *agent.ValidationFailure,
	prompt string,
) (Outcome, error) {
	att.FailureClass = classPtr(vfail.Class)

	canRepair := vfail.Class.RepairEligible() && task.RepairAttemptedAt == nil
	if canRepair {
		marked, err := w.tasks.MarkRepairAttempted(ctx, task.ID)
		if err != nil {
			w.logger.Warn("Failed to mark repair", "task_id", task.ID, "error", err)
		}
		canRepair = err == nil && marked
	}
	if !canRepair {
		return w.failTerminal(ctx, task, models.TaskStatusFailed, vfail.Class, vfail.Reason, att.ExitCode)
	}

	details, _ := json.Marshal(map[string]string{"class": string(vfail.Class), "reason": vfail.Reason})
	if err := w.tasks.AppendTaskEvent(ctx, task.ID, models.TaskEventRepairStarted, string(details)); err != nil {
		w.logger.Warn("Failed to record repair event", "task_id", task.ID, "error", err)
	}
	w.logger.Info("Repairing invalid output", "task_id", task.ID, "class", vfail.Class)

	repairRes, runErr := w.backend.Run(ctx, agent.BackendRunRequest{
		ManifestPath:    task.InputManifestPath,
		Timeout:         time.Duration(task.TimeoutSeconds) * time.Second,
		Agent:           frozen.Agent,
		Profile:         frozen.Profile,
		Model:           frozen.Model,
		CommandTemplate: frozen.CommandTemplate,
		RepairMode:      true,
	})
	if runErr != nil || repairRes.TimedOut || repairRes.ExitCode != 0 {
		summary := fmt.Sprintf("repair failed after %s: %s", vfail.Class, vfail.Reason)
		return w.failTerminal(ctx, task, models.TaskStatusFailed, vfail.Class, summary, att.ExitCode)
	}

	att.StdoutPreview = readPreview(repairRes.StdoutPath)
	att.StderrPreview = readPreview(repairRes.StderrPath)
	w.fillUsage(att, repairRes.StdoutPath, frozen.Model, prompt)

	validated, vfail2 := agent.ValidateOutput(task.TaskType, repairRes.ResultPath, index.AllowedSourceIDs())
	if vfail2 != nil {
		att.FailureClass = classPtr(vfail2.Class)
		return w.failTerminal(ctx, task, models.TaskStatusFailed, vfail2.Class,
			"repair output still invalid: "+vfail2.Reason, att.ExitCode)
	}
	att.FailureClass = nil
	return w.complete(ctx, task, repairRes, validated, index)
}

// complete builds citation snapshots (business tasks only) and finalizes the
// task. A lost CAS means the task was canceled mid-run.
func (w *Worker) complete(ctx context.Context, task *models.Task, res *agent.BackendRunResult, validated *agent.ValidatedOutput, index *workdir.ArticlesIndex) (Outcome, error) {
	var citations []models.CitationSnapshot
	if !models.IsRecapTaskType(task.TaskType) {
		citations = buildCitations(task.ID, validated, index)
	}

	ok, err := w.tasks.CompleteTask(ctx, task.ID, res.ResultPath, citations)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		w.logger.Warn("Complete lost CAS; task no longer running", "task_id", task.ID)
		return OutcomeLost, nil
	}

	w.addArtifact(ctx, task.ID, models.ArtifactOutputResult, res.ResultPath)
	w.logger.Info("Task succeeded", "task_id", task.ID, "citations", len(citations))
	return OutcomeSucceeded, nil
}

func (w *Worker) retryOrFail(ctx context.Context, task *models.Task, class models.FailureClass, summary string, exitCode *int, nextTimeoutSeconds int) (Outcome, error) {
	if class.Retryable() && task.Attempt < task.MaxAttempts {
		delay := w.cfg.Retry.Delay(task.Attempt)
		runAfter := time.Now().UTC().Add(delay)
		ok, err := w.tasks.ScheduleRetry(ctx, task.ID, runAfter, nextTimeoutSeconds, class, summary, exitCode)
		if err != nil {
			return OutcomeFailed, err
		}
		if !ok {
			return OutcomeLost, nil
		}
		w.logger.Info("Retry scheduled",
			"task_id", task.ID, "class", class, "delay", delay, "attempt", task.Attempt)
		return OutcomeRetried, nil
	}

	status := models.TaskStatusFailed
	if class == models.FailureTimeout {
		status = models.TaskStatusTimeout
	}
	return w.failTerminal(ctx, task, status, class, summary, exitCode)
}

func (w *Worker) failTerminal(ctx context.Context, task *models.Task, status models.TaskStatus, class models.FailureClass, summary string, exitCode *int) (Outcome, error) {
	ok, err := w.tasks.FailTask(ctx, task.ID, status, class, summary, exitCode, "")
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		w.logger.Warn("Fail lost CAS; task no longer running", "task_id", task.ID)
		return OutcomeLost, nil
	}
	w.logger.Warn("Task failed terminally",
		"task_id", task.ID, "status", status, "class", class, "summary", summary)
	return OutcomeFailed, nil
}

func (w *Worker) finalizeAttempt(ctx context.Context, taskType string, att *models.TaskAttempt) {
	att.FinishedAt = time.Now().UTC()
	att.DurationMS = att.FinishedAt.Sub(att.StartedAt).Milliseconds()
	metrics.TaskDuration.WithLabelValues(taskType).Observe(float64(att.DurationMS) / 1000)
	if err := w.tasks.RecordAttempt(ctx, att); err != nil {
		w.logger.Error("Failed to record attempt", "task_id", att.TaskID, "error", err)
	}
}

func (w *Worker) fillUsage(att *models.TaskAttempt, stdoutPath, model, prompt string) {
	usage := agent.ExtractUsage(stdoutPath, model, prompt)
	att.InputTokens = usage.InputTokens
	att.OutputTokens = usage.OutputTokens
	att.EstimatedCost = usage.CostUSD
	att.UsageSource = usage.Source
}

func (w *Worker) recordLogArtifacts(ctx context.Context, taskID string, res *agent.BackendRunResult) {
	w.addArtifact(ctx, taskID, models.ArtifactStdoutLog, res.StdoutPath)
	w.addArtifact(ctx, taskID, models.ArtifactStderrLog, res.StderrPath)
}

func (w *Worker) addArtifact(ctx context.Context, taskID, kind, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	sum := sha256.Sum256(data)
	artifact := &models.TaskArtifact{
		TaskID:   taskID,
		Kind:     kind,
		Path:     path,
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}
	if err := w.tasks.AddArtifact(ctx, artifact); err != nil {
		w.logger.Warn("Failed to record artifact", "task_id", taskID, "kind", kind, "error", err)
	}
}

// buildCitations snapshots every distinct cited source in block order.
func buildCitations(taskID string, validated *agent.ValidatedOutput, index *workdir.ArticlesIndex) []models.CitationSnapshot {
	byID := make(map[string]workdir.ArticleIndexEntry, len(index.Articles))
	for _, e := range index.Articles {
		byID[e.SourceID] = e
	}

	order := validated.CitationOrder()
	citations := make([]models.CitationSnapshot, 0, len(order))
	for pos, sid := range order {
		entry := byID[sid]
		citations = append(citations, models.CitationSnapshot{
			TaskID:      taskID,
			SourceID:    sid,
			Position:    pos,
			ArticleID:   articleIDFromSource(sid),
			Title:       entry.Title,
			URL:         entry.URL,
			Source:      entry.Source,
			PublishedAt: entry.PublishedAt,
		})
	}
	return citations
}

// articleIDFromSource extracts the article UUID from an "article:<uuid>"
// source ID, nil for other source kinds.
func articleIDFromSource(sourceID string) *string {
	const prefix = "article:"
	if !strings.HasPrefix(sourceID, prefix) {
		return nil
	}
	id := sourceID[len(prefix):]
	if id == "" {
		return nil
	}
	return &id
}

func classPtr(c models.FailureClass) *models.FailureClass { return &c }

func strPtr(s string) *string { return &s }
