package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/services"
	testdb "github.com/recapd/recapd/test/database"
)

type taskFixture struct {
	client   *database.Client
	tasks    *services.TaskService
	articles *services.ArticleService
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	client := testdb.NewTestClient(t)
	f := &taskFixture{
		client:   client,
		tasks:    services.NewTaskService(client),
		articles: services.NewArticleService(client),
	}
	require.NoError(t, f.articles.EnsureUser(context.Background(), "u1", "User One"))
	return f
}

func (f *taskFixture) enqueue(t *testing.T, req services.EnqueueTaskRequest) *models.Task {
	t.Helper()
	if req.UserID == "" {
		req.UserID = "u1"
	}
	if req.TaskType == "" {
		req.TaskType = models.TaskTypeHighlights
	}
	if req.InputManifestPath == "" {
		req.InputManifestPath = "/tmp/wd/meta/task_manifest.json"
	}
	task, err := f.tasks.EnqueueTask(context.Background(), req)
	require.NoError(t, err)
	return task
}

func (f *taskFixture) claim(t *testing.T, workerID string) *models.Task {
	t.Helper()
	task, err := f.tasks.ClaimNextReadyTask(context.Background(), workerID)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestEnqueueTaskDefaults(t *testing.T) {
	f := newTaskFixture(t)

	task := f.enqueue(t, services.EnqueueTaskRequest{})
	assert.Equal(t, models.TaskStatusQueued, task.Status)
	assert.Equal(t, 0, task.Attempt)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.Equal(t, 600, task.TimeoutSeconds)
	assert.Equal(t, 100, task.Priority)

	events, err := f.tasks.ListTaskEvents(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.TaskEventEnqueued, events[0].EventType)
}

func TestEnqueueTaskValidation(t *testing.T) {
	f := newTaskFixture(t)

	_, err := f.tasks.EnqueueTask(context.Background(), services.EnqueueTaskRequest{
		TaskType: "x", InputManifestPath: "p",
	})
	assert.Error(t, err)

	_, err = f.tasks.EnqueueTask(context.Background(), services.EnqueueTaskRequest{
		UserID: "u1", TaskType: "x",
	})
	assert.Error(t, err)
}

func TestClaimNextReadyTask(t *testing.T) {
	f := newTaskFixture(t)
	enqueued := f.enqueue(t, services.EnqueueTaskRequest{})

	claimed := f.claim(t, "worker-a")
	assert.Equal(t, enqueued.ID, claimed.ID)
	assert.Equal(t, models.TaskStatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempt)
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, "worker-a", *claimed.WorkerID)
	assert.NotNil(t, claimed.StartedAt)
	assert.NotNil(t, claimed.HeartbeatAt)

	// Queue is now empty.
	next, err := f.tasks.ClaimNextReadyTask(context.Background(), "worker-b")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestClaimHonorsRunAfter(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{RunAfter: time.Now().UTC().Add(time.Hour)})

	task, err := f.tasks.ClaimNextReadyTask(context.Background(), "worker-a")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimOrdersByPriority(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{TaskType: "low", Priority: 200})
	urgent := f.enqueue(t, services.EnqueueTaskRequest{TaskType: "urgent", Priority: 10})

	claimed := f.claim(t, "worker-a")
	assert.Equal(t, urgent.ID, claimed.ID)
}

func TestScheduleRetryResetsClaim(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{})
	claimed := f.claim(t, "worker-a")

	runAfter := time.Now().UTC().Add(30 * time.Second)
	ok, err := f.tasks.ScheduleRetry(context.Background(), claimed.ID, runAfter, 900,
		models.FailureBackendTransient, "503 upstream", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := f.tasks.GetTask(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, 900, task.TimeoutSeconds)
	assert.Nil(t, task.WorkerID)
	assert.Nil(t, task.StartedAt)
	require.NotNil(t, task.FailureClass)
	assert.Equal(t, models.FailureBackendTransient, *task.FailureClass)

	// CAS on a task that is no longer running fails quietly.
	ok, err = f.tasks.ScheduleRetry(context.Background(), claimed.ID, runAfter, 900,
		models.FailureBackendTransient, "", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteTaskWithCitations(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{})
	claimed := f.claim(t, "worker-a")

	citations := []models.CitationSnapshot{
		{SourceID: "article:a1", Position: 0, Title: "One", URL: "https://example.com/1"},
		{SourceID: "article:a2", Position: 1, Title: "Two", URL: "https://example.com/2"},
	}
	ok, err := f.tasks.CompleteTask(context.Background(), claimed.ID, "/tmp/wd/output/agent_result.json", citations)
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := f.tasks.GetTask(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, task.Status)
	require.NotNil(t, task.OutputPath)
	assert.NotNil(t, task.FinishedAt)

	got, err := f.tasks.ListOutputCitations(context.Background(), claimed.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "article:a1", got[0].SourceID)
	assert.Equal(t, 1, got[1].Position)
}

func TestCompleteTaskLosesCASAfterRequeue(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{})
	claimed := f.claim(t, "worker-a")

	// A stale sweep requeues the task out from under the worker.
	_, err := f.client.ExecContext(context.Background(),
		`UPDATE llm_tasks SET heartbeat_at = ? WHERE task_id = ?`,
		time.Now().UTC().Add(-time.Hour), claimed.ID)
	require.NoError(t, err)
	recovered, err := f.tasks.RecoverStaleRunningTasks(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	// The zombie worker's completion must lose.
	ok, err := f.tasks.CompleteTask(context.Background(), claimed.ID, "/tmp/out.json", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// And no citations leak through.
	citations, err := f.tasks.ListOutputCitations(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Empty(t, citations)
}

func TestFailTask(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{})
	claimed := f.claim(t, "worker-a")

	exitCode := 1
	ok, err := f.tasks.FailTask(context.Background(), claimed.ID, models.TaskStatusFailed,
		models.FailureBillingOrQuota, "quota exceeded", &exitCode, "")
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := f.tasks.GetTask(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	require.NotNil(t, task.LastExitCode)
	assert.Equal(t, 1, *task.LastExitCode)
}

func TestFailTaskRejectsNonTerminalStatus(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{})
	claimed := f.claim(t, "worker-a")

	_, err := f.tasks.FailTask(context.Background(), claimed.ID, models.TaskStatusQueued,
		models.FailureTimeout, "", nil, "")
	assert.Error(t, err)
}

func TestCancelTask(t *testing.T) {
	f := newTaskFixture(t)
	task := f.enqueue(t, services.EnqueueTaskRequest{})

	ok, err := f.tasks.CancelTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Already terminal.
	ok, err = f.tasks.CancelTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.tasks.CancelTask(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestRetryTaskResetsAttemptBudget(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{})
	claimed := f.claim(t, "worker-a")

	ok, err := f.tasks.FailTask(context.Background(), claimed.ID, models.TaskStatusFailed,
		models.FailureBackendNonRetryable, "boom", nil, "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.tasks.RetryTask(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := f.tasks.GetTask(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
	assert.Equal(t, 0, task.Attempt)
	assert.Nil(t, task.FailureClass)
	assert.Nil(t, task.ErrorSummary)
	assert.Nil(t, task.FinishedAt)

	// Manual retry only applies to terminal states.
	ok, err = f.tasks.RetryTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkRepairAttemptedOnce(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{})
	claimed := f.claim(t, "worker-a")

	ok, err := f.tasks.MarkRepairAttempted(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second repair in the same attempt is refused.
	ok, err = f.tasks.MarkRepairAttempted(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// A retry clears the marker for the next attempt.
	ok, err = f.tasks.ScheduleRetry(context.Background(), claimed.ID, time.Now().UTC(), 600,
		models.FailureOutputInvalidJSON, "bad json", nil)
	require.NoError(t, err)
	require.True(t, ok)

	reclaimed := f.claim(t, "worker-a")
	require.Equal(t, claimed.ID, reclaimed.ID)
	ok, err = f.tasks.MarkRepairAttempted(context.Background(), reclaimed.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecoverStaleRunningTasksKeepsFresh(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{TaskType: "stale"})
	f.enqueue(t, services.EnqueueTaskRequest{TaskType: "fresh"})
	stale := f.claim(t, "worker-a")
	fresh := f.claim(t, "worker-b")

	_, err := f.client.ExecContext(context.Background(),
		`UPDATE llm_tasks SET heartbeat_at = ? WHERE task_id = ?`,
		time.Now().UTC().Add(-time.Hour), stale.ID)
	require.NoError(t, err)

	recovered, err := f.tasks.RecoverStaleRunningTasks(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	staleTask, err := f.tasks.GetTask(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, staleTask.Status)
	// Attempt is preserved so budgets keep counting.
	assert.Equal(t, 1, staleTask.Attempt)

	freshTask, err := f.tasks.GetTask(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, freshTask.Status)
}

func TestRequeueWorkerOrphansMatchesPrefix(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{TaskType: "mine"})
	f.enqueue(t, services.EnqueueTaskRequest{TaskType: "theirs"})
	mine := f.claim(t, "host1-abc123")
	theirs := f.claim(t, "host2-def456")

	requeued, err := f.tasks.RequeueWorkerOrphans(context.Background(), "host1")
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	mineTask, err := f.tasks.GetTask(context.Background(), mine.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, mineTask.Status)

	theirsTask, err := f.tasks.GetTask(context.Background(), theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, theirsTask.Status)

	_, err = f.tasks.RequeueWorkerOrphans(context.Background(), "")
	assert.Error(t, err)
}

func TestCountTasksByStatus(t *testing.T) {
	f := newTaskFixture(t)
	f.enqueue(t, services.EnqueueTaskRequest{})
	f.enqueue(t, services.EnqueueTaskRequest{})
	f.claim(t, "worker-a")

	counts, err := f.tasks.CountTasksByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.TaskStatusQueued])
	assert.Equal(t, 1, counts[models.TaskStatusRunning])
}
