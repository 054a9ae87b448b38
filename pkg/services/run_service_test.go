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

type runFixture struct {
	client *database.Client
	runs   *services.RunService
}

func newRunFixture(t *testing.T) *runFixture {
	t.Helper()
	client := testdb.NewTestClient(t)
	articles := services.NewArticleService(client)
	require.NoError(t, articles.EnsureUser(context.Background(), "u1", "User One"))
	return &runFixture{client: client, runs: services.NewRunService(client)}
}

func TestStartRunSingleLivePerSource(t *testing.T) {
	f := newRunFixture(t)
	ctx := context.Background()

	id, err := f.runs.StartRun(ctx, "u1", "rss", 10*time.Minute)
	require.NoError(t, err)

	_, err = f.runs.StartRun(ctx, "u1", "rss", 10*time.Minute)
	var active *services.RunActiveError
	require.ErrorAs(t, err, &active)
	assert.Equal(t, id, active.RunID)

	// Validation failures never reach the insert.
	_, err = f.runs.StartRun(ctx, "", "rss", 10*time.Minute)
	var verr *services.ValidationError
	assert.ErrorAs(t, err, &verr)
	_, err = f.runs.StartRun(ctx, "u1", "", 10*time.Minute)
	assert.ErrorAs(t, err, &verr)
}

func TestStartRunRecoversStaleRun(t *testing.T) {
	f := newRunFixture(t)
	ctx := context.Background()

	stale, err := f.runs.StartRun(ctx, "u1", "rss", 10*time.Minute)
	require.NoError(t, err)

	_, err = f.client.ExecContext(ctx,
		`UPDATE ingestion_runs SET heartbeat_at = ? WHERE run_id = ?`,
		time.Now().UTC().Add(-time.Hour), stale)
	require.NoError(t, err)

	fresh, err := f.runs.StartRun(ctx, "u1", "rss", 10*time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, stale, fresh)

	recovered, err := f.runs.GetRun(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, recovered.Status)
	require.NotNil(t, recovered.ErrorSummary)
	assert.Contains(t, *recovered.ErrorSummary, "auto-recovered")
}

func TestFinishRunWritesCounters(t *testing.T) {
	f := newRunFixture(t)
	ctx := context.Background()

	id, err := f.runs.StartRun(ctx, "u1", "rss", 10*time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.runs.TouchRun(ctx, id))

	counters := models.RunCounters{Ingested: 12, Updated: 3, Skipped: 40, DedupClusters: 2, DedupDuplicates: 5, GapsOpened: 1}
	require.NoError(t, f.runs.FinishRun(ctx, id, models.RunStatusPartial, counters, "one page failed"))

	run, err := f.runs.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, run.Status)
	assert.Equal(t, 12, run.Ingested)
	assert.Equal(t, 5, run.DedupDuplicates)
	require.NotNil(t, run.ErrorSummary)
	require.NotNil(t, run.FinishedAt)

	// Finishing twice trips the CAS; non-terminal statuses are rejected up front.
	assert.ErrorIs(t, f.runs.FinishRun(ctx, id, models.RunStatusSucceeded, counters, ""), services.ErrInvalidTransition)
	var verr *services.ValidationError
	assert.ErrorAs(t, f.runs.FinishRun(ctx, id, models.RunStatusRunning, counters, ""), &verr)
}

func TestListRunsMostRecentFirst(t *testing.T) {
	f := newRunFixture(t)
	ctx := context.Background()

	first, err := f.runs.StartRun(ctx, "u1", "rss", 10*time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.runs.FinishRun(ctx, first, models.RunStatusSucceeded, models.RunCounters{}, ""))

	// Separate the started_at timestamps.
	_, err = f.client.ExecContext(ctx,
		`UPDATE ingestion_runs SET started_at = ? WHERE run_id = ?`,
		time.Now().UTC().Add(-time.Minute), first)
	require.NoError(t, err)

	second, err := f.runs.StartRun(ctx, "u1", "rss", 10*time.Minute)
	require.NoError(t, err)

	runs, err := f.runs.ListRuns(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, first, runs[1].ID)
}
