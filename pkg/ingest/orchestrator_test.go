package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/rss"
	"github.com/recapd/recapd/pkg/services"
	testdb "github.com/recapd/recapd/test/database"
)

type orchestratorFixture struct {
	client   *database.Client
	runs     *services.RunService
	gaps     *services.GapService
	articles *services.ArticleService
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	client := testdb.NewTestClient(t)
	f := &orchestratorFixture{
		client:   client,
		runs:     services.NewRunService(client),
		gaps:     services.NewGapService(client),
		articles: services.NewArticleService(client),
	}
	require.NoError(t, f.articles.EnsureUser(context.Background(), "u1", "User One"))
	return f
}

func (f *orchestratorFixture) orchestrator(cfg Config, src PageSource, deduper Deduper) *Orchestrator {
	return NewOrchestrator(cfg, f.runs, f.gaps, f.articles,
		func(string) PageSource { return src }, deduper)
}

type fakePage struct {
	articles []models.SourceArticle
	next     *string
}

// fakeSource serves a fixed cursor-to-page map.
type fakeSource struct {
	start   *string
	pages   map[string]fakePage
	onBegin func(ctx context.Context)
}

func (s *fakeSource) BeginRun(ctx context.Context) (*string, rss.RunStats, error) {
	if s.onBegin != nil {
		s.onBegin(ctx)
	}
	return s.start, rss.RunStats{}, nil
}

func (s *fakeSource) FetchPage(_ context.Context, cursor string) ([]models.SourceArticle, *string, error) {
	page := s.pages[cursor]
	return page.articles, page.next, nil
}

func (s *fakeSource) MarkPageProcessed(context.Context, *string) error { return nil }

// fakeDeduper records the call and returns fixed counts.
type fakeDeduper struct {
	clusters   int
	duplicates int
	called     bool
	onRun      func(ctx context.Context, runID string)
}

func (d *fakeDeduper) Run(ctx context.Context, _, runID string) (int, int, error) {
	d.called = true
	if d.onRun != nil {
		d.onRun(ctx, runID)
	}
	return d.clusters, d.duplicates, nil
}

func feedArticle(externalID string) models.SourceArticle {
	url := "https://example.com/" + externalID
	return models.SourceArticle{
		SourceName:   "rss",
		ExternalID:   "feedhash:" + externalID,
		URL:          url,
		URLHash:      rss.URLHash(url),
		Title:        "Title " + externalID,
		SourceDomain: "example.com",
		PublishedAt:  time.Now().UTC(),
		RawText:      "<p>Body for " + externalID + "</p>",
	}
}

func strptr(s string) *string { return &s }

func TestRunPartialStillRunsDedup(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	// One page fits the budget; the chain continues, so a gap opens.
	src := &fakeSource{
		start: strptr("p1"),
		pages: map[string]fakePage{
			"p1": {articles: []models.SourceArticle{feedArticle("a1")}, next: strptr("p2")},
		},
	}
	ded := &fakeDeduper{clusters: 2, duplicates: 1}

	result, err := f.orchestrator(Config{SourceName: "rss", MaxPages: 1}, src, ded).Run(ctx, "u1")
	require.NoError(t, err)

	// A gap-opening run is partial but still clusters what it drained.
	assert.Equal(t, models.RunStatusPartial, result.Status)
	assert.Equal(t, 1, result.Counters.GapsOpened)
	assert.True(t, ded.called)
	assert.Equal(t, 2, result.Counters.DedupClusters)
	assert.Equal(t, 1, result.Counters.DedupDuplicates)

	run, err := f.runs.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, run.Status)
	assert.Equal(t, 2, run.DedupClusters)
	assert.Equal(t, 1, run.DedupDuplicates)

	open, err := f.gaps.ListOpenGaps(ctx, "u1", "rss", 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "page_budget_exhausted", open[0].ErrorCode)
}

func TestRunSucceededWhenChainDrains(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	src := &fakeSource{
		start: strptr("p1"),
		pages: map[string]fakePage{
			"p1": {articles: []models.SourceArticle{feedArticle("a1"), feedArticle("a2")}, next: nil},
		},
	}
	ded := &fakeDeduper{clusters: 1}

	result, err := f.orchestrator(Config{SourceName: "rss"}, src, ded).Run(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, result.Status)
	assert.Equal(t, 2, result.Counters.Ingested)
	assert.Equal(t, 1, result.Counters.DedupClusters)
}

func TestRunTouchesHeartbeatBeforeDedup(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	// Age the heartbeat after start_run; with no pages to drain, only the
	// dedup-stage checkpoint can refresh it.
	src := &fakeSource{
		onBegin: func(ctx context.Context) {
			_, err := f.client.ExecContext(ctx,
				`UPDATE ingestion_runs SET heartbeat_at = ? WHERE user_id = 'u1'`,
				time.Now().UTC().Add(-time.Hour))
			require.NoError(t, err)
		},
	}

	var heartbeatAtDedup time.Time
	ded := &fakeDeduper{}
	ded.onRun = func(ctx context.Context, runID string) {
		require.NoError(t, f.client.GetContext(ctx, &heartbeatAtDedup,
			`SELECT heartbeat_at FROM ingestion_runs WHERE run_id = ?`, runID))
	}

	_, err := f.orchestrator(Config{SourceName: "rss"}, src, ded).Run(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ded.called)
	assert.WithinDuration(t, time.Now().UTC(), heartbeatAtDedup, time.Minute)
}
