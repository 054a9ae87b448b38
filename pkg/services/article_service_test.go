package services_test

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

type articleFixture struct {
	client   *database.Client
	articles *services.ArticleService
}

func newArticleFixture(t *testing.T) *articleFixture {
	t.Helper()
	client := testdb.NewTestClient(t)
	f := &articleFixture{client: client, articles: services.NewArticleService(client)}
	require.NoError(t, f.articles.EnsureUser(context.Background(), "u1", "User One"))
	require.NoError(t, f.articles.EnsureUser(context.Background(), "u2", "User Two"))
	return f
}

func sourceArticle(externalID, url string) *models.SourceArticle {
	return &models.SourceArticle{
		SourceName:   "rss",
		ExternalID:   externalID,
		URL:          url,
		URLHash:      rss.URLHash(url),
		Title:        "Title for " + externalID,
		SourceDomain: "example.com",
		PublishedAt:  time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		CleanText:    "clean text",
	}
}

func TestUpsertArticleLifecycle(t *testing.T) {
	f := newArticleFixture(t)
	ctx := context.Background()
	art := sourceArticle("feedhash:guid-1", "https://example.com/1")

	// First sighting links the user.
	action, err := f.articles.UpsertArticle(ctx, "u1", art)
	require.NoError(t, err)
	assert.Equal(t, models.UpsertInserted, action)

	// Identical content is a no-op.
	action, err = f.articles.UpsertArticle(ctx, "u1", art)
	require.NoError(t, err)
	assert.Equal(t, models.UpsertSkipped, action)

	// Edited content refreshes the shared row.
	art.Title = "Updated title"
	action, err = f.articles.UpsertArticle(ctx, "u1", art)
	require.NoError(t, err)
	assert.Equal(t, models.UpsertUpdated, action)

	// A second user linking an existing article counts as inserted for them.
	action, err = f.articles.UpsertArticle(ctx, "u2", art)
	require.NoError(t, err)
	assert.Equal(t, models.UpsertInserted, action)

	n, err := f.articles.CountArticles(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertArticleGeneratedIDReconciliation(t *testing.T) {
	f := newArticleFixture(t)
	ctx := context.Background()

	// Same underlying item seen with two different generated IDs but the same
	// URL and publish time merges via the fallback key.
	a := sourceArticle(models.GeneratedIDPrefix+"aaa", "https://example.com/story")
	b := sourceArticle(models.GeneratedIDPrefix+"bbb", "https://example.com/story")

	_, err := f.articles.UpsertArticle(ctx, "u1", a)
	require.NoError(t, err)
	action, err := f.articles.UpsertArticle(ctx, "u1", b)
	require.NoError(t, err)
	assert.NotEqual(t, models.UpsertInserted, action)

	candidates, err := f.articles.ListDedupCandidates(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestUpsertArticlePromotesGeneratedID(t *testing.T) {
	f := newArticleFixture(t)
	ctx := context.Background()

	gen := sourceArticle(models.GeneratedIDPrefix+"ccc", "https://example.com/promote")
	_, err := f.articles.UpsertArticle(ctx, "u1", gen)
	require.NoError(t, err)

	// The feed later starts carrying a stable GUID for the same URL.
	stable := sourceArticle("feedhash:guid-promoted", "https://example.com/promote")
	action, err := f.articles.UpsertArticle(ctx, "u1", stable)
	require.NoError(t, err)
	assert.Equal(t, models.UpsertUpdated, action)

	candidates, err := f.articles.ListDedupCandidates(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	got, err := f.articles.GetArticle(ctx, candidates[0].ArticleID)
	require.NoError(t, err)
	assert.Equal(t, "feedhash:guid-promoted", got.ExternalID)
}

func TestPruneAndGC(t *testing.T) {
	f := newArticleFixture(t)
	ctx := context.Background()

	art := sourceArticle("feedhash:old-1", "https://example.com/old")
	_, err := f.articles.UpsertArticle(ctx, "u1", art)
	require.NoError(t, err)
	require.NoError(t, f.articles.UpsertRawArticle(ctx, art.SourceName, art.ExternalID, `{"raw":true}`))

	// Age the link beyond retention.
	_, err = f.client.ExecContext(ctx,
		`UPDATE user_articles SET discovered_at = ? WHERE user_id = 'u1'`,
		time.Now().UTC().AddDate(0, 0, -60))
	require.NoError(t, err)

	pruned, err := f.articles.PruneUserArticles(ctx, "u1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	// Dry run reports without deleting.
	dry, err := f.articles.GCUnreferencedArticles(ctx, true)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Equal(t, int64(1), dry.Articles)
	assert.Equal(t, int64(1), dry.RawRows)

	result, err := f.articles.GCUnreferencedArticles(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Articles)
	assert.Equal(t, int64(1), result.RawRows)

	n, err := f.articles.CountArticles(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGCLeavesCitationSnapshots(t *testing.T) {
	f := newArticleFixture(t)
	ctx := context.Background()
	tasks := services.NewTaskService(f.client)

	art := sourceArticle("feedhash:cited-1", "https://example.com/cited")
	_, err := f.articles.UpsertArticle(ctx, "u1", art)
	require.NoError(t, err)

	task, err := tasks.EnqueueTask(ctx, services.EnqueueTaskRequest{
		UserID: "u1", TaskType: models.TaskTypeHighlights, InputManifestPath: "/tmp/m.json",
	})
	require.NoError(t, err)
	claimed, err := tasks.ClaimNextReadyTask(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	candidates, err := f.articles.ListDedupCandidates(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	articleID := candidates[0].ArticleID

	ok, err := tasks.CompleteTask(ctx, task.ID, "/tmp/out.json", []models.CitationSnapshot{
		{SourceID: "article:" + articleID, Position: 0, ArticleID: &articleID,
			Title: "Cited", URL: "https://example.com/cited"},
	})
	require.NoError(t, err)
	require.True(t, ok)

	// Unlink and collect the article.
	_, err = f.client.ExecContext(ctx, `DELETE FROM user_articles WHERE user_id = 'u1'`)
	require.NoError(t, err)
	_, err = f.articles.GCUnreferencedArticles(ctx, false)
	require.NoError(t, err)

	_, err = f.articles.GetArticle(ctx, articleID)
	assert.ErrorIs(t, err, services.ErrNotFound)

	// The snapshot outlives the article it cites.
	citations, err := tasks.ListOutputCitations(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, citations, 1)
	assert.Equal(t, "Cited", citations[0].Title)
}

func TestArticleResourcesExpireViaGC(t *testing.T) {
	f := newArticleFixture(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.articles.SaveArticleResource(ctx, "deadbeef00000000", "fulltext", "cached body", &past))

	_, err := f.articles.GetArticleResource(ctx, "deadbeef00000000", "fulltext")
	require.NoError(t, err)

	result, err := f.articles.GCUnreferencedArticles(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Resources)

	_, err = f.articles.GetArticleResource(ctx, "deadbeef00000000", "fulltext")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestListRecentArticlesWindow(t *testing.T) {
	f := newArticleFixture(t)
	ctx := context.Background()

	recent := sourceArticle("feedhash:recent", "https://example.com/recent")
	recent.PublishedAt = time.Now().UTC().Add(-2 * time.Hour)
	old := sourceArticle("feedhash:ancient", "https://example.com/ancient")
	old.PublishedAt = time.Now().UTC().Add(-72 * time.Hour)

	_, err := f.articles.UpsertArticle(ctx, "u1", recent)
	require.NoError(t, err)
	_, err = f.articles.UpsertArticle(ctx, "u1", old)
	require.NoError(t, err)

	got, err := f.articles.ListRecentArticles(ctx, "u1", time.Now().UTC().Add(-24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "feedhash:recent", got[0].ExternalID)
}
