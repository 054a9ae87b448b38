package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/services"
	testdb "github.com/recapd/recapd/test/database"
)

func newFeedStateFixture(t *testing.T) *services.FeedStateService {
	t.Helper()
	client := testdb.NewTestClient(t)
	articles := services.NewArticleService(client)
	require.NoError(t, articles.EnsureUser(context.Background(), "u1", "User One"))
	return services.NewFeedStateService(client)
}

func TestFeedStateValidators(t *testing.T) {
	feeds := newFeedStateFixture(t)
	ctx := context.Background()
	const feedURL = "https://example.com/feed.xml"

	// Never-fetched feeds have no state.
	state, err := feeds.GetFeedState(ctx, feedURL)
	require.NoError(t, err)
	assert.Nil(t, state)

	etag := `"v1"`
	require.NoError(t, feeds.UpsertFeedState(ctx, feedURL, &etag, nil))

	state, err = feeds.GetFeedState(ctx, feedURL)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.ETag)
	assert.Equal(t, `"v1"`, *state.ETag)
	assert.Nil(t, state.LastModified)

	// A later fetch replaces both validators.
	lastModified := "Mon, 24 Aug 2026 09:00:00 GMT"
	require.NoError(t, feeds.UpsertFeedState(ctx, feedURL, nil, &lastModified))

	state, err = feeds.GetFeedState(ctx, feedURL)
	require.NoError(t, err)
	assert.Nil(t, state.ETag)
	require.NotNil(t, state.LastModified)
	assert.Equal(t, lastModified, *state.LastModified)
}

func TestSnapshotResume(t *testing.T) {
	feeds := newFeedStateFixture(t)
	ctx := context.Background()

	snap, err := feeds.LoadSnapshot(ctx, "u1", "rss", "hash-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	cursor := "25"
	require.NoError(t, feeds.SaveSnapshot(ctx, "u1", "rss", "hash-1", []byte(`[{"id":"a"}]`), &cursor))

	snap, err = feeds.LoadSnapshot(ctx, "u1", "rss", "hash-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.JSONEq(t, `[{"id":"a"}]`, string(snap.Items))
	require.NotNil(t, snap.NextCursor)
	assert.Equal(t, "25", *snap.NextCursor)

	// Advancing moves the cursor without touching the stored items.
	next := "50"
	require.NoError(t, feeds.AdvanceSnapshotCursor(ctx, "u1", "rss", "hash-1", &next))
	snap, err = feeds.LoadSnapshot(ctx, "u1", "rss", "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "50", *snap.NextCursor)
	assert.JSONEq(t, `[{"id":"a"}]`, string(snap.Items))

	// A nil cursor drains the snapshot.
	require.NoError(t, feeds.AdvanceSnapshotCursor(ctx, "u1", "rss", "hash-1", nil))
	snap, err = feeds.LoadSnapshot(ctx, "u1", "rss", "hash-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotScopedByFeedSet(t *testing.T) {
	feeds := newFeedStateFixture(t)
	ctx := context.Background()

	require.NoError(t, feeds.SaveSnapshot(ctx, "u1", "rss", "hash-1", []byte(`[]`), nil))

	// A changed feed set starts from scratch.
	snap, err := feeds.LoadSnapshot(ctx, "u1", "rss", "hash-2")
	require.NoError(t, err)
	assert.Nil(t, snap)
}
