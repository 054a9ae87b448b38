package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/services"
	testdb "github.com/recapd/recapd/test/database"
)

func newOutputFixture(t *testing.T) *services.OutputService {
	t.Helper()
	client := testdb.NewTestClient(t)
	articles := services.NewArticleService(client)
	require.NoError(t, articles.EnsureUser(context.Background(), "u1", "User One"))
	return services.NewOutputService(client)
}

func TestSaveOutputReplacesByIdentity(t *testing.T) {
	outputs := newOutputFixture(t)
	ctx := context.Background()
	identity := services.OutputIdentity{
		UserID: "u1", Kind: models.OutputKindHighlights, BusinessDate: "2026-08-24",
	}

	first, err := outputs.SaveOutput(ctx, services.SaveOutputRequest{
		Identity: identity,
		Title:    "Morning recap",
		Blocks: []models.UserOutputBlock{
			{Text: "Rates held steady.", SourceIDs: `["article:a1"]`},
			{Text: "Budget passed."},
		},
	})
	require.NoError(t, err)
	require.Len(t, first.Blocks, 2)
	assert.Equal(t, 0, first.Blocks[0].Position)
	assert.Equal(t, `["article:a1"]`, first.Blocks[0].SourceIDs)
	assert.Equal(t, `[]`, first.Blocks[1].SourceIDs)

	// Re-generating the same identity overwrites content, keeps the row.
	second, err := outputs.SaveOutput(ctx, services.SaveOutputRequest{
		Identity: identity,
		Title:    "Morning recap (regenerated)",
		Blocks:   []models.UserOutputBlock{{Text: "Only one block now."}},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Morning recap (regenerated)", second.Title)
	require.Len(t, second.Blocks, 1)
	assert.Equal(t, "Only one block now.", second.Blocks[0].Text)
}

func TestSaveOutputIdentityPerKind(t *testing.T) {
	outputs := newOutputFixture(t)
	ctx := context.Background()
	story1, story2 := "story-1", "story-2"

	a, err := outputs.SaveOutput(ctx, services.SaveOutputRequest{
		Identity: services.OutputIdentity{
			UserID: "u1", Kind: models.OutputKindStoryDetails,
			BusinessDate: "2026-08-24", StoryID: &story1,
		},
		Title: "Story one",
	})
	require.NoError(t, err)

	// A different story on the same date is a distinct output.
	b, err := outputs.SaveOutput(ctx, services.SaveOutputRequest{
		Identity: services.OutputIdentity{
			UserID: "u1", Kind: models.OutputKindStoryDetails,
			BusinessDate: "2026-08-24", StoryID: &story2,
		},
		Title: "Story two",
	})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	got, err := outputs.GetOutputByIdentity(ctx, services.OutputIdentity{
		UserID: "u1", Kind: models.OutputKindStoryDetails,
		BusinessDate: "2026-08-24", StoryID: &story1,
	})
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestSaveOutputValidation(t *testing.T) {
	outputs := newOutputFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		identity services.OutputIdentity
	}{
		{"missing user", services.OutputIdentity{Kind: models.OutputKindHighlights, BusinessDate: "2026-08-24"}},
		{"missing date", services.OutputIdentity{UserID: "u1", Kind: models.OutputKindHighlights}},
		{"story without story id", services.OutputIdentity{UserID: "u1", Kind: models.OutputKindStoryDetails, BusinessDate: "2026-08-24"}},
		{"qa without request id", services.OutputIdentity{UserID: "u1", Kind: models.OutputKindQAAnswer, BusinessDate: "2026-08-24"}},
		{"unknown kind", services.OutputIdentity{UserID: "u1", Kind: "poster", BusinessDate: "2026-08-24"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := outputs.SaveOutput(ctx, services.SaveOutputRequest{Identity: tt.identity})
			var verr *services.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestGetOutputByIdentityNotFound(t *testing.T) {
	outputs := newOutputFixture(t)

	_, err := outputs.GetOutputByIdentity(context.Background(), services.OutputIdentity{
		UserID: "u1", Kind: models.OutputKindHighlights, BusinessDate: "2026-08-23",
	})
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestRecordEngagement(t *testing.T) {
	outputs := newOutputFixture(t)
	ctx := context.Background()

	out, err := outputs.SaveOutput(ctx, services.SaveOutputRequest{
		Identity: services.OutputIdentity{
			UserID: "u1", Kind: models.OutputKindHighlights, BusinessDate: "2026-08-24",
		},
		Title:  "Morning recap",
		Blocks: []models.UserOutputBlock{{Text: "Rates held steady."}},
	})
	require.NoError(t, err)
	blockID := out.Blocks[0].ID

	require.NoError(t, outputs.RecordReadState(ctx, "u1", out.ID, nil, "opened"))
	require.NoError(t, outputs.RecordReadState(ctx, "u1", out.ID, &blockID, "read"))
	require.NoError(t, outputs.RecordFeedback(ctx, "u1", out.ID, &blockID, 1, "useful"))

	// Ratings outside -1..1 are rejected.
	var verr *services.ValidationError
	assert.ErrorAs(t, outputs.RecordFeedback(ctx, "u1", out.ID, nil, 2, ""), &verr)

	// A block must belong to the referenced output.
	other, err := outputs.SaveOutput(ctx, services.SaveOutputRequest{
		Identity: services.OutputIdentity{
			UserID: "u1", Kind: models.OutputKindHighlights, BusinessDate: "2026-08-25",
		},
		Title: "Next day",
	})
	require.NoError(t, err)
	assert.ErrorAs(t, outputs.RecordReadState(ctx, "u1", other.ID, &blockID, "read"), &verr)

	missing := "no-such-block"
	assert.ErrorIs(t, outputs.RecordReadState(ctx, "u1", out.ID, &missing, "read"), services.ErrNotFound)
}
