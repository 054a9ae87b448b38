package dedup

import (
	"context"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/models"
)

func TestHashingEmbedderDeterministic(t *testing.T) {
	e := NewHashingEmbedder(256)
	assert.Equal(t, "hashing-ngram-v1", e.ModelName())
	assert.Equal(t, 256, e.Dim())

	vecs, err := e.Embed(context.Background(), []string{"central bank holds rates", "central bank holds rates"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, vecs[0], vecs[1])
	assert.InDelta(t, 1.0, Cosine(vecs[0], vecs[1]), 1e-6)
}

func TestHashingEmbedderSeparatesTopics(t *testing.T) {
	e := NewHashingEmbedder(256)
	vecs, err := e.Embed(context.Background(), []string{
		"central bank holds interest rates steady at two percent",
		"local team wins the championship final after extra time",
	})
	require.NoError(t, err)
	assert.Less(t, Cosine(vecs[0], vecs[1]), 0.5)
}

func TestHashingEmbedderNearDuplicatesScoreHigh(t *testing.T) {
	e := NewHashingEmbedder(256)
	vecs, err := e.Embed(context.Background(), []string{
		"central bank holds interest rates steady at two percent this quarter",
		"the central bank holds interest rates steady at two percent",
	})
	require.NoError(t, err)
	assert.Greater(t, Cosine(vecs[0], vecs[1]), 0.7)
}

func TestCosineEdgeCases(t *testing.T) {
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Vectors cached under a different dim never match.
	assert.Equal(t, 0.0, Cosine([]float32{1, 0, 0}, []float32{1, 0}))
}

func TestClusterIDDeterministic(t *testing.T) {
	id := ClusterID([]string{"a1", "a2", "a3"})
	assert.Equal(t, id, ClusterID([]string{"a1", "a2", "a3"}))
	assert.NotEqual(t, id, ClusterID([]string{"a1", "a2"}))
	assert.Contains(t, id, "cluster:")
}

func TestPickRepresentative(t *testing.T) {
	early := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	late := early.Add(2 * time.Hour)

	byID := map[string]models.DedupCandidate{
		"a": {ArticleID: "a", CleanTextChars: 100, PublishedAt: late},
		"b": {ArticleID: "b", CleanTextChars: 500, PublishedAt: late},
		"c": {ArticleID: "c", CleanTextChars: 500, PublishedAt: early},
	}

	// Longest text wins; equal lengths fall back to earliest publish.
	assert.Equal(t, "b", pickRepresentative([]string{"a", "b"}, byID))
	assert.Equal(t, "c", pickRepresentative([]string{"b", "c"}, byID))

	// Full tie resolves lexicographically.
	byID["d"] = models.DedupCandidate{ArticleID: "d", CleanTextChars: 500, PublishedAt: early}
	assert.Equal(t, "c", pickRepresentative([]string{"d", "c"}, byID))
}

func TestConnectedComponents(t *testing.T) {
	e := NewEngine(Config{Threshold: 0.6}, nil, nil, nil, NewHashingEmbedder(256))

	candidates := []models.DedupCandidate{
		{ArticleID: "a1", Title: "Central bank holds interest rates steady"},
		{ArticleID: "a2", Title: "The central bank holds interest rates steady today"},
		{ArticleID: "a3", Title: "Championship final goes to extra time"},
	}
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = e.embeddingText(c)
	}
	embedded, err := e.embedder.Embed(context.Background(), texts)
	require.NoError(t, err)

	vectors := map[string][]float32{}
	for i, c := range candidates {
		vectors[c.ArticleID] = embedded[i]
	}

	components := e.connectedComponents(candidates, vectors)
	require.Len(t, components, 2)
	assert.Equal(t, []string{"a1", "a2"}, components[0])
	assert.Equal(t, []string{"a3"}, components[1])
}

func TestEmbeddingTextRecipe(t *testing.T) {
	e := NewEngine(Config{}, nil, nil, nil, NewHashingEmbedder(256))

	tests := []struct {
		name string
		c    models.DedupCandidate
		want string
	}{
		{"title and body", models.DedupCandidate{ArticleID: "a1", Title: "Storm hits the coast", CleanText: "A storm hit the coast."}, "Storm hits the coast. A storm hit the coast."},
		{"title only", models.DedupCandidate{ArticleID: "a1", Title: "Storm hits the coast"}, "Storm hits the coast"},
		{"body only", models.DedupCandidate{ArticleID: "a1", CleanText: "A storm hit the coast."}, "A storm hit the coast."},
		{"neither", models.DedupCandidate{ArticleID: "a1"}, "[article:a1]"},
		{"whitespace counts as empty", models.DedupCandidate{ArticleID: "a2", Title: "  ", CleanText: "\n"}, "[article:a2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.embeddingText(tt.c))
		})
	}
}

func TestIdenticalArticlesEmbedIdentically(t *testing.T) {
	// The same story syndicated under different IDs must land on the exact
	// same vector, or cross-source duplicates drift below the threshold.
	e := NewEngine(Config{}, nil, nil, nil, NewHashingEmbedder(256))

	t1 := e.embeddingText(models.DedupCandidate{ArticleID: "hn:1", Title: "Storm hits coast", CleanText: "A storm hit the coast."})
	t2 := e.embeddingText(models.DedupCandidate{ArticleID: "rss:2", Title: "Storm hits coast", CleanText: "A storm hit the coast."})
	require.Equal(t, t1, t2)

	vecs, err := e.embedder.Embed(context.Background(), []string{t1, t2})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, Cosine(vecs[0], vecs[1]), 1e-6)
}

func TestEmbeddingTextTruncatesBody(t *testing.T) {
	e := NewEngine(Config{TitleWeightChars: 10}, nil, nil, nil, NewHashingEmbedder(16))
	text := e.embeddingText(models.DedupCandidate{
		ArticleID: "a1",
		Title:     "T",
		CleanText: "0123456789abcdef",
	})
	assert.Equal(t, "T. 0123456789", text)

	// The cut backs up rather than split a multi-byte rune.
	text = e.embeddingText(models.DedupCandidate{
		ArticleID: "a1",
		Title:     "T",
		CleanText: "012345678étc",
	})
	assert.Equal(t, "T. 012345678", text)
	assert.True(t, utf8.ValidString(text))
}
