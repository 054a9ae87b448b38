package dedup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/services"
)

// Config controls one dedup engine.
type Config struct {
	Threshold        float64
	CandidateWindow  time.Duration
	EmbeddingTTL     time.Duration
	TitleWeightChars int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Threshold <= 0 {
		out.Threshold = 0.85
	}
	if out.CandidateWindow <= 0 {
		out.CandidateWindow = 48 * time.Hour
	}
	if out.EmbeddingTTL <= 0 {
		out.EmbeddingTTL = 14 * 24 * time.Hour
	}
	if out.TitleWeightChars <= 0 {
		out.TitleWeightChars = 1200
	}
	return out
}

// Engine embeds the candidate window, connects articles whose cosine
// similarity clears the threshold, and persists the connected components as
// clusters with one representative each.
type Engine struct {
	cfg        Config
	articles   *services.ArticleService
	embeddings *services.EmbeddingService
	clusters   *services.ClusterService
	embedder   Embedder
}

// NewEngine creates an Engine.
func NewEngine(
	cfg Config,
	articles *services.ArticleService,
	embeddings *services.EmbeddingService,
	clusters *services.ClusterService,
	embedder Embedder,
) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		articles:   articles,
		embeddings: embeddings,
		clusters:   clusters,
		embedder:   embedder,
	}
}

// storageModelName namespaces stored vectors by both the embedder and the
// text-building recipe, so recipe changes invalidate the cache.
func (e *Engine) storageModelName() string {
	return e.embedder.ModelName() + "@title-clean-v1"
}

// Run clusters one user's candidate window and replaces the (user, run)
// clusters. It returns the cluster count and the duplicate count, where each
// cluster of size n contributes n-1 duplicates.
func (e *Engine) Run(ctx context.Context, userID, runID string) (int, int, error) {
	now := time.Now().UTC()
	since := now.Add(-e.cfg.CandidateWindow)

	candidates, err := e.articles.ListDedupCandidates(ctx, userID, since)
	if err != nil {
		return 0, 0, err
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	vectors, err := e.vectorsFor(ctx, candidates, now)
	if err != nil {
		return 0, 0, err
	}

	components := e.connectedComponents(candidates, vectors)

	withMembers := make([]services.ClusterWithMembers, 0, len(components))
	duplicates := 0
	for _, member := range components {
		cw := e.buildCluster(userID, runID, member, candidates, vectors, now)
		withMembers = append(withMembers, cw)
		duplicates += len(member) - 1
	}

	if err := e.clusters.SaveDedupClusters(ctx, userID, runID, withMembers); err != nil {
		return 0, 0, err
	}

	slog.Info("Dedup finished",
		"user_id", userID, "run_id", runID,
		"candidates", len(candidates), "clusters", len(withMembers), "duplicates", duplicates)
	return len(withMembers), duplicates, nil
}

// vectorsFor loads cached embeddings and embeds only the misses.
func (e *Engine) vectorsFor(ctx context.Context, candidates []models.DedupCandidate, now time.Time) (map[string][]float32, error) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ArticleID
	}

	vectors, err := e.embeddings.GetEmbeddings(ctx, ids, e.storageModelName(), now)
	if err != nil {
		return nil, err
	}

	var missing []models.DedupCandidate
	for _, c := range candidates {
		if _, ok := vectors[c.ArticleID]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	texts := make([]string, len(missing))
	for i, c := range missing {
		texts[i] = e.embeddingText(c)
	}
	embedded, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d articles: %w", len(missing), err)
	}
	if len(embedded) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(embedded), len(missing))
	}

	for i, c := range missing {
		vectors[c.ArticleID] = embedded[i]
		if err := e.embeddings.SaveEmbedding(ctx, c.ArticleID, e.storageModelName(), embedded[i], e.cfg.EmbeddingTTL); err != nil {
			return nil, err
		}
	}
	return vectors, nil
}

// embeddingText builds the title-clean-v1 recipe: title joined to the body
// when both are present, whichever is non-empty otherwise, and an identity
// sentinel only when the candidate carries no text at all. Identical content
// must embed identically regardless of article ID.
func (e *Engine) embeddingText(c models.DedupCandidate) string {
	title := strings.TrimSpace(c.Title)
	body := strings.TrimSpace(c.CleanText)
	if len(body) > e.cfg.TitleWeightChars {
		body = truncateAtRuneBoundary(body, e.cfg.TitleWeightChars)
	}
	switch {
	case title != "" && body != "":
		return title + ". " + body
	case title != "":
		return title
	case body != "":
		return body
	}
	return "[article:" + c.ArticleID + "]"
}

// truncateAtRuneBoundary cuts s to at most max bytes without splitting a
// multi-byte rune.
func truncateAtRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// connectedComponents links every pair at or above the threshold and walks
// the resulting graph. Output components and their members are sorted by
// article ID for determinism.
func (e *Engine) connectedComponents(candidates []models.DedupCandidate, vectors map[string][]float32) [][]string {
	n := len(candidates)
	adj := make(map[int][]int)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim := Cosine(vectors[candidates[i].ArticleID], vectors[candidates[j].ArticleID])
			if sim >= e.cfg.Threshold {
				adj[i] = append(adj[i], j)
				adj[j] = append(adj[j], i)
			}
		}
	}

	seen := make([]bool, n)
	var components [][]string
	for i := 0; i < n; i++ {
		if seen[i] {
			continue
		}
		var member []string
		queue := []int{i}
		seen[i] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			member = append(member, candidates[cur].ArticleID)
			for _, next := range adj[cur] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		sort.Strings(member)
		components = append(components, member)
	}
	sort.Slice(components, func(i, j int) bool { return components[i][0] < components[j][0] })
	return components
}

func (e *Engine) buildCluster(
	userID, runID string,
	member []string,
	candidates []models.DedupCandidate,
	vectors map[string][]float32,
	now time.Time,
) services.ClusterWithMembers {
	byID := make(map[string]models.DedupCandidate, len(candidates))
	for _, c := range candidates {
		byID[c.ArticleID] = c
	}

	repID := pickRepresentative(member, byID)
	clusterID := ClusterID(member)

	alt := make([]string, 0, len(member)-1)
	rows := make([]models.ArticleDedup, 0, len(member))
	for _, id := range member {
		sim := 1.0
		if id != repID {
			sim = Cosine(vectors[id], vectors[repID])
			alt = append(alt, id)
		}
		rows = append(rows, models.ArticleDedup{
			UserID:           userID,
			RunID:            runID,
			ArticleID:        id,
			ClusterID:        clusterID,
			IsRepresentative: id == repID,
			SimilarityToRep:  sim,
		})
	}

	altJSON, _ := json.Marshal(alt)
	return services.ClusterWithMembers{
		Cluster: models.DedupCluster{
			UserID:                  userID,
			RunID:                   runID,
			ClusterID:               clusterID,
			RepresentativeArticleID: repID,
			AltSources:              string(altJSON),
			ModelName:               e.storageModelName(),
			Threshold:               e.cfg.Threshold,
			CreatedAt:               now,
		},
		Members: rows,
	}
}

// pickRepresentative prefers the longest clean text, then the earliest
// published time, then the smallest article ID.
func pickRepresentative(member []string, byID map[string]models.DedupCandidate) string {
	best := member[0]
	for _, id := range member[1:] {
		a, b := byID[id], byID[best]
		switch {
		case a.CleanTextChars != b.CleanTextChars:
			if a.CleanTextChars > b.CleanTextChars {
				best = id
			}
		case !a.PublishedAt.Equal(b.PublishedAt):
			if a.PublishedAt.Before(b.PublishedAt) {
				best = id
			}
		case id < best:
			best = id
		}
	}
	return best
}

// ClusterID derives the deterministic cluster identity from its sorted
// member IDs.
func ClusterID(sortedMemberIDs []string) string {
	sum := sha1.Sum([]byte(strings.Join(sortedMemberIDs, "\n")))
	return "cluster:" + hex.EncodeToString(sum[:])
}
