package services

import (
	"context"
	"fmt"
	"time"

	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/models"
)

// ClusterService persists dedup clusters and their memberships.
type ClusterService struct {
	client *database.Client
}

// NewClusterService creates a new ClusterService.
func NewClusterService(client *database.Client) *ClusterService {
	return &ClusterService{client: client}
}

// ClusterWithMembers pairs a cluster with its membership rows.
type ClusterWithMembers struct {
	Cluster models.DedupCluster
	Members []models.ArticleDedup
}

// SaveDedupClusters replaces the clusters for (user, run) in one transaction:
// prior rows for the run are deleted first.
func (s *ClusterService) SaveDedupClusters(ctx context.Context, userID, runID string, clusters []ClusterWithMembers) error {
	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Membership rows cascade with their cluster.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dedup_clusters WHERE user_id = ? AND run_id = ?`, userID, runID); err != nil {
		return fmt.Errorf("failed to clear prior clusters: %w", err)
	}

	now := time.Now().UTC()
	for _, cw := range clusters {
		c := cw.Cluster
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dedup_clusters
			   (user_id, run_id, cluster_id, representative_article_id, alt_sources, model_name, threshold, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, runID, c.ClusterID, c.RepresentativeArticleID,
			c.AltSources, c.ModelName, c.Threshold, now); err != nil {
			return fmt.Errorf("failed to insert cluster %s: %w", c.ClusterID, err)
		}
		for _, m := range cw.Members {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO article_dedup
				   (user_id, run_id, article_id, cluster_id, is_representative, similarity_to_rep)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				userID, runID, m.ArticleID, c.ClusterID,
				m.IsRepresentative, m.SimilarityToRep); err != nil {
				return fmt.Errorf("failed to insert membership %s: %w", m.ArticleID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clusters: %w", err)
	}
	return nil
}

// ListClusters returns the clusters of one run.
func (s *ClusterService) ListClusters(ctx context.Context, userID, runID string) ([]models.DedupCluster, error) {
	var clusters []models.DedupCluster
	err := s.client.SelectContext(ctx, &clusters,
		`SELECT * FROM dedup_clusters WHERE user_id = ? AND run_id = ? ORDER BY cluster_id`,
		userID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	return clusters, nil
}

// ListClusterMembers returns the membership rows of one cluster.
func (s *ClusterService) ListClusterMembers(ctx context.Context, userID, runID, clusterID string) ([]models.ArticleDedup, error) {
	var members []models.ArticleDedup
	err := s.client.SelectContext(ctx, &members,
		`SELECT * FROM article_dedup
		 WHERE user_id = ? AND run_id = ? AND cluster_id = ?
		 ORDER BY is_representative DESC, article_id`,
		userID, runID, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster members: %w", err)
	}
	return members, nil
}

// CountDuplicates returns the number of non-representative members across
// one run's clusters.
func (s *ClusterService) CountDuplicates(ctx context.Context, userID, runID string) (int, error) {
	var n int
	err := s.client.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM article_dedup
		 WHERE user_id = ? AND run_id = ? AND is_representative = 0`,
		userID, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to count duplicates: %w", err)
	}
	return n, nil
}
