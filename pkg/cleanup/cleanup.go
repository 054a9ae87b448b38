// Package cleanup runs the retention loop: per-user article pruning, global
// garbage collection of unreferenced articles, embedding and gap expiry, and
// stale task recovery.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/recapd/recapd/pkg/services"
)

// Config controls retention windows.
type Config struct {
	Interval        time.Duration
	ArticleKeepDays int
	GapTTL          time.Duration
	TaskStaleAfter  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = time.Hour
	}
	if out.ArticleKeepDays <= 0 {
		out.ArticleKeepDays = 30
	}
	if out.GapTTL <= 0 {
		out.GapTTL = 7 * 24 * time.Hour
	}
	if out.TaskStaleAfter <= 0 {
		out.TaskStaleAfter = 10 * time.Minute
	}
	return out
}

// Service runs periodic retention passes.
type Service struct {
	cfg        Config
	articles   *services.ArticleService
	embeddings *services.EmbeddingService
	gaps       *services.GapService
	tasks      *services.TaskService
	logger     *slog.Logger
}

// NewService creates a cleanup Service.
func NewService(cfg Config, articles *services.ArticleService, embeddings *services.EmbeddingService, gaps *services.GapService, tasks *services.TaskService) *Service {
	return &Service{
		cfg:        cfg.withDefaults(),
		articles:   articles,
		embeddings: embeddings,
		gaps:       gaps,
		tasks:      tasks,
		logger:     slog.With("component", "cleanup"),
	}
}

// Run loops RunOnce until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("Cleanup loop started", "interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cleanup loop stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Cleanup pass failed", "error", err)
			}
		}
	}
}

// Result summarizes one cleanup pass.
type Result struct {
	LinksPruned        int64 `json:"links_pruned"`
	ArticlesDeleted    int64 `json:"articles_deleted"`
	EmbeddingsExpired  int64 `json:"embeddings_expired"`
	GapsExpired        int64 `json:"gaps_expired"`
	StaleTasksRequeued int   `json:"stale_tasks_requeued"`
}

// RunOnce executes one full retention pass. Individual stage failures are
// logged and do not stop the pass.
func (s *Service) RunOnce(ctx context.Context) error {
	result, err := s.pass(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("Cleanup pass finished",
		"links_pruned", result.LinksPruned,
		"articles_deleted", result.ArticlesDeleted,
		"embeddings_expired", result.EmbeddingsExpired,
		"gaps_expired", result.GapsExpired,
		"stale_tasks_requeued", result.StaleTasksRequeued)
	return nil
}

func (s *Service) pass(ctx context.Context) (*Result, error) {
	result := &Result{}
	now := time.Now().UTC()

	userIDs, err := s.articles.ListUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, userID := range userIDs {
		pruned, err := s.articles.PruneUserArticles(ctx, userID, s.cfg.ArticleKeepDays)
		if err != nil {
			s.logger.Error("Prune failed", "user_id", userID, "error", err)
			continue
		}
		result.LinksPruned += pruned
	}

	gc, err := s.articles.GCUnreferencedArticles(ctx, false)
	if err != nil {
		s.logger.Error("GC failed", "error", err)
	} else {
		result.ArticlesDeleted = gc.Articles
	}

	if n, err := s.embeddings.DeleteExpiredEmbeddings(ctx, now); err != nil {
		s.logger.Error("Embedding expiry failed", "error", err)
	} else {
		result.EmbeddingsExpired = n
	}

	if n, err := s.gaps.ExpireGaps(ctx, now.Add(-s.cfg.GapTTL)); err != nil {
		s.logger.Error("Gap expiry failed", "error", err)
	} else {
		result.GapsExpired = n
	}

	if n, err := s.tasks.RecoverStaleRunningTasks(ctx, s.cfg.TaskStaleAfter); err != nil {
		s.logger.Error("Stale task recovery failed", "error", err)
	} else {
		result.StaleTasksRequeued = n
	}

	return result, nil
}
