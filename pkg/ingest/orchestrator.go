package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/recapd/recapd/pkg/metrics"
	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/rss"
	"github.com/recapd/recapd/pkg/services"
)

// errorCodePageBudget marks a gap opened because the per-run page budget ran
// out before the stream drained.
const errorCodePageBudget = "page_budget_exhausted"

// PageSource is the slice of rss.Source the orchestrator drives.
type PageSource interface {
	BeginRun(ctx context.Context) (*string, rss.RunStats, error)
	FetchPage(ctx context.Context, cursor string) ([]models.SourceArticle, *string, error)
	MarkPageProcessed(ctx context.Context, nextCursor *string) error
}

// Deduper runs semantic dedup over a finished run's candidate window and
// reports cluster and duplicate counts for the run counters.
type Deduper interface {
	Run(ctx context.Context, userID, runID string) (clusters, duplicates int, err error)
}

// Config controls one orchestrator instance.
type Config struct {
	SourceName    string
	StaleRunAfter time.Duration
	MaxPages      int
	MaxOpenGaps   int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StaleRunAfter <= 0 {
		out.StaleRunAfter = 10 * time.Minute
	}
	if out.MaxPages <= 0 {
		out.MaxPages = 100
	}
	if out.MaxOpenGaps <= 0 {
		out.MaxOpenGaps = 25
	}
	return out
}

// Orchestrator executes one ingestion run per Run call: it seeds from open
// gaps plus a fresh fetch, drains cursor chains page by page, upserts
// articles, and finishes the run with counters.
type Orchestrator struct {
	cfg        Config
	runs       *services.RunService
	gaps       *services.GapService
	articles   *services.ArticleService
	normalizer *Normalizer
	newSource  func(userID string) PageSource
	deduper    Deduper
}

// NewOrchestrator creates an Orchestrator. deduper may be nil to skip dedup.
func NewOrchestrator(
	cfg Config,
	runs *services.RunService,
	gaps *services.GapService,
	articles *services.ArticleService,
	newSource func(userID string) PageSource,
	deduper Deduper,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		runs:       runs,
		gaps:       gaps,
		articles:   articles,
		normalizer: NewNormalizer(),
		newSource:  newSource,
		deduper:    deduper,
	}
}

// Result summarizes one ingestion run.
type Result struct {
	RunID    string             `json:"run_id"`
	Status   models.RunStatus   `json:"status"`
	Counters models.RunCounters `json:"counters"`
	Resumed  bool               `json:"resumed"`
}

// Run executes one full ingestion activation for a user. The run finishes
// completed when every chain drained, partial when any gap remains open, and
// failed on a non-retryable source error (which is also returned).
func (o *Orchestrator) Run(ctx context.Context, userID string) (*Result, error) {
	logger := slog.With("user_id", userID, "source", o.cfg.SourceName)

	runID, err := o.runs.StartRun(ctx, userID, o.cfg.SourceName, o.cfg.StaleRunAfter)
	if err != nil {
		return nil, err
	}
	logger = logger.With("run_id", runID)
	logger.Info("Ingestion run started")

	result := &Result{RunID: runID}

	seeds, err := o.gaps.ListOpenGaps(ctx, userID, o.cfg.SourceName, o.cfg.MaxOpenGaps)
	if err != nil {
		return o.finishFailed(ctx, result, err)
	}

	src := o.newSource(userID)
	startCursor, stats, err := src.BeginRun(ctx)
	if err != nil {
		if o.captureTemporary(ctx, userID, nil, err, result) {
			return o.finish(ctx, result, logger)
		}
		return o.finishFailed(ctx, result, err)
	}
	result.Resumed = stats.Resumed

	pagesLeft := o.cfg.MaxPages
	visited := make(map[string]bool)

	// Gap seeds first, then the fresh chain.
	for _, gap := range seeds {
		done, err := o.drainChain(ctx, src, runID, userID, gap.FromCursor, visited, &pagesLeft, result)
		if err != nil {
			return o.finishFailed(ctx, result, err)
		}
		if done {
			if err := o.gaps.ResolveGap(ctx, gap.ID); err != nil {
				return o.finishFailed(ctx, result, err)
			}
		}
	}
	if _, err := o.drainChain(ctx, src, runID, userID, startCursor, visited, &pagesLeft, result); err != nil {
		return o.finishFailed(ctx, result, err)
	}

	// Dedup runs even when gaps were opened: a partial run still clusters
	// everything it drained. The partial/succeeded decision comes after.
	if o.deduper != nil {
		if err := o.runs.TouchRun(ctx, runID); err != nil {
			return o.finishFailed(ctx, result, err)
		}
		clusters, duplicates, err := o.deduper.Run(ctx, userID, runID)
		if err != nil {
			return o.finishFailed(ctx, result, fmt.Errorf("dedup failed: %w", err))
		}
		result.Counters.DedupClusters = clusters
		result.Counters.DedupDuplicates = duplicates
	}

	return o.finish(ctx, result, logger)
}

// drainChain follows one cursor chain until it ends, the page budget runs
// out, or a temporary error opens a gap. It returns whether the chain fully
// drained. Non-retryable errors propagate to the caller.
func (o *Orchestrator) drainChain(
	ctx context.Context,
	src PageSource,
	runID, userID string,
	cursor *string,
	visited map[string]bool,
	pagesLeft *int,
	result *Result,
) (bool, error) {
	for cursor != nil {
		if visited[*cursor] {
			return true, nil
		}
		if *pagesLeft <= 0 {
			if err := o.openGap(ctx, userID, services.OpenGapRequest{
				UserID:     userID,
				Source:     o.cfg.SourceName,
				FromCursor: cursor,
				ErrorCode:  errorCodePageBudget,
			}, result); err != nil {
				return false, err
			}
			return false, nil
		}
		visited[*cursor] = true
		*pagesLeft--

		if err := o.runs.TouchRun(ctx, runID); err != nil {
			return false, err
		}
		page, next, err := src.FetchPage(ctx, *cursor)
		if err != nil {
			if o.captureTemporary(ctx, userID, cursor, err, result) {
				return false, nil
			}
			return false, err
		}

		for i := range page {
			if err := o.ingestOne(ctx, userID, &page[i], result); err != nil {
				return false, err
			}
		}

		if err := src.MarkPageProcessed(ctx, next); err != nil {
			return false, err
		}
		if err := o.runs.TouchRun(ctx, runID); err != nil {
			return false, err
		}
		cursor = next
	}
	return true, nil
}

func (o *Orchestrator) ingestOne(ctx context.Context, userID string, art *models.SourceArticle, result *Result) error {
	clean, truncated, fullContent, err := o.normalizer.Clean(art.RawText)
	if err != nil {
		// A single malformed item must not sink the page.
		slog.Warn("Skipping unnormalizable item",
			"user_id", userID, "external_id", art.ExternalID, "error", err)
		result.Counters.Skipped++
		return nil
	}
	art.CleanText = clean
	art.IsTruncated = truncated
	art.IsFullContent = fullContent

	if art.RawPayload != "" {
		if err := o.articles.UpsertRawArticle(ctx, art.SourceName, art.ExternalID, art.RawPayload); err != nil {
			return err
		}
	}

	action, err := o.articles.UpsertArticle(ctx, userID, art)
	if err != nil {
		return err
	}
	metrics.ArticlesIngested.WithLabelValues(string(action)).Inc()
	switch action {
	case models.UpsertInserted:
		result.Counters.Ingested++
	case models.UpsertUpdated:
		result.Counters.Updated++
	default:
		result.Counters.Skipped++
	}
	return nil
}

// captureTemporary opens a gap for a temporary source error and reports
// whether the error was handled that way.
func (o *Orchestrator) captureTemporary(ctx context.Context, userID string, cursor *string, err error, result *Result) bool {
	var temp *rss.TemporarySourceError
	if !errors.As(err, &temp) {
		return false
	}
	req := services.OpenGapRequest{
		UserID:     userID,
		Source:     o.cfg.SourceName,
		FromCursor: cursor,
		ToCursor:   temp.ToCursor,
		ErrorCode:  temp.Code,
		RetryAfter: temp.RetryAfter,
	}
	if gapErr := o.openGap(ctx, userID, req, result); gapErr != nil {
		slog.Error("Failed to open ingestion gap", "user_id", userID, "error", gapErr)
		return false
	}
	return true
}

func (o *Orchestrator) openGap(ctx context.Context, userID string, req services.OpenGapRequest, result *Result) error {
	gapID, err := o.gaps.OpenGap(ctx, req)
	if err != nil {
		return err
	}
	result.Counters.GapsOpened++
	metrics.GapsOpened.WithLabelValues(req.ErrorCode).Inc()
	slog.Warn("Opened ingestion gap",
		"user_id", userID, "gap_id", gapID, "error_code", req.ErrorCode)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, result *Result, logger *slog.Logger) (*Result, error) {
	status := models.RunStatusSucceeded
	if result.Counters.GapsOpened > 0 {
		status = models.RunStatusPartial
	}
	if err := o.runs.FinishRun(ctx, result.RunID, status, result.Counters, ""); err != nil {
		return nil, err
	}
	result.Status = status
	logger.Info("Ingestion run finished",
		"status", status,
		"ingested", result.Counters.Ingested,
		"updated", result.Counters.Updated,
		"skipped", result.Counters.Skipped,
		"gaps_opened", result.Counters.GapsOpened)
	return result, nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, result *Result, cause error) (*Result, error) {
	if err := o.runs.FinishRun(ctx, result.RunID, models.RunStatusFailed, result.Counters, cause.Error()); err != nil {
		slog.Error("Failed to mark run failed", "run_id", result.RunID, "error", err)
	}
	result.Status = models.RunStatusFailed
	return result, cause
}
