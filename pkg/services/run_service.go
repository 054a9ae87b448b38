package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/models"
)

// RunService manages ingestion run lifecycle.
type RunService struct {
	client *database.Client
}

// NewRunService creates a new RunService.
func NewRunService(client *database.Client) *RunService {
	return &RunService{client: client}
}

// StartRun inserts a new run in state running. If another run is live for the
// same (user, source), its heartbeat age decides the outcome: stale runs are
// auto-failed and the insert retried once; fresh runs surface RunActiveError.
func (s *RunService) StartRun(ctx context.Context, userID, source string, staleAfter time.Duration) (string, error) {
	if userID == "" {
		return "", NewValidationError("user_id", "required")
	}
	if source == "" {
		return "", NewValidationError("source", "required")
	}

	runID, err := s.tryInsertRun(ctx, userID, source)
	if err == nil {
		return runID, nil
	}
	if !isUniqueViolation(err) {
		return "", err
	}

	// Another row is running. Recover it if its heartbeat went stale.
	var live models.IngestionRun
	err = s.client.GetContext(ctx, &live,
		`SELECT * FROM ingestion_runs WHERE user_id = ? AND source = ? AND status = 'running'`,
		userID, source)
	if errors.Is(err, sql.ErrNoRows) {
		// The blocking run finished between our insert and the lookup.
		return s.tryInsertRun(ctx, userID, source)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load active run: %w", err)
	}

	if time.Since(live.HeartbeatAt) < staleAfter {
		return "", &RunActiveError{RunID: live.ID, HeartbeatAt: live.HeartbeatAt}
	}

	now := time.Now().UTC()
	res, err := s.client.ExecContext(ctx,
		`UPDATE ingestion_runs
		 SET status = 'failed', finished_at = ?,
		     error_summary = 'auto-recovered: heartbeat stale at ' || heartbeat_at
		 WHERE run_id = ? AND status = 'running'`,
		now, live.ID)
	if err != nil {
		return "", fmt.Errorf("failed to recover stale run: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("Recovered stale ingestion run",
			"run_id", live.ID, "user_id", userID, "source", source,
			"heartbeat_at", live.HeartbeatAt)
	}

	return s.tryInsertRun(ctx, userID, source)
}

func (s *RunService) tryInsertRun(ctx context.Context, userID, source string) (string, error) {
	runID := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO ingestion_runs (run_id, user_id, source, status, started_at, heartbeat_at)
		 VALUES (?, ?, ?, 'running', ?, ?)`,
		runID, userID, source, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", err
		}
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return runID, nil
}

// TouchRun updates the heartbeat when the run is still running; a no-op
// otherwise. Called at coarse checkpoints within fetch and dedup stages.
func (s *RunService) TouchRun(ctx context.Context, runID string) error {
	_, err := s.client.ExecContext(ctx,
		`UPDATE ingestion_runs SET heartbeat_at = ? WHERE run_id = ? AND status = 'running'`,
		time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to touch run: %w", err)
	}
	return nil
}

// FinishRun writes the terminal status and counters in one statement.
func (s *RunService) FinishRun(ctx context.Context, runID string, status models.RunStatus, counters models.RunCounters, errorSummary string) error {
	if !status.Terminal() {
		return NewValidationError("status", "must be terminal")
	}
	var summary *string
	if errorSummary != "" {
		summary = &errorSummary
	}
	res, err := s.client.ExecContext(ctx,
		`UPDATE ingestion_runs
		 SET status = ?, finished_at = ?,
		     ingested = ?, updated = ?, skipped = ?,
		     dedup_clusters = ?, dedup_duplicates = ?, gaps_opened = ?,
		     error_summary = ?
		 WHERE run_id = ? AND status = 'running'`,
		status, time.Now().UTC(),
		counters.Ingested, counters.Updated, counters.Skipped,
		counters.DedupClusters, counters.DedupDuplicates, counters.GapsOpened,
		summary, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrInvalidTransition)
	}
	return nil
}

// GetRun loads a single run.
func (s *RunService) GetRun(ctx context.Context, runID string) (*models.IngestionRun, error) {
	var run models.IngestionRun
	err := s.client.GetContext(ctx, &run,
		`SELECT * FROM ingestion_runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListRuns returns a user's runs, most recent first.
func (s *RunService) ListRuns(ctx context.Context, userID string, limit int) ([]models.IngestionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []models.IngestionRun
	err := s.client.SelectContext(ctx, &runs,
		`SELECT * FROM ingestion_runs WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
