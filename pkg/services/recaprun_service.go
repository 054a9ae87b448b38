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
)

// RecapRunService guards the recap pipeline: at most one live pipeline per
// user, with stale-heartbeat auto-recovery mirroring ingestion runs.
type RecapRunService struct {
	client *database.Client
}

// NewRecapRunService creates a new RecapRunService.
func NewRecapRunService(client *database.Client) *RecapRunService {
	return &RecapRunService{client: client}
}

// RecapRun is one activation of the six-step pipeline.
type RecapRun struct {
	ID           string     `db:"recap_run_id" json:"recap_run_id"`
	UserID       string     `db:"user_id" json:"user_id"`
	BusinessDate string     `db:"business_date" json:"business_date"`
	Status       string     `db:"status" json:"status"`
	CurrentStep  string     `db:"current_step" json:"current_step"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	HeartbeatAt  time.Time  `db:"heartbeat_at" json:"heartbeat_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	ErrorSummary *string    `db:"error_summary" json:"error_summary,omitempty"`
}

// StartRecapRun inserts a running pipeline row. A live pipeline older than
// staleAfter is auto-failed first; a fresh one surfaces RunActiveError.
func (s *RecapRunService) StartRecapRun(ctx context.Context, userID, businessDate string, staleAfter time.Duration) (string, error) {
	if userID == "" {
		return "", NewValidationError("user_id", "required")
	}

	id, err := s.tryInsert(ctx, userID, businessDate)
	if err == nil {
		return id, nil
	}
	if !isUniqueViolation(err) {
		return "", err
	}

	var live RecapRun
	err = s.client.GetContext(ctx, &live,
		`SELECT * FROM recap_runs WHERE user_id = ? AND status = 'running'`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.tryInsert(ctx, userID, businessDate)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load live recap run: %w", err)
	}

	if time.Since(live.HeartbeatAt) < staleAfter {
		return "", &RunActiveError{RunID: live.ID, HeartbeatAt: live.HeartbeatAt}
	}

	_, err = s.client.ExecContext(ctx,
		`UPDATE recap_runs
		 SET status = 'failed', finished_at = ?,
		     error_summary = 'auto-recovered: heartbeat stale at ' || heartbeat_at
		 WHERE recap_run_id = ? AND status = 'running'`,
		time.Now().UTC(), live.ID)
	if err != nil {
		return "", fmt.Errorf("failed to recover stale recap run: %w", err)
	}
	slog.Warn("Recovered stale recap run", "recap_run_id", live.ID, "user_id", userID)

	return s.tryInsert(ctx, userID, businessDate)
}

func (s *RecapRunService) tryInsert(ctx context.Context, userID, businessDate string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO recap_runs (recap_run_id, user_id, business_date, status, started_at, heartbeat_at)
		 VALUES (?, ?, ?, 'running', ?, ?)`,
		id, userID, businessDate, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", err
		}
		return "", fmt.Errorf("failed to insert recap run: %w", err)
	}
	return id, nil
}

// SetStep records the current pipeline step and refreshes the heartbeat.
func (s *RecapRunService) SetStep(ctx context.Context, recapRunID, step string) error {
	_, err := s.client.ExecContext(ctx,
		`UPDATE recap_runs SET current_step = ?, heartbeat_at = ?
		 WHERE recap_run_id = ? AND status = 'running'`,
		step, time.Now().UTC(), recapRunID)
	if err != nil {
		return fmt.Errorf("failed to set recap step: %w", err)
	}
	return nil
}

// Touch refreshes the heartbeat while the pipeline is running.
func (s *RecapRunService) Touch(ctx context.Context, recapRunID string) error {
	_, err := s.client.ExecContext(ctx,
		`UPDATE recap_runs SET heartbeat_at = ? WHERE recap_run_id = ? AND status = 'running'`,
		time.Now().UTC(), recapRunID)
	if err != nil {
		return fmt.Errorf("failed to touch recap run: %w", err)
	}
	return nil
}

// Finish writes the terminal pipeline status.
func (s *RecapRunService) Finish(ctx context.Context, recapRunID, status, errorSummary string) error {
	res, err := s.client.ExecContext(ctx,
		`UPDATE recap_runs SET status = ?, finished_at = ?, error_summary = ?
		 WHERE recap_run_id = ? AND status = 'running'`,
		status, time.Now().UTC(), nullIfEmpty(errorSummary), recapRunID)
	if err != nil {
		return fmt.Errorf("failed to finish recap run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish recap run %s: %w", recapRunID, ErrInvalidTransition)
	}
	return nil
}

// GetRecapRun loads one pipeline run.
func (s *RecapRunService) GetRecapRun(ctx context.Context, recapRunID string) (*RecapRun, error) {
	var run RecapRun
	err := s.client.GetContext(ctx, &run,
		`SELECT * FROM recap_runs WHERE recap_run_id = ?`, recapRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recap run: %w", err)
	}
	return &run, nil
}
