package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recapd/recapd/pkg/database"
	"github.com/recapd/recapd/pkg/models"
)

// GapService manages ingestion gaps: retryable failure windows recorded
// during a run and used as backfill seeds by the next one.
type GapService struct {
	client *database.Client
}

// NewGapService creates a new GapService.
func NewGapService(client *database.Client) *GapService {
	return &GapService{client: client}
}

// OpenGapRequest describes the unread window left behind by a temporary
// source error.
type OpenGapRequest struct {
	UserID     string
	Source     string
	FromCursor *string
	ToCursor   *string
	ErrorCode  string
	RetryAfter *time.Time
}

// OpenGap records a new open gap.
func (s *GapService) OpenGap(ctx context.Context, req OpenGapRequest) (string, error) {
	if req.UserID == "" {
		return "", NewValidationError("user_id", "required")
	}
	if req.ErrorCode == "" {
		return "", NewValidationError("error_code", "required")
	}
	gapID := uuid.New().String()
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO ingestion_gaps
		   (gap_id, user_id, source, from_cursor, to_cursor, error_code, retry_after, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'open', ?)`,
		gapID, req.UserID, req.Source, req.FromCursor, req.ToCursor,
		req.ErrorCode, req.RetryAfter, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to open gap: %w", err)
	}
	return gapID, nil
}

// ResolveGap marks an open gap resolved. Resolving an already-resolved gap
// is a no-op.
func (s *GapService) ResolveGap(ctx context.Context, gapID string) error {
	_, err := s.client.ExecContext(ctx,
		`UPDATE ingestion_gaps SET status = 'resolved', resolved_at = ?
		 WHERE gap_id = ? AND status = 'open'`,
		time.Now().UTC(), gapID)
	if err != nil {
		return fmt.Errorf("failed to resolve gap: %w", err)
	}
	return nil
}

// ListOpenGaps returns open gaps for (user, source) whose retry_after has
// passed, oldest first, capped at limit.
func (s *GapService) ListOpenGaps(ctx context.Context, userID, source string, limit int) ([]models.IngestionGap, error) {
	if limit <= 0 {
		limit = 20
	}
	var gaps []models.IngestionGap
	err := s.client.SelectContext(ctx, &gaps,
		`SELECT * FROM ingestion_gaps
		 WHERE user_id = ? AND source = ? AND status = 'open'
		   AND (retry_after IS NULL OR retry_after <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		userID, source, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open gaps: %w", err)
	}
	return gaps, nil
}

// GetGap loads one gap.
func (s *GapService) GetGap(ctx context.Context, gapID string) (*models.IngestionGap, error) {
	var gap models.IngestionGap
	err := s.client.GetContext(ctx, &gap,
		`SELECT * FROM ingestion_gaps WHERE gap_id = ?`, gapID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gap: %w", err)
	}
	return &gap, nil
}

// ExpireGaps transitions open gaps created before the cutoff to expired.
// Returns the number of gaps expired.
func (s *GapService) ExpireGaps(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.client.ExecContext(ctx,
		`UPDATE ingestion_gaps SET status = 'expired'
		 WHERE status = 'open' AND created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire gaps: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
