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

// OutputService manages business-level generated outputs, their blocks, and
// engagement events.
type OutputService struct {
	client *database.Client
}

// NewOutputService creates a new OutputService.
func NewOutputService(client *database.Client) *OutputService {
	return &OutputService{client: client}
}

// OutputIdentity captures the per-kind identity rules:
// highlights (kind, date); story_details (+story); monitor_answer (+monitor);
// qa_answer (+request).
type OutputIdentity struct {
	UserID       string
	Kind         models.OutputKind
	BusinessDate string
	RequestID    *string
	MonitorID    *string
	StoryID      *string
}

func (id *OutputIdentity) validate() error {
	if id.UserID == "" {
		return NewValidationError("user_id", "required")
	}
	if id.BusinessDate == "" {
		return NewValidationError("business_date", "required")
	}
	switch id.Kind {
	case models.OutputKindHighlights:
	case models.OutputKindStoryDetails:
		if id.StoryID == nil || *id.StoryID == "" {
			return NewValidationError("story_id", "required for story_details")
		}
	case models.OutputKindMonitorAnswer:
		if id.MonitorID == nil || *id.MonitorID == "" {
			return NewValidationError("monitor_id", "required for monitor_answer")
		}
	case models.OutputKindQAAnswer:
		if id.RequestID == nil || *id.RequestID == "" {
			return NewValidationError("request_id", "required for qa_answer")
		}
	default:
		return NewValidationError("kind", "unknown output kind")
	}
	return nil
}

// SaveOutputRequest carries an output and its ordered blocks.
type SaveOutputRequest struct {
	Identity OutputIdentity
	TaskID   *string
	Title    string
	Blocks   []models.UserOutputBlock
}

// SaveOutput upserts the output by identity and atomically replaces its
// blocks. Re-generation for the same identity overwrites prior content.
func (s *OutputService) SaveOutput(ctx context.Context, req SaveOutputRequest) (*models.UserOutput, error) {
	if err := req.Identity.validate(); err != nil {
		return nil, err
	}

	tx, err := s.client.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := req.Identity
	now := time.Now().UTC()

	existing, err := s.findByIdentity(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var outputID string
	if existing != nil {
		outputID = existing.ID
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_outputs SET task_id = ?, title = ?, updated_at = ? WHERE output_id = ?`,
			req.TaskID, req.Title, now, outputID); err != nil {
			return nil, fmt.Errorf("failed to update output: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM user_output_blocks WHERE output_id = ?`, outputID); err != nil {
			return nil, fmt.Errorf("failed to clear output blocks: %w", err)
		}
	} else {
		outputID = uuid.New().String()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_outputs
			   (output_id, user_id, kind, business_date, request_id, monitor_id, story_id, task_id, title, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			outputID, id.UserID, id.Kind, id.BusinessDate,
			id.RequestID, id.MonitorID, id.StoryID, req.TaskID, req.Title, now, now); err != nil {
			return nil, fmt.Errorf("failed to insert output: %w", err)
		}
	}

	for i, block := range req.Blocks {
		blockID := block.ID
		if blockID == "" {
			blockID = uuid.New().String()
		}
		sourceIDs := block.SourceIDs
		if sourceIDs == "" {
			sourceIDs = "[]"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_output_blocks (block_id, output_id, position, text, source_ids)
			 VALUES (?, ?, ?, ?, ?)`,
			blockID, outputID, i, block.Text, sourceIDs); err != nil {
			return nil, fmt.Errorf("failed to insert block %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit output: %w", err)
	}
	return s.GetOutput(ctx, outputID)
}

// GetOutput loads an output with its blocks in position order.
func (s *OutputService) GetOutput(ctx context.Context, outputID string) (*models.UserOutput, error) {
	var out models.UserOutput
	err := s.client.GetContext(ctx, &out,
		`SELECT * FROM user_outputs WHERE output_id = ?`, outputID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get output: %w", err)
	}
	if err := s.client.SelectContext(ctx, &out.Blocks,
		`SELECT * FROM user_output_blocks WHERE output_id = ? ORDER BY position ASC`, outputID); err != nil {
		return nil, fmt.Errorf("failed to load output blocks: %w", err)
	}
	return &out, nil
}

// GetOutputByIdentity loads an output via its identity rules.
func (s *OutputService) GetOutputByIdentity(ctx context.Context, id OutputIdentity) (*models.UserOutput, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	out, err := s.findByIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.GetOutput(ctx, out.ID)
}

func (s *OutputService) findByIdentity(ctx context.Context, id OutputIdentity) (*models.UserOutput, error) {
	query := `SELECT * FROM user_outputs WHERE user_id = ? AND kind = ? AND business_date = ?`
	args := []any{id.UserID, id.Kind, id.BusinessDate}
	switch id.Kind {
	case models.OutputKindStoryDetails:
		query += ` AND story_id = ?`
		args = append(args, *id.StoryID)
	case models.OutputKindMonitorAnswer:
		query += ` AND monitor_id = ?`
		args = append(args, *id.MonitorID)
	case models.OutputKindQAAnswer:
		query += ` AND request_id = ?`
		args = append(args, *id.RequestID)
	}

	var out models.UserOutput
	err := s.client.GetContext(ctx, &out, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find output: %w", err)
	}
	return &out, nil
}

// RecordReadState records a read event for an output or one of its blocks.
// A block reference must belong to the referenced output.
func (s *OutputService) RecordReadState(ctx context.Context, userID, outputID string, blockID *string, state string) error {
	if state == "" {
		return NewValidationError("state", "required")
	}
	if err := s.checkBlockBelongs(ctx, outputID, blockID); err != nil {
		return err
	}
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO read_state_events (user_id, output_id, block_id, state) VALUES (?, ?, ?, ?)`,
		userID, outputID, blockID, state)
	if err != nil {
		return fmt.Errorf("failed to record read state: %w", err)
	}
	return nil
}

// RecordFeedback records a rating for an output or one of its blocks.
func (s *OutputService) RecordFeedback(ctx context.Context, userID, outputID string, blockID *string, rating int, comment string) error {
	if rating < -1 || rating > 1 {
		return NewValidationError("rating", "must be -1, 0, or 1")
	}
	if err := s.checkBlockBelongs(ctx, outputID, blockID); err != nil {
		return err
	}
	_, err := s.client.ExecContext(ctx,
		`INSERT INTO output_feedback (user_id, output_id, block_id, rating, comment) VALUES (?, ?, ?, ?, ?)`,
		userID, outputID, blockID, rating, nullIfEmpty(comment))
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	return nil
}

func (s *OutputService) checkBlockBelongs(ctx context.Context, outputID string, blockID *string) error {
	if blockID == nil {
		return nil
	}
	var owner string
	err := s.client.GetContext(ctx, &owner,
		`SELECT output_id FROM user_output_blocks WHERE block_id = ?`, *blockID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check block ownership: %w", err)
	}
	if owner != outputID {
		return NewValidationError("block_id", "block does not belong to output")
	}
	return nil
}
