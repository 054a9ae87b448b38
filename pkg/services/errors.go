// Package services provides the transactional repository layer over the
// SQLite store: runs, gaps, articles, embeddings, clusters, feed state,
// tasks, outputs, and citation snapshots.
package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition is returned when a status CAS finds the row in an
	// unexpected state. The caller must not retry blindly; terminal states
	// are absorbing.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RunActiveError is returned by StartRun when another run is live and its
// heartbeat is fresh enough to rule out auto-recovery.
type RunActiveError struct {
	RunID       string
	HeartbeatAt time.Time
}

func (e *RunActiveError) Error() string {
	return fmt.Sprintf("run %s already active (heartbeat %s)",
		e.RunID, e.HeartbeatAt.Format(time.RFC3339))
}

// AliasCollisionError is returned when an external-ID alias already points
// at a different article than the upsert resolved to.
type AliasCollisionError struct {
	SourceName string
	ExternalID string
	ExistingID string
	WantedID   string
}

func (e *AliasCollisionError) Error() string {
	return fmt.Sprintf("alias (%s, %s) already bound to article %s, not %s",
		e.SourceName, e.ExternalID, e.ExistingID, e.WantedID)
}

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
