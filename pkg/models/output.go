package models

import "time"

// OutputKind is the business-level artifact kind.
type OutputKind string

// Output kinds and their identity rules:
//   - highlights:     (kind, business_date)
//   - story_details:  (kind, business_date, story_id)
//   - monitor_answer: (kind, business_date, monitor_id)
//   - qa_answer:      (kind, business_date, request_id)
const (
	OutputKindHighlights    OutputKind = "highlights"
	OutputKindStoryDetails  OutputKind = "story_details"
	OutputKindMonitorAnswer OutputKind = "monitor_answer"
	OutputKindQAAnswer      OutputKind = "qa_answer"
)

// UserOutput is a generated business artifact with ordered blocks.
type UserOutput struct {
	ID           string     `db:"output_id" json:"output_id"`
	UserID       string     `db:"user_id" json:"user_id"`
	Kind         OutputKind `db:"kind" json:"kind"`
	BusinessDate string     `db:"business_date" json:"business_date"`
	RequestID    *string    `db:"request_id" json:"request_id,omitempty"`
	MonitorID    *string    `db:"monitor_id" json:"monitor_id,omitempty"`
	StoryID      *string    `db:"story_id" json:"story_id,omitempty"`
	TaskID       *string    `db:"task_id" json:"task_id,omitempty"`
	Title        string     `db:"title" json:"title"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`

	Blocks []UserOutputBlock `json:"blocks,omitempty"`
}

// UserOutputBlock is one ordered block of an output, carrying the source IDs
// it cites.
type UserOutputBlock struct {
	ID        string `db:"block_id" json:"block_id"`
	OutputID  string `db:"output_id" json:"output_id"`
	Position  int    `db:"position" json:"position"`
	Text      string `db:"text" json:"text"`
	SourceIDs string `db:"source_ids" json:"source_ids"` // JSON array of source IDs
}

// ReadStateEvent records that a user read an output or a specific block.
type ReadStateEvent struct {
	ID        int64     `db:"event_id" json:"event_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	OutputID  string    `db:"output_id" json:"output_id"`
	BlockID   *string   `db:"block_id" json:"block_id,omitempty"`
	State     string    `db:"state" json:"state"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// OutputFeedback records a user's rating of an output or block.
type OutputFeedback struct {
	ID        int64     `db:"feedback_id" json:"feedback_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	OutputID  string    `db:"output_id" json:"output_id"`
	BlockID   *string   `db:"block_id" json:"block_id,omitempty"`
	Rating    int       `db:"rating" json:"rating"`
	Comment   *string   `db:"comment" json:"comment,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// User is the root of access scoping; all per-user rows cascade-delete with it.
type User struct {
	ID          string    `db:"user_id" json:"user_id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
