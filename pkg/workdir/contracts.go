// Package workdir materializes the per-task file contract: a deterministic
// directory tree holding the manifest, task input, articles index, and the
// agent's output files.
package workdir

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/recapd/recapd/pkg/models"
)

// TaskInput is input/task_input.json: the prompt plus metadata, including
// the frozen routing resolved at enqueue time.
type TaskInput struct {
	TaskType string       `json:"task_type"`
	Prompt   string       `json:"prompt"`
	Metadata TaskMetadata `json:"metadata"`
}

// TaskMetadata carries routing and free-form extras.
type TaskMetadata struct {
	Routing *models.FrozenRouting `json:"routing,omitempty"`
	Extra   map[string]any        `json:"extra,omitempty"`
}

// Validate checks the input contract fields a worker relies on.
func (t *TaskInput) Validate() error {
	if t.TaskType == "" {
		return fmt.Errorf("task_input: task_type is required")
	}
	if t.Prompt == "" {
		return fmt.Errorf("task_input: prompt is required")
	}
	return nil
}

// ArticleIndexEntry is one citable source in input/articles_index.json.
// SourceID has the form "article:<uuid>".
type ArticleIndexEntry struct {
	SourceID    string     `json:"source_id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Source      *string    `json:"source,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// ArticlesIndex is input/articles_index.json.
type ArticlesIndex struct {
	Articles []ArticleIndexEntry `json:"articles"`
}

// Validate checks every entry carries a non-empty source_id.
func (a *ArticlesIndex) Validate() error {
	for i, e := range a.Articles {
		if e.SourceID == "" {
			return fmt.Errorf("articles_index: entry %d has empty source_id", i)
		}
	}
	return nil
}

// AllowedSourceIDs returns the set of source IDs task output may cite.
func (a *ArticlesIndex) AllowedSourceIDs() map[string]bool {
	out := make(map[string]bool, len(a.Articles))
	for _, e := range a.Articles {
		out[e.SourceID] = true
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// ReadTaskInput loads and validates input/task_input.json.
func ReadTaskInput(path string) (*TaskInput, error) {
	var in TaskInput
	if err := readJSON(path, &in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

// ReadArticlesIndex loads and validates input/articles_index.json.
func ReadArticlesIndex(path string) (*ArticlesIndex, error) {
	var idx ArticlesIndex
	if err := readJSON(path, &idx); err != nil {
		return nil, err
	}
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	return &idx, nil
}
