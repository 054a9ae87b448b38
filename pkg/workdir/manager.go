package workdir

import (
	"fmt"
	"os"
	"path/filepath"
)

// Manager creates per-task directories under a fixed root.
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the workdir root directory.
func (m *Manager) Root() string { return m.root }

// CreateOptions selects the contract version and optional extras.
type CreateOptions struct {
	ContractVersion int

	// v2 context payloads, written when non-nil.
	ContinuitySummary any
	RetrievalContext  any
	StoryContext      any

	// v3 extras.
	WithResourcesDir bool
	WithResultsDir   bool
	OutputSchemaHint string
}

// Created describes a materialized task directory.
type Created struct {
	Dir          string
	ManifestPath string
	Manifest     *Manifest
}

// Create materializes <root>/<taskID>/ with the input contract files and a
// manifest. The prompt file itself is written by the backend at run time.
func (m *Manager) Create(taskID string, input *TaskInput, index *ArticlesIndex, opts CreateOptions) (*Created, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if index == nil {
		index = &ArticlesIndex{Articles: []ArticleIndexEntry{}}
	}
	if err := index.Validate(); err != nil {
		return nil, err
	}
	version := opts.ContractVersion
	if version == 0 {
		version = ContractV1
	}

	dir := filepath.Join(m.root, taskID)
	inputDir := filepath.Join(dir, "input")
	outputDir := filepath.Join(dir, "output")
	metaDir := filepath.Join(dir, "meta")
	for _, d := range []string{inputDir, outputDir, metaDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}

	manifest := &Manifest{
		ContractVersion:   version,
		TaskID:            taskID,
		TaskType:          input.TaskType,
		WorkdirRoot:       dir,
		TaskInputPath:     filepath.Join(inputDir, "task_input.json"),
		ArticlesIndexPath: filepath.Join(inputDir, "articles_index.json"),
		PromptPath:        filepath.Join(inputDir, "task_prompt.txt"),
		ResultPath:        filepath.Join(outputDir, "agent_result.json"),
		StdoutLogPath:     filepath.Join(outputDir, "agent_stdout.log"),
		StderrLogPath:     filepath.Join(outputDir, "agent_stderr.log"),
	}

	if version >= ContractV2 {
		if opts.ContinuitySummary != nil {
			p := filepath.Join(inputDir, "continuity_summary.json")
			if err := writeJSON(p, opts.ContinuitySummary); err != nil {
				return nil, err
			}
			manifest.ContinuitySummaryPath = p
		}
		if opts.RetrievalContext != nil {
			p := filepath.Join(inputDir, "retrieval_context.json")
			if err := writeJSON(p, opts.RetrievalContext); err != nil {
				return nil, err
			}
			manifest.RetrievalContextPath = p
		}
		if opts.StoryContext != nil {
			p := filepath.Join(inputDir, "story_context.json")
			if err := writeJSON(p, opts.StoryContext); err != nil {
				return nil, err
			}
			manifest.StoryContextPath = p
		}
	}

	if version >= ContractV3 {
		if opts.WithResourcesDir {
			p := filepath.Join(inputDir, "resources")
			if err := os.MkdirAll(p, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create resources dir: %w", err)
			}
			manifest.ResourcesDir = p
		}
		if opts.WithResultsDir {
			p := filepath.Join(outputDir, "results")
			if err := os.MkdirAll(p, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create results dir: %w", err)
			}
			manifest.ResultsDir = p
		}
		manifest.OutputSchemaHint = opts.OutputSchemaHint
	}

	if err := writeJSON(manifest.TaskInputPath, input); err != nil {
		return nil, err
	}
	if err := writeJSON(manifest.ArticlesIndexPath, index); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(metaDir, "task_manifest.json")
	if err := SaveManifest(manifestPath, manifest); err != nil {
		return nil, err
	}

	return &Created{Dir: dir, ManifestPath: manifestPath, Manifest: manifest}, nil
}

// Remove deletes a task directory. Used by cleanup after retention expiry.
func (m *Manager) Remove(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("workdir: empty task id")
	}
	return os.RemoveAll(filepath.Join(m.root, taskID))
}
