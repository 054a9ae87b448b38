package workdir

import "fmt"

// Contract versions. Loaders accept all three: 1 is the base layout, 2 adds
// optional context file paths, 3 adds a resources dir and an output schema
// hint.
const (
	ContractV1 = 1
	ContractV2 = 2
	ContractV3 = 3
)

// Manifest is meta/task_manifest.json: the single file an agent needs to
// locate every other path in the task directory.
type Manifest struct {
	ContractVersion int    `json:"contract_version"`
	TaskID          string `json:"task_id"`
	TaskType        string `json:"task_type"`
	WorkdirRoot     string `json:"workdir_root"`

	TaskInputPath     string `json:"task_input_path"`
	ArticlesIndexPath string `json:"articles_index_path"`
	PromptPath        string `json:"prompt_path"`
	ResultPath        string `json:"result_path"`
	StdoutLogPath     string `json:"stdout_log_path"`
	StderrLogPath     string `json:"stderr_log_path"`

	// v2 optional context files.
	ContinuitySummaryPath string `json:"continuity_summary_path,omitempty"`
	RetrievalContextPath  string `json:"retrieval_context_path,omitempty"`
	StoryContextPath      string `json:"story_context_path,omitempty"`

	// v3 extras.
	ResourcesDir     string `json:"resources_dir,omitempty"`
	ResultsDir       string `json:"results_dir,omitempty"`
	OutputSchemaHint string `json:"output_schema_hint,omitempty"`
}

// Validate checks the fields every contract version requires.
func (m *Manifest) Validate() error {
	switch m.ContractVersion {
	case ContractV1, ContractV2, ContractV3:
	default:
		return fmt.Errorf("manifest: unsupported contract_version %d", m.ContractVersion)
	}
	if m.TaskID == "" {
		return fmt.Errorf("manifest: task_id is required")
	}
	if m.TaskType == "" {
		return fmt.Errorf("manifest: task_type is required")
	}
	for name, p := range map[string]string{
		"task_input_path":     m.TaskInputPath,
		"articles_index_path": m.ArticlesIndexPath,
		"prompt_path":         m.PromptPath,
		"result_path":         m.ResultPath,
		"stdout_log_path":     m.StdoutLogPath,
		"stderr_log_path":     m.StderrLogPath,
	} {
		if p == "" {
			return fmt.Errorf("manifest: %s is required", name)
		}
	}
	return nil
}

// LoadManifest reads and validates a manifest of any supported version.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if err := readJSON(path, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveManifest validates and writes the manifest.
func SaveManifest(path string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return writeJSON(path, m)
}
