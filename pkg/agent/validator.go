package agent

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/recapd/recapd/pkg/models"
)

// OutputBlock is one block of a business task result.
type OutputBlock struct {
	Text      string   `json:"text"`
	SourceIDs []string `json:"source_ids"`
}

// BusinessOutput is the default agent_result.json shape for business tasks.
type BusinessOutput struct {
	Blocks []OutputBlock `json:"blocks"`
}

// ValidationFailure distinguishes shape errors from source-mapping errors.
// Both are repair-eligible once per attempt.
type ValidationFailure struct {
	Class  models.FailureClass
	Reason string
}

func (f *ValidationFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Class, f.Reason)
}

// ValidatedOutput is a successfully validated agent result.
type ValidatedOutput struct {
	// Business is set for non-recap task types.
	Business *BusinessOutput
	// Raw is the full result payload.
	Raw json.RawMessage
}

// recapResultKeys maps each recap task type to the top-level key its result
// must carry. Strict source mapping is not enforced for the recap family.
var recapResultKeys = map[string]string{
	models.TaskTypeRecapClassify:   "articles",
	models.TaskTypeRecapEnrich:     "enriched",
	models.TaskTypeRecapGroup:      "events",
	models.TaskTypeRecapEnrichFull: "enriched",
	models.TaskTypeRecapSynthesize: "status",
	models.TaskTypeRecapCompose:    "theme_blocks",
}

// ValidateOutput checks the agent result at resultPath against the task
// type's contract. allowedSourceIDs comes from the articles index and bounds
// business-task citations.
func ValidateOutput(taskType, resultPath string, allowedSourceIDs map[string]bool) (*ValidatedOutput, *ValidationFailure) {
	data, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, &ValidationFailure{
			Class:  models.FailureOutputInvalidJSON,
			Reason: fmt.Sprintf("missing output file: %v", err),
		}
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, &ValidationFailure{
			Class:  models.FailureOutputInvalidJSON,
			Reason: fmt.Sprintf("output is not a JSON object: %v", err),
		}
	}

	if key, ok := recapResultKeys[taskType]; ok {
		if _, present := generic[key]; !present {
			return nil, &ValidationFailure{
				Class:  models.FailureOutputInvalidJSON,
				Reason: fmt.Sprintf("missing top-level key %q for %s", key, taskType),
			}
		}
		return &ValidatedOutput{Raw: data}, nil
	}

	return validateBusiness(data, allowedSourceIDs)
}

func validateBusiness(data []byte, allowed map[string]bool) (*ValidatedOutput, *ValidationFailure) {
	var out BusinessOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &ValidationFailure{
			Class:  models.FailureOutputInvalidJSON,
			Reason: fmt.Sprintf("blocks shape: %v", err),
		}
	}
	if len(out.Blocks) == 0 {
		return nil, &ValidationFailure{
			Class:  models.FailureOutputInvalidJSON,
			Reason: "blocks is empty",
		}
	}
	for i, block := range out.Blocks {
		if block.Text == "" {
			return nil, &ValidationFailure{
				Class:  models.FailureOutputInvalidJSON,
				Reason: fmt.Sprintf("block %d has empty text", i),
			}
		}
		if len(block.SourceIDs) == 0 {
			return nil, &ValidationFailure{
				Class:  models.FailureSourceMapping,
				Reason: fmt.Sprintf("block %d has no source_ids", i),
			}
		}
		for _, sid := range block.SourceIDs {
			if !allowed[sid] {
				return nil, &ValidationFailure{
					Class:  models.FailureSourceMapping,
					Reason: fmt.Sprintf("block %d cites unknown source %q", i, sid),
				}
			}
		}
	}
	return &ValidatedOutput{Business: &out, Raw: data}, nil
}

// CitationOrder returns the distinct source IDs cited by the output in block
// order, first appearance wins.
func (v *ValidatedOutput) CitationOrder() []string {
	if v.Business == nil {
		return nil
	}
	seen := make(map[string]bool)
	var order []string
	for _, block := range v.Business.Blocks {
		for _, sid := range block.SourceIDs {
			if !seen[sid] {
				seen[sid] = true
				order = append(order, sid)
			}
		}
	}
	return order
}
