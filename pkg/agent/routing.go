// Package agent executes LLM work by spawning CLI agent subprocesses and
// turning their exits, logs, and JSON outputs into classified results.
package agent

import (
	"fmt"
	"time"

	"github.com/recapd/recapd/pkg/models"
)

// RoutingDefaults maps task types to (agent, profile, model, command
// template). Resolution happens at enqueue time and freezes into the task
// input; a worker recomputes only when the frozen record is invalid.
type RoutingDefaults struct {
	DefaultAgent       models.AgentName                                    `yaml:"default_agent" json:"default_agent"`
	TaskTypeProfileMap map[string]models.ModelProfile                      `yaml:"task_type_profiles" json:"task_type_profiles"`
	CommandTemplates   map[models.AgentName]string                         `yaml:"command_templates" json:"command_templates"`
	Models             map[models.AgentName]map[models.ModelProfile]string `yaml:"models" json:"models"`
}

// RoutingOverrides optionally pins agent or profile for one enqueue call.
type RoutingOverrides struct {
	Agent   models.AgentName
	Profile models.ModelProfile
}

// Resolve builds a frozen routing record for a task type.
func (d *RoutingDefaults) Resolve(taskType string, overrides RoutingOverrides, resolvedBy string) (*models.FrozenRouting, error) {
	agent := d.DefaultAgent
	if overrides.Agent != "" {
		agent = overrides.Agent
	}
	if !agent.Valid() {
		return nil, fmt.Errorf("routing: unknown agent %q", agent)
	}

	profile := models.ProfileFast
	if p, ok := d.TaskTypeProfileMap[taskType]; ok {
		profile = p
	}
	if overrides.Profile != "" {
		profile = overrides.Profile
	}
	if !profile.Valid() {
		return nil, fmt.Errorf("routing: unknown profile %q", profile)
	}

	model := d.Models[agent][profile]
	if model == "" {
		return nil, fmt.Errorf("routing: no model for agent %s profile %s", agent, profile)
	}
	template := d.CommandTemplates[agent]
	if template == "" {
		return nil, fmt.Errorf("routing: no command template for agent %s", agent)
	}

	return &models.FrozenRouting{
		SchemaVersion:   models.RoutingSchemaVersion,
		Agent:           agent,
		Profile:         profile,
		Model:           model,
		CommandTemplate: template,
		ResolvedAt:      time.Now().UTC(),
		ResolvedBy:      resolvedBy,
	}, nil
}
