package models

import "time"

// AgentName identifies a supported CLI agent.
type AgentName string

// Supported agents.
const (
	AgentClaude AgentName = "claude"
	AgentCodex  AgentName = "codex"
	AgentGemini AgentName = "gemini"
)

// Valid reports whether the agent is one of the supported CLIs.
func (a AgentName) Valid() bool {
	return a == AgentClaude || a == AgentCodex || a == AgentGemini
}

// ModelProfile selects between the fast and quality model tier of an agent.
type ModelProfile string

// Model profiles.
const (
	ProfileFast    ModelProfile = "fast"
	ProfileQuality ModelProfile = "quality"
)

// Valid reports whether the profile is known.
func (p ModelProfile) Valid() bool {
	return p == ProfileFast || p == ProfileQuality
}

// RoutingSchemaVersion is the current frozen-routing schema version.
const RoutingSchemaVersion = 1

// Routing resolvers.
const (
	RoutingResolvedByEnqueue        = "enqueue"
	RoutingResolvedByWorkerFallback = "worker_fallback"
)

// FrozenRouting is the (agent, profile, model, command template) resolved at
// enqueue time and embedded in task_input.metadata.routing. Workers use it
// verbatim when valid and recompute defaults otherwise.
type FrozenRouting struct {
	SchemaVersion   int          `json:"schema_version"`
	Agent           AgentName    `json:"agent"`
	Profile         ModelProfile `json:"profile"`
	Model           string       `json:"model"`
	CommandTemplate string       `json:"command_template"`
	ResolvedAt      time.Time    `json:"resolved_at"`
	ResolvedBy      string       `json:"resolved_by"`
}

// Valid reports whether the frozen routing can be used as-is by a worker.
func (r *FrozenRouting) Valid() bool {
	if r == nil {
		return false
	}
	return r.SchemaVersion == RoutingSchemaVersion &&
		r.Agent.Valid() &&
		r.Profile.Valid() &&
		r.Model != "" &&
		r.CommandTemplate != ""
}
