package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/models"
)

func testRoutingDefaults() *RoutingDefaults {
	return &RoutingDefaults{
		DefaultAgent: models.AgentClaude,
		TaskTypeProfileMap: map[string]models.ModelProfile{
			models.TaskTypeHighlights: models.ProfileQuality,
		},
		CommandTemplates: map[models.AgentName]string{
			models.AgentClaude: "claude --model {model} --print {prompt}",
			models.AgentCodex:  "codex exec --model {model} {prompt}",
		},
		Models: map[models.AgentName]map[models.ModelProfile]string{
			models.AgentClaude: {models.ProfileFast: "claude-haiku", models.ProfileQuality: "claude-sonnet"},
			models.AgentCodex:  {models.ProfileQuality: "gpt-5"},
		},
	}
}

func TestResolveDefaults(t *testing.T) {
	d := testRoutingDefaults()

	frozen, err := d.Resolve(models.TaskTypeHighlights, RoutingOverrides{}, "enqueue")
	require.NoError(t, err)
	assert.Equal(t, models.AgentClaude, frozen.Agent)
	assert.Equal(t, models.ProfileQuality, frozen.Profile)
	assert.Equal(t, "claude-sonnet", frozen.Model)
	assert.Equal(t, "claude --model {model} --print {prompt}", frozen.CommandTemplate)
	assert.Equal(t, "enqueue", frozen.ResolvedBy)
	assert.Equal(t, models.RoutingSchemaVersion, frozen.SchemaVersion)
}

func TestResolveUnknownTaskTypeGetsFastProfile(t *testing.T) {
	d := testRoutingDefaults()
	frozen, err := d.Resolve("qa_answer", RoutingOverrides{}, "enqueue")
	require.NoError(t, err)
	assert.Equal(t, models.ProfileFast, frozen.Profile)
	assert.Equal(t, "claude-haiku", frozen.Model)
}

func TestResolveOverrides(t *testing.T) {
	d := testRoutingDefaults()
	frozen, err := d.Resolve(models.TaskTypeHighlights, RoutingOverrides{
		Agent:   models.AgentCodex,
		Profile: models.ProfileQuality,
	}, "enqueue")
	require.NoError(t, err)
	assert.Equal(t, models.AgentCodex, frozen.Agent)
	assert.Equal(t, "gpt-5", frozen.Model)
}

func TestResolveErrors(t *testing.T) {
	d := testRoutingDefaults()

	_, err := d.Resolve("x", RoutingOverrides{Agent: "llamafile"}, "enqueue")
	assert.ErrorContains(t, err, "unknown agent")

	_, err = d.Resolve("x", RoutingOverrides{Profile: "turbo"}, "enqueue")
	assert.ErrorContains(t, err, "unknown profile")

	// Codex has no fast model configured.
	_, err = d.Resolve("x", RoutingOverrides{Agent: models.AgentCodex}, "enqueue")
	assert.ErrorContains(t, err, "no model")

	// Gemini has no command template configured.
	d.Models[models.AgentGemini] = map[models.ModelProfile]string{models.ProfileFast: "gemini-2.5-flash"}
	_, err = d.Resolve("x", RoutingOverrides{Agent: models.AgentGemini}, "enqueue")
	assert.ErrorContains(t, err, "no command template")
}
