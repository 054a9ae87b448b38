package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStdout(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stdout.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractUsageParsed(t *testing.T) {
	path := writeStdout(t, `starting up
{"usage":{"input_tokens":1000,"output_tokens":250}}
done
`)
	u := ExtractUsage(path, "claude-sonnet", "prompt")
	assert.Equal(t, "parsed", u.Source)
	require.NotNil(t, u.InputTokens)
	require.NotNil(t, u.OutputTokens)
	assert.Equal(t, int64(1000), *u.InputTokens)
	assert.Equal(t, int64(250), *u.OutputTokens)
	require.NotNil(t, u.CostUSD)
	assert.InDelta(t, 1000.0/1e6*3.00+250.0/1e6*15.00, *u.CostUSD, 1e-9)
}

func TestExtractUsageLastLineWins(t *testing.T) {
	path := writeStdout(t, `{"input_tokens":10,"output_tokens":5}
{"input_tokens":20,"output_tokens":8}
`)
	u := ExtractUsage(path, "gpt-5", "p")
	assert.Equal(t, "parsed", u.Source)
	assert.Equal(t, int64(20), *u.InputTokens)
	assert.Equal(t, int64(8), *u.OutputTokens)
}

func TestExtractUsageEstimated(t *testing.T) {
	path := writeStdout(t, "plain text output with no usage lines")
	prompt := "a prompt that is forty characters longer..."

	u := ExtractUsage(path, "claude-haiku", prompt)
	assert.Equal(t, "estimated", u.Source)
	assert.Equal(t, int64(len(prompt))/4, *u.InputTokens)
	assert.NotNil(t, u.CostUSD)
}

func TestExtractUsageNone(t *testing.T) {
	path := writeStdout(t, "")
	u := ExtractUsage(path, "claude-haiku", "")
	assert.Equal(t, "none", u.Source)
	assert.Nil(t, u.InputTokens)
	assert.Nil(t, u.CostUSD)
}

func TestExtractUsageUnknownModelHasNoCost(t *testing.T) {
	path := writeStdout(t, `{"input_tokens":100,"output_tokens":50}`)
	u := ExtractUsage(path, "some-local-model", "p")
	assert.Equal(t, "parsed", u.Source)
	assert.Nil(t, u.CostUSD)
}
