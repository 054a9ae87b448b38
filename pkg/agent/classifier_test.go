package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/recapd/recapd/pkg/models"
)

func TestClassifyRuleOrder(t *testing.T) {
	tests := []struct {
		name        string
		stdout      string
		stderr      string
		exitCode    int
		wantClass   models.FailureClass
		wantRule    string
		wantPattern string
	}{
		{
			name:        "quota outranks rate limit wording",
			stderr:      "Quota exceeded, please retry later",
			exitCode:    1,
			wantClass:   models.FailureBillingOrQuota,
			wantRule:    "billing_or_quota",
			wantPattern: "quota",
		},
		{
			name:        "auth error",
			stderr:      "401 Unauthorized: invalid api key",
			exitCode:    1,
			wantClass:   models.FailureAccessOrAuth,
			wantRule:    "access_or_auth",
			wantPattern: "unauthorized",
		},
		{
			name:        "model not available",
			stdout:      "error: model not found: claude-opus-9",
			exitCode:    1,
			wantClass:   models.FailureModelNotAvailable,
			wantRule:    "model_not_available",
			wantPattern: "model not found",
		},
		{
			name:        "rate limit is transient",
			stderr:      "HTTP 429 Too Many Requests",
			exitCode:    1,
			wantClass:   models.FailureBackendTransient,
			wantRule:    "rate_limit_transient",
			wantPattern: "too many requests",
		},
		{
			name:        "connection reset is transient",
			stderr:      "read tcp: connection reset by peer",
			exitCode:    1,
			wantClass:   models.FailureBackendTransient,
			wantRule:    "generic_transient",
			wantPattern: "connection reset",
		},
		{
			name:      "sigkill exit code without patterns",
			exitCode:  137,
			wantClass: models.FailureBackendTransient,
			wantRule:  "transient_exit_code",
		},
		{
			name:      "sigterm exit code without patterns",
			exitCode:  143,
			wantClass: models.FailureBackendTransient,
			wantRule:  "transient_exit_code",
		},
		{
			name:      "unknown failure falls back non-retryable",
			stderr:    "segmentation fault",
			exitCode:  139,
			wantClass: models.FailureBackendNonRetryable,
			wantRule:  "fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(models.AgentClaude, tt.exitCode, tt.stdout, tt.stderr, nil)
			assert.Equal(t, tt.wantClass, got.Class)
			assert.Equal(t, tt.wantRule, got.MatchedRule)
			assert.Equal(t, tt.wantPattern, got.MatchedPattern)
		})
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	got := Classify(models.AgentGemini, 1, "", "RATE LIMIT reached", nil)
	assert.Equal(t, models.FailureBackendTransient, got.Class)
	assert.Equal(t, "rate_limit_transient", got.MatchedRule)
}

func TestClassifyCustomTransientExitCodes(t *testing.T) {
	// Overriding the list replaces the defaults entirely.
	got := Classify(models.AgentCodex, 137, "", "", []int{99})
	assert.Equal(t, models.FailureBackendNonRetryable, got.Class)

	got = Classify(models.AgentCodex, 99, "", "", []int{99})
	assert.Equal(t, models.FailureBackendTransient, got.Class)
}
