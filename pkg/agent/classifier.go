package agent

import (
	"strings"

	"github.com/recapd/recapd/pkg/models"
)

// classifierRule is one ordered substring rule. Earlier rules win.
type classifierRule struct {
	name     string
	class    models.FailureClass
	patterns []string
}

// Rules are checked in order against the lowercased stdout+stderr haystack.
// Billing and auth outrank rate limiting so "quota exceeded, retry later"
// still lands terminal.
var classifierRules = []classifierRule{
	{
		name:  "billing_or_quota",
		class: models.FailureBillingOrQuota,
		patterns: []string{
			"quota", "resource_exhausted", "insufficient", "billing",
			"payment", "credits", "usage limit", "exceeded",
		},
	},
	{
		name:  "access_or_auth",
		class: models.FailureAccessOrAuth,
		patterns: []string{
			"unauthorized", "forbidden", "permission denied", "invalid api key",
			"authentication", "auth", "restricted token",
		},
	},
	{
		name:  "model_not_available",
		class: models.FailureModelNotAvailable,
		patterns: []string{
			"model not found", "unknown model", "model_not_found",
			"no such model", "model is not available", "unsupported model",
		},
	},
	{
		name:  "rate_limit_transient",
		class: models.FailureBackendTransient,
		patterns: []string{
			"too many requests", "rate limit", "429", "please retry", "try again later",
		},
	},
	{
		name:  "generic_transient",
		class: models.FailureBackendTransient,
		patterns: []string{
			"connection reset", "connection refused", "temporarily unavailable",
			"timed out", "timeout", "503", "502", "overloaded", "server error",
		},
	},
}

// DefaultTransientExitCodes are the exit codes treated as transient without
// any pattern match: SIGKILL and SIGTERM terminations.
var DefaultTransientExitCodes = []int{137, 143}

// Classification is the classifier verdict plus the evidence that produced
// it, recorded in event details.
type Classification struct {
	Class          models.FailureClass `json:"class"`
	MatchedRule    string              `json:"matched_rule,omitempty"`
	MatchedPattern string              `json:"matched_pattern,omitempty"`
}

// Classify categorizes a failed attempt from its exit code and log previews.
// It is a pure function: same inputs, same verdict.
func Classify(agent models.AgentName, exitCode int, stdout, stderr string, transientExitCodes []int) Classification {
	haystack := strings.ToLower(stdout + "\n" + stderr)

	for _, rule := range classifierRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(haystack, pattern) {
				return Classification{Class: rule.class, MatchedRule: rule.name, MatchedPattern: pattern}
			}
		}
	}

	codes := transientExitCodes
	if codes == nil {
		codes = DefaultTransientExitCodes
	}
	for _, code := range codes {
		if exitCode == code {
			return Classification{Class: models.FailureBackendTransient, MatchedRule: "transient_exit_code"}
		}
	}

	return Classification{Class: models.FailureBackendNonRetryable, MatchedRule: "fallback"}
}
