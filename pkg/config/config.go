// Package config loads the YAML configuration file, expanding {{.VAR}}
// references from the environment and filling unset fields from defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/recapd/recapd/pkg/agent"
	"github.com/recapd/recapd/pkg/models"
)

// Config is the full application configuration.
type Config struct {
	DefaultUser string        `yaml:"default_user"`
	Ingest      IngestConfig  `yaml:"ingest"`
	Dedup       DedupConfig   `yaml:"dedup"`
	Queue       QueueConfig   `yaml:"queue"`
	Recap       RecapConfig   `yaml:"recap"`
	Cleanup     CleanupConfig `yaml:"cleanup"`
	Metrics     MetricsConfig `yaml:"metrics"`

	Routing agent.RoutingDefaults `yaml:"routing"`
}

// IngestConfig controls the RSS source and run orchestration.
type IngestConfig struct {
	SourceName       string   `yaml:"source_name"`
	FeedURLs         []string `yaml:"feed_urls"`
	PageSize         int      `yaml:"page_size"`
	SnapshotMaxAgeHr int      `yaml:"snapshot_max_age_hours"`
	MaxPages         int      `yaml:"max_pages"`
	StaleRunMinutes  int      `yaml:"stale_run_minutes"`
	UserAgent        string   `yaml:"user_agent"`
}

// DedupConfig controls the semantic dedup engine.
type DedupConfig struct {
	Threshold        float64 `yaml:"threshold"`
	CandidateWindowH int     `yaml:"candidate_window_hours"`
	EmbeddingTTLDays int     `yaml:"embedding_ttl_days"`
	Dim              int     `yaml:"dim"`
}

// QueueConfig controls workers and retry behavior.
type QueueConfig struct {
	Workers            int    `yaml:"workers"`
	WorkdirRoot        string `yaml:"workdir_root"`
	PollIntervalSec    int    `yaml:"poll_interval_seconds"`
	HeartbeatSec       int    `yaml:"heartbeat_seconds"`
	StaleAfterMinutes  int    `yaml:"stale_after_minutes"`
	RetryBaseSec       int    `yaml:"retry_base_seconds"`
	RetryMaxSec        int    `yaml:"retry_max_seconds"`
	TimeoutRetryCapSec int    `yaml:"timeout_retry_cap_seconds"`
}

// RecapConfig controls the recap pipeline.
type RecapConfig struct {
	ArticleWindowHr int `yaml:"article_window_hours"`
	MaxArticles     int `yaml:"max_articles"`
	PollSec         int `yaml:"poll_seconds"`
	StaleRunMinutes int `yaml:"stale_run_minutes"`
	TaskTimeoutSec  int `yaml:"task_timeout_seconds"`
	MaxAttempts     int `yaml:"max_attempts"`
}

// CleanupConfig controls retention windows.
type CleanupConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	ArticleKeepDays int `yaml:"article_keep_days"`
	GapTTLDays      int `yaml:"gap_ttl_days"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DefaultUser: "default",
		Ingest: IngestConfig{
			SourceName:       "rss",
			PageSize:         50,
			SnapshotMaxAgeHr: 6,
			MaxPages:         100,
			StaleRunMinutes:  10,
		},
		Dedup: DedupConfig{
			Threshold:        0.85,
			CandidateWindowH: 48,
			EmbeddingTTLDays: 14,
			Dim:              256,
		},
		Queue: QueueConfig{
			Workers:            2,
			WorkdirRoot:        "./workdirs",
			PollIntervalSec:    5,
			HeartbeatSec:       15,
			StaleAfterMinutes:  10,
			RetryBaseSec:       30,
			RetryMaxSec:        900,
			TimeoutRetryCapSec: 1800,
		},
		Recap: RecapConfig{
			ArticleWindowHr: 24,
			MaxArticles:     120,
			PollSec:         3,
			StaleRunMinutes: 30,
			TaskTimeoutSec:  600,
			MaxAttempts:     3,
		},
		Cleanup: CleanupConfig{
			IntervalMinutes: 60,
			ArticleKeepDays: 30,
			GapTTLDays:      7,
		},
		Routing: agent.RoutingDefaults{
			DefaultAgent: models.AgentClaude,
			TaskTypeProfileMap: map[string]models.ModelProfile{
				models.TaskTypeRecapClassify:   models.ProfileFast,
				models.TaskTypeRecapEnrich:     models.ProfileFast,
				models.TaskTypeRecapGroup:      models.ProfileQuality,
				models.TaskTypeRecapEnrichFull: models.ProfileQuality,
				models.TaskTypeRecapSynthesize: models.ProfileQuality,
				models.TaskTypeRecapCompose:    models.ProfileQuality,
				models.TaskTypeHighlights:      models.ProfileQuality,
			},
			CommandTemplates: map[models.AgentName]string{
				models.AgentClaude: "claude --model {model} --print {prompt}",
				models.AgentCodex:  "codex exec --model {model} {prompt}",
				models.AgentGemini: "gemini --model {model} --prompt {prompt}",
			},
			Models: map[models.AgentName]map[models.ModelProfile]string{
				models.AgentClaude: {models.ProfileFast: "claude-haiku", models.ProfileQuality: "claude-sonnet"},
				models.AgentCodex:  {models.ProfileFast: "gpt-5-mini", models.ProfileQuality: "gpt-5"},
				models.AgentGemini: {models.ProfileFast: "gemini-2.5-flash", models.ProfileQuality: "gemini-2.5-pro"},
			},
		},
	}
}

// Load reads the config file at path and merges it over the defaults. An
// empty path or missing file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return &cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var loaded Config
	if err := yaml.Unmarshal([]byte(expanded), &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := mergo.Merge(&loaded, cfg); err != nil {
		return nil, fmt.Errorf("failed to merge config defaults: %w", err)
	}
	return &loaded, nil
}

// expandEnv renders {{.VAR}} references against the environment.
func expandEnv(raw string) (string, error) {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse config template: %w", err)
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return "", fmt.Errorf("failed to expand config: %w", err)
	}
	return buf.String(), nil
}
