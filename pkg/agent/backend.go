package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/workdir"
)

// ExitCodeTimeout is the synthetic exit code reported when the wall clock
// expires and the subprocess is killed.
const ExitCodeTimeout = 124

// BackendRunError is a failure to launch or drive the subprocess, as opposed
// to the subprocess itself exiting non-zero. Transient launch failures are
// retryable; a missing executable is not.
type BackendRunError struct {
	Transient bool
	Err       error
}

func (e *BackendRunError) Error() string {
	return fmt.Sprintf("backend run error (transient=%t): %v", e.Transient, e.Err)
}

func (e *BackendRunError) Unwrap() error { return e.Err }

// BackendRunRequest describes one subprocess execution.
type BackendRunRequest struct {
	ManifestPath    string
	Timeout         time.Duration
	Agent           models.AgentName
	Profile         models.ModelProfile
	Model           string
	CommandTemplate string
	RepairMode      bool
}

// BackendRunResult is the outcome of a subprocess that actually ran.
type BackendRunResult struct {
	ExitCode   int
	TimedOut   bool
	StdoutPath string
	StderrPath string
	ResultPath string
}

// Backend spawns CLI agent subprocesses against a task workdir.
type Backend struct {
	logger *slog.Logger
}

// NewBackend creates a Backend.
func NewBackend() *Backend {
	return &Backend{logger: slog.With("component", "agent_backend")}
}

// Run executes one agent subprocess: it writes the prompt file, renders the
// command, streams logs, and enforces the timeout as a hard wall clock.
func (b *Backend) Run(ctx context.Context, req BackendRunRequest) (*BackendRunResult, error) {
	manifest, err := workdir.LoadManifest(req.ManifestPath)
	if err != nil {
		return nil, &BackendRunError{Transient: false, Err: err}
	}
	input, err := workdir.ReadTaskInput(manifest.TaskInputPath)
	if err != nil {
		return nil, &BackendRunError{Transient: false, Err: err}
	}

	if err := os.WriteFile(manifest.PromptPath, []byte(input.Prompt), 0o644); err != nil {
		return nil, &BackendRunError{Transient: true, Err: fmt.Errorf("failed to write prompt: %w", err)}
	}

	argv, err := renderCommand(req.CommandTemplate, map[string]string{
		"model":         req.Model,
		"prompt":        input.Prompt,
		"prompt_file":   manifest.PromptPath,
		"task_manifest": req.ManifestPath,
	})
	if err != nil {
		return nil, &BackendRunError{Transient: false, Err: err}
	}

	stdout, err := os.Create(manifest.StdoutLogPath)
	if err != nil {
		return nil, &BackendRunError{Transient: true, Err: fmt.Errorf("failed to open stdout log: %w", err)}
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := os.Create(manifest.StderrLogPath)
	if err != nil {
		return nil, &BackendRunError{Transient: true, Err: fmt.Errorf("failed to open stderr log: %w", err)}
	}
	defer func() { _ = stderr.Close() }()

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = manifest.WorkdirRoot
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"REPAIR_MODE="+boolFlag(req.RepairMode),
		"AGENT="+string(req.Agent),
		"MODEL="+req.Model,
		"MODEL_PROFILE="+string(req.Profile),
	)
	cmd.WaitDelay = 5 * time.Second

	b.logger.Info("Spawning agent subprocess",
		"agent", req.Agent, "model", req.Model, "profile", req.Profile,
		"repair_mode", req.RepairMode, "timeout", req.Timeout, "command", argv[0])

	start := time.Now()
	runErr := cmd.Run()

	result := &BackendRunResult{
		StdoutPath: manifest.StdoutLogPath,
		StderrPath: manifest.StderrLogPath,
		ResultPath: manifest.ResultPath,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = ExitCodeTimeout
		result.TimedOut = true
		b.logger.Warn("Agent subprocess timed out",
			"agent", req.Agent, "elapsed", time.Since(start))
		return result, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if errors.Is(runErr, exec.ErrNotFound) {
			return nil, &BackendRunError{Transient: false, Err: runErr}
		}
		return nil, &BackendRunError{Transient: true, Err: runErr}
	}

	result.ExitCode = 0
	return result, nil
}

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// renderCommand splits the template into argv and substitutes the four
// supported placeholders token-wise, so values with spaces stay one argument.
// Placeholders are validated before substitution; braces inside substituted
// values are passed through literally.
func renderCommand(template string, values map[string]string) ([]string, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("command template is empty")
	}

	substituted := false
	for _, match := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if _, ok := values[match[1]]; !ok {
			return nil, fmt.Errorf("unsupported placeholder %s", match[0])
		}
		substituted = true
	}
	if !substituted {
		return nil, fmt.Errorf("command template has no placeholders")
	}

	tokens := strings.Fields(template)
	argv := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		argv = append(argv, placeholderRe.ReplaceAllStringFunc(tok, func(m string) string {
			return values[m[1:len(m)-1]]
		}))
	}
	return argv, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
