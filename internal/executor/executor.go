// Package executor implements the Single-Task Executor (SPEC_FULL.md §4.4): invoking one
// agent engine against one task's prompt, with bounded retry and an honest dry-run mode.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yarlson/ralphy/internal/agent"
	"github.com/yarlson/ralphy/internal/prompt"
)

// Status is the terminal shape of an Execute call.
type Status string

const (
	StatusDryRun Status = "dry-run"
	StatusOK     Status = "ok"
	StatusError  Status = "error"
)

const (
	// DefaultMaxRetries is the number of attempts (including the first) when Options.MaxRetries is 0.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the pause between attempts when Options.RetryDelay is 0.
	DefaultRetryDelay = 5 * time.Second
)

// Options configures one Execute call.
type Options struct {
	// Engine is the requested engine name; empty defers to the executor's configured default.
	Engine string

	Rules      []string
	Boundaries []string
	SkipTests  bool
	SkipLint   bool
	AutoCommit bool

	// DryRun, when true, builds the prompt and returns without invoking any agent.
	DryRun bool

	// MaxRetries is the total number of attempts. Zero means DefaultMaxRetries.
	MaxRetries int

	// RetryDelay is the pause between failed attempts. Zero means DefaultRetryDelay.
	RetryDelay time.Duration
}

// Result is what Execute returns on every path.
type Result struct {
	Status   Status
	Engine   agent.Engine
	Attempts int

	// Prompt is populated only on a dry run.
	Prompt string

	Response string
	Usage    agent.Usage
	Stdout   string
	Stderr   string
	ExitCode int
	Command  []string

	// Error is the last failure message; non-empty only when Status == StatusError.
	Error string
}

// Executor invokes an agent engine for one task, handling prompt composition, codex's
// scratch last-message file, and bounded retry with a flat inter-attempt delay.
type Executor struct {
	invoker          agent.Invoker
	builder          *prompt.Builder
	workDir          string
	configuredEngine string
}

// New creates an Executor. workDir is the directory the agent process runs in;
// configuredEngine is the project's default engine (used when Options.Engine is empty).
func New(invoker agent.Invoker, builder *prompt.Builder, workDir, configuredEngine string) *Executor {
	if builder == nil {
		builder = prompt.NewBuilder(nil)
	}
	return &Executor{invoker: invoker, builder: builder, workDir: workDir, configuredEngine: configuredEngine}
}

// Execute runs the state machine described in §4.4 for a single task.
func (e *Executor) Execute(ctx context.Context, task prompt.TaskInput, opts Options) (Result, error) {
	engine, err := agent.Resolve(opts.Engine, e.configuredEngine)
	if err != nil {
		return Result{}, err
	}

	promptCtx := prompt.Context{
		Task:       task,
		Rules:      opts.Rules,
		Boundaries: opts.Boundaries,
		SkipTests:  opts.SkipTests,
		SkipLint:   opts.SkipLint,
		AutoCommit: opts.AutoCommit,
	}

	if opts.DryRun {
		built, err := e.builder.Build(promptCtx)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Status:   StatusDryRun,
			Engine:   engine,
			Prompt:   combine(built),
			Attempts: 0,
		}, nil
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}

	var last Result
	var priorError string

	for attempts := 1; attempts <= maxRetries; attempts++ {
		literalPrompt, err := e.buildAttemptPrompt(promptCtx, attempts, priorError)
		if err != nil {
			return Result{}, err
		}

		var lastMessagePath string
		var scratchDir string
		if engine == agent.EngineCodex {
			scratchDir, err = os.MkdirTemp("", "ralphy-codex-*")
			if err != nil {
				return Result{}, fmt.Errorf("allocate codex scratch dir: %w", err)
			}
			lastMessagePath = filepath.Join(scratchDir, "last-message.txt")
		}

		invokeResult, invokeErr := e.invoker.Invoke(ctx, agent.Request{
			Engine:          engine,
			Prompt:          literalPrompt,
			Cwd:             e.workDir,
			LastMessagePath: lastMessagePath,
		})

		var outcome agent.Outcome
		var classifyErr error
		if invokeErr == nil {
			outcome, err = agent.Parse(engine, invokeResult.Stdout, lastMessagePath)
			if err == nil {
				classifyErr = agent.Classify(invokeResult, outcome)
			} else {
				classifyErr = err
			}
		} else {
			classifyErr = invokeErr
		}

		if scratchDir != "" {
			_ = os.RemoveAll(scratchDir)
		}

		last = Result{
			Status:   StatusError,
			Engine:   engine,
			Attempts: attempts,
			Response: outcome.Response,
			Usage:    outcome.Usage,
			Stdout:   invokeResult.Stdout,
			Stderr:   invokeResult.Stderr,
			ExitCode: invokeResult.ExitCode,
			Command:  invokeResult.Command,
		}

		if classifyErr == nil {
			last.Status = StatusOK
			return last, nil
		}

		last.Error = classifyErr.Error()
		priorError = classifyErr.Error()

		if attempts < maxRetries {
			if err := sleepOrCancel(ctx, retryDelay); err != nil {
				last.Error = err.Error()
				return last, nil
			}
		}
	}

	return last, nil
}

// buildAttemptPrompt builds the first-attempt prompt on attempt 1, or the retry prompt
// (carrying the prior attempt's error) on subsequent attempts.
func (e *Executor) buildAttemptPrompt(ctx prompt.Context, attempt int, priorError string) (string, error) {
	if attempt == 1 {
		built, err := e.builder.Build(ctx)
		if err != nil {
			return "", err
		}
		return combine(built), nil
	}

	built, err := e.builder.BuildRetry(prompt.RetryContext{
		Context:       ctx,
		PriorError:    priorError,
		AttemptNumber: attempt - 1,
	})
	if err != nil {
		return "", err
	}
	return combine(built), nil
}

// combine joins system and user prompts into the single literal string the agent
// invoker's "<PROMPT>" placeholder expects (§4.2: one process argument, not two channels).
func combine(built *prompt.BuildResult) string {
	return built.SystemPrompt + "\n\n" + built.UserPrompt
}

// sleepOrCancel waits d, returning early with ctx.Err() if ctx is cancelled first.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
