// Package prdloop implements the PRD Sequential Loop (SPEC_FULL.md §4.7): pulling tasks one
// at a time from a task-source adapter, running each through the Single-Task Executor,
// recording progress and run-log entries, and consulting the budget tracker and gutter
// (stall) detector after every success so a run can stop itself early.
package prdloop

import (
	"context"
	"fmt"
	"time"

	"github.com/yarlson/ralphy/internal/budget"
	"github.com/yarlson/ralphy/internal/executor"
	"github.com/yarlson/ralphy/internal/gutter"
	"github.com/yarlson/ralphy/internal/progress"
	"github.com/yarlson/ralphy/internal/prompt"
	"github.com/yarlson/ralphy/internal/runlog"
	"github.com/yarlson/ralphy/internal/taskstore"
)

// StopReason names why a run ended without an error.
type StopReason string

const (
	StopNoTasks        StopReason = "no-tasks"
	StopMaxIterations  StopReason = "max-iterations"
	StopBudgetExceeded StopReason = "budget-exceeded"
	StopGutter         StopReason = "gutter"
)

// Stage tags which part of the loop an error came from.
type Stage string

const (
	StageTaskSource Stage = "task-source"
	StageAgent      Stage = "agent"
	StageComplete   Stage = "complete"
	StagePR         Stage = "pr"
)

// Result is what Run returns on every path.
type Result struct {
	OK         bool
	Stopped    StopReason
	Stage      Stage
	Task       string
	Message    string
	Iterations int
	Usage      executor.Result
	PRURL      string
}

// TaskExecutor is the subset of *executor.Executor that Run needs, accepted as an interface
// so tests can substitute a fake without building a real agent invoker.
type TaskExecutor interface {
	Execute(ctx context.Context, task prompt.TaskInput, opts executor.Options) (executor.Result, error)
}

// BranchManager is the subset of *git.BranchManager the loop drives for branch-per-task runs.
type BranchManager interface {
	Prepare(ctx context.Context) error
	CheckoutForTask(ctx context.Context, taskTitle string) (string, error)
	FinishTask(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// ChangedFilesSource reports which files the working tree has touched since the last
// iteration, feeding the gutter detector's file-churn check.
type ChangedFilesSource interface {
	GetChangedFiles(ctx context.Context) ([]string, error)
}

// Options configures one Run call.
type Options struct {
	MaxIterations *int // nil ⇒ unbounded; *0 ⇒ no work

	MaxRetries int
	RetryDelay time.Duration

	Engine     string
	Rules      []string
	Boundaries []string
	SkipTests  bool
	SkipLint   bool
	AutoCommit bool
	DryRun     bool

	BranchPerTask bool
	CreatePR      bool
	DraftPR       bool
	BaseBranch    string
	PRTitlePrefix string

	BudgetLimits budget.Limits
	GutterConfig gutter.Config

	RunID string
}

// Loop wires together the task source, executor, branch manager, budget tracker, gutter
// detector, progress writer, and run-log writer that make up one PRD Sequential Loop run.
type Loop struct {
	store    taskstore.Adapter
	exec     TaskExecutor
	branches BranchManager
	changed  ChangedFilesSource
	prRunner CommandRunner

	progressWriter *progress.Writer
	runLog         *runlog.Writer
}

// New creates a Loop. branches and changed may be nil when branch-per-task is not in use and
// file-churn detection is unavailable (e.g. a non-git task source), respectively.
func New(store taskstore.Adapter, exec TaskExecutor, branches BranchManager, changed ChangedFilesSource, prRunner CommandRunner, progressWriter *progress.Writer, runLog *runlog.Writer) *Loop {
	return &Loop{
		store:          store,
		exec:           exec,
		branches:       branches,
		changed:        changed,
		prRunner:       prRunner,
		progressWriter: progressWriter,
		runLog:         runLog,
	}
}

// Run executes the loop described in §4.7 until a stop condition or an error.
func (l *Loop) Run(ctx context.Context, opts Options) Result {
	if opts.MaxIterations != nil && *opts.MaxIterations == 0 {
		return Result{OK: true, Stopped: StopMaxIterations}
	}

	if l.branches != nil {
		if err := l.branches.Prepare(ctx); err != nil {
			return Result{Stage: StageAgent, Message: fmt.Sprintf("branch manager prepare: %v", err)}
		}
		defer l.branches.Cleanup(ctx)
	}

	tracker := budget.NewTracker(opts.BudgetLimits)
	detector := gutter.NewDetector(opts.GutterConfig)

	iterations := 0
	for opts.MaxIterations == nil || iterations < *opts.MaxIterations {
		task, err := l.store.Next()
		if err != nil {
			if err == taskstore.ErrEmpty {
				return Result{OK: true, Stopped: StopNoTasks, Iterations: iterations}
			}
			return Result{Stage: StageTaskSource, Message: err.Error(), Iterations: iterations}
		}

		iterations++

		var taskBranch string
		if opts.BranchPerTask && l.branches != nil {
			taskBranch, err = l.branches.CheckoutForTask(ctx, task.Text)
			if err != nil {
				return Result{Stage: StageAgent, Task: task.Text, Message: fmt.Sprintf("checkout for task: %v", err), Iterations: iterations}
			}
		}

		record := &runlog.Record{
			RunID:     opts.RunID,
			TaskTitle: task.Text,
			StartTime: time.Now(),
		}

		execResult, execErr := l.exec.Execute(ctx, prompt.TaskInput{Text: task.Text, Group: task.Group}, executor.Options{
			Engine:     opts.Engine,
			Rules:      opts.Rules,
			Boundaries: opts.Boundaries,
			SkipTests:  opts.SkipTests,
			SkipLint:   opts.SkipLint,
			AutoCommit: opts.AutoCommit,
			DryRun:     opts.DryRun,
			MaxRetries: opts.MaxRetries,
			RetryDelay: opts.RetryDelay,
		})

		if l.branches != nil {
			_ = l.branches.FinishTask(ctx)
		}

		record.Engine = string(execResult.Engine)
		record.Attempts = execResult.Attempts
		record.Command = execResult.Command
		record.InputTokens = execResult.Usage.InputTokens
		record.OutputTokens = execResult.Usage.OutputTokens
		if execResult.Usage.Cost != nil {
			record.CostUSD = execResult.Usage.Cost
		}
		if taskBranch != "" {
			record.ResultCommit = taskBranch
		}

		failed := execErr != nil || execResult.Status != executor.StatusOK
		if failed {
			msg := execResult.Error
			if execErr != nil {
				msg = execErr.Error()
			}
			record.Feedback = msg
			record.Complete(runlog.OutcomeFailed)
			l.appendProgress(false, task.Text)
			l.appendRunLog(record)

			return Result{Stage: StageAgent, Task: task.Text, Message: msg, Iterations: iterations, Usage: execResult}
		}

		var filesChanged []string
		if l.changed != nil {
			filesChanged, _ = l.changed.GetChangedFiles(ctx)
		}
		record.FilesChanged = filesChanged
		record.Complete(runlog.OutcomeSuccess)
		l.appendProgress(true, task.Text)
		l.appendRunLog(record)

		cost := 0.0
		if execResult.Usage.Cost != nil {
			cost = *execResult.Usage.Cost
		}
		tracker.RecordIteration(execResult.Usage.InputTokens+execResult.Usage.OutputTokens, cost)
		detector.Record(gutter.IterationInput{Failed: false, FilesChanged: filesChanged})

		completeResult, err := l.store.Complete(task.Text)
		if err != nil {
			return Result{Stage: StageComplete, Task: task.Text, Message: err.Error(), Iterations: iterations, Usage: execResult}
		}

		var prURL string
		switch completeResult.Status {
		case taskstore.StatusUpdated, taskstore.StatusAlreadyComplete:
			if opts.CreatePR || opts.DraftPR {
				prURL, err = l.createPR(ctx, taskBranch, opts)
				if err != nil {
					return Result{Stage: StagePR, Task: task.Text, Message: err.Error(), Iterations: iterations, Usage: execResult}
				}
			}
		case taskstore.StatusNotFound:
			return Result{Stage: StageComplete, Task: task.Text, Message: "Task not found in source", Iterations: iterations, Usage: execResult}
		default:
			return Result{Stage: StageComplete, Task: task.Text, Message: fmt.Sprintf("unexpected complete status: %s", completeResult.Status), Iterations: iterations, Usage: execResult}
		}

		if budgetStatus := tracker.Check(); !budgetStatus.CanContinue {
			return Result{OK: true, Stopped: StopBudgetExceeded, Iterations: iterations, Usage: execResult, Message: budgetStatus.Reason, PRURL: prURL}
		}
		if gutterStatus := detector.Check(); gutterStatus.Stuck {
			return Result{OK: true, Stopped: StopGutter, Iterations: iterations, Usage: execResult, Message: gutterStatus.Description, PRURL: prURL}
		}
	}

	return Result{OK: true, Stopped: StopMaxIterations, Iterations: iterations}
}

func (l *Loop) appendProgress(ok bool, task string) {
	if l.progressWriter == nil {
		return
	}
	if ok {
		_ = l.progressWriter.AppendCompleted(task)
	} else {
		_ = l.progressWriter.AppendFailed(task)
	}
}

func (l *Loop) appendRunLog(record *runlog.Record) {
	if l.runLog == nil {
		return
	}
	_, _ = l.runLog.Append(record)
}

// createPR resolves the head branch (the task branch when branch-per-task is active,
// otherwise the configured base branch) and delegates to the §9(a) gh helper.
func (l *Loop) createPR(ctx context.Context, taskBranch string, opts Options) (string, error) {
	if l.prRunner == nil {
		return "", fmt.Errorf("create pr: no command runner configured")
	}
	head := taskBranch
	if head == "" {
		head = opts.BaseBranch
	}
	title := opts.PRTitlePrefix
	if title == "" {
		title = "ralphy: automated changes"
	}
	return CreatePR(ctx, l.prRunner, head, opts.BaseBranch, title, opts.DraftPR)
}
