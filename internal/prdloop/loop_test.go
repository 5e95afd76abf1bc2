package prdloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarlson/ralphy/internal/agent"
	"github.com/yarlson/ralphy/internal/executor"
	"github.com/yarlson/ralphy/internal/gutter"
	"github.com/yarlson/ralphy/internal/progress"
	"github.com/yarlson/ralphy/internal/prompt"
	"github.com/yarlson/ralphy/internal/runlog"
	"github.com/yarlson/ralphy/internal/taskstore"
)

type fakeStore struct {
	tasks     []taskstore.Task
	next      int
	completed []string
}

func (f *fakeStore) Next() (taskstore.Task, error) {
	if f.next >= len(f.tasks) {
		return taskstore.Task{}, taskstore.ErrEmpty
	}
	t := f.tasks[f.next]
	f.next++
	return t, nil
}

func (f *fakeStore) Complete(title string) (taskstore.CompleteResult, error) {
	f.completed = append(f.completed, title)
	return taskstore.CompleteResult{Status: taskstore.StatusUpdated, Source: taskstore.SourceMarkdown}, nil
}

func (f *fakeStore) ParseAll() ([]taskstore.Task, error) { return f.tasks, nil }
func (f *fakeStore) Source() taskstore.Source            { return taskstore.SourceMarkdown }

type fakeExecutor struct {
	results []executor.Result
	errs    []error
	calls   int
}

func (f *fakeExecutor) Execute(ctx context.Context, task prompt.TaskInput, opts executor.Options) (executor.Result, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return f.results[idx], err
}

type fakeBranchManager struct {
	prepared  bool
	cleaned   bool
	checkouts []string
	finishes  int
}

func (f *fakeBranchManager) Prepare(ctx context.Context) error { f.prepared = true; return nil }
func (f *fakeBranchManager) CheckoutForTask(ctx context.Context, title string) (string, error) {
	branch := "ralphy/" + title
	f.checkouts = append(f.checkouts, branch)
	return branch, nil
}
func (f *fakeBranchManager) FinishTask(ctx context.Context) error { f.finishes++; return nil }
func (f *fakeBranchManager) Cleanup(ctx context.Context) error    { f.cleaned = true; return nil }

type fakeChangedFiles struct {
	files []string
}

func (f *fakeChangedFiles) GetChangedFiles(ctx context.Context) ([]string, error) {
	return f.files, nil
}

type fakeCommandRunner struct {
	calls [][]string
	out   string
	err   error
}

func (f *fakeCommandRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.out, f.err
}

func okResult(status executor.Status) executor.Result {
	return executor.Result{Status: status, Engine: agent.EngineClaude, Attempts: 1, Usage: agent.Usage{InputTokens: 5, OutputTokens: 5}}
}

func TestLoop_NoTasks_ReturnsStoppedNoTasks(t *testing.T) {
	store := &fakeStore{}
	l := New(store, &fakeExecutor{}, nil, nil, nil, nil, nil)

	result := l.Run(context.Background(), Options{})
	assert.True(t, result.OK)
	assert.Equal(t, StopNoTasks, result.Stopped)
	assert.Equal(t, 0, result.Iterations)
}

func TestLoop_ZeroMaxIterations_ReturnsImmediately(t *testing.T) {
	store := &fakeStore{tasks: []taskstore.Task{{Text: "do a thing"}}}
	l := New(store, &fakeExecutor{}, nil, nil, nil, nil, nil)

	zero := 0
	result := l.Run(context.Background(), Options{MaxIterations: &zero})
	assert.True(t, result.OK)
	assert.Equal(t, StopMaxIterations, result.Stopped)
	assert.Equal(t, 0, store.next)
}

func TestLoop_SucceedsThenRunsOutOfTasks(t *testing.T) {
	store := &fakeStore{tasks: []taskstore.Task{{Text: "task one"}}}
	exec := &fakeExecutor{results: []executor.Result{okResult(executor.StatusOK)}}
	l := New(store, exec, nil, nil, nil, nil, nil)

	result := l.Run(context.Background(), Options{})
	assert.True(t, result.OK)
	assert.Equal(t, StopNoTasks, result.Stopped)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, []string{"task one"}, store.completed)
}

func TestLoop_ExecutorFailure_ReturnsAgentStage(t *testing.T) {
	store := &fakeStore{tasks: []taskstore.Task{{Text: "task one"}}}
	exec := &fakeExecutor{results: []executor.Result{{Status: executor.StatusError, Error: "verification failed"}}}
	l := New(store, exec, nil, nil, nil, nil, nil)

	result := l.Run(context.Background(), Options{})
	assert.False(t, result.OK)
	assert.Equal(t, StageAgent, result.Stage)
	assert.Equal(t, "task one", result.Task)
	assert.Equal(t, "verification failed", result.Message)
	assert.Empty(t, store.completed)
}

func TestLoop_ExecutorError_ReturnsAgentStage(t *testing.T) {
	store := &fakeStore{tasks: []taskstore.Task{{Text: "task one"}}}
	exec := &fakeExecutor{results: []executor.Result{{}}, errs: []error{errors.New("boom")}}
	l := New(store, exec, nil, nil, nil, nil, nil)

	result := l.Run(context.Background(), Options{})
	assert.False(t, result.OK)
	assert.Equal(t, StageAgent, result.Stage)
	assert.Equal(t, "boom", result.Message)
}

func TestLoop_DryRunCountsAsFailure(t *testing.T) {
	store := &fakeStore{tasks: []taskstore.Task{{Text: "task one"}}}
	exec := &fakeExecutor{results: []executor.Result{okResult(executor.StatusDryRun)}}
	l := New(store, exec, nil, nil, nil, nil, nil)

	result := l.Run(context.Background(), Options{DryRun: true})
	assert.False(t, result.OK)
	assert.Equal(t, StageAgent, result.Stage)
	assert.Empty(t, store.completed)
}

func TestLoop_TaskSourceError_ReturnsTaskSourceStage(t *testing.T) {
	l := New(&erroringStore{}, &fakeExecutor{}, nil, nil, nil, nil, nil)

	result := l.Run(context.Background(), Options{})
	assert.False(t, result.OK)
	assert.Equal(t, StageTaskSource, result.Stage)
}

type erroringStore struct{ fakeStore }

func (e *erroringStore) Next() (taskstore.Task, error) {
	return taskstore.Task{}, errors.New("disk on fire")
}

func TestLoop_BranchPerTask_ChecksOutAndFinishesAndCleansUp(t *testing.T) {
	store := &fakeStore{tasks: []taskstore.Task{{Text: "task one"}}}
	exec := &fakeExecutor{results: []executor.Result{okResult(executor.StatusOK)}}
	branches := &fakeBranchManager{}
	l := New(store, exec, branches, nil, nil, nil, nil)

	result := l.Run(context.Background(), Options{BranchPerTask: true})
	require.True(t, result.OK)
	assert.True(t, branches.prepared)
	assert.True(t, branches.cleaned)
	assert.Equal(t, []string{"ralphy/task one"}, branches.checkouts)
	assert.Equal(t, 1, branches.finishes)
}

func TestLoop_AppendsProgressAndRunLog(t *testing.T) {
	dir := t.TempDir()
	progressPath := filepath.Join(dir, "progress.txt")
	require.NoError(t, os.WriteFile(progressPath, []byte("# progress\n"), 0644))
	logsDir := filepath.Join(dir, "logs")

	store := &fakeStore{tasks: []taskstore.Task{{Text: "task one"}}}
	exec := &fakeExecutor{results: []executor.Result{okResult(executor.StatusOK)}}
	pw := progress.NewWriter(progressPath)
	rl := runlog.NewWriter(logsDir, "run1")
	l := New(store, exec, nil, nil, nil, pw, rl)

	result := l.Run(context.Background(), Options{RunID: "run1"})
	require.True(t, result.OK)

	progressContent, err := os.ReadFile(progressPath)
	require.NoError(t, err)
	assert.Contains(t, string(progressContent), "[✓]")
	assert.Contains(t, string(progressContent), "task one")

	logContent, err := os.ReadFile(filepath.Join(logsDir, "run1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logContent), "task=\"task one\"")
	assert.Contains(t, string(logContent), "outcome=success")
}

func TestLoop_CreatesPRAfterCompletion(t *testing.T) {
	store := &fakeStore{tasks: []taskstore.Task{{Text: "task one"}}}
	exec := &fakeExecutor{results: []executor.Result{okResult(executor.StatusOK)}}
	branches := &fakeBranchManager{}
	runner := &fakeCommandRunner{out: "https://example.com/pr/1"}
	l := New(store, exec, branches, nil, runner, nil, nil)

	result := l.Run(context.Background(), Options{BranchPerTask: true, CreatePR: true, BaseBranch: "main"})
	require.True(t, result.OK)
	assert.Equal(t, "https://example.com/pr/1", result.PRURL)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "gh", runner.calls[0][0])
	assert.Contains(t, runner.calls[0], "ralphy/task one")
}

func TestLoop_PRFailure_ReturnsPRStage(t *testing.T) {
	store := &fakeStore{tasks: []taskstore.Task{{Text: "task one"}}}
	exec := &fakeExecutor{results: []executor.Result{okResult(executor.StatusOK)}}
	branches := &fakeBranchManager{}
	runner := &fakeCommandRunner{err: errors.New("gh: auth error")}
	l := New(store, exec, branches, nil, runner, nil, nil)

	result := l.Run(context.Background(), Options{BranchPerTask: true, CreatePR: true})
	assert.False(t, result.OK)
	assert.Equal(t, StagePR, result.Stage)
}

func TestLoop_GutterStopsEarlyOnFileChurn(t *testing.T) {
	tasks := make([]taskstore.Task, 0, 4)
	results := make([]executor.Result, 0, 4)
	for i := 0; i < 4; i++ {
		tasks = append(tasks, taskstore.Task{Text: "task"})
		results = append(results, okResult(executor.StatusOK))
	}
	store := &fakeStore{tasks: tasks}
	exec := &fakeExecutor{results: results}
	changed := &fakeChangedFiles{files: []string{"main.go"}}
	l := New(store, exec, nil, changed, nil, nil, nil)

	result := l.Run(context.Background(), Options{GutterConfig: gutter.Config{ChurnWindow: 3, ChurnThreshold: 2}})
	assert.True(t, result.OK)
	assert.Equal(t, StopGutter, result.Stopped)
}
