package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarlson/ralphy/internal/agent"
	"github.com/yarlson/ralphy/internal/executor"
	"github.com/yarlson/ralphy/internal/git"
	"github.com/yarlson/ralphy/internal/prompt"
	"github.com/yarlson/ralphy/internal/taskstore"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")
	run("config", "commit.gpgsign", "false")
	return dir
}

func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	cmd := exec.Command("git", "add", name)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git add: %s", string(out))
	cmd = exec.Command("git", "commit", "-m", message)
	cmd.Dir = dir
	out, err = cmd.CombinedOutput()
	require.NoError(t, err, "git commit: %s", string(out))
}

func TestGroupTasks_PreservesFirstSeenOrderAndFiltersCompleted(t *testing.T) {
	tasks := []taskstore.Task{
		{Text: "a", Group: "backend", Index: 0},
		{Text: "b", Group: "frontend", Index: 1},
		{Text: "c", Group: "backend", Index: 2, Completed: true},
		{Text: "d", Group: "backend", Index: 3},
	}

	groups := groupTasks(tasks, nil)
	require.Len(t, groups, 2)
	assert.Equal(t, "backend", groups[0].name)
	assert.Equal(t, "frontend", groups[1].name)
	assert.Len(t, groups[0].tasks, 2)
	assert.Equal(t, "a", groups[0].tasks[0].Text)
	assert.Equal(t, "d", groups[0].tasks[1].Text)
}

func TestGroupTasks_DefaultsUngroupedToDefault(t *testing.T) {
	tasks := []taskstore.Task{{Text: "a", Index: 0}, {Text: "b", Index: 1}}
	groups := groupTasks(tasks, nil)
	require.Len(t, groups, 1)
	assert.Equal(t, "default", groups[0].name)
}

func TestGroupTasks_TruncatesToMaxIterations(t *testing.T) {
	tasks := []taskstore.Task{
		{Text: "a", Group: "g1", Index: 0},
		{Text: "b", Group: "g2", Index: 1},
		{Text: "c", Group: "g3", Index: 2},
	}
	max := 2
	groups := groupTasks(tasks, &max)
	require.Len(t, groups, 2)
}

func TestRun_RejectsBranchPerTaskAndPR(t *testing.T) {
	s := New(nil, "", false, nil, nil, nil, "")

	result := s.Run(context.Background(), nil, Options{BranchPerTask: true})
	assert.False(t, result.OK)
	assert.Equal(t, StagePR, result.Stage)

	result = s.Run(context.Background(), nil, Options{CreatePR: true})
	assert.False(t, result.OK)

	result = s.Run(context.Background(), nil, Options{DraftPR: true})
	assert.False(t, result.OK)
}

func TestRun_NoTasksReturnsOK(t *testing.T) {
	s := New(nil, "", false, nil, nil, nil, "")
	result := s.Run(context.Background(), nil, Options{})
	assert.True(t, result.OK)
	assert.Empty(t, result.Tasks)
}

type fakeExec struct {
	status executor.Status
	errMsg string
}

func (f *fakeExec) Execute(ctx context.Context, task prompt.TaskInput, opts executor.Options) (executor.Result, error) {
	return executor.Result{Status: f.status, Engine: agent.EngineClaude, Error: f.errMsg}, nil
}

type fakeAdapter struct {
	completed []string
}

func (f *fakeAdapter) Next() (taskstore.Task, error) { return taskstore.Task{}, taskstore.ErrEmpty }
func (f *fakeAdapter) Complete(title string) (taskstore.CompleteResult, error) {
	f.completed = append(f.completed, title)
	return taskstore.CompleteResult{Status: taskstore.StatusUpdated}, nil
}
func (f *fakeAdapter) ParseAll() ([]taskstore.Task, error) { return nil, nil }
func (f *fakeAdapter) Source() taskstore.Source            { return taskstore.SourceMarkdown }

func TestRun_SingleGroupMarkdown_MergesDirectlyIntoBase(t *testing.T) {
	dir := setupTestRepo(t)
	commitFile(t, dir, "PRD.md", "- [ ] task one\n", "initial")

	shell := git.NewShellManager(dir)
	worktreesRoot := filepath.Join(dir, ".ralphy", "worktrees")

	var lastAdapter *fakeAdapter
	execFactory := func(workDir string) TaskExecutor { return &fakeExec{status: executor.StatusOK} }
	adapterFactory := func(workDir, copiedSourcePath string) taskstore.Adapter {
		a := &fakeAdapter{}
		lastAdapter = a
		return a
	}

	s := New(shell, filepath.Join(dir, "PRD.md"), false, execFactory, adapterFactory, nil, worktreesRoot)

	tasks := []taskstore.Task{{Text: "task one", Group: "default", Index: 0}}
	result := s.Run(context.Background(), tasks, Options{})

	require.True(t, result.OK, result.Message)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, executor.StatusOK, result.Tasks[0].Status)
	require.NotNil(t, lastAdapter)
	assert.Equal(t, []string{"task one"}, lastAdapter.completed)

	current, err := shell.GetCurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "main", current)

	entries, err := os.ReadDir(worktreesRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "worktree should be removed once the run finishes")

	branches, err := shell.ListBranches(context.Background())
	require.NoError(t, err)
	for _, b := range branches {
		assert.NotEqual(t, "ralphy/parallel/default", b, "merged parallel branch should be deleted")
	}
}

func TestRun_ParallelBranchNameUsesSlashNotHyphen(t *testing.T) {
	dir := setupTestRepo(t)
	commitFile(t, dir, "tasks.yaml", "tasks: []\n", "initial")

	shell := git.NewShellManager(dir)
	worktreesRoot := filepath.Join(dir, ".ralphy", "worktrees")

	var observedBranch string
	execFactory := func(workDir string) TaskExecutor {
		return &fakeExec{status: executor.StatusOK}
	}
	adapterFactory := func(workDir, copiedSourcePath string) taskstore.Adapter {
		b, err := git.NewShellManager(workDir).GetCurrentBranch(context.Background())
		require.NoError(t, err)
		observedBranch = b
		return &fakeAdapter{}
	}

	s := New(shell, filepath.Join(dir, "tasks.yaml"), true, execFactory, adapterFactory, nil, worktreesRoot)

	tasks := []taskstore.Task{{Text: "task one", Group: "backend api", Index: 0}}
	result := s.Run(context.Background(), tasks, Options{})

	require.True(t, result.OK, result.Message)
	assert.Equal(t, "ralphy/parallel/backend-api", observedBranch)
}

func TestRun_RejectsGitHubTaskSource(t *testing.T) {
	s := New(nil, "", false, nil, nil, nil, "")

	tasks := []taskstore.Task{{Text: "fix bug", Source: taskstore.SourceGitHub, Index: 0}}
	result := s.Run(context.Background(), tasks, Options{})

	assert.False(t, result.OK)
	assert.Equal(t, StageTaskSource, result.Stage)
}
