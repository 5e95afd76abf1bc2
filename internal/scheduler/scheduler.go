// Package scheduler implements the PRD Parallel Scheduler (SPEC_FULL.md §4.8): grouping
// tasks by their parallel_group tag, running each group in its own worktree via a bounded
// errgroup worker pool, and serializing branch/integration-branch bookkeeping through a
// single-slot channel so genuinely concurrent workers never race on shared git state.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yarlson/ralphy/internal/executor"
	"github.com/yarlson/ralphy/internal/git"
	"github.com/yarlson/ralphy/internal/merge"
	"github.com/yarlson/ralphy/internal/prompt"
	"github.com/yarlson/ralphy/internal/taskstore"
)

// Stage tags which part of the scheduler an error came from, mirroring prdloop's Stage.
type Stage string

const (
	StageTaskSource Stage = "task-source"
	StageAgent      Stage = "agent"
	StageComplete   Stage = "complete"
	StagePR         Stage = "pr"
	StageMerge      Stage = "merge"
)

// Result is what Run returns.
type Result struct {
	OK      bool
	Stage   Stage
	Message string
	Tasks   []TaskResult
}

// TaskResult is one task's outcome, carrying its original source-order index so the final
// report can be re-sorted regardless of completion order.
type TaskResult struct {
	Index  int
	Task   string
	Group  string
	Status executor.Status
	Error  string
}

// Options configures one Run call. BranchPerTask, CreatePR, and DraftPR are rejected up
// front per §4.8 ("rejects branchPerTask, createPr, or draftPr").
type Options struct {
	MaxIterations *int
	MaxParallel   int

	MaxRetries int
	Engine     string
	Rules      []string
	Boundaries []string
	SkipTests  bool
	SkipLint   bool
	AutoCommit bool

	BranchPerTask bool
	CreatePR      bool
	DraftPR       bool
}

// TaskExecutor is the subset of *executor.Executor the scheduler needs.
type TaskExecutor interface {
	Execute(ctx context.Context, task prompt.TaskInput, opts executor.Options) (executor.Result, error)
}

// ExecutorFactory builds a TaskExecutor rooted at a worktree directory; each worker gets its
// own executor so concurrent agent invocations never share a working directory.
type ExecutorFactory func(workDir string) TaskExecutor

// AdapterFactory builds a task-source adapter rooted at a copied task-source path inside a
// worktree, so each worker marks completion against its own isolated copy of the backlog.
type AdapterFactory func(workDir, copiedSourcePath string) taskstore.Adapter

// MergeResolverFactory builds an AI merge resolver rooted at a given working directory.
type MergeResolverFactory func(workDir string) *merge.Resolver

// group is one parallel_group's ordered task list.
type group struct {
	name  string
	tasks []taskstore.Task
}

// integrationState is the mutable state only the serialization goroutine touches.
type integrationState struct {
	currentBase        string
	integrationBranches []string
	parallelBranches    []string
	failed              *Result
}

// Scheduler runs the §4.8 parallel backlog processor.
type Scheduler struct {
	shell          *git.ShellManager
	sourcePath     string
	sourceIsYAML   bool
	execFactory    ExecutorFactory
	adapterFactory AdapterFactory
	mergeFactory   MergeResolverFactory
	worktreesRoot  string

	// worktrees is constructed once Run resolves originalBase; it owns every worktree
	// Allocate creates for this run and is the only thing that creates or removes them
	// (§4.6), so runGroup and the signal/cleanup paths all share its bookkeeping.
	worktrees *git.WorktreeManager

	// allocMu serializes concurrent workers' Allocate calls; WorktreeManager itself keeps
	// its allocation list without locking.
	allocMu sync.Mutex

	// originalBase is captured once at Run and used as every group's worktree base, so the
	// worker pool stays genuinely concurrent; only the final-merge ordering (not each
	// worktree's starting point) reflects the chained integration branches.
	originalBase string
}

// New creates a Scheduler. shell operates against the main repository working directory;
// worktreesRoot is where per-group worktrees are created (§6 ".ralphy/worktrees/<slug>").
func New(shell *git.ShellManager, sourcePath string, sourceIsYAML bool, execFactory ExecutorFactory, adapterFactory AdapterFactory, mergeFactory MergeResolverFactory, worktreesRoot string) *Scheduler {
	return &Scheduler{
		shell:          shell,
		sourcePath:     sourcePath,
		sourceIsYAML:   sourceIsYAML,
		execFactory:    execFactory,
		adapterFactory: adapterFactory,
		mergeFactory:   mergeFactory,
		worktreesRoot:  worktreesRoot,
	}
}

// Run executes the full parallel scheduling flow described in §4.8.
func (s *Scheduler) Run(ctx context.Context, allTasks []taskstore.Task, opts Options) Result {
	if opts.BranchPerTask || opts.CreatePR || opts.DraftPR {
		return Result{Stage: StagePR, Message: "parallel mode does not support branch-per-task or PR creation"}
	}
	if len(allTasks) > 0 && allTasks[0].Source == taskstore.SourceGitHub {
		return Result{Stage: StageTaskSource, Message: "parallel mode does not support issue-tracker task sources"}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sigMu sync.Mutex
	var receivedSignal os.Signal
	go func() {
		select {
		case sig := <-sigCh:
			sigMu.Lock()
			receivedSignal = sig
			sigMu.Unlock()
			cancel()
		case <-ctx.Done():
		}
	}()

	groups := groupTasks(allTasks, opts.MaxIterations)
	if len(groups) == 0 {
		return Result{OK: true}
	}

	originalBase, err := s.shell.GetCurrentBranch(ctx)
	if err != nil {
		return Result{Stage: StageAgent, Message: fmt.Sprintf("resolve base branch: %v", err)}
	}
	s.originalBase = originalBase
	s.worktrees = git.NewWorktreeManager(s.shell.WorkDir(), s.worktreesRoot, originalBase)

	workerCount := opts.MaxParallel
	if workerCount <= 0 {
		workerCount = len(groups)
	}
	if workerCount > len(groups) {
		workerCount = len(groups)
	}
	if workerCount < 1 {
		workerCount = 1
	}

	state := &integrationState{currentBase: originalBase}
	serial := make(chan func(), 1)
	var serialWG sync.WaitGroup
	serialWG.Add(1)
	go func() {
		defer serialWG.Done()
		for fn := range serial {
			fn()
		}
	}()

	queue := make(chan group, len(groups))
	for _, g := range groups {
		queue <- g
	}
	close(queue)

	var allResults []TaskResult

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workerCount)

	for g := range queue {
		g := g
		eg.Go(func() error {
			results, branchName, failure := s.runGroup(egCtx, g, opts)

			done := make(chan struct{})
			serial <- func() {
				defer close(done)
				allResults = append(allResults, results...)
				if failure != nil {
					if state.failed == nil {
						state.failed = failure
					}
					return
				}
				if branchName == "" {
					return
				}
				state.parallelBranches = append(state.parallelBranches, branchName)
				if s.sourceIsYAML && len(groups) > 1 {
					integrationBranch, err := s.promoteIntegrationBranch(egCtx, state.currentBase, branchName, g.name)
					if err != nil {
						if state.failed == nil {
							state.failed = &Result{Stage: StageMerge, Message: err.Error()}
						}
						return
					}
					state.currentBase = integrationBranch
					state.integrationBranches = append(state.integrationBranches, integrationBranch)
				}
			}
			<-done
			return nil
		})
	}

	_ = eg.Wait()
	close(serial)
	serialWG.Wait()

	sort.Slice(allResults, func(i, j int) bool { return allResults[i].Index < allResults[j].Index })

	sigMu.Lock()
	sig := receivedSignal
	sigMu.Unlock()
	if sig != nil {
		cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelCleanup()
		_ = s.worktrees.Cleanup(cleanupCtx, git.CleanupOptions{PreserveDirty: true, RemoveBranches: false})
		return Result{Stage: StageAgent, Message: fmt.Sprintf("interrupted by signal: %v", sig), Tasks: allResults}
	}

	// On every outcome other than a signal (handled above), worktrees are removed once here,
	// before finalIntegration tries to
	// delete any branch still checked out in one of them (§4.6 "cleanup invoked once").
	cleanupErr := s.worktrees.Cleanup(ctx, git.CleanupOptions{RemoveBranches: false})

	if state.failed != nil {
		state.failed.Tasks = allResults
		return *state.failed
	}
	if cleanupErr != nil {
		return Result{Stage: StageMerge, Message: fmt.Sprintf("cleanup worktrees: %v", cleanupErr), Tasks: allResults}
	}

	if err := s.finalIntegration(ctx, originalBase, state); err != nil {
		return Result{Stage: StageMerge, Message: err.Error(), Tasks: allResults}
	}

	return Result{OK: true, Tasks: allResults}
}

// runGroup allocates a worktree for g, copies the task source into it, and runs each of the
// group's tasks serially in source order, marking completion against the worktree's copy.
func (s *Scheduler) runGroup(ctx context.Context, g group, opts Options) ([]TaskResult, string, *Result) {
	s.allocMu.Lock()
	alloc, err := s.worktrees.Allocate(ctx, s.shell.WorkDir(), g.name, s.sourcePath)
	s.allocMu.Unlock()
	if err != nil {
		return nil, "", &Result{Stage: StageAgent, Message: fmt.Sprintf("allocate worktree for group %q: %v", g.name, err)}
	}

	copiedSourcePath := relocatedSourcePath(s.shell.WorkDir(), alloc.Path, s.sourcePath)

	adapter := s.adapterFactory(alloc.Path, copiedSourcePath)
	exec := s.execFactory(alloc.Path)

	var results []TaskResult
	for _, task := range g.tasks {
		execResult, err := exec.Execute(ctx, prompt.TaskInput{Text: task.Text, Group: task.Group}, executor.Options{
			Engine:     opts.Engine,
			Rules:      opts.Rules,
			Boundaries: opts.Boundaries,
			SkipTests:  opts.SkipTests,
			SkipLint:   opts.SkipLint,
			AutoCommit: opts.AutoCommit,
			MaxRetries: opts.MaxRetries,
		})

		tr := TaskResult{Index: task.Index, Task: task.Text, Group: g.name}
		if err != nil || execResult.Status != executor.StatusOK {
			tr.Status = executor.StatusError
			if err != nil {
				tr.Error = err.Error()
			} else {
				tr.Error = execResult.Error
			}
			results = append(results, tr)
			return results, "", &Result{Stage: StageAgent, Message: tr.Error}
		}

		tr.Status = executor.StatusOK
		results = append(results, tr)

		if _, err := adapter.Complete(task.Text); err != nil {
			return results, "", &Result{Stage: StageComplete, Message: err.Error()}
		}
	}

	return results, alloc.Branch, nil
}

// relocatedSourcePath mirrors WorktreeManager.Allocate's own placement of the copied task
// source, so the adapter built for this worktree points at the same file Allocate wrote.
func relocatedSourcePath(workDir, worktreePath, sourcePath string) string {
	rel, err := filepath.Rel(workDir, sourcePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(sourcePath)
	}
	return filepath.Join(worktreePath, rel)
}

// promoteIntegrationBranch merges branchName into a fresh integration branch cut from base,
// restoring the prior HEAD afterward, per §4.8's serialized integration-branch chaining.
func (s *Scheduler) promoteIntegrationBranch(ctx context.Context, base, branchName, groupName string) (string, error) {
	prior, err := s.shell.GetCurrentBranch(ctx)
	if err != nil {
		return "", err
	}

	existing, err := s.shell.ListBranches(ctx)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, name := range existing {
		taken[name] = true
	}
	integrationBranch := "ralphy/integration-group-" + git.Slug(groupName)
	for n, candidate := 2, integrationBranch; taken[candidate]; n++ {
		candidate = fmt.Sprintf("%s-%d", integrationBranch, n)
		integrationBranch = candidate
	}

	if err := s.shell.CheckoutNewBranch(ctx, integrationBranch, base); err != nil {
		return "", err
	}
	if err := s.shell.Merge(ctx, branchName); err != nil {
		_ = s.shell.MergeAbort(ctx)
		_ = s.shell.Checkout(ctx, prior)
		_ = s.shell.DeleteBranch(ctx, integrationBranch)
		return "", fmt.Errorf("merging group %q into integration branch: %w", groupName, err)
	}
	if err := s.shell.Checkout(ctx, prior); err != nil {
		return "", err
	}
	return integrationBranch, nil
}

// finalIntegration merges the scheduler's accumulated branches back into originalBase after
// all workers have drained, per §4.8's "Final integration" step.
func (s *Scheduler) finalIntegration(ctx context.Context, originalBase string, state *integrationState) error {
	if err := s.shell.Checkout(ctx, originalBase); err != nil {
		return err
	}

	if len(state.integrationBranches) > 0 {
		last := state.integrationBranches[len(state.integrationBranches)-1]
		if err := s.shell.Merge(ctx, last); err != nil {
			return fmt.Errorf("merging final integration branch: %w", err)
		}
		for _, b := range state.integrationBranches {
			_ = s.shell.DeleteBranch(ctx, b)
		}
		for _, b := range state.parallelBranches {
			_ = s.shell.DeleteBranch(ctx, b)
		}
		return nil
	}

	var unresolved []string
	for _, branch := range state.parallelBranches {
		if err := s.shell.Merge(ctx, branch); err != nil {
			if s.mergeFactory != nil {
				resolver := s.mergeFactory(s.shell.WorkDir())
				if resolveErr := resolver.Resolve(ctx); resolveErr == nil {
					_ = s.shell.DeleteBranch(ctx, branch)
					continue
				}
			}
			unresolved = append(unresolved, branch)
			continue
		}
		_ = s.shell.DeleteBranch(ctx, branch)
	}

	if len(unresolved) > 0 {
		return fmt.Errorf("merge conflicts remain in: %v", unresolved)
	}
	return nil
}

// groupTasks parses the backlog into parallel_group buckets, preserving first-seen group
// order, filtering completed tasks, and truncating to maxIterations if finite.
func groupTasks(tasks []taskstore.Task, maxIterations *int) []group {
	var incomplete []taskstore.Task
	for _, t := range tasks {
		if !t.Completed {
			incomplete = append(incomplete, t)
		}
	}
	if maxIterations != nil && len(incomplete) > *maxIterations {
		incomplete = incomplete[:*maxIterations]
	}

	order := make([]string, 0)
	byGroup := make(map[string][]taskstore.Task)
	for _, t := range incomplete {
		name := t.Group
		if name == "" {
			name = "default"
		}
		if _, ok := byGroup[name]; !ok {
			order = append(order, name)
		}
		byGroup[name] = append(byGroup[name], t)
	}

	groups := make([]group, 0, len(order))
	for _, name := range order {
		groups = append(groups, group{name: name, tasks: byGroup[name]})
	}
	return groups
}
