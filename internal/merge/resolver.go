// Package merge implements the AI Merge Resolver (SPEC_FULL.md §4.9): when the parallel
// scheduler hits a direct merge conflict, one agent invocation is given the conflicted file
// list and asked to resolve, stage, and commit; the resolver re-checks rather than trusting
// the agent's report.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yarlson/ralphy/internal/agent"
)

// ErrUnresolved is returned when conflicts remain after the agent's attempt.
var ErrUnresolved = errors.New("merge conflict could not be resolved automatically")

// ConflictChecker is the git surface the resolver needs, satisfied by *git.ShellManager.
type ConflictChecker interface {
	ConflictedFiles(ctx context.Context) ([]string, error)
	InMerge(ctx context.Context) bool
	MergeAbort(ctx context.Context) error
	CommitNoVerify(ctx context.Context, message string) (string, error)
}

// Resolver drives one AI-assisted conflict-resolution attempt.
type Resolver struct {
	invoker agent.Invoker
	git     ConflictChecker
	workDir string
	engine  agent.Engine
}

// New creates a Resolver. workDir is the directory the agent process runs in, normally the
// conflicted worktree's root.
func New(invoker agent.Invoker, git ConflictChecker, workDir string, engine agent.Engine) *Resolver {
	return &Resolver{invoker: invoker, git: git, workDir: workDir, engine: engine}
}

// Resolve invokes the agent once against the currently conflicted files, then re-lists
// conflicts: if none remain and a merge is still in progress, it finalizes with
// `git commit --no-verify -m "Merge resolved by ralphy"`, which skips commit hooks and does
// not use git's default merge message; if any remain, it aborts the merge and returns
// ErrUnresolved.
func (r *Resolver) Resolve(ctx context.Context) error {
	conflicted, err := r.git.ConflictedFiles(ctx)
	if err != nil {
		return fmt.Errorf("listing conflicted files: %w", err)
	}
	if len(conflicted) == 0 {
		return nil
	}

	prompt := buildPrompt(conflicted)
	invokeResult, invokeErr := r.invoker.Invoke(ctx, agent.Request{
		Engine: r.engine,
		Prompt: prompt,
		Cwd:    r.workDir,
	})

	outcome, parseErr := agent.Parse(r.engine, invokeResult.Stdout, "")
	if invokeErr == nil && parseErr == nil {
		_ = agent.Classify(invokeResult, outcome)
	}

	remaining, err := r.git.ConflictedFiles(ctx)
	if err != nil {
		return fmt.Errorf("re-listing conflicted files: %w", err)
	}

	if len(remaining) == 0 {
		if r.git.InMerge(ctx) {
			if _, err := r.git.CommitNoVerify(ctx, "Merge resolved by ralphy"); err != nil {
				return fmt.Errorf("finalizing resolved merge: %w", err)
			}
		}
		return nil
	}

	_ = r.git.MergeAbort(ctx)
	return ErrUnresolved
}

// buildPrompt renders the literal instruction the agent receives: read each conflicted
// file, remove conflict markers, stage, and commit.
func buildPrompt(files []string) string {
	var b strings.Builder
	b.WriteString("A git merge has produced conflicts in the following files:\n\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nFor each file: read it, resolve the conflict by choosing or combining the " +
		"correct content, and remove all conflict markers (<<<<<<<, =======, >>>>>>>). " +
		"Then run `git add` on every resolved file and `git commit --no-edit` to finish the merge.")
	return b.String()
}
