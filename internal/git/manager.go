// Package git provides Git operations for the Ralph harness.
package git

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common Git failures.
var (
	// ErrNotAGitRepo indicates the directory is not a git repository.
	ErrNotAGitRepo = errors.New("not a git repository")

	// ErrCommitFailed indicates the commit operation failed.
	ErrCommitFailed = errors.New("commit failed")

	// ErrNoCommits indicates the repository has no commits yet (a freshly initialized repo).
	ErrNoCommits = errors.New("repository has no commits")
)

// GitError represents a Git command error with additional context.
type GitError struct {
	// Command is the git command that failed.
	Command string
	// Output is the stderr/stdout output from the command.
	Output string
	// Err is the underlying error (typically a sentinel error).
	Err error
}

// Error returns a formatted error message.
func (e *GitError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("git command %q failed: %s", e.Command, e.Output)
	}
	return fmt.Sprintf("git command %q failed", e.Command)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *GitError) Unwrap() error {
	return e.Err
}

// Manager defines the interface for the Git operations the student operations actually
// exercise: reading branch/commit state and the working tree's dirty files. Branch
// creation/switching and worktree/merge plumbing are ShellManager-specific methods (see
// ops.go, branch.go, worktree.go) rather than part of this interface, since BranchManager
// and WorktreeManager each wrap a concrete *ShellManager directly.
type Manager interface {
	// GetCurrentBranch returns the name of the current branch.
	GetCurrentBranch(ctx context.Context) (string, error)

	// GetCurrentCommit returns the current HEAD commit hash.
	GetCurrentCommit(ctx context.Context) (string, error)

	// HasChanges returns true if there are uncommitted changes in the working tree.
	// This includes both staged and unstaged changes.
	HasChanges(ctx context.Context) (bool, error)

	// GetChangedFiles returns a list of files with uncommitted changes.
	// This includes both staged and unstaged files.
	GetChangedFiles(ctx context.Context) ([]string, error)
}
