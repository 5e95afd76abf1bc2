package git

import (
	"context"
	"strings"
)

// StashPush stashes working-tree changes (including untracked files) under message and
// returns the stash ref (e.g. "stash@{0}"), or "" if there was nothing to stash.
func (m *ShellManager) StashPush(ctx context.Context, message string) (string, error) {
	dirty, err := m.HasChanges(ctx)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}
	if _, err := m.runGit(ctx, "stash", "push", "-u", "-m", message); err != nil {
		return "", err
	}
	return m.runGit(ctx, "stash", "list", "--format=%gd", "-n", "1")
}

// StashPop pops the most recent stash entry. A no-op if ref is empty.
func (m *ShellManager) StashPop(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	_, err := m.runGit(ctx, "stash", "pop")
	return err
}

// Checkout switches the working tree to an existing branch without creating one.
func (m *ShellManager) Checkout(ctx context.Context, branch string) error {
	_, err := m.runGit(ctx, "checkout", branch)
	return err
}

// CheckoutNewBranch creates branch from base and switches to it.
func (m *ShellManager) CheckoutNewBranch(ctx context.Context, branch, base string) error {
	_, err := m.runGit(ctx, "checkout", "-b", branch, base)
	return err
}

// BranchExists reports whether branch is a known local ref.
func (m *ShellManager) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := m.runGit(ctx, "rev-parse", "--verify", "--quiet", branch)
	if err == nil {
		return true, nil
	}
	var gitErr *GitError
	if asGitError(err, &gitErr) && gitErr.Output == "" {
		return false, nil
	}
	return false, err
}

// ListBranches returns local branch names (short form, no "refs/heads/" prefix).
func (m *ShellManager) ListBranches(ctx context.Context) ([]string, error) {
	out, err := m.runGit(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// DeleteBranch force-deletes a local branch.
func (m *ShellManager) DeleteBranch(ctx context.Context, branch string) error {
	_, err := m.runGit(ctx, "branch", "-D", branch)
	return err
}

// WorktreeAdd creates a new worktree at path on a new branch created from base.
func (m *ShellManager) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	_, err := m.runGit(ctx, "worktree", "add", "-b", branch, path, base)
	return err
}

// WorktreeRemove force-removes the worktree at path.
func (m *ShellManager) WorktreeRemove(ctx context.Context, path string) error {
	_, err := m.runGit(ctx, "worktree", "remove", "--force", path)
	return err
}

// StatusPorcelainIn runs `git status --porcelain` against an arbitrary directory (e.g. a
// worktree path) rather than the manager's own workDir.
func (m *ShellManager) StatusPorcelainIn(ctx context.Context, dir string) (string, error) {
	sub := NewShellManager(dir)
	return sub.runGit(ctx, "status", "--porcelain")
}

// ConflictedFiles lists files with unresolved merge conflicts (status code "UU"/"AA"/etc.).
func (m *ShellManager) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := m.runGit(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Merge merges other into the current branch without committing automatically on conflict;
// a non-nil error with no ErrCommitFailed wrapping indicates a conflicted merge the caller
// must inspect via ConflictedFiles/InMerge.
func (m *ShellManager) Merge(ctx context.Context, other string) error {
	_, err := m.runGit(ctx, "merge", "--no-edit", other)
	return err
}

// MergeAbort aborts an in-progress conflicted merge.
func (m *ShellManager) MergeAbort(ctx context.Context) error {
	_, err := m.runGit(ctx, "merge", "--abort")
	return err
}

// InMerge reports whether a merge is in progress (MERGE_HEAD exists).
func (m *ShellManager) InMerge(ctx context.Context) bool {
	_, err := m.runGit(ctx, "rev-parse", "--verify", "--quiet", "MERGE_HEAD")
	return err == nil
}

// AddAll stages all changes without committing, used by the merge resolver after the agent
// resolves conflicts by hand.
func (m *ShellManager) AddAll(ctx context.Context) error {
	_, err := m.runGit(ctx, "add", "-A")
	return err
}

// CommitNoVerify commits currently staged changes with message, bypassing hooks — used to
// finalize a conflict resolution once the agent has staged its fix.
func (m *ShellManager) CommitNoVerify(ctx context.Context, message string) (string, error) {
	if _, err := m.runGit(ctx, "commit", "--no-verify", "-m", message); err != nil {
		return "", &GitError{Command: "git commit --no-verify", Output: err.Error(), Err: ErrCommitFailed}
	}
	return m.GetCurrentCommit(ctx)
}

func asGitError(err error, target **GitError) bool {
	if ge, ok := err.(*GitError); ok {
		*target = ge
		return true
	}
	return false
}
