package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// WorktreeAllocation records one worktree the WorktreeManager created, so Cleanup can find
// and remove it later even across goroutines in the parallel scheduler.
type WorktreeAllocation struct {
	Path   string
	Branch string
	Group  string
}

// CleanupOptions controls how Cleanup disposes of recorded allocations.
type CleanupOptions struct {
	// RemoveBranches deletes each allocation's branch after removing its worktree. The zero
	// value keeps the branches, so callers opt in explicitly.
	RemoveBranches bool

	// PreserveDirty keeps a worktree (and its branch) on disk if it has uncommitted changes,
	// instead of force-removing it.
	PreserveDirty bool
}

// WorktreeManager owns a root directory of git worktrees for the parallel scheduler
// (§4.6), one per task group, each on its own branch off a shared base.
type WorktreeManager struct {
	shell *ShellManager
	root  string
	base  string

	allocations []WorktreeAllocation
}

// NewWorktreeManager creates a WorktreeManager rooted at root (conventionally
// <cwd>/.ralphy/worktrees), operating against the repository at workDir with the given base
// branch (falls back to current HEAD if empty, resolved lazily on first Allocate).
func NewWorktreeManager(workDir, root, base string) *WorktreeManager {
	return &WorktreeManager{
		shell: NewShellManager(workDir),
		root:  root,
		base:  base,
	}
}

// Allocate creates a new worktree for group, deriving its branch name from the group's slug
// and disambiguating both the branch name and the on-disk path against what already exists.
// If taskSourcePath is non-empty, that file is copied into the worktree at the same relative
// location under workDir, or its basename if it falls outside workDir.
func (w *WorktreeManager) Allocate(ctx context.Context, workDir, group, taskSourcePath string) (WorktreeAllocation, error) {
	base := w.base
	if base == "" {
		resolved, err := w.shell.GetCurrentBranch(ctx)
		if err != nil {
			return WorktreeAllocation{}, err
		}
		base = resolved
		w.base = resolved
	}

	existingBranches, err := w.shell.ListBranches(ctx)
	if err != nil {
		return WorktreeAllocation{}, err
	}
	takenBranch := make(map[string]bool, len(existingBranches))
	for _, b := range existingBranches {
		takenBranch[b] = true
	}

	slug := Slug(group)
	branchBase := "ralphy/parallel/" + slug
	branch := branchBase
	for n := 2; takenBranch[branch]; n++ {
		branch = fmt.Sprintf("%s-%d", branchBase, n)
	}

	if err := os.MkdirAll(w.root, 0755); err != nil {
		return WorktreeAllocation{}, fmt.Errorf("creating worktree root: %w", err)
	}
	path := filepath.Join(w.root, slug)
	for n := 2; pathExists(path); n++ {
		path = filepath.Join(w.root, fmt.Sprintf("%s-%d", slug, n))
	}

	if err := w.shell.WorktreeAdd(ctx, path, branch, base); err != nil {
		return WorktreeAllocation{}, err
	}

	if taskSourcePath != "" {
		if err := copyIntoWorktree(workDir, path, taskSourcePath); err != nil {
			return WorktreeAllocation{}, err
		}
	}

	alloc := WorktreeAllocation{Path: path, Branch: branch, Group: group}
	w.allocations = append(w.allocations, alloc)
	return alloc, nil
}

// Allocations returns a copy of every allocation recorded so far.
func (w *WorktreeManager) Allocations() []WorktreeAllocation {
	out := make([]WorktreeAllocation, len(w.allocations))
	copy(out, w.allocations)
	return out
}

// Cleanup removes every recorded worktree (and its branch when opts.RemoveBranches is set), skipping any that
// has uncommitted changes when opts.PreserveDirty is set. Errors are collected across the
// whole pass; allocations that are preserved or that fail to remove remain on the manager's
// list for a later retry.
func (w *WorktreeManager) Cleanup(ctx context.Context, opts CleanupOptions) error {
	var errs []error
	var remaining []WorktreeAllocation

	for _, alloc := range w.allocations {
		if opts.PreserveDirty {
			status, err := w.shell.StatusPorcelainIn(ctx, alloc.Path)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: checking status: %w", alloc.Path, err))
				remaining = append(remaining, alloc)
				continue
			}
			if status != "" {
				remaining = append(remaining, alloc)
				continue
			}
		}

		if err := w.shell.WorktreeRemove(ctx, alloc.Path); err != nil {
			errs = append(errs, fmt.Errorf("%s: removing worktree: %w", alloc.Path, err))
			remaining = append(remaining, alloc)
			continue
		}

		if opts.RemoveBranches {
			if err := w.shell.DeleteBranch(ctx, alloc.Branch); err != nil {
				errs = append(errs, fmt.Errorf("%s: deleting branch: %w", alloc.Branch, err))
			}
		}
	}

	w.allocations = remaining
	return errors.Join(errs...)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyIntoWorktree(workDir, worktreePath, sourcePath string) error {
	rel, err := filepath.Rel(workDir, sourcePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(sourcePath)
	}

	dest := filepath.Join(worktreePath, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating task source parent directory in worktree: %w", err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening task source for copy: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat task source: %w", err)
	}

	tmp := dest + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return fmt.Errorf("creating task source copy: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copying task source into worktree: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing task source copy: %w", err)
	}
	return os.Rename(tmp, dest)
}
