package git

import (
	"context"
	"fmt"
)

// BranchManager implements the per-task, sequential branch lifecycle of §4.5: prepare once
// per run, checkout a fresh branch per task, return to the base branch when the task
// finishes, and restore the original state on cleanup.
type BranchManager struct {
	shell *ShellManager

	configuredBase string
	originalBranch string
	baseBranch     string
	stashRef       string
}

// NewBranchManager creates a BranchManager operating against the given git working
// directory. configuredBase, if non-empty, pins the base branch instead of inferring it from
// HEAD at Prepare time.
func NewBranchManager(workDir, configuredBase string) *BranchManager {
	return &BranchManager{
		shell:          NewShellManager(workDir),
		configuredBase: configuredBase,
	}
}

// Prepare captures the current branch, stashes dirty working-tree state if any, and checks
// out the base branch if it differs from the one the run started on.
func (b *BranchManager) Prepare(ctx context.Context) error {
	original, err := b.shell.GetCurrentBranch(ctx)
	if err != nil {
		return err
	}
	b.originalBranch = original

	b.baseBranch = b.configuredBase
	if b.baseBranch == "" {
		b.baseBranch = original
	}

	stashRef, err := b.shell.StashPush(ctx, "ralphy: branch-per-task")
	if err != nil {
		return err
	}
	b.stashRef = stashRef

	if b.baseBranch != original {
		if err := b.shell.Checkout(ctx, b.baseBranch); err != nil {
			return err
		}
	}
	return nil
}

// CheckoutForTask creates a branch ralphy/<slug(taskTitle)>, disambiguated against the live
// branch list, checked out from the base branch, and returns its name.
func (b *BranchManager) CheckoutForTask(ctx context.Context, taskTitle string) (string, error) {
	existing, err := b.shell.ListBranches(ctx)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, name := range existing {
		taken[name] = true
	}

	base := "ralphy/" + Slug(taskTitle)
	branch := base
	for n := 2; taken[branch]; n++ {
		branch = fmt.Sprintf("%s-%d", base, n)
	}

	if err := b.shell.CheckoutNewBranch(ctx, branch, b.baseBranch); err != nil {
		return "", err
	}
	return branch, nil
}

// FinishTask returns to the base branch, leaving the task branch and its commits in place.
func (b *BranchManager) FinishTask(ctx context.Context) error {
	return b.shell.Checkout(ctx, b.baseBranch)
}

// Cleanup restores the branch the run started on and pops the stash recorded by Prepare.
func (b *BranchManager) Cleanup(ctx context.Context) error {
	if b.originalBranch != "" {
		if err := b.shell.Checkout(ctx, b.originalBranch); err != nil {
			return err
		}
	}
	return b.shell.StashPop(ctx, b.stashRef)
}

// BaseBranch returns the resolved base branch (valid only after Prepare).
func (b *BranchManager) BaseBranch() string { return b.baseBranch }
