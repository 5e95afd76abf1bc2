package prdloop

import "context"

// CommandRunner abstracts the external `gh` invocation, the same DI seam
// taskstore.CommandRunner gives the GitHub adapter, so the PR helper is testable without
// forking a process.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

// CreatePR shells out to `gh pr create`, passing headBranch through unsanitized per
// §9(a)'s documented ambiguity (a branch name containing a space is not escaped or
// rejected here; that is carried, not resolved).
func CreatePR(ctx context.Context, runner CommandRunner, headBranch, baseBranch, title string, draft bool) (string, error) {
	args := []string{"pr", "create", "--head", headBranch, "--base", baseBranch, "--title", title, "--body", ""}
	if draft {
		args = append(args, "--draft")
	}
	return runner.Run(ctx, "gh", args...)
}
