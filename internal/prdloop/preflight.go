package prdloop

import (
	"os"
	"path/filepath"

	"github.com/yarlson/ralphy/internal/preflight"
)

// PreflightFailure names which §4.7 pre-flight requirement was not met.
type PreflightFailure struct {
	Reason  string
	Message string
}

// RunPreflight checks the three requirements §4.7 lists before a run starts: a git
// repository, the configured task source existing (skipped for issue-tracker sources,
// which need no local file), and every registered manifest/install-artifact pair (§10.2).
// It returns structurally rather than erroring, per §4.7's "returned structurally, not
// thrown" instruction.
func RunPreflight(cwd string, taskSourcePath string, hasIssueTracker bool, manifestChecks []preflight.ManifestCheck) (*PreflightFailure, error) {
	if _, err := os.Stat(filepath.Join(cwd, ".git")); err != nil {
		if os.IsNotExist(err) {
			return &PreflightFailure{Reason: "no-git", Message: ".git directory not found"}, nil
		}
		return nil, err
	}

	if !hasIssueTracker {
		if _, err := os.Stat(taskSourcePath); err != nil {
			if os.IsNotExist(err) {
				return &PreflightFailure{Reason: "no-task-source", Message: "task source file not found: " + taskSourcePath}, nil
			}
			return nil, err
		}
	}

	failures, err := preflight.Run(cwd, manifestChecks)
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		f := failures[0]
		return &PreflightFailure{
			Reason:  "missing-install-artifact",
			Message: f.Manifest + " declares dependencies but " + f.Artifact + " is missing; run the project's install step first",
		}, nil
	}

	return nil, nil
}
