// Package state manages the .ralphy directory layout: config, progress log, worktree
// roots, run logs, and the single state.json file holding the paused flag and budget state.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yarlson/ralphy/internal/budget"
)

// RalphyDir is the top-level state directory name, rooted at the project's cwd.
const RalphyDir = ".ralphy"

// Dir returns the path to the .ralphy directory.
func Dir(root string) string {
	return filepath.Join(root, RalphyDir)
}

// ConfigPath returns the path to the project config file.
func ConfigPath(root string) string {
	return filepath.Join(root, RalphyDir, "config.yaml")
}

// ProgressPath returns the path to the append-only progress log.
func ProgressPath(root string) string {
	return filepath.Join(root, RalphyDir, "progress.txt")
}

// WorktreesDir returns the path to the parallel worktree root.
func WorktreesDir(root string) string {
	return filepath.Join(root, RalphyDir, "worktrees")
}

// LogsDir returns the path to the structured run-log directory.
func LogsDir(root string) string {
	return filepath.Join(root, RalphyDir, "logs")
}

// StatePath returns the path to state.json.
func StatePath(root string) string {
	return filepath.Join(root, RalphyDir, "state.json")
}

// EnsureDir creates the .ralphy directory and its worktrees/logs subdirectories if
// missing. It is idempotent. config.yaml, progress.txt, and state.json are files this
// package never creates proactively; each is created on first write by its own owner.
func EnsureDir(root string) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return fmt.Errorf("root directory does not exist: %s", root)
	}

	dirs := []string{Dir(root), WorktreesDir(root), LogsDir(root)}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// FileState is the persisted contents of state.json.
type FileState struct {
	Paused bool          `json:"paused"`
	Budget *budget.State `json:"budget,omitempty"`
}

// Load reads state.json. A missing file returns a zero-value FileState, not an error.
func Load(root string) (*FileState, error) {
	data, err := os.ReadFile(StatePath(root))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &FileState{}, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	fs := &FileState{}
	if err := json.Unmarshal(data, fs); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	return fs, nil
}

// Save writes fs to state.json atomically (temp file + rename), matching the rest of this
// module's file-adapter convention for surviving a crash mid-write.
func Save(root string, fs *FileState) error {
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state file: %w", err)
	}

	dir := Dir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, StatePath(root)); err != nil {
		return fmt.Errorf("renaming state file into place: %w", err)
	}
	return nil
}

// IsPaused reports the persisted paused flag.
func IsPaused(root string) (bool, error) {
	fs, err := Load(root)
	if err != nil {
		return false, err
	}
	return fs.Paused, nil
}

// SetPaused persists the paused flag, preserving any stored budget state.
func SetPaused(root string, paused bool) error {
	fs, err := Load(root)
	if err != nil {
		return err
	}
	fs.Paused = paused
	return Save(root, fs)
}

// SaveBudgetState persists the budget tracker's state, preserving the paused flag.
func SaveBudgetState(root string, bs *budget.State) error {
	fs, err := Load(root)
	if err != nil {
		return err
	}
	fs.Budget = bs
	return Save(root, fs)
}

// LoadBudgetState returns the persisted budget state, or a fresh one starting now if none
// was ever saved.
func LoadBudgetState(root string) (*budget.State, error) {
	fs, err := Load(root)
	if err != nil {
		return nil, err
	}
	if fs.Budget != nil {
		return fs.Budget, nil
	}
	return &budget.State{StartTime: time.Now()}, nil
}
