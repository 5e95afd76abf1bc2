package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yarlson/ralphy/internal/budget"
)

func TestEnsureDir_CreatesExpectedSubdirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureDir(root))

	for _, dir := range []string{Dir(root), WorktreesDir(root), LogsDir(root)} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestEnsureDir_Idempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureDir(root))
	require.NoError(t, EnsureDir(root))
}

func TestEnsureDir_MissingRoot(t *testing.T) {
	err := EnsureDir(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestLoad_MissingFileReturnsZeroValue(t *testing.T) {
	root := t.TempDir()
	fs, err := Load(root)
	require.NoError(t, err)
	assert.False(t, fs.Paused)
	assert.Nil(t, fs.Budget)
}

func TestSaveAndLoad_RoundTrips(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Save(root, &FileState{Paused: true, Budget: &budget.State{Iterations: 3}}))

	fs, err := Load(root)
	require.NoError(t, err)
	assert.True(t, fs.Paused)
	require.NotNil(t, fs.Budget)
	assert.Equal(t, 3, fs.Budget.Iterations)
}

func TestSetPaused_PreservesBudgetState(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Save(root, &FileState{Budget: &budget.State{Iterations: 5}}))

	require.NoError(t, SetPaused(root, true))

	fs, err := Load(root)
	require.NoError(t, err)
	assert.True(t, fs.Paused)
	require.NotNil(t, fs.Budget)
	assert.Equal(t, 5, fs.Budget.Iterations)
}

func TestIsPaused_DefaultsFalse(t *testing.T) {
	root := t.TempDir()
	paused, err := IsPaused(root)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestSaveAndLoadBudgetState_PreservesPausedFlag(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, SetPaused(root, true))

	require.NoError(t, SaveBudgetState(root, &budget.State{Iterations: 7}))

	fs, err := Load(root)
	require.NoError(t, err)
	assert.True(t, fs.Paused)
	assert.Equal(t, 7, fs.Budget.Iterations)
}

func TestLoadBudgetState_FreshWhenNeverSaved(t *testing.T) {
	root := t.TempDir()
	bs, err := LoadBudgetState(root)
	require.NoError(t, err)
	assert.Equal(t, 0, bs.Iterations)
	assert.False(t, bs.StartTime.IsZero())
}
