package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_Go(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0644))
	assert.Equal(t, "go", Detect(dir).Language)
}

func TestDetect_Node(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0644))
	assert.Equal(t, "node", Detect(dir).Language)
}

func TestDetect_Python_RequirementsTxt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(""), 0644))
	assert.Equal(t, "python", Detect(dir).Language)
}

func TestDetect_NoMarkersReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, Project{}, Detect(dir))
}
