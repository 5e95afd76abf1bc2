package taskstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "PRD.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestMarkdownAdapter_Next(t *testing.T) {
	path := writeTemp(t, "- [ ] First task\n- [x] Done\n")
	adapter := NewMarkdownAdapter(path)

	task, err := adapter.Next()
	require.NoError(t, err)
	assert.Equal(t, SourceMarkdown, task.Source)
	assert.Equal(t, "First task", task.Text)
	assert.Equal(t, 1, task.Line)
	assert.False(t, task.Completed)
}

func TestMarkdownAdapter_Next_Empty(t *testing.T) {
	path := writeTemp(t, "- [x] Done\n")
	adapter := NewMarkdownAdapter(path)

	_, err := adapter.Next()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMarkdownAdapter_Complete_PreservesIndent(t *testing.T) {
	path := writeTemp(t, "- [ ] First\n  - [ ] Second")
	adapter := NewMarkdownAdapter(path)

	result, err := adapter.Complete("Second")
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, result.Status)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "- [ ] First\n  - [x] Second", string(data))
}

func TestMarkdownAdapter_Complete_Idempotent(t *testing.T) {
	path := writeTemp(t, "- [ ] First\n")
	adapter := NewMarkdownAdapter(path)

	first, err := adapter.Complete("First")
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, first.Status)

	second, err := adapter.Complete("First")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyComplete, second.Status)
}

func TestMarkdownAdapter_Complete_NotFound(t *testing.T) {
	path := writeTemp(t, "- [ ] First\n")
	adapter := NewMarkdownAdapter(path)

	result, err := adapter.Complete("Missing")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, result.Status)
}

func TestMarkdownAdapter_ParseAll_SourceOrder(t *testing.T) {
	path := writeTemp(t, "- [ ] A\n- [x] B\n* [ ] C\n")
	adapter := NewMarkdownAdapter(path)

	tasks, err := adapter.ParseAll()
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{tasks[0].Text, tasks[1].Text, tasks[2].Text})
	assert.Equal(t, []int{1, 2, 3}, []int{tasks[0].Line, tasks[1].Line, tasks[2].Line})
	assert.True(t, tasks[1].Completed)
	assert.Equal(t, "default", tasks[0].Group)
}
