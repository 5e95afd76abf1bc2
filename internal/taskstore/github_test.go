package taskstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGHRunner struct {
	responses map[string]string
	calls     []string
}

func (f *fakeGHRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	for k, v := range f.responses {
		if strings.Contains(key, k) {
			return v, nil
		}
	}
	return "", nil
}

func TestGitHubAdapter_Next(t *testing.T) {
	runner := &fakeGHRunner{responses: map[string]string{
		"--state open": `[{"number":1,"title":"Fix bug","url":"https://example/1","state":"OPEN"}]`,
	}}
	adapter := NewGitHubAdapter("owner/repo", "", runner)

	task, err := adapter.Next()
	require.NoError(t, err)
	assert.Equal(t, "Fix bug", task.Text)
	assert.Equal(t, 1, task.Number)
	assert.Equal(t, SourceGitHub, task.Source)
}

func TestGitHubAdapter_Next_Empty(t *testing.T) {
	runner := &fakeGHRunner{responses: map[string]string{"--state open": `[]`}}
	adapter := NewGitHubAdapter("owner/repo", "", runner)

	_, err := adapter.Next()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestGitHubAdapter_Complete_ClosesOpenIssue(t *testing.T) {
	runner := &fakeGHRunner{responses: map[string]string{
		"--state all":   `[{"number":2,"title":"Add feature","url":"https://example/2","state":"OPEN"}]`,
		"issue view":    `{"state":"OPEN"}`,
	}}
	adapter := NewGitHubAdapter("owner/repo", "", runner)

	result, err := adapter.Complete("Add feature")
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, result.Status)

	found := false
	for _, c := range runner.calls {
		if strings.Contains(c, "issue close") {
			found = true
		}
	}
	assert.True(t, found, "expected an issue close call, got %v", runner.calls)
}

func TestGitHubAdapter_Complete_AlreadyClosed(t *testing.T) {
	runner := &fakeGHRunner{responses: map[string]string{
		"--state all": `[{"number":3,"title":"Old task","url":"https://example/3","state":"CLOSED"}]`,
		"issue view":  `{"state":"CLOSED"}`,
	}}
	adapter := NewGitHubAdapter("owner/repo", "", runner)

	result, err := adapter.Complete("Old task")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyComplete, result.Status)
}

func TestGitHubAdapter_Complete_NotFound(t *testing.T) {
	runner := &fakeGHRunner{responses: map[string]string{"--state all": `[]`}}
	adapter := NewGitHubAdapter("owner/repo", "", runner)

	result, err := adapter.Complete("Missing")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, result.Status)
}
