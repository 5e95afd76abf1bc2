package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMockBinary creates an executable script named binName under a fresh directory and
// returns that directory, so callers can prepend it to PATH and intercept the engine's
// hard-coded binary name without a real agent CLI installed.
func writeMockBinary(t *testing.T, binName, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, binName)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"+script), 0755))
	return dir
}

func pathEnv(t *testing.T, mockDir string) map[string]string {
	t.Helper()
	return map[string]string{"PATH": mockDir + ":" + os.Getenv("PATH")}
}

func TestSubprocessInvoker_Implements_Invoker(t *testing.T) {
	var _ Invoker = (*SubprocessInvoker)(nil)
}

func TestSubprocessInvoker_CapturesStdoutAndExitCode(t *testing.T) {
	mockDir := writeMockBinary(t, "claude", `echo '{"type":"result","result":"done"}'`)
	invoker := NewSubprocessInvoker()

	result, err := invoker.Invoke(context.Background(), Request{
		Engine: EngineClaude,
		Prompt: "do something",
		Cwd:    t.TempDir(),
		Env:    pathEnv(t, mockDir),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, `"result":"done"`)
}

func TestSubprocessInvoker_NonZeroExitStillReturnsResult(t *testing.T) {
	mockDir := writeMockBinary(t, "claude", `echo '{"type":"result","result":"oops"}'; exit 3`)
	invoker := NewSubprocessInvoker()

	result, err := invoker.Invoke(context.Background(), Request{
		Engine: EngineClaude,
		Prompt: "do something",
		Cwd:    t.TempDir(),
		Env:    pathEnv(t, mockDir),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestSubprocessInvoker_CommandNotFound(t *testing.T) {
	invoker := NewSubprocessInvoker()
	_, err := invoker.Invoke(context.Background(), Request{
		Engine: EngineClaude,
		Prompt: "hi",
		Cwd:    t.TempDir(),
		Env:    map[string]string{"PATH": t.TempDir()},
	})
	assert.Error(t, err)
}

func TestSubprocessInvoker_MergesCallerEnvOverEngineEnv(t *testing.T) {
	mockDir := writeMockBinary(t, "opencode", `echo "{\"type\":\"result\",\"result\":\"$OPENCODE_PERMISSION\"}"`)
	invoker := NewSubprocessInvoker()

	env := pathEnv(t, mockDir)
	env["OPENCODE_PERMISSION"] = `{"*":"deny"}`

	result, err := invoker.Invoke(context.Background(), Request{
		Engine: EngineOpenCode,
		Prompt: "x",
		Cwd:    t.TempDir(),
		Env:    env,
	})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, `deny`)
}

func TestSubprocessInvoker_SetsWorkingDirectory(t *testing.T) {
	mockDir := writeMockBinary(t, "claude", `echo "{\"type\":\"result\",\"result\":\"$(pwd)\"}"`)
	workDir := t.TempDir()
	invoker := NewSubprocessInvoker()

	result, err := invoker.Invoke(context.Background(), Request{
		Engine: EngineClaude,
		Prompt: "x",
		Cwd:    workDir,
		Env:    pathEnv(t, mockDir),
	})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, workDir)
}

func TestSubprocessInvoker_StreamsLinesLive(t *testing.T) {
	mockDir := writeMockBinary(t, "claude", `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'
echo '{"type":"result","result":"done"}'
`)
	invoker := NewSubprocessInvoker()

	var streamed []string
	result, err := invoker.Invoke(context.Background(), Request{
		Engine: EngineClaude,
		Prompt: "x",
		Cwd:    t.TempDir(),
		Env:    pathEnv(t, mockDir),
		Stream: func(line string) { streamed = append(streamed, line) },
	})
	require.NoError(t, err)
	assert.Len(t, streamed, 2)
	assert.Contains(t, result.Stdout, "done")
}

func TestSubprocessInvoker_ContextCancellation(t *testing.T) {
	mockDir := writeMockBinary(t, "claude", `sleep 10`)
	invoker := NewSubprocessInvoker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := invoker.Invoke(ctx, Request{
		Engine: EngineClaude,
		Prompt: "x",
		Cwd:    t.TempDir(),
		Env:    pathEnv(t, mockDir),
	})
	assert.Error(t, err)
}
