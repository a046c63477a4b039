package session

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchd/internal/clock"
	"orchd/internal/project"
	"orchd/internal/state"
	"orchd/internal/tmux"
)

func testManager(t *testing.T) (*Manager, *state.Store, *clock.Fake, string) {
	t.Helper()
	root := t.TempDir()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"), state.LevelModerate)
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	m := NewManager(tmux.NewClient("orchd-test"), project.NewScanner(root), st, clk, "true", "test-model")
	return m, st, clk, root
}

func TestClipPrompt(t *testing.T) {
	assert.Equal(t, "short", clipPrompt("short"))
	long := strings.Repeat("x", 600)
	assert.Len(t, clipPrompt(long), maxStoredPrompt)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}

func TestWindowCommand(t *testing.T) {
	m, _, _, root := testManager(t)

	cmd := m.windowCommand(filepath.Join(root, "api"), "fix the build")
	assert.True(t, strings.HasPrefix(cmd, "true --model 'test-model'"))
	assert.Contains(t, cmd, "'fix the build'")

	bare := m.windowCommand(filepath.Join(root, "api"), "")
	assert.NotContains(t, bare, "''", "empty prompts add no trailing argument")
}

func TestIsRunningAndActiveCount(t *testing.T) {
	m, st, clk, _ := testManager(t)
	assert.False(t, m.IsRunning("api"))
	assert.Zero(t, m.ActiveCount())

	st.UpsertSession(state.Session{
		ProjectName: "api", SessionName: "orch-api-1",
		StartedAt: clk.Now(), Status: state.SessionRunning,
	})
	assert.True(t, m.IsRunning("api"))
	assert.Equal(t, 1, m.ActiveCount())
}

func TestStartRejectsDuplicate(t *testing.T) {
	m, st, clk, _ := testManager(t)
	st.UpsertSession(state.Session{
		ProjectName: "api", SessionName: "orch-api-1",
		StartedAt: clk.Now(), Status: state.SessionRunning,
	})

	err := m.Start(context.Background(), "api", "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestStopWithoutSession(t *testing.T) {
	m, _, _, _ := testManager(t)
	_, err := m.Stop(context.Background(), "api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running session")
}

func TestCheckTimeoutsStopsOnlyExpired(t *testing.T) {
	m, st, clk, _ := testManager(t)

	st.UpsertSession(state.Session{
		ProjectName: "old", SessionName: "orch-old-1",
		StartedAt: clk.Now().Add(-50 * time.Minute), Status: state.SessionRunning,
	})
	st.UpsertSession(state.Session{
		ProjectName: "young", SessionName: "orch-young-1",
		StartedAt: clk.Now().Add(-10 * time.Minute), Status: state.SessionRunning,
	})

	timedOut := m.CheckTimeouts(context.Background(), 45*time.Minute)
	require.Len(t, timedOut, 1)
	assert.Equal(t, "old", timedOut[0].Session.ProjectName)
	assert.Equal(t, state.SessionStopped, timedOut[0].Session.Status)

	assert.False(t, m.IsRunning("old"))
	assert.True(t, m.IsRunning("young"))

	// The forced stop shows up in the execution history like any other.
	execs := st.Snapshot().Executions
	require.Len(t, execs, 1)
	assert.Equal(t, state.ActionStop, execs[0].Action)
	assert.Equal(t, "old", execs[0].Project)
	assert.Equal(t, state.ExecOK, execs[0].Result)
}

func TestHeuristicScore(t *testing.T) {
	cases := []struct {
		commits int
		want    int
	}{
		{0, 1},
		{1, 3},
		{2, 3},
		{3, 4},
		{12, 4},
	}
	for _, tc := range cases {
		got := heuristicScore(state.GitProgress{CommitCount: tc.commits})
		assert.Equal(t, tc.want, got.Score, "%d commits", tc.commits)
		assert.Equal(t, string(state.EvalContinue), got.Recommendation)
	}
}

func TestBuildEvalPromptNoGit(t *testing.T) {
	sess := state.Session{ProjectName: "api", Prompt: "fix the flaky test"}
	p := buildEvalPrompt(sess, state.GitProgress{NoGit: true}, "all done", 30)
	assert.Contains(t, p, "No git repository")
	assert.Contains(t, p, "fix the flaky test")
	assert.Contains(t, p, "all done")
	assert.NotContains(t, p, "Commits:")
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 5))
	assert.Equal(t, "ab", clip("abcdef", 2))
}
