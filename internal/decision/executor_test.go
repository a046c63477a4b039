package decision

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchd/internal/clock"
	"orchd/internal/config"
	"orchd/internal/notify"
	"orchd/internal/project"
	"orchd/internal/session"
	"orchd/internal/state"
	"orchd/internal/tmux"
)

type recordingTransport struct{ sent []string }

func (r *recordingTransport) Send(_ context.Context, text string) error {
	r.sent = append(r.sent, text)
	return nil
}

func testExecutor(t *testing.T, level state.AutonomyLevel) (*Executor, *state.Store, *recordingTransport, *clock.Fake) {
	t.Helper()
	cfg := config.DefaultConfig()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"), level)
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	scanner := project.NewScanner(t.TempDir())
	tr := &recordingTransport{}
	notifier := notify.New(tr, clk, notify.Options{DailyBudget: 100, Location: time.UTC})

	sessions := session.NewManager(tmux.NewClient("orchd-test"), scanner, st, clk, "true", "test")
	policy := NewPolicy(cfg, st, scanner, nil, clk)
	// nil monitor skips the memory precondition.
	return NewExecutor(cfg, st, sessions, notifier, nil, policy, clk), st, tr, clk
}

func allowed(r state.Recommendation) state.EvaluatedRecommendation {
	return state.EvaluatedRecommendation{Recommendation: r, Allowed: true}
}

func TestExecuteSkipsDisallowed(t *testing.T) {
	e, st, _, _ := testExecutor(t, state.LevelFull)

	e.Execute(context.Background(), []state.EvaluatedRecommendation{{
		Recommendation: rec("A", state.ActionStart),
		Allowed:        false,
		BlockedReason:  state.BlockAutonomy,
	}})
	assert.Empty(t, st.Snapshot().Executions, "blocked recommendations produce no execution record")
}

func TestExecuteNotify(t *testing.T) {
	e, st, tr, _ := testExecutor(t, state.LevelCautious)

	r := rec("", state.ActionNotify)
	r.Reason = "portfolio looks healthy"
	r.NotificationTier = 2
	e.Execute(context.Background(), []state.EvaluatedRecommendation{allowed(r)})

	require.Len(t, tr.sent, 1)
	assert.Contains(t, tr.sent[0], "portfolio looks healthy")

	execs := st.Snapshot().Executions
	require.Len(t, execs, 1)
	assert.Equal(t, state.ExecOK, execs[0].Result)
	assert.Equal(t, state.LevelCautious, execs[0].AutonomyLevel)
}

func TestStopWithoutRunningSessionBlocked(t *testing.T) {
	e, st, _, _ := testExecutor(t, state.LevelFull)

	e.Execute(context.Background(), []state.EvaluatedRecommendation{allowed(rec("A", state.ActionStop))})

	execs := st.Snapshot().Executions
	require.Len(t, execs, 1)
	assert.Equal(t, state.ExecBlocked, execs[0].Result)
	assert.Contains(t, execs[0].Error, "no running session")
}

func TestStartBlockedWhenAlreadyRunning(t *testing.T) {
	e, st, _, clk := testExecutor(t, state.LevelFull)
	st.UpsertSession(state.Session{
		ProjectName: "A",
		SessionName: "orch-A-1234",
		StartedAt:   clk.Now(),
		Status:      state.SessionRunning,
	})

	e.Execute(context.Background(), []state.EvaluatedRecommendation{allowed(rec("A", state.ActionStart))})

	execs := st.Snapshot().Executions
	require.Len(t, execs, 1)
	assert.Equal(t, state.ExecBlocked, execs[0].Result)
	assert.Contains(t, execs[0].Error, "already running")
}

func TestStartBlockedAtConcurrencyCap(t *testing.T) {
	e, st, _, clk := testExecutor(t, state.LevelFull)
	e.cfg.AI.MaxConcurrentSessions = 1
	st.UpsertSession(state.Session{
		ProjectName: "B",
		SessionName: "orch-B-1234",
		StartedAt:   clk.Now(),
		Status:      state.SessionRunning,
	})

	e.Execute(context.Background(), []state.EvaluatedRecommendation{allowed(rec("A", state.ActionStart))})

	execs := st.Snapshot().Executions
	require.Len(t, execs, 1)
	assert.Equal(t, state.ExecBlocked, execs[0].Result)
	assert.Contains(t, execs[0].Error, "concurrency cap")
}

func TestStopSuccessNotifiesImmediately(t *testing.T) {
	e, st, tr, clk := testExecutor(t, state.LevelFull)
	st.UpsertSession(state.Session{
		ProjectName: "A",
		SessionName: "orch-A-1234",
		StartedAt:   clk.Now(),
		Status:      state.SessionRunning,
	})

	e.Execute(context.Background(), []state.EvaluatedRecommendation{allowed(rec("A", state.ActionStop))})

	execs := st.Snapshot().Executions
	require.Len(t, execs, 1)
	assert.Equal(t, state.ExecOK, execs[0].Result)
	require.NotEmpty(t, tr.sent, "a successful side effect is reported immediately, not batched")
	assert.Contains(t, tr.sent[0], "stop A succeeded")
}

func TestObserveOnlyNeverExecutes(t *testing.T) {
	e, st, tr, clk := testExecutor(t, state.LevelFull)
	st.UpsertSession(state.Session{
		ProjectName: "A",
		SessionName: "orch-A-1234",
		StartedAt:   clk.Now(),
		Status:      state.SessionRunning,
	})

	e.Execute(context.Background(), []state.EvaluatedRecommendation{{
		Recommendation: rec("A", state.ActionStop),
		Allowed:        true,
		ObserveOnly:    true,
	}})

	assert.Empty(t, st.Snapshot().Executions)
	assert.Empty(t, tr.sent)
	assert.Len(t, st.RunningSessions(), 1, "the session is untouched")
}

func TestLevelDropBlocksExecution(t *testing.T) {
	e, st, _, clk := testExecutor(t, state.LevelFull)
	st.UpsertSession(state.Session{
		ProjectName: "A",
		SessionName: "orch-A-1234",
		StartedAt:   clk.Now(),
		Status:      state.SessionRunning,
	})

	// The operator drops the level between decision and execution.
	require.NoError(t, st.SetAutonomyLevel(state.LevelObserve))
	e.Execute(context.Background(), []state.EvaluatedRecommendation{allowed(rec("A", state.ActionStop))})

	execs := st.Snapshot().Executions
	require.Len(t, execs, 1)
	assert.Equal(t, state.ExecBlocked, execs[0].Result)
	assert.Equal(t, state.LevelObserve, execs[0].AutonomyLevel)
	assert.Contains(t, execs[0].Error, "no longer allows")
	assert.Len(t, st.RunningSessions(), 1)
}

func TestSuccessfulStartResetsRetries(t *testing.T) {
	cfg := config.DefaultConfig()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"), state.LevelFull)
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	scanner := project.NewScanner(t.TempDir())
	tr := &recordingTransport{}
	notifier := notify.New(tr, clk, notify.Options{DailyBudget: 100, Location: time.UTC})

	// A no-op multiplexer binary makes the window launch succeed.
	tm := tmux.NewClientWithBinary("orchd-test", "true")
	sessions := session.NewManager(tm, scanner, st, clk, "true", "test")
	policy := NewPolicy(cfg, st, scanner, nil, clk)
	e := NewExecutor(cfg, st, sessions, notifier, nil, policy, clk)

	st.RecordErrorRetry("A")
	st.RecordErrorRetry("A")
	require.Equal(t, 2, st.ErrorRetryCount("A"))

	e.Execute(context.Background(), []state.EvaluatedRecommendation{allowed(rec("A", state.ActionStart))})

	execs := st.Snapshot().Executions
	require.Len(t, execs, 1)
	assert.Equal(t, state.ExecOK, execs[0].Result)
	assert.Zero(t, st.ErrorRetryCount("A"), "a clean start clears the retry counter")
}

func TestSkipProducesNoRecord(t *testing.T) {
	e, st, tr, _ := testExecutor(t, state.LevelFull)

	e.Execute(context.Background(), []state.EvaluatedRecommendation{allowed(rec("A", state.ActionSkip))})
	assert.Empty(t, st.Snapshot().Executions)
	assert.Empty(t, tr.sent)
}
