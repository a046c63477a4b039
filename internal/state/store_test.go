package state

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path, LevelObserve)
	require.NoError(t, err)
	return s, path
}

func TestOpenMissingFileYieldsDefaults(t *testing.T) {
	s, _ := openTestStore(t)
	snap := s.Snapshot()
	assert.Equal(t, LevelObserve, snap.AutonomyLevel)
	assert.Zero(t, snap.StateVersion)
	assert.NotNil(t, snap.ErrorRetries)
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	s, path := openTestStore(t)

	require.NoError(t, s.SetAutonomyLevel(LevelModerate))
	s.RecordErrorRetry("A")
	s.RecordErrorRetry("A")

	reloaded, err := Open(path, LevelObserve)
	require.NoError(t, err)
	assert.Equal(t, LevelModerate, reloaded.Level(), "persisted level wins over boot level")
	assert.Equal(t, 2, reloaded.ErrorRetryCount("A"))
	assert.Equal(t, s.Version(), reloaded.Version())
}

func TestVersionIncrementsPerUpdate(t *testing.T) {
	s, _ := openTestStore(t)
	v := s.Version()
	s.Update(func(*State) {})
	s.Update(func(*State) {})
	assert.Equal(t, v+2, s.Version())
}

func TestSetAutonomyLevelRejectsUnknown(t *testing.T) {
	s, _ := openTestStore(t)
	assert.Error(t, s.SetAutonomyLevel(AutonomyLevel("yolo")))
	assert.Equal(t, LevelObserve, s.Level())
}

func TestDecisionHistoryCapped(t *testing.T) {
	s, _ := openTestStore(t)
	for i := 0; i < maxDecisions+10; i++ {
		s.LogDecision(DecisionRecord{Summary: fmt.Sprintf("d%d", i)})
	}
	snap := s.Snapshot()
	require.Len(t, snap.Decisions, maxDecisions)
	assert.Equal(t, "d10", snap.Decisions[0].Summary, "oldest entries dropped first")
	assert.Equal(t, fmt.Sprintf("d%d", maxDecisions+9), snap.Decisions[maxDecisions-1].Summary)
}

func TestExecutionAndEvaluationCaps(t *testing.T) {
	s, _ := openTestStore(t)
	for i := 0; i < maxExecutions+5; i++ {
		s.LogExecution(ExecutionRecord{Project: "A"})
	}
	for i := 0; i < maxEvaluations+5; i++ {
		s.LogEvaluation(EvaluationRecord{ProjectName: "A"})
	}
	snap := s.Snapshot()
	assert.Len(t, snap.Executions, maxExecutions)
	assert.Len(t, snap.Evaluations, maxEvaluations)
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := openTestStore(t)
	started := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	s.UpsertSession(Session{ProjectName: "A", SessionName: "orch-A-1", StartedAt: started, Status: SessionRunning})

	sess, ok := s.RunningSessionFor("A")
	require.True(t, ok)
	assert.Equal(t, "orch-A-1", sess.SessionName)
	assert.Len(t, s.RunningSessions(), 1)

	s.CloseSession("orch-A-1", SessionEnded, started.Add(time.Hour))
	_, ok = s.RunningSessionFor("A")
	assert.False(t, ok)

	// Closed sessions age out; running ones never do.
	s.UpsertSession(Session{ProjectName: "B", SessionName: "orch-B-1", StartedAt: started, Status: SessionRunning})
	s.PruneSessions(started.Add(48*time.Hour), 24*time.Hour)
	snap := s.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "orch-B-1", snap.Sessions[0].SessionName)
}

func TestSnapshotIsACopy(t *testing.T) {
	s, _ := openTestStore(t)
	s.RecordErrorRetry("A")

	snap := s.Snapshot()
	snap.ErrorRetries["A"] = 99
	assert.Equal(t, 1, s.ErrorRetryCount("A"))
}

func TestSaveErrorReported(t *testing.T) {
	// Point the store at a path whose parent is a file, so rename fails.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	s := &Store{path: filepath.Join(blocker, "x", "state.json"), state: defaultState(LevelObserve)}
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0644))

	var reported error
	s.OnSaveError = func(err error) { reported = err }
	s.Update(func(*State) {})

	assert.Error(t, reported)
	assert.Equal(t, int64(1), s.Version(), "in-memory state keeps going")
}

func TestSaveErrorHookMayReadStore(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	s := &Store{path: filepath.Join(blocker, "x", "state.json"), state: defaultState(LevelObserve)}
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0644))

	// The hook reads back through the store; it must not run under the
	// store lock.
	var seen AutonomyLevel
	s.OnSaveError = func(error) { seen = s.Level() }

	done := make(chan struct{})
	go func() {
		s.Update(func(*State) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("save error hook deadlocked against the store lock")
	}
	assert.Equal(t, LevelObserve, seen)
}

func TestLevelHelpers(t *testing.T) {
	assert.Equal(t, 0, LevelObserve.Rank())
	assert.Equal(t, 3, LevelFull.Rank())
	assert.Equal(t, -1, AutonomyLevel("x").Rank())
	assert.Equal(t, LevelModerate, LevelCautious.Next())
	assert.Empty(t, LevelFull.Next())
	assert.True(t, KnownAction(ActionRestart))
	assert.False(t, KnownAction(Action("deploy")))
}
