package scan

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
	"orchd/internal/proc"
	"orchd/internal/project"
	"orchd/internal/revenue"
	"orchd/internal/session"
	"orchd/internal/state"
	"orchd/internal/store"
	"orchd/internal/tmux"
)

type countingSource struct{ calls int }

func (c *countingSource) Name() string { return "counting" }
func (c *countingSource) Collect(context.Context) (revenue.Snapshot, error) {
	c.calls++
	return revenue.Snapshot{}, nil
}

func testLoop(t *testing.T, rev *revenue.Tracker) (*Loop, *state.Store, *clock.Fake, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ProjectsRoot = root

	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"), state.LevelModerate)
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))

	tm := tmux.NewClient("orchd-scan-test")
	scanner := project.NewScanner(root)
	mgr := session.NewManager(tm, scanner, st, clk, "true", "test")
	// A broker pointed at a missing binary forces the heuristic path.
	broker := proc.NewBroker("definitely-not-a-binary-xyz", "test")
	eval := session.NewEvaluator(broker, tm, scanner, st, nil, nil, clk, time.Second)
	notifier := notify.New(nil, clk, notify.Options{})

	return NewLoop(cfg, st, mgr, eval, notifier, nil, nil, rev, clk), st, clk, root
}

func TestTickEvaluatesEndedSessions(t *testing.T) {
	l, st, clk, _ := testLoop(t, nil)

	// A running session whose window no longer exists is detected as
	// ended and evaluated with the git heuristic.
	st.UpsertSession(state.Session{
		ProjectName: "api", SessionName: "orch-api-1",
		StartedAt: clk.Now().Add(-20 * time.Minute), Status: state.SessionRunning,
	})

	l.Tick(context.Background())
	l.Stop()

	assert.Empty(t, st.RunningSessions())
	snap := st.Snapshot()
	require.Len(t, snap.Evaluations, 1)
	assert.Equal(t, "api", snap.Evaluations[0].ProjectName)
	assert.Equal(t, 1, snap.Evaluations[0].Score, "no commits scores 1")
}

func TestTickPrunesOldClosedSessions(t *testing.T) {
	l, st, clk, _ := testLoop(t, nil)

	old := clk.Now().Add(-48 * time.Hour)
	st.UpsertSession(state.Session{
		ProjectName: "done", SessionName: "orch-done-1",
		StartedAt: old.Add(-time.Hour), StoppedAt: &old, Status: state.SessionEnded,
	})

	l.Tick(context.Background())
	l.Stop()

	for _, sess := range st.Snapshot().Sessions {
		assert.NotEqual(t, "orch-done-1", sess.SessionName, "closed sessions age out after a day")
	}
}

func TestRevenueCollectionCadence(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "rev.db"))
	require.NoError(t, err)
	defer db.Close()

	src := &countingSource{}
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	rev := revenue.New(db, clk, []revenue.Source{src})

	l, _, _, _ := testLoop(t, rev)
	l.cfg.Revenue.Enabled = true
	l.cfg.Revenue.CollectionIntervalScans = 3

	for i := 0; i < 7; i++ {
		l.Tick(context.Background())
	}
	l.Stop()

	assert.Equal(t, 2, src.calls, "collection runs every third scan")
}
