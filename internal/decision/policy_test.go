package decision

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchd/internal/clock"
	"orchd/internal/config"
	"orchd/internal/project"
	"orchd/internal/state"
)

func testPolicy(t *testing.T, level state.AutonomyLevel) (*Policy, *state.Store, *clock.Fake) {
	t.Helper()
	cfg := config.DefaultConfig()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"), level)
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	scanner := project.NewScanner(t.TempDir())
	return NewPolicy(cfg, st, scanner, nil, clk), st, clk
}

func knownProjects(names ...string) map[string]project.Project {
	m := make(map[string]project.Project)
	for _, n := range names {
		m[n] = project.Project{Name: n}
	}
	return m
}

func rec(proj string, action state.Action) state.Recommendation {
	return state.Recommendation{Project: proj, Action: action, Reason: "test"}
}

func TestObserveBlocksEverythingButSkip(t *testing.T) {
	p, _, _ := testPolicy(t, state.LevelObserve)
	known := knownProjects("A")

	evs := p.Evaluate([]state.Recommendation{
		rec("A", state.ActionStart),
		rec("A", state.ActionStop),
		rec("A", state.ActionSkip),
	}, known)

	require.Len(t, evs, 3)
	assert.False(t, evs[0].Allowed)
	assert.Equal(t, state.BlockAutonomy, evs[0].BlockedReason)
	assert.False(t, evs[1].Allowed)
	assert.True(t, evs[2].Allowed)
	for _, ev := range evs {
		assert.True(t, ev.ObserveOnly)
	}
}

func TestCautiousAllowsStartBlocksStop(t *testing.T) {
	p, _, _ := testPolicy(t, state.LevelCautious)
	known := knownProjects("A", "B")

	evs := p.Evaluate([]state.Recommendation{
		rec("A", state.ActionStart),
		rec("B", state.ActionStop),
	}, known)

	require.Len(t, evs, 2)
	assert.True(t, evs[0].Allowed)
	assert.False(t, evs[1].Allowed)
	assert.Equal(t, state.BlockAutonomy, evs[1].BlockedReason)
	assert.False(t, evs[0].ObserveOnly)
}

func TestModerateAndFullAllowAll(t *testing.T) {
	for _, level := range []state.AutonomyLevel{state.LevelModerate, state.LevelFull} {
		p, _, _ := testPolicy(t, level)
		evs := p.Evaluate([]state.Recommendation{
			rec("A", state.ActionStart),
			rec("A", state.ActionStop),
		}, knownProjects("A"))
		assert.True(t, evs[0].Allowed, "%s start", level)
		assert.True(t, evs[1].Allowed, "%s stop", level)
	}
}

func TestUnknownProjectBlocked(t *testing.T) {
	p, _, _ := testPolicy(t, state.LevelFull)
	evs := p.Evaluate([]state.Recommendation{rec("ghost", state.ActionStart)}, knownProjects("A"))
	require.Len(t, evs, 1)
	assert.Equal(t, state.BlockUnknownProject, evs[0].BlockedReason)
}

func TestUnknownActionBlocked(t *testing.T) {
	p, _, _ := testPolicy(t, state.LevelFull)
	evs := p.Evaluate([]state.Recommendation{rec("A", state.Action("deploy"))}, knownProjects("A"))
	require.Len(t, evs, 1)
	assert.Equal(t, state.BlockUnknownAction, evs[0].BlockedReason)
}

func TestProtectedProjectBlocked(t *testing.T) {
	p, _, _ := testPolicy(t, state.LevelFull)
	p.cfg.AI.ProtectedProjects = []string{"A"}

	evs := p.Evaluate([]state.Recommendation{
		rec("A", state.ActionStart),
		rec("A", state.ActionSkip), // skip is always fine
	}, knownProjects("A"))
	assert.Equal(t, state.BlockProtected, evs[0].BlockedReason)
	assert.True(t, evs[1].Allowed)
}

func TestCooldownBlocksRepeat(t *testing.T) {
	p, _, clk := testPolicy(t, state.LevelFull)
	known := knownProjects("A")

	r := rec("A", state.ActionStart)
	evs := p.Evaluate([]state.Recommendation{r}, known)
	require.True(t, evs[0].Allowed)
	p.RecordAction(r, clk.Now())

	evs = p.Evaluate([]state.Recommendation{r}, known)
	assert.Equal(t, state.BlockCooldown, evs[0].BlockedReason)

	// Same-action cooldown (5 min) expires before same-project (10 min).
	clk.Advance(6 * time.Minute)
	evs = p.Evaluate([]state.Recommendation{r}, known)
	assert.Equal(t, state.BlockCooldown, evs[0].BlockedReason, "project window still open")

	clk.Advance(5 * time.Minute)
	evs = p.Evaluate([]state.Recommendation{r}, known)
	assert.True(t, evs[0].Allowed)
}

func TestRetryCapBlocksStart(t *testing.T) {
	p, st, _ := testPolicy(t, state.LevelFull)
	known := knownProjects("A")

	for i := 0; i < 3; i++ {
		st.RecordErrorRetry("A")
	}
	evs := p.Evaluate([]state.Recommendation{rec("A", state.ActionStart)}, known)
	assert.Equal(t, state.BlockRetryCap, evs[0].BlockedReason)

	// The cap applies only to start/restart; stop remains possible.
	evs = p.Evaluate([]state.Recommendation{rec("A", state.ActionStop)}, known)
	assert.True(t, evs[0].Allowed)

	st.ResetErrorRetry("A")
	evs = p.Evaluate([]state.Recommendation{rec("A", state.ActionStart)}, known)
	assert.True(t, evs[0].Allowed)
}

func TestLevelReReadEachEvaluate(t *testing.T) {
	p, st, _ := testPolicy(t, state.LevelObserve)
	known := knownProjects("A")

	evs := p.Evaluate([]state.Recommendation{rec("A", state.ActionStart)}, known)
	assert.False(t, evs[0].Allowed)

	require.NoError(t, st.SetAutonomyLevel(state.LevelFull))
	evs = p.Evaluate([]state.Recommendation{rec("A", state.ActionStart)}, known)
	assert.True(t, evs[0].Allowed)
	assert.False(t, evs[0].ObserveOnly)
}

func TestMatrix(t *testing.T) {
	assert.False(t, LevelAllows(state.LevelObserve, state.ActionStart))
	assert.True(t, LevelAllows(state.LevelObserve, state.ActionSkip))
	assert.True(t, LevelAllows(state.LevelCautious, state.ActionStart))
	assert.True(t, LevelAllows(state.LevelCautious, state.ActionNotify))
	assert.False(t, LevelAllows(state.LevelCautious, state.ActionRestart))
	assert.True(t, LevelAllows(state.LevelModerate, state.ActionRestart))
	assert.False(t, LevelAllows(state.AutonomyLevel("bogus"), state.ActionSkip))
}
