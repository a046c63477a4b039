package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"orchd/internal/clock"
	"orchd/internal/config"
	"orchd/internal/project"
	"orchd/internal/state"
	"orchd/internal/sysmon"
)

func testAssembler(t *testing.T, level state.AutonomyLevel) (*Assembler, *state.Store, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ProjectsRoot = dir
	cfg.QuietHours.Timezone = "UTC"

	st, err := state.Open(filepath.Join(dir, "state.json"), level)
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	scanner := project.NewScanner(dir)
	a := NewAssembler(cfg, st, scanner, nil, &sysmon.Monitor{}, clk)
	return a, st, clk
}

func proj(name string, opts ...func(*project.Project)) project.Project {
	p := project.Project{Name: name, HasState: true, Status: "active"}
	for _, o := range opts {
		o(&p)
	}
	return p
}

func TestSectionOrderAndDelimiter(t *testing.T) {
	a, _, _ := testAssembler(t, state.LevelObserve)

	text := a.Assemble([]project.Project{proj("alpha")})
	sections := strings.Split(text, "\n---\n")
	require.GreaterOrEqual(t, len(sections), 5)

	assert.Contains(t, sections[0], "supervisor")
	assert.Contains(t, sections[0], "observe")
	assert.Contains(t, sections[1], "Time:")
	assert.Contains(t, text, "Respond with JSON")
	assert.True(t, strings.Contains(sections[len(sections)-1], "recommendations"),
		"response schema is the final section")
}

func TestObservePreambleIsAdvisory(t *testing.T) {
	a, _, _ := testAssembler(t, state.LevelObserve)
	text := a.Assemble(nil)
	assert.Contains(t, text, "advisory only")

	a2, _, _ := testAssembler(t, state.LevelFull)
	text = a2.Assemble(nil)
	assert.NotContains(t, text, "advisory only")
}

func TestProjectsFilteredAndSorted(t *testing.T) {
	a, _, _ := testAssembler(t, state.LevelFull)

	// Priorities: zulu is focus, skipme is skipped.
	prioPath := filepath.Join(t.TempDir(), "priorities.yaml")
	body, err := yaml.Marshal(project.Priorities{Focus: []string{"zulu"}, Skip: []string{"skipme"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(prioPath, body, 0644))
	pw := project.WatchPriorities(prioPath)
	defer pw.Close()
	a.prio = pw

	projects := []project.Project{
		proj("alpha"),
		proj("broken", func(p *project.Project) { p.Error = "build failed" }),
		proj("skipme"),
		proj("zulu"),
		{Name: "empty"}, // no state, no session: excluded
	}
	text := a.Assemble(projects)

	// The priorities section legitimately echoes "skip: skipme"; the
	// project list itself must not carry the entry.
	assert.NotContains(t, text, "- skipme")
	assert.NotContains(t, text, "- empty")

	zulu := strings.Index(text, "- zulu")
	broken := strings.Index(text, "- broken")
	alpha := strings.Index(text, "- alpha")
	require.True(t, zulu > 0 && broken > 0 && alpha > 0)
	assert.Less(t, zulu, broken, "focus before attention")
	assert.Less(t, broken, alpha, "attention before alphabetical")
	assert.Contains(t, text, "error: build failed")
}

func TestStaleMarker(t *testing.T) {
	a, _, clk := testAssembler(t, state.LevelFull)

	old := clk.Now().Add(-10 * 24 * time.Hour)
	projects := []project.Project{
		proj("dusty", func(p *project.Project) { p.LastActivity = old }),
		proj("done", func(p *project.Project) { p.LastActivity = old; p.Status = "complete" }),
	}
	text := a.Assemble(projects)
	assert.Contains(t, text, "STALE (10 days idle)")

	done := text[strings.Index(text, "- done"):]
	if i := strings.Index(done, "\n"); i > 0 {
		done = done[:i]
	}
	assert.NotContains(t, done, "STALE", "complete projects are never stale")
}

func TestTimeoutImminentMarker(t *testing.T) {
	a, st, clk := testAssembler(t, state.LevelFull)

	st.UpsertSession(state.Session{
		ProjectName: "A", SessionName: "orch-A-1",
		StartedAt: clk.Now().Add(-42 * time.Minute), Status: state.SessionRunning,
	})
	st.UpsertSession(state.Session{
		ProjectName: "B", SessionName: "orch-B-1",
		StartedAt: clk.Now().Add(-5 * time.Minute), Status: state.SessionRunning,
	})

	text := a.Assemble(nil)
	lineA := extractLine(text, "orch-A-1")
	lineB := extractLine(text, "orch-B-1")
	assert.Contains(t, lineA, "TIMEOUT IMMINENT", "42 of 45 minutes used")
	assert.NotContains(t, lineB, "TIMEOUT IMMINENT")
}

func TestTruncationMarker(t *testing.T) {
	a, _, _ := testAssembler(t, state.LevelFull)
	a.cfg.AI.MaxPromptLength = 500

	var projects []project.Project
	for i := 0; i < 60; i++ {
		projects = append(projects, proj(strings.Repeat("p", 20)+string(rune('a'+i%26))))
	}
	text := a.Assemble(projects)
	assert.LessOrEqual(t, len(text), 500)
	assert.True(t, strings.HasSuffix(text, "[context truncated]"))
}

func TestOptionalSectionsOmittedWhenEmpty(t *testing.T) {
	a, _, _ := testAssembler(t, state.LevelFull)
	text := a.Assemble(nil)
	assert.NotContains(t, text, "Revenue:")
	assert.NotContains(t, text, "Trust:")

	a.Revenue = SectionFunc(func() string { return "Revenue:\n- mining: $1.00" })
	text = a.Assemble(nil)
	assert.Contains(t, text, "Revenue:")
}

func TestEvalDigestLast24hOnly(t *testing.T) {
	a, st, clk := testAssembler(t, state.LevelFull)

	st.LogEvaluation(state.EvaluationRecord{ProjectName: "fresh", Score: 4, EvaluatedAt: clk.Now().Add(-time.Hour)})
	st.LogEvaluation(state.EvaluationRecord{ProjectName: "ancient", Score: 1, EvaluatedAt: clk.Now().Add(-48 * time.Hour)})

	text := a.Assemble(nil)
	assert.Contains(t, text, "fresh: 4")
	assert.NotContains(t, text, "ancient")
}

func extractLine(text, needle string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, needle) {
			return line
		}
	}
	return ""
}
