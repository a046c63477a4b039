package learner

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchd/internal/state"
	"orchd/internal/store"
)

func testLearner(t *testing.T, gate int) *Learner {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "learner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, gate, 10)
}

func evalRec(project string, score, durationMin int, at time.Time) state.EvaluationRecord {
	return state.EvaluationRecord{
		SessionID:       "s-" + project,
		ProjectName:     project,
		StartedAt:       at.Add(-time.Duration(durationMin) * time.Minute),
		StoppedAt:       at,
		DurationMinutes: durationMin,
		Score:           score,
		Recommendation:  state.EvalContinue,
		EvaluatedAt:     at,
	}
}

func TestClassifyPromptStyle(t *testing.T) {
	cases := map[string]string{
		"fix the flaky login test":          StyleFix,
		"there is a BUG in the parser":      StyleFix,
		"implement rate limiting":           StyleImplement,
		"add a health endpoint":             StyleImplement,
		"investigate the memory growth":     StyleExplore,
		"analyse the query plan":            StyleExplore,
		"resume where you left off":         StyleResume,
		"continue the refactor":             StyleResume,
		"do whatever seems most productive": StyleCustom,
		"": StyleCustom,
	}
	for prompt, want := range cases {
		assert.Equal(t, want, ClassifyPromptStyle(prompt), "prompt %q", prompt)
	}
}

func TestAnalyzeGatedBelowMinimum(t *testing.T) {
	l := testLearner(t, 50)
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 49; i++ {
		require.NoError(t, l.Record(evalRec("a", 4, 30, at), "fix something"))
	}
	p, err := l.AnalyzePatterns()
	require.NoError(t, err)
	assert.Nil(t, p, "analysis stays gated below the row minimum")
	assert.Empty(t, l.FormatInsights())

	require.NoError(t, l.Record(evalRec("a", 4, 30, at), "fix something"))
	p, err = l.AnalyzePatterns()
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 50, p.Rows)
}

func TestAnalyzeAggregates(t *testing.T) {
	l := testLearner(t, 10)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	// Project "good" scores 5, project "bad" scores 2, both over the
	// 3-row minimum; the "fix" style dominates.
	for i := 0; i < 6; i++ {
		require.NoError(t, l.Record(evalRec("good", 5, 30, at), "fix the build"))
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, l.Record(evalRec("bad", 2, 200, at), "fix the tests"))
	}

	p, err := l.AnalyzePatterns()
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.InDelta(t, 5.0, p.AvgScoreByProject["good"], 0.01)
	assert.InDelta(t, 2.0, p.AvgScoreByProject["bad"], 0.01)
	assert.InDelta(t, 3.5, p.AvgScoreByStyle[StyleFix], 0.01)
	assert.Equal(t, 30, p.OptimalDurationMin, "the 30-minute band averages 5")
	assert.Equal(t, 45, p.OptimalDurationMax)

	// "good" starts at 08:30 (bucket 2), "bad" at 05:40 (bucket 1).
	assert.InDelta(t, 5.0, p.AvgScoreByBucket[2], 0.01)
	assert.InDelta(t, 2.0, p.AvgScoreByBucket[1], 0.01)

	insights := l.FormatInsights()
	assert.Contains(t, insights, "good")
	assert.Contains(t, insights, "12 evaluations")
}

func TestAnalysisCachedUntilInterval(t *testing.T) {
	l := testLearner(t, 5)
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		require.NoError(t, l.Record(evalRec("a", 3, 30, at), "fix x"))
	}
	first, err := l.AnalyzePatterns()
	require.NoError(t, err)

	// Fewer new rows than the interval: same cached result.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(evalRec("a", 3, 30, at), "fix x"))
	}
	second, err := l.AnalyzePatterns()
	require.NoError(t, err)
	assert.Same(t, first, second)

	// Crossing the interval recomputes.
	for i := 0; i < 6; i++ {
		require.NoError(t, l.Record(evalRec("a", 3, 30, at), "fix x"))
	}
	third, err := l.AnalyzePatterns()
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 17, third.Rows)
}

func TestRecentScores(t *testing.T) {
	l := testLearner(t, 50)
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(evalRec("a", 4, 30, at), ""))
	require.NoError(t, l.Record(evalRec("a", 2, 30, at.Add(-48*time.Hour)), ""))

	scores, err := l.RecentScores(at.Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, scores["a"], 1)
	assert.Equal(t, 4, scores["a"][0])
}

func TestPromptSnippetClipped(t *testing.T) {
	l := testLearner(t, 50)
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	long := "implement " + fmt.Sprintf("%0300d", 1)

	require.NoError(t, l.Record(evalRec("a", 3, 30, at), long))

	var snippet string
	require.NoError(t, l.db.SQL().QueryRow("SELECT prompt_snippet FROM session_evaluations").Scan(&snippet))
	assert.Len(t, snippet, 200)
}
