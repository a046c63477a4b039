// Package learner mines completed-session evaluations for patterns:
// which projects score well, which prompt styles work, what session
// length pays off. Analysis is gated until enough rows exist to mean
// anything.
package learner

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"orchd/internal/logging"
	"orchd/internal/state"
	"orchd/internal/store"
)

const evaluationsDDL = `
CREATE TABLE IF NOT EXISTS session_evaluations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	project_name TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	started_hour INTEGER NOT NULL,
	stopped_at DATETIME NOT NULL,
	duration_minutes INTEGER NOT NULL,
	commit_count INTEGER NOT NULL,
	insertions INTEGER NOT NULL,
	deletions INTEGER NOT NULL,
	files_changed INTEGER NOT NULL,
	score INTEGER NOT NULL,
	recommendation TEXT NOT NULL,
	prompt_snippet TEXT,
	prompt_style TEXT NOT NULL,
	evaluated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_evaluations_project ON session_evaluations(project_name);
CREATE INDEX IF NOT EXISTS idx_session_evaluations_score ON session_evaluations(score);
`

// Style buckets for session prompts.
const (
	StyleFix       = "fix"
	StyleImplement = "implement"
	StyleExplore   = "explore"
	StyleResume    = "resume"
	StyleCustom    = "custom"
)

var styleRE = map[string]*regexp.Regexp{
	StyleFix:       regexp.MustCompile(`(?i)\b(fix|bug|repair|debug|broken)\b`),
	StyleImplement: regexp.MustCompile(`(?i)\b(implement|add|build|create|feature)\b`),
	StyleExplore:   regexp.MustCompile(`(?i)\b(explore|investigate|research|understand|analy[sz]e)\b`),
	StyleResume:    regexp.MustCompile(`(?i)\b(resume|continue|pick up|carry on)\b`),
}

// ClassifyPromptStyle maps a session prompt to a style bucket.
// English keywords only; everything else is custom.
func ClassifyPromptStyle(prompt string) string {
	for _, style := range []string{StyleFix, StyleImplement, StyleExplore, StyleResume} {
		if styleRE[style].MatchString(prompt) {
			return style
		}
	}
	return StyleCustom
}

// Patterns is the aggregated analysis output.
type Patterns struct {
	Rows             int
	AvgScoreByProject map[string]float64 // projects with >= 3 rows
	AvgScoreByStyle   map[string]float64 // styles with >= 5 rows
	// OptimalDuration is the [min,max] minute range whose average score
	// is >= 4; zero when no such range exists.
	OptimalDurationMin int
	OptimalDurationMax int
	AvgScoreByBucket   map[int]float64 // 4-hour time-of-day buckets (0..5)
}

// Learner records evaluation rows and serves gated pattern analysis.
type Learner struct {
	db               *store.DB
	minEvaluations   int
	analysisInterval int

	mu          sync.Mutex
	cached      *Patterns
	rowsAtCache int
}

// New creates a Learner. minEvaluations gates analysis (default 50);
// analysisInterval is the cache invalidation stride in new rows.
func New(db *store.DB, minEvaluations, analysisInterval int) *Learner {
	if minEvaluations <= 0 {
		minEvaluations = 50
	}
	if analysisInterval <= 0 {
		analysisInterval = 10
	}
	return &Learner{db: db, minEvaluations: minEvaluations, analysisInterval: analysisInterval}
}

// Record appends one evaluation row. Dual-write callers treat a failure
// here as non-fatal.
func (l *Learner) Record(rec state.EvaluationRecord, promptSnippet string) error {
	if err := l.db.Ensure("session_evaluations", evaluationsDDL); err != nil {
		return err
	}
	if len(promptSnippet) > 200 {
		promptSnippet = promptSnippet[:200]
	}
	_, err := l.db.SQL().Exec(`
		INSERT INTO session_evaluations(
			session_id, project_name, started_at, started_hour, stopped_at, duration_minutes,
			commit_count, insertions, deletions, files_changed,
			score, recommendation, prompt_snippet, prompt_style, evaluated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.ProjectName, rec.StartedAt.UTC(), rec.StartedAt.UTC().Hour(), rec.StoppedAt.UTC(), rec.DurationMinutes,
		rec.GitProgress.CommitCount, rec.GitProgress.Insertions, rec.GitProgress.Deletions, rec.GitProgress.FilesChanged,
		rec.Score, string(rec.Recommendation), promptSnippet, ClassifyPromptStyle(promptSnippet), rec.EvaluatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session evaluation: %w", err)
	}
	return nil
}

// Count returns the number of recorded rows.
func (l *Learner) Count() (int, error) {
	if err := l.db.Ensure("session_evaluations", evaluationsDDL); err != nil {
		return 0, err
	}
	var n int
	err := l.db.SQL().QueryRow("SELECT COUNT(*) FROM session_evaluations").Scan(&n)
	return n, err
}

// AnalyzePatterns aggregates the rows, or returns nil below the gate.
// Results are cached and recomputed every analysisInterval new rows.
func (l *Learner) AnalyzePatterns() (*Patterns, error) {
	rows, err := l.Count()
	if err != nil {
		return nil, err
	}
	if rows < l.minEvaluations {
		return nil, nil
	}

	l.mu.Lock()
	if l.cached != nil && rows-l.rowsAtCache < l.analysisInterval {
		p := l.cached
		l.mu.Unlock()
		return p, nil
	}
	l.mu.Unlock()

	p := &Patterns{
		Rows:              rows,
		AvgScoreByProject: make(map[string]float64),
		AvgScoreByStyle:   make(map[string]float64),
		AvgScoreByBucket:  make(map[int]float64),
	}

	if err := l.avgBy(p.AvgScoreByProject, "project_name", 3); err != nil {
		return nil, err
	}
	if err := l.avgBy(p.AvgScoreByStyle, "prompt_style", 5); err != nil {
		return nil, err
	}
	if err := l.durationRange(p); err != nil {
		return nil, err
	}
	if err := l.timeOfDay(p); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cached = p
	l.rowsAtCache = rows
	l.mu.Unlock()

	logging.Get(logging.CategoryStore).Debugf("learner analysis refreshed over %d rows", rows)
	return p, nil
}

func (l *Learner) avgBy(dst map[string]float64, column string, minRows int) error {
	q := fmt.Sprintf(
		"SELECT %s, AVG(score), COUNT(*) FROM session_evaluations GROUP BY %s HAVING COUNT(*) >= ?",
		column, column)
	rows, err := l.db.SQL().Query(q, minRows)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var avg float64
		var n int
		if err := rows.Scan(&key, &avg, &n); err != nil {
			return err
		}
		dst[key] = avg
	}
	return rows.Err()
}

// durationRange finds the 15-minute duration band with avg score >= 4.
func (l *Learner) durationRange(p *Patterns) error {
	rows, err := l.db.SQL().Query(`
		SELECT (duration_minutes / 15) * 15 AS band, AVG(score)
		FROM session_evaluations GROUP BY band HAVING COUNT(*) >= 3 ORDER BY band`)
	if err != nil {
		return err
	}
	defer rows.Close()

	lo, hi := 0, 0
	for rows.Next() {
		var band int
		var avg float64
		if err := rows.Scan(&band, &avg); err != nil {
			return err
		}
		if avg >= 4.0 {
			if hi == 0 {
				lo = band
			}
			hi = band + 15
		}
	}
	p.OptimalDurationMin, p.OptimalDurationMax = lo, hi
	return rows.Err()
}

// timeOfDay aggregates into 4-hour buckets. The hour is stored as its
// own column at insert time; the driver's DATETIME encoding is not
// something strftime can parse.
func (l *Learner) timeOfDay(p *Patterns) error {
	rows, err := l.db.SQL().Query(`
		SELECT started_hour / 4 AS bucket, AVG(score)
		FROM session_evaluations GROUP BY bucket`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var bucket int
		var avg float64
		if err := rows.Scan(&bucket, &avg); err != nil {
			return err
		}
		p.AvgScoreByBucket[bucket] = avg
	}
	return rows.Err()
}

// FormatInsights renders the analysis for the context assembler;
// "" below the gate.
func (l *Learner) FormatInsights() string {
	p, err := l.AnalyzePatterns()
	if err != nil || p == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session insights (%d evaluations):\n", p.Rows)
	for proj, avg := range p.AvgScoreByProject {
		fmt.Fprintf(&b, "- %s averages %.1f\n", proj, avg)
	}
	for style, avg := range p.AvgScoreByStyle {
		fmt.Fprintf(&b, "- %q prompts average %.1f\n", style, avg)
	}
	if p.OptimalDurationMax > 0 {
		fmt.Fprintf(&b, "- best results in %d-%d minute sessions\n", p.OptimalDurationMin, p.OptimalDurationMax)
	}
	return strings.TrimRight(b.String(), "\n")
}

// RecentScores returns per-project scores evaluated in the last window,
// newest first, for the context digest.
func (l *Learner) RecentScores(since time.Time) (map[string][]int, error) {
	if err := l.db.Ensure("session_evaluations", evaluationsDDL); err != nil {
		return nil, err
	}
	rows, err := l.db.SQL().Query(`
		SELECT project_name, score FROM session_evaluations
		WHERE evaluated_at >= ? ORDER BY evaluated_at DESC`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]int)
	for rows.Next() {
		var proj string
		var score int
		if err := rows.Scan(&proj, &score); err != nil {
			return nil, err
		}
		out[proj] = append(out[proj], score)
	}
	return out, rows.Err()
}
