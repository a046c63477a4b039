// Package trust accrues evidence per autonomy level and recommends
// promotions when the configured thresholds are met. It never changes
// the level itself; promotion is an operator decision.
package trust

import (
	"database/sql"
	"fmt"
	"time"

	"orchd/internal/clock"
	"orchd/internal/config"
	"orchd/internal/logging"
	"orchd/internal/state"
	"orchd/internal/store"
)

const trustDDL = `
CREATE TABLE IF NOT EXISTS trust_levels (
	level TEXT PRIMARY KEY,
	total_sessions INTEGER NOT NULL DEFAULT 0,
	total_evaluations INTEGER NOT NULL DEFAULT 0,
	sum_eval_scores REAL NOT NULL DEFAULT 0,
	total_days REAL NOT NULL DEFAULT 0,
	last_entered_at DATETIME,
	last_update_at DATETIME,
	promotion_sent_at DATETIME,
	false_alerts INTEGER NOT NULL DEFAULT 0
);
`

// Row is the accrued evidence for one level.
type Row struct {
	Level            state.AutonomyLevel
	TotalSessions    int
	TotalEvaluations int
	SumEvalScores    float64
	TotalDays        float64
	LastEnteredAt    *time.Time
	PromotionSentAt  *time.Time
}

// AvgScore returns the mean evaluation score, 0 with no evaluations.
func (r Row) AvgScore() float64 {
	if r.TotalEvaluations == 0 {
		return 0
	}
	return r.SumEvalScores / float64(r.TotalEvaluations)
}

// Tracker owns the trust_levels table.
type Tracker struct {
	db  *store.DB
	st  *state.Store
	cfg *config.Config
	clk clock.Clock
}

// New wires the tracker and seeds the four fixed rows.
func New(db *store.DB, st *state.Store, cfg *config.Config, clk clock.Clock) (*Tracker, error) {
	t := &Tracker{db: db, st: st, cfg: cfg, clk: clk}
	if err := db.Ensure("trust_levels", trustDDL); err != nil {
		return nil, err
	}
	for _, level := range []state.AutonomyLevel{state.LevelObserve, state.LevelCautious, state.LevelModerate, state.LevelFull} {
		if _, err := db.SQL().Exec(
			"INSERT OR IGNORE INTO trust_levels(level) VALUES(?)", string(level)); err != nil {
			return nil, fmt.Errorf("failed to seed trust row: %w", err)
		}
	}
	// The boot level starts its sojourn now if it never entered before.
	if _, err := db.SQL().Exec(
		"UPDATE trust_levels SET last_entered_at = ? WHERE level = ? AND last_entered_at IS NULL",
		clk.Now().UTC(), string(st.Level())); err != nil {
		return nil, err
	}
	return t, nil
}

// Update accrues evidence for the current level from state records newer
// than the row's last update. Called every scan tick.
func (t *Tracker) Update() error {
	level := t.st.Level()
	now := t.clk.Now()

	row, err := t.Get(level)
	if err != nil {
		return err
	}

	var since time.Time
	var lastUpdate sql.NullTime
	if err := t.db.SQL().QueryRow(
		"SELECT last_update_at FROM trust_levels WHERE level = ?", string(level)).Scan(&lastUpdate); err != nil {
		return err
	}
	if lastUpdate.Valid {
		since = lastUpdate.Time
	}

	snap := t.st.Snapshot()
	newSessions := 0
	for _, ex := range snap.Executions {
		if ex.TS.After(since) && ex.AutonomyLevel == level && ex.Action == state.ActionStart && ex.Result == state.ExecOK {
			newSessions++
		}
	}
	newEvals := 0
	sumScores := 0.0
	for _, ev := range snap.Evaluations {
		if ev.EvaluatedAt.After(since) {
			newEvals++
			sumScores += float64(ev.Score)
		}
	}

	days := 0.0
	if row.LastEnteredAt != nil {
		days = now.Sub(*row.LastEnteredAt).Hours() / 24
	}

	_, err = t.db.SQL().Exec(`
		UPDATE trust_levels SET
			total_sessions = total_sessions + ?,
			total_evaluations = total_evaluations + ?,
			sum_eval_scores = sum_eval_scores + ?,
			total_days = ?,
			last_update_at = ?
		WHERE level = ?`,
		newSessions, newEvals, sumScores, days, now.UTC(), string(level))
	if err != nil {
		return fmt.Errorf("failed to update trust row: %w", err)
	}
	return nil
}

// Get reads one level's row.
func (t *Tracker) Get(level state.AutonomyLevel) (Row, error) {
	if err := t.db.Ensure("trust_levels", trustDDL); err != nil {
		return Row{}, err
	}
	var r Row
	var entered, sent sql.NullTime
	err := t.db.SQL().QueryRow(`
		SELECT level, total_sessions, total_evaluations, sum_eval_scores, total_days, last_entered_at, promotion_sent_at
		FROM trust_levels WHERE level = ?`, string(level)).
		Scan(&r.Level, &r.TotalSessions, &r.TotalEvaluations, &r.SumEvalScores, &r.TotalDays, &entered, &sent)
	if err != nil {
		return Row{}, err
	}
	if entered.Valid {
		t := entered.Time
		r.LastEnteredAt = &t
	}
	if sent.Valid {
		t := sent.Time
		r.PromotionSentAt = &t
	}
	return r, nil
}

// threshold returns the promotion gate out of the level, or false when
// the level never auto-recommends.
func (t *Tracker) threshold(level state.AutonomyLevel) (config.TrustThreshold, bool) {
	switch level {
	case state.LevelCautious:
		return t.cfg.Trust.CautiousToModerate, true
	case state.LevelModerate:
		return t.cfg.Trust.ModerateToFull, true
	}
	// observe requires an explicit operator opt-in; full has no next level.
	return config.TrustThreshold{}, false
}

// CheckPromotion evaluates the current level against its threshold and
// returns a recommendation string, or "" when there is nothing to say.
// At most one recommendation per sojourn in a level.
func (t *Tracker) CheckPromotion() (string, error) {
	level := t.st.Level()
	th, ok := t.threshold(level)
	if !ok {
		return "", nil
	}

	row, err := t.Get(level)
	if err != nil {
		return "", err
	}
	if row.PromotionSentAt != nil {
		return "", nil
	}
	if row.TotalSessions < th.MinSessions || row.AvgScore() < th.MinAvgScore || row.TotalDays < float64(th.MinDays) {
		return "", nil
	}

	now := t.clk.Now()
	if _, err := t.db.SQL().Exec(
		"UPDATE trust_levels SET promotion_sent_at = ? WHERE level = ?", now.UTC(), string(level)); err != nil {
		return "", fmt.Errorf("failed to record promotion recommendation: %w", err)
	}

	next := level.Next()
	msg := fmt.Sprintf(
		"trust: %d sessions at %s over %.0f days, avg score %.1f. Consider promoting to %s (reply: autonomy %s).",
		row.TotalSessions, level, row.TotalDays, row.AvgScore(), next, next)
	logging.Get(logging.CategoryTrust).Infof("promotion recommended: %s -> %s", level, next)
	return msg, nil
}

// OnLevelChange records entry into a level: sojourn restarts and the
// promotion flag clears so the new sojourn can recommend again.
func (t *Tracker) OnLevelChange(level state.AutonomyLevel) error {
	_, err := t.db.SQL().Exec(
		"UPDATE trust_levels SET last_entered_at = ?, promotion_sent_at = NULL WHERE level = ?",
		t.clk.Now().UTC(), string(level))
	return err
}

// FormatForContext renders the one-section trust summary.
func (t *Tracker) FormatForContext() string {
	level := t.st.Level()
	row, err := t.Get(level)
	if err != nil {
		return ""
	}

	line := fmt.Sprintf("Trust: level %s for %.1f days, %d sessions, avg score %.1f",
		level, row.TotalDays, row.TotalSessions, row.AvgScore())

	if th, ok := t.threshold(level); ok {
		line += fmt.Sprintf(" (promotion progress: %.0f%%)", promotionProgress(row, th))
	}
	return line
}

// promotionProgress is the minimum of the three gate ratios, in percent.
func promotionProgress(r Row, th config.TrustThreshold) float64 {
	ratio := func(have, want float64) float64 {
		if want <= 0 {
			return 1
		}
		if have >= want {
			return 1
		}
		return have / want
	}
	p := ratio(float64(r.TotalSessions), float64(th.MinSessions))
	if v := ratio(r.AvgScore(), th.MinAvgScore); v < p {
		p = v
	}
	if v := ratio(r.TotalDays, float64(th.MinDays)); v < p {
		p = v
	}
	return p * 100
}
