// Package revenue collects periodic snapshots from income sources and
// serves the summaries the context assembler and weekly digest read.
// NULL columns mean "source unreachable or field missing"; a numeric
// zero means the source really reported zero.
package revenue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"orchd/internal/clock"
	"orchd/internal/logging"
	"orchd/internal/store"
)

const snapshotsDDL = `
CREATE TABLE IF NOT EXISTS revenue_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	collected_at DATETIME NOT NULL,
	value_usd REAL,
	rate REAL,
	counter REAL
);
CREATE INDEX IF NOT EXISTS idx_revenue_source_at ON revenue_snapshots(source, collected_at);
`

// staleAfter marks context lines whose snapshot is older than this.
const staleAfter = time.Hour

// Snapshot is one observation from a source. Nil fields were missing or
// unreachable; zero values were reported as zero.
type Snapshot struct {
	Source      string
	CollectedAt time.Time
	ValueUSD    *float64 // balance or accumulated earnings
	Rate        *float64 // instantaneous rate (hashrate, $/day, price)
	Counter     *float64 // monotonic counter, reset-prone
}

// AgeMinutes is the snapshot age at now.
func (s Snapshot) AgeMinutes(now time.Time) int {
	return int(now.Sub(s.CollectedAt).Minutes())
}

// Source is one revenue feed.
type Source interface {
	Name() string
	Collect(ctx context.Context) (Snapshot, error)
}

// Tracker owns the snapshots table.
type Tracker struct {
	db      *store.DB
	clk     clock.Clock
	sources []Source
}

// New wires the tracker over its sources.
func New(db *store.DB, clk clock.Clock, sources []Source) *Tracker {
	return &Tracker{db: db, clk: clk, sources: sources}
}

// Collect fetches every source and appends a snapshot per source. An
// unreachable source still gets a row, with all metrics NULL, so
// staleness is visible downstream.
func (t *Tracker) Collect(ctx context.Context) {
	if err := t.db.Ensure("revenue_snapshots", snapshotsDDL); err != nil {
		logging.Get(logging.CategoryRevenue).Errorf("revenue table unavailable: %v", err)
		return
	}
	now := t.clk.Now()

	for _, src := range t.sources {
		snap, err := src.Collect(ctx)
		if err != nil {
			logging.Get(logging.CategoryRevenue).Debugf("source %s unreachable: %v", src.Name(), err)
			snap = Snapshot{}
		}
		snap.Source = src.Name()
		snap.CollectedAt = now

		if err := t.append(snap); err != nil {
			logging.Get(logging.CategoryRevenue).Errorf("failed to append snapshot for %s: %v", src.Name(), err)
		}
	}
}

func (t *Tracker) append(s Snapshot) error {
	_, err := t.db.SQL().Exec(
		"INSERT INTO revenue_snapshots(source, collected_at, value_usd, rate, counter) VALUES(?, ?, ?, ?, ?)",
		s.Source, s.CollectedAt.UTC(), nullable(s.ValueUSD), nullable(s.Rate), nullable(s.Counter))
	return err
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// GetLatest returns the most recent snapshot for a source.
func (t *Tracker) GetLatest(source string) (Snapshot, bool, error) {
	if err := t.db.Ensure("revenue_snapshots", snapshotsDDL); err != nil {
		return Snapshot{}, false, err
	}
	var s Snapshot
	var value, rate, counter sql.NullFloat64
	err := t.db.SQL().QueryRow(`
		SELECT source, collected_at, value_usd, rate, counter
		FROM revenue_snapshots WHERE source = ? ORDER BY collected_at DESC LIMIT 1`, source).
		Scan(&s.Source, &s.CollectedAt, &value, &rate, &counter)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	s.ValueUSD = fromNull(value)
	s.Rate = fromNull(rate)
	s.Counter = fromNull(counter)
	return s, true, nil
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// FormatForContext renders one line per source; "" with no sources.
func (t *Tracker) FormatForContext() string {
	if len(t.sources) == 0 {
		return ""
	}
	now := t.clk.Now()

	var b strings.Builder
	b.WriteString("Revenue:\n")
	for _, src := range t.sources {
		snap, ok, err := t.GetLatest(src.Name())
		if err != nil || !ok {
			fmt.Fprintf(&b, "- %s: no data yet\n", src.Name())
			continue
		}

		value := "data unavailable"
		if snap.ValueUSD != nil {
			value = fmt.Sprintf("$%.2f", *snap.ValueUSD)
		}
		stale := ""
		if age := now.Sub(snap.CollectedAt); age > staleAfter {
			stale = fmt.Sprintf(" STALE (%s old)", age.Round(time.Minute))
		}
		fmt.Fprintf(&b, "- %s: %s, %dm ago%s\n", src.Name(), value, snap.AgeMinutes(now), stale)
	}
	return strings.TrimRight(b.String(), "\n")
}

// WeeklyTrend is one source's week-over-week comparison.
type WeeklyTrend struct {
	Source    string
	ThisWeek  float64
	PriorWeek float64
}

// GetWeeklyTrend compares each source's counter growth this week to the
// prior week. A counter decrease is treated as a restart: the post-reset
// reading counts in full and becomes the new baseline.
func (t *Tracker) GetWeeklyTrend() ([]WeeklyTrend, error) {
	if err := t.db.Ensure("revenue_snapshots", snapshotsDDL); err != nil {
		return nil, err
	}
	now := t.clk.Now()
	weekAgo := now.Add(-7 * 24 * time.Hour)
	twoWeeksAgo := now.Add(-14 * 24 * time.Hour)

	var out []WeeklyTrend
	for _, src := range t.sources {
		this, err := t.counterGrowth(src.Name(), weekAgo, now)
		if err != nil {
			return nil, err
		}
		prior, err := t.counterGrowth(src.Name(), twoWeeksAgo, weekAgo)
		if err != nil {
			return nil, err
		}
		out = append(out, WeeklyTrend{Source: src.Name(), ThisWeek: this, PriorWeek: prior})
	}
	return out, nil
}

// counterGrowth sums positive deltas of the monotonic counter over a
// window, restarting the baseline whenever the counter decreases.
func (t *Tracker) counterGrowth(source string, from, to time.Time) (float64, error) {
	rows, err := t.db.SQL().Query(`
		SELECT counter FROM revenue_snapshots
		WHERE source = ? AND collected_at >= ? AND collected_at < ? AND counter IS NOT NULL
		ORDER BY collected_at`, source, from.UTC(), to.UTC())
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	total := 0.0
	prev := -1.0
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return 0, err
		}
		switch {
		case prev >= 0 && c >= prev:
			total += c - prev
		case prev >= 0:
			// Counter restart. The first post-reset reading is earnings
			// accumulated since the reset, so it counts in full.
			total += c
		}
		prev = c
	}
	return total, rows.Err()
}

// Prune drops snapshots older than the retention window.
func (t *Tracker) Prune(retention time.Duration) error {
	if err := t.db.Ensure("revenue_snapshots", snapshotsDDL); err != nil {
		return err
	}
	cutoff := t.clk.Now().Add(-retention).UTC()
	res, err := t.db.SQL().Exec("DELETE FROM revenue_snapshots WHERE collected_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune revenue snapshots: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.Get(logging.CategoryRevenue).Debugf("pruned %d revenue snapshots", n)
	}
	return nil
}
