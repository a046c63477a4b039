package revenue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchd/internal/clock"
	"orchd/internal/store"
)

type fakeSource struct {
	name string
	snap Snapshot
	err  error
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Collect(context.Context) (Snapshot, error) {
	return f.snap, f.err
}

func ptr(v float64) *float64 { return &v }

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "revenue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNullVersusZero(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	zeroSource := &fakeSource{name: "x", snap: Snapshot{ValueUSD: ptr(0)}}
	downSource := &fakeSource{name: "y", err: assert.AnError}
	tr := New(testDB(t), clk, []Source{zeroSource, downSource})

	tr.Collect(context.Background())

	x, ok, err := tr.GetLatest("x")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, x.ValueUSD, "explicit zero is a value, not NULL")
	assert.Zero(t, *x.ValueUSD)

	y, ok, err := tr.GetLatest("y")
	require.NoError(t, err)
	require.True(t, ok, "an unreachable source still gets a row")
	assert.Nil(t, y.ValueUSD)

	text := tr.FormatForContext()
	assert.Contains(t, text, "x: $0.00")
	assert.Contains(t, text, "y: data unavailable")
}

func TestStaleMarker(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	src := &fakeSource{name: "x", snap: Snapshot{ValueUSD: ptr(5)}}
	tr := New(testDB(t), clk, []Source{src})

	tr.Collect(context.Background())
	assert.NotContains(t, tr.FormatForContext(), "STALE")

	clk.Advance(2 * time.Hour)
	assert.Contains(t, tr.FormatForContext(), "STALE")
}

func TestGetLatestPicksNewest(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	src := &fakeSource{name: "x", snap: Snapshot{ValueUSD: ptr(1)}}
	tr := New(testDB(t), clk, []Source{src})

	tr.Collect(context.Background())
	clk.Advance(10 * time.Minute)
	src.snap.ValueUSD = ptr(2)
	tr.Collect(context.Background())

	latest, ok, err := tr.GetLatest("x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, *latest.ValueUSD)
	assert.Equal(t, 0, latest.AgeMinutes(clk.Now()))
}

func TestWeeklyTrendHandlesCounterReset(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	src := &fakeSource{name: "x"}
	tr := New(testDB(t), clk, []Source{src})

	// Prior week: counter 100 -> 150 (growth 50).
	clk.Advance(-13 * 24 * time.Hour)
	for _, c := range []float64{100, 120, 150} {
		src.snap = Snapshot{Counter: ptr(c)}
		tr.Collect(context.Background())
		clk.Advance(time.Hour)
	}

	// This week: 150 -> 170, reset to 5, then 25. Growth 20 + 5 + 20; the
	// drop is a restart, and the first post-reset reading is earnings
	// since the reset, not negative revenue.
	clk.Advance(8 * 24 * time.Hour)
	for _, c := range []float64{150, 170, 5, 25} {
		src.snap = Snapshot{Counter: ptr(c)}
		tr.Collect(context.Background())
		clk.Advance(time.Hour)
	}

	trends, err := tr.GetWeeklyTrend()
	require.NoError(t, err)
	require.Len(t, trends, 1)
	assert.Equal(t, 45.0, trends[0].ThisWeek)
	assert.InDelta(t, 50.0, trends[0].PriorWeek, 0.01)
}

func TestPruneDropsOldRows(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	src := &fakeSource{name: "x", snap: Snapshot{ValueUSD: ptr(1)}}
	tr := New(testDB(t), clk, []Source{src})

	tr.Collect(context.Background())
	clk.Advance(91 * 24 * time.Hour)
	tr.Collect(context.Background())

	require.NoError(t, tr.Prune(90*24*time.Hour))

	var n int
	require.NoError(t, tr.db.SQL().QueryRow("SELECT COUNT(*) FROM revenue_snapshots").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestFormatWithNoSources(t *testing.T) {
	tr := New(testDB(t), clock.NewFake(time.Now()), nil)
	assert.Empty(t, tr.FormatForContext())
}
