package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchd/internal/clock"
	"orchd/internal/state"
)

type fakeTransport struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
}

func (f *fakeTransport) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func newTestNotifier(t *testing.T, opts Options) (*Notifier, *fakeTransport, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	tr := &fakeTransport{}
	return New(tr, clk, opts), tr, clk
}

func TestUrgentAlwaysSends(t *testing.T) {
	n, tr, _ := newTestNotifier(t, Options{DailyBudget: 0})
	ctx := context.Background()

	n.Notify(ctx, TierUrgent, "host on fire")
	n.Notify(ctx, TierUrgent, "still on fire")
	assert.Equal(t, 2, tr.count())
}

func TestDailyBudgetCapsTierTwo(t *testing.T) {
	n, tr, clk := newTestNotifier(t, Options{DailyBudget: 2})
	ctx := context.Background()

	n.Notify(ctx, TierAction, "one")
	n.Notify(ctx, TierAction, "two")
	n.Notify(ctx, TierAction, "three")

	assert.Equal(t, 2, tr.count(), "third tier-2 send must be downgraded to batch")
	assert.Equal(t, 1, n.PendingBatch())
	assert.Equal(t, 2, n.SentToday())

	// Budget resets at local midnight; the fresh send piggybacks the
	// entry held in the batch.
	clk.Advance(24 * time.Hour)
	n.Notify(ctx, TierAction, "four")
	assert.Equal(t, 4, tr.count())
	assert.Equal(t, "three", tr.last())
	assert.Zero(t, n.PendingBatch())
	assert.Equal(t, 1, n.SentToday())
}

func TestQuietHoursHoldTierTwo(t *testing.T) {
	n, tr, _ := newTestNotifier(t, Options{
		DailyBudget: 10,
		QuietStart:  "10:00",
		QuietEnd:    "14:00", // fake clock sits at 12:00
	})
	ctx := context.Background()

	n.Notify(ctx, TierAction, "during quiet")
	assert.Zero(t, tr.count())
	assert.Equal(t, 1, n.PendingBatch())
	assert.Zero(t, n.SentToday(), "a held message consumes no budget")

	// Tier 1 ignores quiet hours.
	n.Notify(ctx, TierUrgent, "urgent anyway")
	assert.Equal(t, 1, tr.count())
}

func TestQuietWindowCrossingMidnight(t *testing.T) {
	n, _, clk := newTestNotifier(t, Options{QuietStart: "22:30", QuietEnd: "07:00"})

	assert.False(t, n.InQuietHours(), "noon is not quiet")
	clk.Advance(11 * time.Hour) // 23:00
	assert.True(t, n.InQuietHours())
	clk.Advance(5 * time.Hour) // 04:00
	assert.True(t, n.InQuietHours())
	clk.Advance(4 * time.Hour) // 08:00
	assert.False(t, n.InQuietHours())
}

func TestBatchFlushOnTimer(t *testing.T) {
	n, tr, clk := newTestNotifier(t, Options{BatchInterval: 10 * time.Minute})
	ctx := context.Background()
	n.Start()
	defer n.Stop(ctx)

	n.Notify(ctx, TierSummary, "first")
	n.Notify(ctx, TierSummary, "second")
	assert.Zero(t, tr.count())

	clk.Advance(10 * time.Minute)
	require.Equal(t, 1, tr.count())
	assert.Equal(t, "first\nsecond", tr.last())
	assert.Zero(t, n.PendingBatch())
}

func TestBatchTrimsOldestOverCeiling(t *testing.T) {
	n, tr, clk := newTestNotifier(t, Options{BatchInterval: time.Minute, MaxLength: 20})
	ctx := context.Background()
	n.Start()
	defer n.Stop(ctx)

	n.Notify(ctx, TierSummary, "aaaaaaaaaaaaaaa") // 15 chars
	n.Notify(ctx, TierSummary, "bbbbbbbbbb")      // 10 chars, joined 26 > 20

	clk.Advance(time.Minute)
	require.Equal(t, 1, tr.count())
	assert.Equal(t, "bbbbbbbbbb", tr.last(), "oldest entry dropped first")
}

func TestUrgentPiggybacksBatch(t *testing.T) {
	n, tr, _ := newTestNotifier(t, Options{})
	ctx := context.Background()

	n.Notify(ctx, TierSummary, "queued")
	n.Notify(ctx, TierUrgent, "boom")

	require.Equal(t, 2, tr.count())
	assert.Equal(t, "queued", tr.last())
}

func TestDedupDropsRepeatWithinTTL(t *testing.T) {
	n, tr, clk := newTestNotifier(t, Options{DedupTTL: time.Hour, DailyBudget: 10})
	ctx := context.Background()

	n.Notify(ctx, TierAction, "same text")
	n.Notify(ctx, TierAction, "same text")
	assert.Equal(t, 1, tr.count())

	clk.Advance(61 * time.Minute)
	n.Notify(ctx, TierAction, "same text")
	assert.Equal(t, 2, tr.count())
}

func TestDebugTierNeverSends(t *testing.T) {
	n, tr, _ := newTestNotifier(t, Options{})
	n.Notify(context.Background(), TierDebug, "noise")
	assert.Zero(t, tr.count())
	assert.Zero(t, n.PendingBatch())
}

func TestStopFlushesPending(t *testing.T) {
	n, tr, _ := newTestNotifier(t, Options{})
	ctx := context.Background()
	n.Start()

	n.Notify(ctx, TierSummary, "pending")
	n.Stop(ctx)
	assert.Equal(t, 1, tr.count())
}

func TestFormatEvaluatedSuppressesRepeatCycles(t *testing.T) {
	n, _, clk := newTestNotifier(t, Options{DedupTTL: time.Hour})

	evs := []state.EvaluatedRecommendation{{
		Recommendation: state.Recommendation{Project: "A", Action: state.ActionStart, Reason: "idle"},
		ObserveOnly:    true,
	}}

	text, ok := n.FormatEvaluated(evs, state.LevelObserve)
	require.True(t, ok)
	assert.Contains(t, text, "[observe] would do:")
	assert.Contains(t, text, "A")

	// The identical recommendation from the next cycle yields no envelope.
	_, ok = n.FormatEvaluated(evs, state.LevelObserve)
	assert.False(t, ok)

	clk.Advance(2 * time.Hour)
	_, ok = n.FormatEvaluated(evs, state.LevelObserve)
	assert.True(t, ok, "suppression expires with the TTL")
}

func TestFormatEvaluatedMarksBlocked(t *testing.T) {
	n, _, _ := newTestNotifier(t, Options{})

	evs := []state.EvaluatedRecommendation{
		{
			Recommendation: state.Recommendation{Project: "A", Action: state.ActionStart, Reason: "idle"},
			Allowed:        true,
		},
		{
			Recommendation: state.Recommendation{Project: "B", Action: state.ActionStop, Reason: "stuck"},
			BlockedReason:  state.BlockAutonomy,
		},
	}
	text, ok := n.FormatEvaluated(evs, state.LevelCautious)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(text, "decisions:"))
	assert.Contains(t, text, "[blocked: autonomy]")
}

func TestRecKeyClipsReason(t *testing.T) {
	long := strings.Repeat("x", 200)
	assert.Equal(t,
		RecKey("p", "start", long[:100]),
		RecKey("p", "start", long),
		"reason contributes only its first 100 chars")
	assert.NotEqual(t, RecKey("p", "start", "a"), RecKey("p", "stop", "a"))
}
