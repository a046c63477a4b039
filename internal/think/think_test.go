package think

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchd/internal/clock"
	"orchd/internal/config"
	"orchd/internal/notify"
	"orchd/internal/proc"
	"orchd/internal/project"
	"orchd/internal/prompt"
	"orchd/internal/state"
	"orchd/internal/sysmon"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingTransport) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testLoop(t *testing.T) (*Loop, *state.Store, *clock.Fake) {
	t.Helper()
	cfg := config.DefaultConfig()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"), state.LevelObserve)
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	// Collaborators that a gated-out cycle never reaches stay nil.
	return NewLoop(cfg, st, nil, nil, nil, nil, nil, nil, nil, clk), st, clk
}

// fullLoop wires enough real collaborators to run a cycle end to end,
// with the LLM CLI replaced by the given binary.
func fullLoop(t *testing.T, llmBin string) (*Loop, *state.Store, *recordingTransport) {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ProjectsRoot = root

	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"), state.LevelObserve)
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))

	tr := &recordingTransport{}
	notifier := notify.New(tr, clk, notify.Options{DailyBudget: 100, Location: time.UTC})
	scanner := project.NewScanner(root)
	assembler := prompt.NewAssembler(cfg, st, scanner, nil, &sysmon.Monitor{}, clk)
	broker := proc.NewBroker(llmBin, "test")

	return NewLoop(cfg, st, scanner, assembler, broker, nil, nil, notifier, nil, clk), st, tr
}

func TestSubprocessFailureNotifiesImmediately(t *testing.T) {
	l, st, tr := fullLoop(t, "definitely-not-a-binary-xyz")

	assert.True(t, l.runCycle(context.Background(), false))

	decisions := st.Snapshot().Decisions
	require.Len(t, decisions, 1)
	assert.Contains(t, decisions[0].Error, "llm invocation failed")

	require.Equal(t, 1, tr.count(), "an operational failure goes out right away")
	assert.Contains(t, tr.sent[0], "think cycle failed")
}

func TestParseFailureOnlyBatches(t *testing.T) {
	// echo reflects its own arguments, which is never valid JSON.
	l, st, tr := fullLoop(t, "echo")

	assert.True(t, l.runCycle(context.Background(), false))

	decisions := st.Snapshot().Decisions
	require.Len(t, decisions, 1)
	assert.Contains(t, decisions[0].Error, "unparseable")

	assert.Zero(t, tr.count(), "a garbled response is not worth an immediate text")
	require.NotNil(t, l.notifier)
	assert.Equal(t, 1, l.notifier.PendingBatch())
	assert.True(t, strings.Contains(decisions[0].Error, "llm response"))
}

func TestNextHintClamped(t *testing.T) {
	l, _, _ := testLoop(t)

	l.setNextHint(10)
	assert.Equal(t, minThinkInterval, l.nextHint, "hints below the floor clamp up")

	l.setNextHint(7200)
	assert.Equal(t, maxThinkInterval, l.nextHint, "hints above the ceiling clamp down")

	l.setNextHint(600)
	assert.Equal(t, 10*time.Minute, l.nextHint)

	l.setNextHint(0)
	assert.Equal(t, 10*time.Minute, l.nextHint, "zero is no hint, not a reset")
}

func TestHintConsumedOnce(t *testing.T) {
	l, _, _ := testLoop(t)
	l.setNextHint(120)

	l.mu.Lock()
	l.scheduleLocked()
	l.mu.Unlock()
	assert.Zero(t, l.nextHint, "the hint is consumed by the first reschedule")

	// The armed timer reflects the hint; the next one reverts to default.
	// We only observe consumption here; firing behavior runs the whole
	// cycle and is covered by the gating tests.
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.stopped = true
	l.mu.Unlock()
}

func TestCycleDroppedWhenInFlight(t *testing.T) {
	l, _, _ := testLoop(t)

	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	assert.False(t, l.runCycle(context.Background(), false),
		"a tick arriving mid-cycle is dropped, not queued")
}

func TestCycleSkippedWhenPaused(t *testing.T) {
	l, st, _ := testLoop(t)
	st.SetAIPaused(true)
	assert.True(t, l.runCycle(context.Background(), false), "paused cycles complete as no-ops")
	assert.Empty(t, st.Snapshot().Decisions)
}

func TestCycleSkippedWhenDisabled(t *testing.T) {
	l, st, _ := testLoop(t)
	l.cfg.AI.Enabled = false
	assert.True(t, l.runCycle(context.Background(), false))
	assert.Empty(t, st.Snapshot().Decisions)
}

func TestStopCancelsTimer(t *testing.T) {
	l, _, clk := testLoop(t)
	l.cfg.AI.Enabled = false
	l.Start()
	l.Stop()

	// A fire after Stop must not panic or run a cycle.
	clk.Advance(time.Hour)
	assert.True(t, l.stopped)
}
