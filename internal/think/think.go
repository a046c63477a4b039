// Package think runs the periodic think cycle: assemble context, ask
// the LLM, gate the recommendations, execute what survives. At most one
// cycle runs at a time; a tick arriving mid-cycle is dropped.
package think

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"orchd/internal/clock"
	"orchd/internal/config"
	"orchd/internal/decision"
	"orchd/internal/logging"
	"orchd/internal/notify"
	"orchd/internal/proc"
	"orchd/internal/project"
	"orchd/internal/prompt"
	"orchd/internal/state"
	"orchd/internal/sysmon"
)

// Interval clamp for the LLM's nextThinkInSec hint.
const (
	minThinkInterval = 60 * time.Second
	maxThinkInterval = 30 * time.Minute
)

// llmResponse is the think-cycle output shape.
type llmResponse struct {
	Summary         string                 `json:"summary"`
	Recommendations []state.Recommendation `json:"recommendations"`
	NextThinkInSec  int                    `json:"nextThinkInSec,omitempty"`
}

// Loop drives think cycles on an adaptive timer.
type Loop struct {
	cfg       *config.Config
	store     *state.Store
	scanner   *project.Scanner
	assembler *prompt.Assembler
	broker    *proc.Broker
	policy    *decision.Policy
	executor  *decision.Executor
	notifier  *notify.Notifier
	monitor   *sysmon.Monitor
	clk       clock.Clock

	cycleMu sync.Mutex // held for the duration of one cycle

	mu       sync.Mutex
	timer    clock.Timer
	nextHint time.Duration // consumed by the next reschedule, then reset
	stopped  bool
}

// NewLoop wires the think loop.
func NewLoop(cfg *config.Config, store *state.Store, scanner *project.Scanner, assembler *prompt.Assembler, broker *proc.Broker, policy *decision.Policy, executor *decision.Executor, notifier *notify.Notifier, monitor *sysmon.Monitor, clk clock.Clock) *Loop {
	return &Loop{
		cfg:       cfg,
		store:     store,
		scanner:   scanner,
		assembler: assembler,
		broker:    broker,
		policy:    policy,
		executor:  executor,
		notifier:  notifier,
		monitor:   monitor,
		clk:       clk,
	}
}

// Start arms the first timer.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scheduleLocked()
}

// Stop cancels the timer and waits for an in-flight cycle, bounded by
// the think timeout.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.cycleMu.Lock()
		l.cycleMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.cfg.ThinkTimeout()):
		logging.Think("shutdown proceeding with think cycle still in flight")
	}
}

// TickNow runs one cycle immediately (operator "think now" command).
// Returns false if a cycle was already in flight.
func (l *Loop) TickNow(ctx context.Context) bool {
	return l.runCycle(ctx, true)
}

func (l *Loop) tick() {
	l.runCycle(context.Background(), false)

	l.mu.Lock()
	l.scheduleLocked()
	l.mu.Unlock()
}

// scheduleLocked arms the next tick: the LLM's clamped hint if one was
// given, otherwise the configured interval. The hint is consumed once.
func (l *Loop) scheduleLocked() {
	if l.stopped {
		return
	}
	interval := l.cfg.ThinkInterval()
	if l.nextHint > 0 {
		interval = l.nextHint
		l.nextHint = 0
	}
	l.timer = l.clk.AfterFunc(interval, l.tick)
}

// runCycle executes one think cycle. Returns false when skipped because
// another cycle holds the mutex.
func (l *Loop) runCycle(ctx context.Context, operator bool) bool {
	if !l.cycleMu.TryLock() {
		logging.ThinkDebug("think tick dropped, cycle in flight")
		return false
	}
	defer l.cycleMu.Unlock()

	if !l.cfg.AI.Enabled || l.store.AIPaused() {
		logging.ThinkDebug("thinking disabled or paused, skipping cycle")
		return true
	}

	// Resource gate: a starved host gets no new LLM work.
	if min := l.cfg.AI.ResourceLimits.MinFreeMemoryMB; min > 0 && l.monitor != nil {
		snap := l.monitor.Collect()
		if snap.FreeMemoryMB > 0 && snap.FreeMemoryMB < int64(min) {
			logging.Think("skipping think cycle, %dMB free below %dMB floor", snap.FreeMemoryMB, min)
			return true
		}
	}

	started := l.clk.Now()
	projects := l.scanner.Scan(ctx)
	text := l.assembler.Assemble(projects)

	raw, err := l.broker.InvokeLLM(ctx, text, proc.LLMOpts{
		Schema:   prompt.ResponseSchema,
		Timeout:  l.cfg.ThinkTimeout(),
		Operator: operator,
	})
	if err != nil {
		// A subprocess failure (timeout, non-zero exit) is an operational
		// problem; a bad response body is only a lost cycle.
		l.recordFailure(ctx, started, notify.TierAction, fmt.Errorf("llm invocation failed: %w", err))
		return true
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		l.recordFailure(ctx, started, notify.TierSummary, fmt.Errorf("unparseable llm response: %w", err))
		return true
	}

	known := make(map[string]project.Project, len(projects))
	for _, p := range projects {
		known[p.Name] = p
	}
	evaluated := l.policy.Evaluate(resp.Recommendations, known)

	record := state.DecisionRecord{
		TS:              started,
		Summary:         resp.Summary,
		Recommendations: resp.Recommendations,
		Evaluated:       evaluated,
		DurationMs:      l.clk.Now().Sub(started).Milliseconds(),
		NextThinkInSec:  resp.NextThinkInSec,
	}
	l.store.LogDecision(record)
	logging.Think("cycle complete in %dms: %d recommendations", record.DurationMs, len(evaluated))

	level := l.store.Level()
	if level == state.LevelObserve {
		if text, ok := l.notifier.FormatEvaluated(evaluated, level); ok {
			l.notifier.Notify(ctx, notify.TierSummary, text)
		}
	} else {
		l.executor.Execute(ctx, evaluated)
	}

	l.setNextHint(resp.NextThinkInSec)
	return true
}

// setNextHint clamps and stores the LLM's interval suggestion.
func (l *Loop) setNextHint(sec int) {
	if sec <= 0 {
		return
	}
	d := time.Duration(sec) * time.Second
	if d < minThinkInterval {
		d = minThinkInterval
	}
	if d > maxThinkInterval {
		d = maxThinkInterval
	}
	l.mu.Lock()
	l.nextHint = d
	l.mu.Unlock()
}

func (l *Loop) recordFailure(ctx context.Context, started time.Time, tier notify.Tier, err error) {
	logging.Get(logging.CategoryThink).Errorf("think cycle failed: %v", err)
	l.store.LogDecision(state.DecisionRecord{
		TS:         started,
		DurationMs: l.clk.Now().Sub(started).Milliseconds(),
		Error:      err.Error(),
	})
	l.notifier.Notify(ctx, tier, fmt.Sprintf("think cycle failed: %v", err))
}
