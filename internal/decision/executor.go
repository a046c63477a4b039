package decision

import (
	"context"
	"fmt"

	"orchd/internal/clock"
	"orchd/internal/config"
	"orchd/internal/logging"
	"orchd/internal/notify"
	"orchd/internal/session"
	"orchd/internal/state"
	"orchd/internal/sysmon"
)

// Executor performs allowed recommendations sequentially, rechecking
// runtime preconditions just before each side effect.
type Executor struct {
	cfg      *config.Config
	store    *state.Store
	sessions *session.Manager
	notifier *notify.Notifier
	monitor  *sysmon.Monitor
	policy   *Policy
	clk      clock.Clock
}

// NewExecutor wires the executor.
func NewExecutor(cfg *config.Config, store *state.Store, sessions *session.Manager, notifier *notify.Notifier, monitor *sysmon.Monitor, policy *Policy, clk clock.Clock) *Executor {
	return &Executor{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		notifier: notifier,
		monitor:  monitor,
		policy:   policy,
		clk:      clk,
	}
}

// Execute runs the allowed recommendations in order. Each side effect
// gets its own execution record; one failure does not stop the rest.
func (e *Executor) Execute(ctx context.Context, evs []state.EvaluatedRecommendation) {
	for _, ev := range evs {
		if !ev.Allowed || ev.ObserveOnly {
			continue
		}
		e.executeOne(ctx, ev)
	}
}

func (e *Executor) executeOne(ctx context.Context, ev state.EvaluatedRecommendation) {
	rec := ev.Recommendation

	record := state.ExecutionRecord{
		TS:            e.clk.Now(),
		Action:        rec.Action,
		Project:       rec.Project,
		AutonomyLevel: e.store.Level(),
		StateVersion:  e.store.Version(),
	}

	// The level may have dropped between decision and execution.
	if !LevelAllows(record.AutonomyLevel, rec.Action) {
		e.recordBlocked(ctx, record, fmt.Sprintf("level %s no longer allows %s", record.AutonomyLevel, rec.Action))
		return
	}

	switch rec.Action {
	case state.ActionSkip:
		// Skip is a decision, not a side effect; nothing to record.
		return

	case state.ActionNotify:
		tier := notify.Tier(rec.NotificationTier)
		if tier < notify.TierUrgent || tier > notify.TierDebug {
			tier = notify.TierSummary
		}
		e.notifier.Notify(ctx, tier, rec.Reason)
		record.Result = state.ExecOK

	case state.ActionStart:
		if reason, ok := e.startPreconditions(rec.Project); !ok {
			e.recordBlocked(ctx, record, reason)
			return
		}
		if err := e.sessions.Start(ctx, rec.Project, rec.Prompt); err != nil {
			e.recordFailed(ctx, record, err)
			e.store.RecordErrorRetry(rec.Project)
			return
		}
		e.store.ResetErrorRetry(rec.Project)
		record.Result = state.ExecOK

	case state.ActionStop:
		if !e.sessions.IsRunning(rec.Project) {
			e.recordBlocked(ctx, record, "no running session")
			return
		}
		if _, err := e.sessions.Stop(ctx, rec.Project); err != nil {
			e.recordFailed(ctx, record, err)
			return
		}
		record.Result = state.ExecOK

	case state.ActionRestart:
		if !e.sessions.IsRunning(rec.Project) {
			e.recordBlocked(ctx, record, "no running session")
			return
		}
		if err := e.sessions.Restart(ctx, rec.Project, rec.Prompt); err != nil {
			e.recordFailed(ctx, record, err)
			return
		}
		record.Result = state.ExecOK

	default:
		e.recordBlocked(ctx, record, "unknown action")
		return
	}

	e.store.LogExecution(record)
	e.policy.RecordAction(rec, record.TS)
	logging.Decision("executed %s %s", rec.Action, rec.Project)

	if rec.Action != state.ActionNotify {
		e.notifier.Notify(ctx, notify.TierAction,
			fmt.Sprintf("%s %s succeeded", rec.Action, rec.Project))
	}
}

// startPreconditions re-checks the just-in-time gates for a start:
// nothing already running on the project, concurrency headroom, and
// enough free memory. Conditions drift between decision and execution.
func (e *Executor) startPreconditions(projectName string) (string, bool) {
	if e.sessions.IsRunning(projectName) {
		return "session already running", false
	}

	maxConc := e.cfg.AI.MaxConcurrentSessions
	if maxConc <= 0 {
		maxConc = 3
	}
	if e.sessions.ActiveCount() >= maxConc {
		return fmt.Sprintf("at concurrency cap (%d)", maxConc), false
	}

	minMem := e.cfg.AI.ResourceLimits.MinFreeMemoryMB
	if minMem > 0 && e.monitor != nil {
		snap := e.monitor.Collect()
		if snap.FreeMemoryMB > 0 && snap.FreeMemoryMB < int64(minMem) {
			return fmt.Sprintf("low memory (%dMB free)", snap.FreeMemoryMB), false
		}
	}
	return "", true
}

func (e *Executor) recordBlocked(ctx context.Context, record state.ExecutionRecord, reason string) {
	record.Result = state.ExecBlocked
	record.Error = reason
	e.store.LogExecution(record)
	logging.Decision("precondition blocked %s %s: %s", record.Action, record.Project, reason)
	e.notifier.Notify(ctx, notify.TierSummary,
		fmt.Sprintf("skipped %s %s: %s", record.Action, record.Project, reason))
}

func (e *Executor) recordFailed(ctx context.Context, record state.ExecutionRecord, err error) {
	record.Result = state.ExecFailed
	record.Error = err.Error()
	e.store.LogExecution(record)
	logging.Get(logging.CategoryDecision).Errorf("%s %s failed: %v", record.Action, record.Project, err)
	e.notifier.Notify(ctx, notify.TierAction,
		fmt.Sprintf("%s %s failed: %v", record.Action, record.Project, err))
}
