// Package scan drives the fixed-cadence observation tick: ended-session
// detection, timeouts, reminders, trust accrual, and periodic revenue
// collection. It runs at every autonomy level.
package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orchd/internal/clock"
	"orchd/internal/config"
	"orchd/internal/logging"
	"orchd/internal/notify"
	"orchd/internal/reminder"
	"orchd/internal/revenue"
	"orchd/internal/session"
	"orchd/internal/state"
	"orchd/internal/trust"
)

// Interval is the scan cadence.
const Interval = 60 * time.Second

// closedSessionRetention keeps finished sessions in the state document
// long enough for post-mortem inspection.
const closedSessionRetention = 24 * time.Hour

// Loop is the scan ticker.
type Loop struct {
	cfg      *config.Config
	store    *state.Store
	sessions *session.Manager
	eval     *session.Evaluator
	notifier *notify.Notifier
	rems     *reminder.Tracker
	trust    *trust.Tracker
	rev      *revenue.Tracker
	clk      clock.Clock

	mu        sync.Mutex
	timer     clock.Timer
	stopped   bool
	scanCount int
	lastPrune time.Time

	wg sync.WaitGroup // in-flight fire-and-forget evaluations
}

// NewLoop wires the scan loop. rems, trust, and rev may be nil when the
// corresponding subsystem is disabled.
func NewLoop(cfg *config.Config, store *state.Store, sessions *session.Manager, eval *session.Evaluator, notifier *notify.Notifier, rems *reminder.Tracker, tr *trust.Tracker, rev *revenue.Tracker, clk clock.Clock) *Loop {
	return &Loop{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		eval:     eval,
		notifier: notifier,
		rems:     rems,
		trust:    tr,
		rev:      rev,
		clk:      clk,
	}
}

// Start arms the first tick.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scheduleLocked()
}

// Stop cancels the timer and waits for in-flight evaluations.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Loop) scheduleLocked() {
	if l.stopped {
		return
	}
	l.timer = l.clk.AfterFunc(Interval, l.tick)
}

func (l *Loop) tick() {
	ctx := context.Background()
	l.Tick(ctx)

	l.mu.Lock()
	l.scheduleLocked()
	l.mu.Unlock()
}

// Tick runs one scan pass.
func (l *Loop) Tick(ctx context.Context) {
	l.mu.Lock()
	l.scanCount++
	count := l.scanCount
	l.mu.Unlock()

	logging.ScanDebug("scan tick %d", count)

	// Naturally ended sessions get evaluated off the tick path.
	for _, sess := range l.sessions.DetectEnded(ctx) {
		l.evaluateAsync(sess)
	}

	for _, timed := range l.sessions.CheckTimeouts(ctx, l.cfg.MaxSessionDuration()) {
		text := fmt.Sprintf("session on %s hit the %s cap and was stopped",
			timed.Session.ProjectName, l.cfg.MaxSessionDuration())
		if timed.LastLines != "" {
			text += "\nlast output:\n" + timed.LastLines
		}
		l.notifier.Notify(ctx, notify.TierAction, text)
		l.evaluateAsync(timed.Session)
	}

	if l.rems != nil {
		if err := l.rems.CheckAndFire(ctx); err != nil {
			logging.Get(logging.CategoryScan).Errorf("reminder check failed: %v", err)
		}
	}

	if l.trust != nil {
		if err := l.trust.Update(); err != nil {
			logging.Get(logging.CategoryScan).Errorf("trust accrual failed: %v", err)
		}
	}

	if l.rev != nil && l.cfg.Revenue.Enabled {
		n := l.cfg.Revenue.CollectionIntervalScans
		if n <= 0 {
			n = 5
		}
		if count%n == 0 {
			l.rev.Collect(ctx)
			l.maybePrune()
		}
	}

	l.store.PruneSessions(l.clk.Now(), closedSessionRetention)
}

func (l *Loop) evaluateAsync(sess state.Session) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.eval.Evaluate(context.Background(), sess)
	}()
}

// maybePrune runs the retention sweep at most once per day.
func (l *Loop) maybePrune() {
	now := l.clk.Now()
	l.mu.Lock()
	due := now.Sub(l.lastPrune) >= 24*time.Hour
	if due {
		l.lastPrune = now
	}
	l.mu.Unlock()
	if !due {
		return
	}

	days := l.cfg.Revenue.RetentionDays
	if days <= 0 {
		days = 90
	}
	if err := l.rev.Prune(time.Duration(days) * 24 * time.Hour); err != nil {
		logging.Get(logging.CategoryScan).Errorf("revenue prune failed: %v", err)
	}
}
