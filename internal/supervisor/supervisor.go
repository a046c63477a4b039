// Package supervisor boots and runs the control plane: it wires every
// subsystem, schedules the cron digests, dispatches operator commands,
// and shuts the whole thing down in order.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"orchd/internal/clock"
	"orchd/internal/config"
	"orchd/internal/decision"
	"orchd/internal/learner"
	"orchd/internal/logging"
	"orchd/internal/notify"
	"orchd/internal/proc"
	"orchd/internal/project"
	"orchd/internal/prompt"
	"orchd/internal/reminder"
	"orchd/internal/revenue"
	"orchd/internal/scan"
	"orchd/internal/session"
	"orchd/internal/sms"
	"orchd/internal/state"
	"orchd/internal/store"
	"orchd/internal/sysmon"
	"orchd/internal/think"
	"orchd/internal/trust"
	"orchd/internal/tmux"
)

// smsPollInterval is the inbound command poll cadence.
const smsPollInterval = 5 * time.Second

// Supervisor owns the whole control plane.
type Supervisor struct {
	cfg *config.Config
	clk clock.Clock

	store    *state.Store
	db       *store.DB
	notifier *notify.Notifier
	broker   *proc.Broker
	scanner  *project.Scanner
	prio     *project.PrioritiesWatcher
	monitor  *sysmon.Monitor
	sessions *session.Manager
	eval     *session.Evaluator
	policy   *decision.Policy
	executor *decision.Executor
	thinker  *think.Loop
	scanner2 *scan.Loop
	rems     *reminder.Tracker
	trust    *trust.Tracker
	rev      *revenue.Tracker
	learn    *learner.Learner
	conv     *store.ConversationLog
	inbox    *sms.Inbox
	cron     *cron.Cron

	smsTimer clock.Timer
	smsStop  chan struct{}
}

// New wires the supervisor from configuration.
func New(cfg *config.Config) (*Supervisor, error) {
	clk := clock.NewSystem()

	st, err := state.Open(cfg.StatePath, state.AutonomyLevel(cfg.AI.AutonomyLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	transport := sms.NewSender(cfg.SMS.SendCommand)
	notifier := notify.New(transport, clk, notify.Options{
		DailyBudget:   cfg.Notifications.DailyBudget,
		BatchInterval: cfg.BatchInterval(),
		DedupTTL:      cfg.DedupTTL(),
		MaxLength:     cfg.SMS.MaxLength,
		QuietStart:    cfg.QuietHours.Start,
		QuietEnd:      cfg.QuietHours.End,
		Location:      cfg.QuietLocation(),
	})

	// Persistence failures must reach the operator.
	st.OnSaveError = func(err error) {
		notifier.Notify(context.Background(), notify.TierAction,
			fmt.Sprintf("state save failed: %v", err))
	}

	broker := proc.NewBroker(cfg.AI.Command, cfg.AI.Model)
	scanner := project.NewScanner(cfg.ProjectsRoot)
	prio := project.WatchPriorities(cfg.PrioritiesPath)
	monitor := &sysmon.Monitor{}
	tmuxClient := tmux.NewClient("orchd")

	sessions := session.NewManager(tmuxClient, scanner, st, clk, cfg.AI.Command, cfg.AI.Model)
	learn := learner.New(db, cfg.Learning.MinEvaluations, cfg.Learning.AnalysisInterval)
	eval := session.NewEvaluator(broker, tmuxClient, scanner, st, learn, notifier, clk, cfg.EvalTimeout())

	policy := decision.NewPolicy(cfg, st, scanner, prio, clk)
	executor := decision.NewExecutor(cfg, st, sessions, notifier, monitor, policy, clk)

	tr, err := trust.New(db, st, cfg, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to init trust tracker: %w", err)
	}

	var rems *reminder.Tracker
	if cfg.Reminders.Enabled {
		rems = reminder.New(db, notifier, clk, cfg.ReminderLocation())
	}

	var rev *revenue.Tracker
	if cfg.Revenue.Enabled {
		rev = revenue.New(db, clk, revenueSources(cfg))
	}

	conv := store.NewConversationLog(db, 0)

	assembler := prompt.NewAssembler(cfg, st, scanner, prio, monitor, clk)
	assembler.QuietNow = notifier.InQuietHours
	assembler.Insights = prompt.SectionFunc(learn.FormatInsights)
	assembler.Conversation = prompt.SectionFunc(func() string { return formatConversation(conv) })
	assembler.Trust = tr
	if rev != nil {
		assembler.Revenue = rev
	}

	thinker := think.NewLoop(cfg, st, scanner, assembler, broker, policy, executor, notifier, monitor, clk)
	scanLoop := scan.NewLoop(cfg, st, sessions, eval, notifier, rems, tr, rev, clk)

	s := &Supervisor{
		cfg:      cfg,
		clk:      clk,
		store:    st,
		db:       db,
		notifier: notifier,
		broker:   broker,
		scanner:  scanner,
		prio:     prio,
		monitor:  monitor,
		sessions: sessions,
		eval:     eval,
		policy:   policy,
		executor: executor,
		thinker:  thinker,
		scanner2: scanLoop,
		rems:     rems,
		trust:    tr,
		rev:      rev,
		learn:    learn,
		conv:     conv,
		smsStop:  make(chan struct{}),
	}

	if cfg.SMS.InboxPath != "" {
		inbox, err := sms.OpenInbox(cfg.SMS.InboxPath)
		if err != nil {
			logging.Get(logging.CategorySMS).Errorf("sms inbox unavailable, commands disabled: %v", err)
		} else {
			s.inbox = inbox
		}
	}

	s.cron = s.buildCron()
	return s, nil
}

func revenueSources(cfg *config.Config) []revenue.Source {
	var out []revenue.Source
	if cfg.Revenue.MiningPoolURL != "" {
		out = append(out, &revenue.MiningPool{URL: cfg.Revenue.MiningPoolURL})
	}
	if cfg.Revenue.PriceOracleURL != "" {
		out = append(out, &revenue.PriceOracle{URL: cfg.Revenue.PriceOracleURL})
	}
	if cfg.Revenue.InferenceURL != "" {
		out = append(out, &revenue.LocalInference{URL: cfg.Revenue.InferenceURL})
	}
	return out
}

func formatConversation(conv *store.ConversationLog) string {
	entries, err := conv.Recent(10)
	if err != nil || len(entries) == 0 {
		return ""
	}
	text := "Recent operator conversation:\n"
	for _, e := range entries {
		text += fmt.Sprintf("- %s: %s\n", e.Role, e.Text)
	}
	return text[:len(text)-1]
}

// Run starts every loop and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	logging.Boot("orchd starting: root=%s level=%s model=%s",
		s.cfg.ProjectsRoot, s.store.Level(), s.cfg.AI.Model)

	s.notifier.Start()
	s.scanner2.Start()
	if s.cfg.AI.Enabled {
		s.thinker.Start()
	}
	s.cron.Start()
	if s.inbox != nil {
		s.scheduleSMSPoll()
	}

	<-ctx.Done()
	s.shutdown()
	return nil
}

// shutdown stops in dependency order: no new work, drain in-flight,
// flush, close storage.
func (s *Supervisor) shutdown() {
	logging.Boot("orchd shutting down")

	cronCtx := s.cron.Stop()
	close(s.smsStop)
	if s.smsTimer != nil {
		s.smsTimer.Stop()
	}

	s.thinker.Stop()
	s.scanner2.Stop()

	select {
	case <-cronCtx.Done():
	case <-time.After(s.cfg.DigestTimeout()):
		logging.Boot("shutdown proceeding with cron job still in flight")
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.notifier.Stop(flushCtx)

	if s.inbox != nil {
		_ = s.inbox.Close()
	}
	s.prio.Close()
	if err := s.db.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Errorf("database close failed: %v", err)
	}
	logging.Boot("orchd stopped")
	logging.Sync()
}

// scheduleSMSPoll arms the inbound command poll timer.
func (s *Supervisor) scheduleSMSPoll() {
	s.smsTimer = s.clk.AfterFunc(smsPollInterval, func() {
		select {
		case <-s.smsStop:
			return
		default:
		}
		s.pollCommands(context.Background())
		s.scheduleSMSPoll()
	})
}

func (s *Supervisor) pollCommands(ctx context.Context) {
	msgs, err := s.inbox.Poll(ctx)
	if err != nil {
		logging.Get(logging.CategorySMS).Errorf("inbox poll failed: %v", err)
		return
	}
	for _, m := range msgs {
		s.dispatchCommand(ctx, m)
	}
}
