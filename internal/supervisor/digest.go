package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"orchd/internal/logging"
	"orchd/internal/notify"
	"orchd/internal/state"
)

// buildCron registers the scheduled jobs: morning and evening digests,
// the weekly revenue report, and the daily promotion check.
func (s *Supervisor) buildCron() *cron.Cron {
	c := cron.New(cron.WithLocation(s.cfg.QuietLocation()))

	add := func(name, spec string, job func()) {
		if _, err := c.AddFunc(spec, job); err != nil {
			logging.Get(logging.CategoryCron).Errorf("bad cron spec for %s (%q): %v", name, spec, err)
		}
	}

	if s.cfg.MorningDigest.Enabled {
		add("morning digest", s.cfg.MorningDigest.Cron, func() { s.sendDigest(context.Background(), "morning") })
	}
	if s.cfg.EveningDigest.Enabled {
		add("evening digest", s.cfg.EveningDigest.Cron, func() { s.sendDigest(context.Background(), "evening") })
	}
	if s.cfg.WeeklyRevenue.Enabled && s.rev != nil {
		add("weekly revenue", s.cfg.WeeklyRevenue.Cron, func() { s.sendWeeklyRevenue(context.Background()) })
	}
	if s.cfg.Trust.Enabled {
		add("promotion check", s.cfg.Trust.PromotionCheckCron, func() { s.runPromotionCheck(context.Background()) })
	}
	return c
}

// sendDigest composes a period summary from the state histories and the
// trackers. Sent at tier 2 so it respects the daily budget.
func (s *Supervisor) sendDigest(ctx context.Context, period string) {
	snap := s.store.Snapshot()
	now := s.clk.Now()

	// Morning covers since yesterday evening; evening covers today.
	window := 10 * time.Hour
	if period == "evening" {
		window = 15 * time.Hour
	}
	cutoff := now.Add(-window)

	var b strings.Builder
	fmt.Fprintf(&b, "%s digest\n", period)

	executed, failed := 0, 0
	for _, ex := range snap.Executions {
		if ex.TS.Before(cutoff) {
			continue
		}
		switch ex.Result {
		case state.ExecOK:
			executed++
		case state.ExecFailed:
			failed++
		}
	}
	fmt.Fprintf(&b, "actions: %d executed, %d failed\n", executed, failed)

	scored := 0
	sum := 0
	for _, ev := range snap.Evaluations {
		if ev.EvaluatedAt.Before(cutoff) {
			continue
		}
		scored++
		sum += ev.Score
	}
	if scored > 0 {
		fmt.Fprintf(&b, "sessions: %d evaluated, avg %.1f\n", scored, float64(sum)/float64(scored))
	}

	if running := s.store.RunningSessions(); len(running) > 0 {
		names := make([]string, len(running))
		for i, sess := range running {
			names[i] = sess.ProjectName
		}
		fmt.Fprintf(&b, "running: %s\n", strings.Join(names, ", "))
	}

	if line := s.trust.FormatForContext(); line != "" {
		b.WriteString(line + "\n")
	}
	if s.rev != nil {
		if line := s.rev.FormatForContext(); line != "" {
			b.WriteString(line + "\n")
		}
	}
	if s.rems != nil {
		if pending, err := s.rems.ListPending(); err == nil && len(pending) > 0 {
			fmt.Fprintf(&b, "%d pending reminders\n", len(pending))
		}
	}

	logging.Get(logging.CategoryCron).Infof("sending %s digest", period)
	s.notifier.Notify(ctx, notify.TierAction, strings.TrimRight(b.String(), "\n"))

	// Digest time is also housekeeping time for the conversation log.
	if err := s.conv.Prune(now); err != nil {
		logging.Get(logging.CategoryCron).Debugf("conversation prune failed: %v", err)
	}
}

// sendWeeklyRevenue reports week-over-week revenue per source.
func (s *Supervisor) sendWeeklyRevenue(ctx context.Context) {
	trends, err := s.rev.GetWeeklyTrend()
	if err != nil {
		logging.Get(logging.CategoryCron).Errorf("weekly revenue failed: %v", err)
		return
	}
	if len(trends) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("weekly revenue\n")
	for _, t := range trends {
		delta := "flat"
		switch {
		case t.ThisWeek > t.PriorWeek:
			delta = fmt.Sprintf("up %.2f", t.ThisWeek-t.PriorWeek)
		case t.ThisWeek < t.PriorWeek:
			delta = fmt.Sprintf("down %.2f", t.PriorWeek-t.ThisWeek)
		}
		fmt.Fprintf(&b, "- %s: %.2f this week vs %.2f prior (%s)\n", t.Source, t.ThisWeek, t.PriorWeek, delta)
	}
	s.notifier.Notify(ctx, notify.TierAction, strings.TrimRight(b.String(), "\n"))
}

// runPromotionCheck surfaces a trust promotion recommendation, if any.
func (s *Supervisor) runPromotionCheck(ctx context.Context) {
	msg, err := s.trust.CheckPromotion()
	if err != nil {
		logging.Get(logging.CategoryCron).Errorf("promotion check failed: %v", err)
		return
	}
	if msg == "" {
		return
	}
	s.notifier.Notify(ctx, notify.TierAction, msg)
}
