package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orchd/internal/logging"
	"orchd/internal/sms"
	"orchd/internal/state"
)

// dispatchCommand routes one inbound operator text. Every exchange is
// appended to the conversation log, redacted.
func (s *Supervisor) dispatchCommand(ctx context.Context, m sms.Message) {
	text := strings.TrimSpace(m.Body)
	if text == "" {
		return
	}
	logging.Get(logging.CategorySMS).Infof("command: %s", firstWord(text))
	if err := s.conv.Append("user", text, m.At); err != nil {
		logging.Get(logging.CategorySMS).Debugf("conversation append failed: %v", err)
	}

	reply := s.handleCommand(ctx, text)
	if reply == "" {
		return
	}
	if err := s.conv.Append("assistant", reply, s.clk.Now()); err != nil {
		logging.Get(logging.CategorySMS).Debugf("conversation append failed: %v", err)
	}
	if err := s.notifier.SendUrgent(ctx, reply); err != nil {
		logging.Get(logging.CategorySMS).Errorf("reply send failed: %v", err)
	}
}

func (s *Supervisor) handleCommand(ctx context.Context, text string) string {
	lower := strings.ToLower(text)
	cmd, rest := splitCommand(lower)

	switch cmd {
	case "pause":
		s.store.SetAIPaused(true)
		return "thinking paused. Reply 'resume' to continue."

	case "resume":
		s.store.SetAIPaused(false)
		return "thinking resumed."

	case "think":
		if s.store.AIPaused() {
			return "thinking is paused; 'resume' first."
		}
		// Operator path: may preempt one background LLM slot.
		go s.thinker.TickNow(context.Background())
		return "think cycle started."

	case "autonomy":
		return s.handleAutonomy(rest)

	case "remind":
		return s.handleRemind(rest, text)

	case "reminders":
		return s.handleReminders()

	case "cancel":
		return s.handleCancel(rest)

	case "status":
		return s.handleStatus()

	case "why":
		return s.handleWhy()

	default:
		return "commands: pause, resume, think, autonomy [level], remind <text> at <time>, reminders, cancel <text>, status, why"
	}
}

func (s *Supervisor) handleAutonomy(rest string) string {
	if rest == "" {
		return fmt.Sprintf("autonomy level: %s", s.store.Level())
	}
	level := state.AutonomyLevel(rest)
	if err := s.store.SetAutonomyLevel(level); err != nil {
		return fmt.Sprintf("unknown level %q (observe, cautious, moderate, full)", rest)
	}
	// A fresh sojourn starts: trust evidence re-accrues and a promotion
	// may be recommended again later.
	if err := s.trust.OnLevelChange(level); err != nil {
		logging.Get(logging.CategorySMS).Errorf("trust level-change hook failed: %v", err)
	}
	logging.Boot("autonomy level set to %s by operator", level)
	return fmt.Sprintf("autonomy level set to %s", level)
}

// handleRemind parses "remind <text> at <time>" or "remind <text> in <dur>".
// original carries the unlowered text so the reminder keeps its casing.
func (s *Supervisor) handleRemind(rest, original string) string {
	if s.rems == nil {
		return "reminders are disabled."
	}

	fireAt, reminderText, err := parseReminder(rest, s.clk.Now(), s.cfg.ReminderLocation())
	if err != nil {
		return "usage: remind <text> at HH:MM, or remind <text> in 2h"
	}
	// Recover the original casing for the stored text.
	if idx := strings.Index(strings.ToLower(original), reminderText); idx >= 0 {
		reminderText = original[idx : idx+len(reminderText)]
	}

	if err := s.rems.Set(reminderText, fireAt, original); err != nil {
		return fmt.Sprintf("failed to set reminder: %v", err)
	}
	return fmt.Sprintf("reminder set for %s: %s",
		fireAt.In(s.cfg.ReminderLocation()).Format("Mon 15:04"), reminderText)
}

func (s *Supervisor) handleReminders() string {
	if s.rems == nil {
		return "reminders are disabled."
	}
	pending, err := s.rems.ListPending()
	if err != nil {
		return fmt.Sprintf("failed to list reminders: %v", err)
	}
	if len(pending) == 0 {
		return "no pending reminders."
	}
	var b strings.Builder
	b.WriteString("pending reminders:\n")
	loc := s.cfg.ReminderLocation()
	for _, r := range pending {
		fmt.Fprintf(&b, "- %s: %s\n", r.FireAt.In(loc).Format("Mon 15:04"), r.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Supervisor) handleCancel(rest string) string {
	if s.rems == nil {
		return "reminders are disabled."
	}
	if rest == "" {
		return "usage: cancel <text fragment>"
	}
	n, err := s.rems.CancelByText(rest)
	if err != nil {
		return fmt.Sprintf("failed to cancel: %v", err)
	}
	return fmt.Sprintf("cancelled %d reminder(s) matching %q", n, rest)
}

func (s *Supervisor) handleStatus() string {
	snap := s.monitor.Collect()
	running := s.store.RunningSessions()

	var b strings.Builder
	fmt.Fprintf(&b, "level %s, %d sessions running, %d/%d notifications today\n",
		s.store.Level(), len(running), s.notifier.SentToday(), s.cfg.Notifications.DailyBudget)
	if s.store.AIPaused() {
		b.WriteString("thinking PAUSED\n")
	}
	b.WriteString(snap.FormatLine())
	for _, sess := range running {
		fmt.Fprintf(&b, "\n- %s on %s, %s",
			sess.SessionName, sess.ProjectName, s.clk.Now().Sub(sess.StartedAt).Round(time.Minute))
	}
	return b.String()
}

// handleWhy explains the most recent think cycle.
func (s *Supervisor) handleWhy() string {
	snap := s.store.Snapshot()
	if len(snap.Decisions) == 0 {
		return "no decisions yet."
	}
	d := snap.Decisions[len(snap.Decisions)-1]
	if d.Error != "" {
		return fmt.Sprintf("last cycle at %s failed: %s", d.TS.Format("15:04"), d.Error)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "last cycle at %s: %s\n", d.TS.Format("15:04"), d.Summary)
	for _, ev := range d.Evaluated {
		fmt.Fprintf(&b, "- %s %s: %s", ev.Action, ev.Project, ev.Reason)
		if !ev.Allowed {
			fmt.Fprintf(&b, " [blocked: %s]", ev.BlockedReason)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseReminder splits "<text> at HH:MM" or "<text> in <dur>" into a
// fire time and the reminder text (lowercased).
func parseReminder(rest string, now time.Time, loc *time.Location) (time.Time, string, error) {
	rest = strings.TrimPrefix(rest, "me to ")

	if idx := strings.LastIndex(rest, " in "); idx > 0 {
		if d, err := time.ParseDuration(strings.TrimSpace(rest[idx+4:])); err == nil && d > 0 {
			return now.Add(d), strings.TrimSpace(rest[:idx]), nil
		}
	}
	if idx := strings.LastIndex(rest, " at "); idx > 0 {
		if t, err := time.Parse("15:04", strings.TrimSpace(rest[idx+4:])); err == nil {
			local := now.In(loc)
			fireAt := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
			if !fireAt.After(now) {
				fireAt = fireAt.Add(24 * time.Hour)
			}
			return fireAt, strings.TrimSpace(rest[:idx]), nil
		}
	}
	return time.Time{}, "", fmt.Errorf("no recognizable time in %q", rest)
}

func splitCommand(text string) (cmd, rest string) {
	parts := strings.SplitN(text, " ", 2)
	cmd = parts[0]
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}
	return cmd, rest
}

func firstWord(text string) string {
	cmd, _ := splitCommand(text)
	return cmd
}
