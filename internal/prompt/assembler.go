// Package prompt assembles the think-cycle context: a fixed-order
// plain-text document describing the host, the portfolio, and recent
// history, ending with the response schema the LLM must satisfy.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"orchd/internal/clock"
	"orchd/internal/config"
	"orchd/internal/project"
	"orchd/internal/state"
	"orchd/internal/sysmon"
)

const sectionDelim = "\n---\n"

// timeoutImminentWindow marks active sessions this close to the cap.
const timeoutImminentWindow = 5 * time.Minute

// ResponseSchema constrains the think-cycle LLM output.
const ResponseSchema = `{
  "type": "object",
  "properties": {
    "summary": {"type": "string"},
    "recommendations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "project": {"type": "string"},
          "action": {"type": "string", "enum": ["start", "stop", "restart", "notify", "skip"]},
          "reason": {"type": "string"},
          "prompt": {"type": "string"},
          "confidence": {"type": "number"},
          "notificationTier": {"type": "integer", "minimum": 1, "maximum": 4}
        },
        "required": ["project", "action", "reason"]
      }
    },
    "nextThinkInSec": {"type": "integer"}
  },
  "required": ["summary", "recommendations"]
}`

// Sectioner renders one optional context section; "" omits it.
type Sectioner interface {
	FormatForContext() string
}

// SectionFunc adapts a plain formatter to a Sectioner.
type SectionFunc func() string

func (f SectionFunc) FormatForContext() string { return f() }

// Assembler builds the think prompt. Optional sources may be nil.
type Assembler struct {
	cfg     *config.Config
	store   *state.Store
	scanner *project.Scanner
	prio    *project.PrioritiesWatcher
	monitor *sysmon.Monitor
	clk     clock.Clock

	// Optional sections, in their slot order.
	Revenue      Sectioner
	Trust        Sectioner
	Insights     Sectioner
	Conversation Sectioner

	// QuietNow reports the notifier's quiet-hours state.
	QuietNow func() bool
}

// NewAssembler wires the assembler over its required sources.
func NewAssembler(cfg *config.Config, store *state.Store, scanner *project.Scanner, prio *project.PrioritiesWatcher, monitor *sysmon.Monitor, clk clock.Clock) *Assembler {
	return &Assembler{
		cfg:     cfg,
		store:   store,
		scanner: scanner,
		prio:    prio,
		monitor: monitor,
		clk:     clk,
	}
}

// Assemble builds the full prompt, truncated to the configured ceiling.
func (a *Assembler) Assemble(projects []project.Project) string {
	snap := a.store.Snapshot()
	now := a.clk.Now()

	sections := []string{
		a.preamble(snap.AutonomyLevel),
		a.timeSection(now),
		a.monitor.Collect().FormatLine(),
		a.healthSection(snap, projects),
	}
	sections = appendSection(sections, a.optional(a.Revenue))
	sections = appendSection(sections, a.optional(a.Trust))
	sections = appendSection(sections, a.optional(a.Insights))
	sections = appendSection(sections, a.optional(a.Conversation))
	sections = appendSection(sections, a.prioritiesSection())
	sections = appendSection(sections, a.activeSessions(now))
	sections = appendSection(sections, a.projectsSection(projects, snap, now))
	sections = appendSection(sections, a.evalDigest(snap, now))
	sections = appendSection(sections, a.decisionHistory(snap))
	sections = append(sections, a.responseFormat())

	text := strings.Join(sections, sectionDelim)

	max := a.cfg.AI.MaxPromptLength
	if max <= 0 {
		max = 8000
	}
	if len(text) > max {
		marker := "\n[context truncated]"
		text = text[:max-len(marker)] + marker
	}
	return text
}

func appendSection(sections []string, s string) []string {
	if s == "" {
		return sections
	}
	return append(sections, s)
}

func (a *Assembler) optional(s Sectioner) string {
	if s == nil {
		return ""
	}
	return s.FormatForContext()
}

func (a *Assembler) preamble(level state.AutonomyLevel) string {
	var b strings.Builder
	b.WriteString("You are the supervisor of a personal compute host running autonomous coding sessions.\n")
	b.WriteString("Review the portfolio below and recommend actions: start, stop, restart, notify, or skip.\n")
	fmt.Fprintf(&b, "Current autonomy level: %s.\n", level)
	switch level {
	case state.LevelObserve:
		b.WriteString("Nothing you recommend will execute; your recommendations are advisory only.")
	case state.LevelCautious:
		b.WriteString("Only start and notify will execute; stop and restart are advisory.")
	default:
		b.WriteString("Allowed recommendations will execute. Be deliberate.")
	}
	return b.String()
}

func (a *Assembler) timeSection(now time.Time) string {
	local := now.In(a.cfg.QuietLocation())
	quiet := ""
	if a.QuietNow != nil && a.QuietNow() {
		quiet = " (quiet hours: non-urgent notifications are held)"
	}
	return fmt.Sprintf("Time: %s%s", local.Format("Mon Jan 2 15:04 MST"), quiet)
}

func (a *Assembler) healthSection(snap state.State, projects []project.Project) string {
	running := 0
	for _, s := range snap.Sessions {
		if s.Status == state.SessionRunning {
			running++
		}
	}
	withErrors := 0
	for _, p := range projects {
		if p.Error != "" {
			withErrors++
		}
	}
	paused := ""
	if snap.AIPaused {
		paused = ", thinking PAUSED by operator"
	}
	return fmt.Sprintf("Health: %d/%d sessions running, %d projects reporting errors%s",
		running, a.cfg.AI.MaxConcurrentSessions, withErrors, paused)
}

func (a *Assembler) prioritiesSection() string {
	if a.prio == nil {
		return ""
	}
	p := a.prio.Get()
	if len(p.Focus) == 0 && len(p.Skip) == 0 && len(p.Block) == 0 && p.Notes == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("Operator priorities:\n")
	if len(p.Focus) > 0 {
		fmt.Fprintf(&b, "- focus: %s\n", strings.Join(p.Focus, ", "))
	}
	if len(p.Skip) > 0 {
		fmt.Fprintf(&b, "- skip: %s\n", strings.Join(p.Skip, ", "))
	}
	if len(p.Block) > 0 {
		fmt.Fprintf(&b, "- never touch: %s\n", strings.Join(p.Block, ", "))
	}
	if p.Notes != "" {
		fmt.Fprintf(&b, "- notes: %s\n", p.Notes)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Assembler) activeSessions(now time.Time) string {
	running := a.store.RunningSessions()
	if len(running) == 0 {
		return ""
	}
	maxDur := a.cfg.MaxSessionDuration()

	var b strings.Builder
	b.WriteString("Active sessions:\n")
	for _, s := range running {
		age := now.Sub(s.StartedAt).Round(time.Minute)
		marker := ""
		if maxDur-now.Sub(s.StartedAt) <= timeoutImminentWindow {
			marker = " TIMEOUT IMMINENT"
		}
		fmt.Fprintf(&b, "- %s on %s, running %s%s\n", s.SessionName, s.ProjectName, age, marker)
	}
	return strings.TrimRight(b.String(), "\n")
}

// projectsSection lists the portfolio: focus first, then projects
// needing attention, then alphabetical. Skip-listed projects and
// projects with neither state nor an active session are excluded.
func (a *Assembler) projectsSection(projects []project.Project, snap state.State, now time.Time) string {
	var prio project.Priorities
	if a.prio != nil {
		prio = a.prio.Get()
	}

	var listed []project.Project
	for _, p := range projects {
		if prio.IsSkip(p.Name) {
			continue
		}
		if !p.HasState && p.Session == nil {
			continue
		}
		listed = append(listed, p)
	}

	sort.SliceStable(listed, func(i, j int) bool {
		pi, pj := listed[i], listed[j]
		fi, fj := prio.IsFocus(pi.Name), prio.IsFocus(pj.Name)
		if fi != fj {
			return fi
		}
		ai, aj := needsAttention(pi), needsAttention(pj)
		if ai != aj {
			return ai
		}
		return pi.Name < pj.Name
	})

	if len(listed) == 0 {
		return "Projects: none with activity."
	}

	staleDays := a.cfg.AI.StalenessDays
	if staleDays <= 0 {
		staleDays = 7
	}

	var b strings.Builder
	b.WriteString("Projects:\n")
	for _, p := range listed {
		fmt.Fprintf(&b, "- %s", p.Name)
		if p.Status != "" {
			fmt.Fprintf(&b, " [%s]", p.Status)
		}
		if !p.LastActivity.IsZero() {
			idle := now.Sub(p.LastActivity)
			fmt.Fprintf(&b, ", last activity %s ago", formatAge(idle))
			if idleDays := int(idle.Hours() / 24); idleDays >= staleDays && p.Status != "complete" {
				fmt.Fprintf(&b, " STALE (%d days idle)", idleDays)
			}
		}
		if p.Error != "" {
			fmt.Fprintf(&b, ", error: %s", clipLine(p.Error, 120))
		}
		if n := snap.ErrorRetries[p.Name]; n > 0 {
			fmt.Fprintf(&b, ", %d failed start attempts", n)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func needsAttention(p project.Project) bool {
	return p.Error != "" || p.Status == "needsAttention" || p.Status == "blocked"
}

// evalDigest summarizes scores from the last 24 hours.
func (a *Assembler) evalDigest(snap state.State, now time.Time) string {
	cutoff := now.Add(-24 * time.Hour)
	byProject := make(map[string][]int)
	for _, ev := range snap.Evaluations {
		if ev.EvaluatedAt.Before(cutoff) {
			continue
		}
		byProject[ev.ProjectName] = append(byProject[ev.ProjectName], ev.Score)
	}
	if len(byProject) == 0 {
		return ""
	}

	names := make([]string, 0, len(byProject))
	for name := range byProject {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Recent session scores (24h):\n")
	for _, name := range names {
		scores := byProject[name]
		parts := make([]string, len(scores))
		for i, s := range scores {
			parts[i] = fmt.Sprintf("%d", s)
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, strings.Join(parts, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Assembler) decisionHistory(snap state.State) string {
	n := len(snap.Decisions)
	if n == 0 {
		return ""
	}
	start := n - 5
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	b.WriteString("Recent decisions:\n")
	for _, d := range snap.Decisions[start:] {
		if d.Summary == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", d.TS.Format("15:04"), clipLine(d.Summary, 160))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Assembler) responseFormat() string {
	return "Respond with JSON matching this schema:\n" + ResponseSchema
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func clipLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n]
	}
	return s
}
