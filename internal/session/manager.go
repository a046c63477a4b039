// Package session owns the lifecycle of interactive coding sessions:
// detached multiplexer windows started with a prompt seed, stopped on
// command or timeout, detected as ended when the window disappears or
// the session writes its completion marker.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchd/internal/clock"
	"orchd/internal/gittrack"
	"orchd/internal/logging"
	"orchd/internal/project"
	"orchd/internal/state"
	"orchd/internal/tmux"
)

const maxStoredPrompt = 500

// Manager starts and stops sessions and tracks them in the state store.
type Manager struct {
	mu sync.Mutex

	tmux    *tmux.Client
	scanner *project.Scanner
	store   *state.Store
	clk     clock.Clock

	command string // LLM CLI binary launched inside the window
	model   string
}

// NewManager wires the session manager.
func NewManager(t *tmux.Client, scanner *project.Scanner, store *state.Store, clk clock.Clock, command, model string) *Manager {
	return &Manager{
		tmux:    t,
		scanner: scanner,
		store:   store,
		clk:     clk,
		command: command,
		model:   model,
	}
}

// IsRunning reports whether the project has a running session.
func (m *Manager) IsRunning(projectName string) bool {
	_, ok := m.store.RunningSessionFor(projectName)
	return ok
}

// ActiveCount returns the number of running sessions.
func (m *Manager) ActiveCount() int {
	return len(m.store.RunningSessions())
}

// Start launches a detached session for the project with the given
// prompt seed. The pre-session HEAD is recorded for later evaluation.
func (m *Manager) Start(ctx context.Context, projectName, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.store.RunningSessionFor(projectName); running {
		return fmt.Errorf("session already running for %s", projectName)
	}

	dir := m.scanner.PathFor(projectName)
	head := gittrack.Head(ctx, dir)

	name := tmux.Prefix + projectName + "-" + uuid.NewString()[:8]
	command := m.windowCommand(dir, prompt)

	if err := m.tmux.NewWindow(ctx, name, dir, command); err != nil {
		return fmt.Errorf("failed to start session for %s: %w", projectName, err)
	}

	sess := state.Session{
		ProjectName: projectName,
		SessionName: name,
		StartedAt:   m.clk.Now(),
		HeadBefore:  head,
		Prompt:      clipPrompt(prompt),
		Status:      state.SessionRunning,
	}
	m.store.UpsertSession(sess)
	if err := project.WriteSession(dir, sess); err != nil {
		logging.SessionDebug("failed to write session signal for %s: %v", projectName, err)
	}
	project.ClearCompletionMarker(dir)

	logging.Session("started session %s for %s", name, projectName)
	return nil
}

// windowCommand builds the interactive CLI invocation run in the window.
func (m *Manager) windowCommand(dir, prompt string) string {
	parts := []string{m.command, "--model", shellQuote(m.model)}
	if mcp, ok := project.MCPConfigPath(dir); ok {
		parts = append(parts, "--mcp-config", shellQuote(mcp))
	}
	if prompt != "" {
		parts = append(parts, shellQuote(prompt))
	}
	return strings.Join(parts, " ")
}

// Stop terminates the project's running session and returns it.
func (m *Manager) Stop(ctx context.Context, projectName string) (state.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx, projectName, state.SessionStopped)
}

func (m *Manager) stopLocked(ctx context.Context, projectName string, status state.SessionStatus) (state.Session, error) {
	sess, ok := m.store.RunningSessionFor(projectName)
	if !ok {
		return state.Session{}, fmt.Errorf("no running session for %s", projectName)
	}

	if err := m.tmux.KillWindow(ctx, sess.SessionName); err != nil {
		// The window may already be gone; closing state anyway.
		logging.SessionDebug("kill window %s: %v", sess.SessionName, err)
	}

	now := m.clk.Now()
	m.store.CloseSession(sess.SessionName, status, now)
	sess.Status = status
	sess.StoppedAt = &now

	dir := m.scanner.PathFor(projectName)
	if err := project.WriteSession(dir, sess); err != nil {
		logging.SessionDebug("failed to write session signal for %s: %v", projectName, err)
	}

	logging.Session("stopped session %s for %s", sess.SessionName, projectName)
	return sess, nil
}

// Restart stops the running session (if any) and starts a new one.
func (m *Manager) Restart(ctx context.Context, projectName, prompt string) error {
	m.mu.Lock()
	if _, ok := m.store.RunningSessionFor(projectName); ok {
		if _, err := m.stopLocked(ctx, projectName, state.SessionStopped); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()
	return m.Start(ctx, projectName, prompt)
}

// TimedOut is a session stopped by the timeout sweep, with a best-effort
// tail of its final output.
type TimedOut struct {
	Session   state.Session
	LastLines string
}

// CheckTimeouts stops running sessions older than max and returns them.
func (m *Manager) CheckTimeouts(ctx context.Context, max time.Duration) []TimedOut {
	var out []TimedOut
	for _, sess := range m.store.RunningSessions() {
		if m.clk.Now().Sub(sess.StartedAt) <= max {
			continue
		}
		tail, err := m.tmux.CapturePane(ctx, sess.SessionName, 5)
		if err != nil {
			tail = ""
		}
		m.mu.Lock()
		stopped, err := m.stopLocked(ctx, sess.ProjectName, state.SessionStopped)
		m.mu.Unlock()
		if err != nil {
			continue
		}
		m.store.LogExecution(state.ExecutionRecord{
			TS:            m.clk.Now(),
			Action:        state.ActionStop,
			Project:       sess.ProjectName,
			Result:        state.ExecOK,
			AutonomyLevel: m.store.Level(),
			StateVersion:  m.store.Version(),
		})
		logging.Session("session %s timed out after %s", sess.SessionName, max)
		out = append(out, TimedOut{Session: stopped, LastLines: strings.TrimSpace(tail)})
	}
	return out
}

// DetectEnded finds running sessions whose window is gone or whose
// completion marker was written, marks them ended, and returns them.
func (m *Manager) DetectEnded(ctx context.Context) []state.Session {
	running := m.store.RunningSessions()
	if len(running) == 0 {
		return nil
	}

	windows, err := m.tmux.ListWindows(ctx)
	if err != nil {
		return nil
	}
	present := make(map[string]bool, len(windows))
	for _, w := range windows {
		present[w] = true
	}

	var ended []state.Session
	for _, sess := range running {
		dir := m.scanner.PathFor(sess.ProjectName)
		done := project.HasCompletionMarker(dir)
		if present[sess.SessionName] && !done {
			continue
		}
		if done && present[sess.SessionName] {
			if err := m.tmux.KillWindow(ctx, sess.SessionName); err != nil {
				logging.SessionDebug("kill ended window %s: %v", sess.SessionName, err)
			}
		}
		now := m.clk.Now()
		m.store.CloseSession(sess.SessionName, state.SessionEnded, now)
		sess.Status = state.SessionEnded
		sess.StoppedAt = &now
		if err := project.WriteSession(dir, sess); err != nil {
			logging.SessionDebug("failed to write session signal: %v", err)
		}
		project.ClearCompletionMarker(dir)
		logging.Session("session %s ended naturally", sess.SessionName)
		ended = append(ended, sess)
	}
	return ended
}

func clipPrompt(p string) string {
	if len(p) > maxStoredPrompt {
		return p[:maxStoredPrompt]
	}
	return p
}

// shellQuote single-quotes an argument for the window command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
