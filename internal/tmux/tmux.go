// Package tmux adapts the terminal multiplexer: detached windows under
// the orch- prefix, scrollback capture, enumeration, kill. All calls go
// through the subprocess chokepoint with short timeouts.
package tmux

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"orchd/internal/proc"
)

// Prefix namespaces supervisor-owned windows in the shared session space.
const Prefix = "orch-"

const cmdTimeout = 5 * time.Second

// Client drives the tmux CLI. A custom binary can be injected for tests.
type Client struct {
	bin     string
	session string // tmux session hosting supervisor windows
}

// NewClient targets the given tmux session.
func NewClient(session string) *Client {
	if session == "" {
		session = "orchd"
	}
	return &Client{bin: "tmux", session: session}
}

// NewClientWithBinary targets the session through an alternate tmux binary.
func NewClientWithBinary(session, bin string) *Client {
	c := NewClient(session)
	if bin != "" {
		c.bin = bin
	}
	return c
}

// NewWindow creates a detached window named name running command in dir.
func (c *Client) NewWindow(ctx context.Context, name, dir, command string) error {
	// Ensure the hosting session exists; ignore "duplicate session".
	_, _ = proc.RunShell(ctx, []string{c.bin, "new-session", "-d", "-s", c.session},
		proc.ShellOpts{Timeout: cmdTimeout})

	_, err := proc.RunShell(ctx, []string{
		c.bin, "new-window", "-d",
		"-t", c.session,
		"-n", name,
		"-c", dir,
		command,
	}, proc.ShellOpts{Timeout: cmdTimeout})
	if err != nil {
		return fmt.Errorf("failed to create window %s: %w", name, err)
	}
	return nil
}

// KillWindow terminates the named window.
func (c *Client) KillWindow(ctx context.Context, name string) error {
	_, err := proc.RunShell(ctx, []string{
		c.bin, "kill-window", "-t", c.session + ":" + name,
	}, proc.ShellOpts{Timeout: cmdTimeout})
	if err != nil {
		return fmt.Errorf("failed to kill window %s: %w", name, err)
	}
	return nil
}

// ListWindows enumerates window names in the hosting session.
func (c *Client) ListWindows(ctx context.Context) ([]string, error) {
	res, err := proc.RunShell(ctx, []string{
		c.bin, "list-windows", "-t", c.session, "-F", "#{window_name}",
	}, proc.ShellOpts{Timeout: cmdTimeout})
	if err != nil {
		// No session yet means no windows.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// HasWindow reports whether the named window exists.
func (c *Client) HasWindow(ctx context.Context, name string) (bool, error) {
	names, err := c.ListWindows(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// CapturePane returns the last lines of scrollback for the named window,
// ANSI escapes stripped.
func (c *Client) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	res, err := proc.RunShell(ctx, []string{
		c.bin, "capture-pane", "-p",
		"-t", c.session + ":" + name,
		"-S", fmt.Sprintf("-%d", lines),
	}, proc.ShellOpts{Timeout: cmdTimeout})
	if err != nil {
		return "", fmt.Errorf("failed to capture pane %s: %w", name, err)
	}
	return StripANSI(res.Stdout), nil
}

// SendKeys types text into the named window followed by Enter.
func (c *Client) SendKeys(ctx context.Context, name, text string) error {
	_, err := proc.RunShell(ctx, []string{
		c.bin, "send-keys", "-t", c.session + ":" + name, text, "Enter",
	}, proc.ShellOpts{Timeout: cmdTimeout})
	if err != nil {
		return fmt.Errorf("failed to send keys to %s: %w", name, err)
	}
	return nil
}

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// StripANSI removes ANSI escape sequences from captured output.
func StripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}
