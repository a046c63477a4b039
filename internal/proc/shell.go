// Package proc is the single subprocess chokepoint for orchd.
// Every external command (tmux, git, the LLM CLI, system probes, the SMS
// sender) runs through here: argv-style invocation only, per-call timeout,
// process-group kill on expiry, streams captured.
package proc

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"orchd/internal/logging"
)

// Result holds the captured streams and exit status of a shell call.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ShellOpts tunes a single shell invocation.
type ShellOpts struct {
	Timeout time.Duration // default 10s
	Dir     string
	Input   string // piped to stdin when non-empty
}

// RunShell executes argv with a timeout and captured streams.
// The returned error is one of TimeoutError, ExitError, or TransportError.
func RunShell(ctx context.Context, argv []string, opts ShellOpts) (Result, error) {
	if len(argv) == 0 {
		return Result{}, &TransportError{Cmd: "", Err: errors.New("empty argv")}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	setProcGroup(cmd)
	cmd.Cancel = func() error { return killProcGroup(cmd) }

	if opts.Input != "" {
		cmd.Stdin = strings.NewReader(opts.Input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	name := strings.Join(argv, " ")
	logging.ProcDebug("run: %s (timeout %s)", name, timeout)

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, &TimeoutError{Cmd: argv[0], Timeout: timeout}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Cmd: argv[0], Code: res.ExitCode, Stderr: res.Stderr}
		}
		return res, &TransportError{Cmd: argv[0], Err: err}
	}

	return res, nil
}
