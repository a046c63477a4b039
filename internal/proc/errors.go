package proc

import (
	"errors"
	"fmt"
	"time"
)

// ErrPreempted is returned to a background LLM invocation whose slot was
// taken by an operator-initiated call.
var ErrPreempted = errors.New("llm invocation preempted by operator call")

// TimeoutError reports a subprocess killed after exceeding its deadline.
type TimeoutError struct {
	Cmd     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Cmd, e.Timeout)
}

// ExitError reports a subprocess that ran to completion with non-zero status.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", e.Cmd, e.Code, truncate(e.Stderr, 200))
}

// TransportError reports a subprocess that could not be started at all.
type TransportError struct {
	Cmd string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("command %q failed to start: %v", e.Cmd, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a subprocess timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
