package proc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunShellCapturesStdout(t *testing.T) {
	res, err := RunShell(context.Background(), []string{"sh", "-c", "echo hello"}, ShellOpts{})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Zero(t, res.ExitCode)
}

func TestRunShellStdin(t *testing.T) {
	res, err := RunShell(context.Background(), []string{"cat"}, ShellOpts{Input: "piped"})
	require.NoError(t, err)
	assert.Equal(t, "piped", res.Stdout)
}

func TestRunShellExitError(t *testing.T) {
	res, err := RunShell(context.Background(), []string{"sh", "-c", "echo oops >&2; exit 3"}, ShellOpts{})
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Stderr, "oops")
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, IsTimeout(err))
}

func TestRunShellTimeout(t *testing.T) {
	_, err := RunShell(context.Background(), []string{"sleep", "5"},
		ShellOpts{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestRunShellEmptyArgv(t *testing.T) {
	_, err := RunShell(context.Background(), nil, ShellOpts{})
	var te *TransportError
	require.True(t, errors.As(err, &te))
}

func TestRunShellMissingBinary(t *testing.T) {
	_, err := RunShell(context.Background(), []string{"definitely-not-a-binary-xyz"}, ShellOpts{})
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.False(t, IsTimeout(err))
}
