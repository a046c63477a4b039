package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchd/internal/state"
)

func mkProject(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	return dir
}

func TestScanEnumeratesDirectories(t *testing.T) {
	root := t.TempDir()
	mkProject(t, root, "zeta")
	mkProject(t, root, "alpha")
	mkProject(t, root, ".hidden")
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0644))

	projects := NewScanner(root).Scan(context.Background())
	require.Len(t, projects, 2)
	assert.Equal(t, "alpha", projects[0].Name, "scan output is sorted by name")
	assert.Equal(t, "zeta", projects[1].Name)
	assert.False(t, projects[0].HasState)
}

func TestScanReadsSignals(t *testing.T) {
	root := t.TempDir()
	dir := mkProject(t, root, "api")
	sig := filepath.Join(dir, SignalDir)
	require.NoError(t, os.MkdirAll(sig, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sig, "state.json"),
		[]byte(`{"status":"needsAttention"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sig, "error.json"),
		[]byte(`{"message":"tests red"}`), 0644))

	projects := NewScanner(root).Scan(context.Background())
	require.Len(t, projects, 1)
	p := projects[0]
	assert.True(t, p.HasState)
	assert.Equal(t, "needsAttention", p.Status)
	assert.Equal(t, "tests red", p.Error)
	assert.False(t, p.LastActivity.IsZero())
}

func TestScanSkipsCorruptStateFile(t *testing.T) {
	root := t.TempDir()
	dir := mkProject(t, root, "broken")
	sig := filepath.Join(dir, SignalDir)
	require.NoError(t, os.MkdirAll(sig, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sig, "state.json"), []byte("{nope"), 0644))

	projects := NewScanner(root).Scan(context.Background())
	require.Len(t, projects, 1)
	assert.False(t, projects[0].HasState, "unparseable state reads as no state")
}

func TestSessionSignalRoundTrip(t *testing.T) {
	dir := mkProject(t, t.TempDir(), "api")

	_, ok, err := ReadSession(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	want := state.Session{ProjectName: "api", SessionName: "orch-api-1", Status: state.SessionRunning}
	require.NoError(t, WriteSession(dir, want))

	got, ok, err := ReadSession(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.SessionName, got.SessionName)
}

func TestCompletionMarker(t *testing.T) {
	dir := mkProject(t, t.TempDir(), "api")
	assert.False(t, HasCompletionMarker(dir))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, SignalDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SignalDir, "complete"), nil, 0644))
	assert.True(t, HasCompletionMarker(dir))

	ClearCompletionMarker(dir)
	assert.False(t, HasCompletionMarker(dir))
}

func TestLoadPrioritiesMissingFile(t *testing.T) {
	p, err := LoadPriorities(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, p.Focus)
}

func TestLoadPrioritiesMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "priorities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("focus: [unclosed"), 0644))
	_, err := LoadPriorities(path)
	assert.Error(t, err)
}

func TestPrioritiesMembership(t *testing.T) {
	p := Priorities{Focus: []string{"a"}, Skip: []string{"b"}, Block: []string{"c"}}
	assert.True(t, p.IsFocus("a"))
	assert.False(t, p.IsFocus("b"))
	assert.True(t, p.IsSkip("b"))
	assert.True(t, p.IsBlock("c"))
	assert.False(t, p.IsBlock("a"))
}

func TestWatcherStaticWithoutFile(t *testing.T) {
	pw := WatchPriorities(filepath.Join(t.TempDir(), "priorities.yaml"))
	defer pw.Close()
	assert.Empty(t, pw.Get().Focus)
}
