// Package project scans the portfolio directories and adapts the
// per-project signal files under .orchestrator/ that sessions and the
// supervisor use to communicate.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"orchd/internal/state"
)

// SignalDir is the per-project directory holding signal files.
const SignalDir = ".orchestrator"

const (
	sessionFile    = "session.json"
	evaluationFile = "evaluation.json"
	errorFile      = "error.json"
	mcpConfigFile  = "mcp-config.json"
	completeMarker = "complete"
)

// ErrorSignal is the optional error file a session or its host process
// writes when a project is wedged.
type ErrorSignal struct {
	Message string `json:"message"`
	At      string `json:"at,omitempty"`
}

func signalPath(projectPath, name string) string {
	return filepath.Join(projectPath, SignalDir, name)
}

func readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSession loads the project's session signal file.
func ReadSession(projectPath string) (state.Session, bool, error) {
	var s state.Session
	ok, err := readJSON(signalPath(projectPath, sessionFile), &s)
	return s, ok, err
}

// WriteSession persists the project's session signal file.
func WriteSession(projectPath string, s state.Session) error {
	return writeJSON(signalPath(projectPath, sessionFile), s)
}

// ReadEvaluation loads the latest per-project evaluation artifact.
func ReadEvaluation(projectPath string) (state.EvaluationRecord, bool, error) {
	var e state.EvaluationRecord
	ok, err := readJSON(signalPath(projectPath, evaluationFile), &e)
	return e, ok, err
}

// WriteEvaluation persists the latest per-project evaluation artifact at
// its deterministic path.
func WriteEvaluation(projectPath string, e state.EvaluationRecord) error {
	return writeJSON(signalPath(projectPath, evaluationFile), e)
}

// ReadError loads the optional error signal.
func ReadError(projectPath string) (ErrorSignal, bool) {
	var e ErrorSignal
	ok, err := readJSON(signalPath(projectPath, errorFile), &e)
	if err != nil {
		return ErrorSignal{}, false
	}
	return e, ok
}

// MCPConfigPath returns the per-project tool config path if present.
func MCPConfigPath(projectPath string) (string, bool) {
	p := signalPath(projectPath, mcpConfigFile)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// HasCompletionMarker reports whether the session wrote its done marker.
func HasCompletionMarker(projectPath string) bool {
	_, err := os.Stat(signalPath(projectPath, completeMarker))
	return err == nil
}

// ClearCompletionMarker removes the done marker after the end is processed.
func ClearCompletionMarker(projectPath string) {
	_ = os.Remove(signalPath(projectPath, completeMarker))
}
