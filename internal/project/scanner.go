package project

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"orchd/internal/logging"
	"orchd/internal/state"
)

// Project is one observed portfolio entry.
type Project struct {
	Name         string
	Path         string
	Status       string // from the project state file; "" when absent
	LastActivity time.Time
	HasState     bool
	Error        string // from the error signal, "" when none
	Session      *state.Session
}

// projectState is the per-project state file shape.
type projectState struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// Scanner walks the portfolio root.
type Scanner struct {
	root string
}

// NewScanner scans the immediate children of root.
func NewScanner(root string) *Scanner {
	return &Scanner{root: root}
}

// Scan enumerates projects, reading their signal files. Unreadable
// entries are skipped with a debug log, never an error.
func (s *Scanner) Scan(ctx context.Context) []Project {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		logging.ScanDebug("failed to read projects root %s: %v", s.root, err)
		return nil
	}

	var out []Project
	for _, e := range entries {
		if ctx.Err() != nil {
			return out
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := Project{Name: e.Name(), Path: filepath.Join(s.root, e.Name())}

		var ps projectState
		if ok, err := readJSON(filepath.Join(p.Path, SignalDir, "state.json"), &ps); err == nil && ok {
			p.HasState = true
			p.Status = ps.Status
		}
		if info, err := os.Stat(filepath.Join(p.Path, SignalDir)); err == nil {
			p.LastActivity = info.ModTime()
		} else if info, err := os.Stat(p.Path); err == nil {
			p.LastActivity = info.ModTime()
		}
		if sig, ok := ReadError(p.Path); ok {
			p.Error = sig.Message
		}
		if sess, ok, err := ReadSession(p.Path); err == nil && ok {
			p.Session = &sess
		}

		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Known returns the set of known project names.
func (s *Scanner) Known(ctx context.Context) map[string]Project {
	m := make(map[string]Project)
	for _, p := range s.Scan(ctx) {
		m[p.Name] = p
	}
	return m
}

// PathFor returns the directory for a known project name.
func (s *Scanner) PathFor(name string) string {
	return filepath.Join(s.root, name)
}
