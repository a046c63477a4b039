package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"orchd/internal/logging"
)

// History caps. Oldest entries are dropped on overflow.
const (
	maxDecisions   = 50
	maxExecutions  = 100
	maxEvaluations = 100
)

// State is the JSON state document.
type State struct {
	StateVersion  int64              `json:"stateVersion"`
	AutonomyLevel AutonomyLevel      `json:"autonomyLevel"`
	Decisions     []DecisionRecord   `json:"decisions"`
	Executions    []ExecutionRecord  `json:"executions"`
	Evaluations   []EvaluationRecord `json:"evaluations"`
	ErrorRetries  map[string]int     `json:"errorRetries"`
	Sessions      []Session          `json:"sessions"`
	AIPaused      bool               `json:"aiPaused,omitempty"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

func defaultState(level AutonomyLevel) State {
	if !level.Valid() {
		level = LevelObserve
	}
	return State{
		AutonomyLevel: level,
		ErrorRetries:  make(map[string]int),
	}
}

// Store persists the state document with atomic rename writes.
// All mutation goes through Update; readers get copies.
type Store struct {
	mu    sync.Mutex
	path  string
	state State

	// OnSaveError, when set, is told about failed writes (surfaced tier 2
	// by the supervisor). The in-memory state keeps going either way.
	OnSaveError func(error)
}

// Open loads the document at path, materializing defaults for missing
// fields. A missing file yields a fresh document at bootLevel.
func Open(path string, bootLevel AutonomyLevel) (*Store, error) {
	s := &Store{path: path, state: defaultState(bootLevel)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.StateDebug("no state document at %s, starting fresh", path)
			return s, nil
		}
		return nil, fmt.Errorf("failed to read state document: %w", err)
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("failed to parse state document: %w", err)
	}
	if s.state.ErrorRetries == nil {
		s.state.ErrorRetries = make(map[string]int)
	}
	if !s.state.AutonomyLevel.Valid() {
		s.state.AutonomyLevel = bootLevel
	}
	logging.StateDebug("loaded state document v%d from %s", s.state.StateVersion, path)
	return s, nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

// Version returns the current state version counter.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.StateVersion
}

// Level returns the runtime autonomy level.
func (s *Store) Level() AutonomyLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AutonomyLevel
}

// Update applies fn under the lock, bumps the version, and persists.
// A write failure is reported through OnSaveError and the in-memory
// state continues with the mutation applied; the next Update retries.
func (s *Store) Update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.state.StateVersion++
	s.state.UpdatedAt = time.Now()
	err := s.saveLocked()
	s.mu.Unlock()

	if err != nil {
		s.reportSaveError(err)
	}
}

// saveLocked writes the document via temp-file + rename.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// reportSaveError runs outside the store lock: the hook may block on a
// notification transport or read back through the store.
func (s *Store) reportSaveError(err error) {
	logging.Get(logging.CategoryState).Errorf("state save failed: %v", err)
	if s.OnSaveError != nil {
		s.OnSaveError(err)
	}
}

// LogDecision appends a decision record, capped at 50.
func (s *Store) LogDecision(rec DecisionRecord) {
	s.Update(func(st *State) {
		st.Decisions = append(st.Decisions, rec)
		if len(st.Decisions) > maxDecisions {
			st.Decisions = st.Decisions[len(st.Decisions)-maxDecisions:]
		}
	})
}

// LogExecution appends an execution record, capped at 100.
func (s *Store) LogExecution(rec ExecutionRecord) {
	s.Update(func(st *State) {
		st.Executions = append(st.Executions, rec)
		if len(st.Executions) > maxExecutions {
			st.Executions = st.Executions[len(st.Executions)-maxExecutions:]
		}
	})
}

// LogEvaluation appends an evaluation record, capped at 100.
func (s *Store) LogEvaluation(rec EvaluationRecord) {
	s.Update(func(st *State) {
		st.Evaluations = append(st.Evaluations, rec)
		if len(st.Evaluations) > maxEvaluations {
			st.Evaluations = st.Evaluations[len(st.Evaluations)-maxEvaluations:]
		}
	})
}

// RecordErrorRetry increments the consecutive-failure counter for project.
func (s *Store) RecordErrorRetry(project string) {
	s.Update(func(st *State) {
		st.ErrorRetries[project]++
	})
}

// ErrorRetryCount returns the consecutive-failure counter for project.
func (s *Store) ErrorRetryCount(project string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ErrorRetries[project]
}

// ResetErrorRetry clears the counter for project.
func (s *Store) ResetErrorRetry(project string) {
	s.Update(func(st *State) {
		delete(st.ErrorRetries, project)
	})
}

// SetAutonomyLevel validates and persists a new runtime level.
// Only the operator command path calls this.
func (s *Store) SetAutonomyLevel(level AutonomyLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid autonomy level: %q", level)
	}
	s.Update(func(st *State) {
		st.AutonomyLevel = level
	})
	return nil
}

// SetAIPaused toggles the think loop.
func (s *Store) SetAIPaused(paused bool) {
	s.Update(func(st *State) {
		st.AIPaused = paused
	})
}

// AIPaused reports whether thinking is paused by operator command.
func (s *Store) AIPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AIPaused
}

// UpsertSession inserts or replaces a session keyed by SessionName.
func (s *Store) UpsertSession(sess Session) {
	s.Update(func(st *State) {
		for i := range st.Sessions {
			if st.Sessions[i].SessionName == sess.SessionName {
				st.Sessions[i] = sess
				return
			}
		}
		st.Sessions = append(st.Sessions, sess)
	})
}

// RunningSessions returns the sessions currently marked running.
func (s *Store) RunningSessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.state.Sessions {
		if sess.Status == SessionRunning {
			out = append(out, sess)
		}
	}
	return out
}

// RunningSessionFor returns the running session for project, if any.
func (s *Store) RunningSessionFor(project string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.state.Sessions {
		if sess.ProjectName == project && sess.Status == SessionRunning {
			return sess, true
		}
	}
	return Session{}, false
}

// CloseSession marks a session stopped or ended at the given time.
func (s *Store) CloseSession(sessionName string, status SessionStatus, at time.Time) {
	s.Update(func(st *State) {
		for i := range st.Sessions {
			if st.Sessions[i].SessionName == sessionName {
				st.Sessions[i].Status = status
				t := at
				st.Sessions[i].StoppedAt = &t
				return
			}
		}
	})
}

// PruneSessions drops closed sessions older than keep.
func (s *Store) PruneSessions(now time.Time, keep time.Duration) {
	s.Update(func(st *State) {
		kept := st.Sessions[:0]
		for _, sess := range st.Sessions {
			if sess.Status == SessionRunning || sess.StoppedAt == nil || now.Sub(*sess.StoppedAt) < keep {
				kept = append(kept, sess)
			}
		}
		st.Sessions = kept
	})
}

func copyState(in State) State {
	out := in
	out.Decisions = append([]DecisionRecord(nil), in.Decisions...)
	out.Executions = append([]ExecutionRecord(nil), in.Executions...)
	out.Evaluations = append([]EvaluationRecord(nil), in.Evaluations...)
	out.Sessions = append([]Session(nil), in.Sessions...)
	out.ErrorRetries = make(map[string]int, len(in.ErrorRetries))
	for k, v := range in.ErrorRetries {
		out.ErrorRetries[k] = v
	}
	return out
}
