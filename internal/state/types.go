// Package state owns every durable entity of the supervisor: the JSON
// state document, its capped histories, and the domain types shared by
// the policy, loops, and notifier.
package state

import "time"

// AutonomyLevel is the ordinal policy level: observe < cautious < moderate < full.
// The runtime level changes only by operator command.
type AutonomyLevel string

const (
	LevelObserve  AutonomyLevel = "observe"
	LevelCautious AutonomyLevel = "cautious"
	LevelModerate AutonomyLevel = "moderate"
	LevelFull     AutonomyLevel = "full"
)

// Rank returns the ordinal position of the level, or -1 if unknown.
func (l AutonomyLevel) Rank() int {
	switch l {
	case LevelObserve:
		return 0
	case LevelCautious:
		return 1
	case LevelModerate:
		return 2
	case LevelFull:
		return 3
	}
	return -1
}

// Valid reports whether l is a known level.
func (l AutonomyLevel) Valid() bool { return l.Rank() >= 0 }

// Next returns the level above l, or "" for full and observe-adjacent gaps.
func (l AutonomyLevel) Next() AutonomyLevel {
	switch l {
	case LevelObserve:
		return LevelCautious
	case LevelCautious:
		return LevelModerate
	case LevelModerate:
		return LevelFull
	}
	return ""
}

// Action is an LLM-proposed operation.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionNotify  Action = "notify"
	ActionSkip    Action = "skip"
)

// KnownAction reports whether a is in the fixed allowlist.
func KnownAction(a Action) bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionNotify, ActionSkip:
		return true
	}
	return false
}

// Recommendation is one proposed action from the LLM. It is a proposal
// only; the autonomy policy decides what happens to it.
type Recommendation struct {
	Project          string  `json:"project"`
	Action           Action  `json:"action"`
	Reason           string  `json:"reason"`
	Prompt           string  `json:"prompt,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	NotificationTier int     `json:"notificationTier,omitempty"`
}

// BlockReason classifies why a recommendation was not allowed.
type BlockReason string

const (
	BlockAutonomy       BlockReason = "autonomy"
	BlockCooldown       BlockReason = "cooldown"
	BlockPrecondition   BlockReason = "precondition"
	BlockProtected      BlockReason = "protected"
	BlockRetryCap       BlockReason = "retry-cap"
	BlockDuplicate      BlockReason = "duplicate"
	BlockUnknownAction  BlockReason = "unknown-action"
	BlockUnknownProject BlockReason = "unknown-project"
)

// EvaluatedRecommendation is a Recommendation after the policy pass.
type EvaluatedRecommendation struct {
	Recommendation
	Allowed       bool        `json:"allowed"`
	BlockedReason BlockReason `json:"blockedReason,omitempty"`
	// ObserveOnly is true iff the runtime level was observe at decision time.
	ObserveOnly bool      `json:"observeOnly"`
	DecidedAt   time.Time `json:"decidedAt"`
}

// DecisionRecord is one think-cycle result.
type DecisionRecord struct {
	TS              time.Time                 `json:"ts"`
	Summary         string                    `json:"summary"`
	Recommendations []Recommendation          `json:"recommendations"`
	Evaluated       []EvaluatedRecommendation `json:"evaluated"`
	DurationMs      int64                     `json:"durationMs"`
	NextThinkInSec  int                       `json:"nextThinkInSec,omitempty"`
	Error           string                    `json:"error,omitempty"`
}

// ExecResult is the outcome class of one side-effect attempt.
type ExecResult string

const (
	ExecOK      ExecResult = "ok"
	ExecFailed  ExecResult = "failed"
	ExecBlocked ExecResult = "blocked"
)

// ExecutionRecord is one side-effect attempt.
type ExecutionRecord struct {
	TS            time.Time     `json:"ts"`
	Action        Action        `json:"action"`
	Project       string        `json:"project"`
	Result        ExecResult    `json:"result"`
	Error         string        `json:"error,omitempty"`
	AutonomyLevel AutonomyLevel `json:"autonomyLevel"`
	StateVersion  int64         `json:"stateVersion"`
}

// GitProgress summarizes repository activity over a session window.
type GitProgress struct {
	CommitCount       int       `json:"commitCount"`
	Insertions        int       `json:"insertions"`
	Deletions         int       `json:"deletions"`
	FilesChanged      int       `json:"filesChanged"`
	LastCommitHash    string    `json:"lastCommitHash,omitempty"`
	LastCommitSubject string    `json:"lastCommitSubject,omitempty"`
	LastCommitAt      time.Time `json:"lastCommitAt,omitempty"`
	NoGit             bool      `json:"noGit,omitempty"`
}

// EvalRecommendation is the evaluator's verdict on what to do next.
type EvalRecommendation string

const (
	EvalContinue EvalRecommendation = "continue"
	EvalRetry    EvalRecommendation = "retry"
	EvalEscalate EvalRecommendation = "escalate"
	EvalComplete EvalRecommendation = "complete"
)

// EvaluationRecord is a completed session's assessment.
type EvaluationRecord struct {
	SessionID       string             `json:"sessionId"`
	ProjectName     string             `json:"projectName"`
	StartedAt       time.Time          `json:"startedAt"`
	StoppedAt       time.Time          `json:"stoppedAt"`
	DurationMinutes int                `json:"durationMinutes"`
	GitProgress     GitProgress        `json:"gitProgress"`
	Score           int                `json:"score"` // 1..5
	Recommendation  EvalRecommendation `json:"recommendation"`
	Accomplishments []string           `json:"accomplishments"`
	Failures        []string           `json:"failures"`
	Reasoning       string             `json:"reasoning"`
	EvaluatedAt     time.Time          `json:"evaluatedAt"`
}

// SessionStatus is the lifecycle state of a coding session.
type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
	SessionEnded   SessionStatus = "ended"
)

// Session is one interactive coding session in a multiplexer window.
type Session struct {
	ProjectName string        `json:"projectName"`
	SessionName string        `json:"sessionName"`
	StartedAt   time.Time     `json:"startedAt"`
	StoppedAt   *time.Time    `json:"stoppedAt,omitempty"`
	HeadBefore  string        `json:"headBefore,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	Status      SessionStatus `json:"status"`
}
