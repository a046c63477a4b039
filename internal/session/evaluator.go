package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"orchd/internal/clock"
	"orchd/internal/gittrack"
	"orchd/internal/learner"
	"orchd/internal/logging"
	"orchd/internal/notify"
	"orchd/internal/proc"
	"orchd/internal/project"
	"orchd/internal/state"
	"orchd/internal/tmux"
)

const (
	scrollbackLines = 200
	maxOutputChars  = 2000
	maxPromptChars  = 500
)

// evalSchema constrains the LLM's evaluation output.
const evalSchema = `{
  "type": "object",
  "properties": {
    "score": {"type": "integer", "minimum": 1, "maximum": 5},
    "recommendation": {"type": "string", "enum": ["continue", "retry", "escalate", "complete"]},
    "accomplishments": {"type": "array", "items": {"type": "string"}},
    "failures": {"type": "array", "items": {"type": "string"}},
    "reasoning": {"type": "string"}
  },
  "required": ["score", "recommendation", "reasoning"]
}`

type evalResponse struct {
	Score           int      `json:"score"`
	Recommendation  string   `json:"recommendation"`
	Accomplishments []string `json:"accomplishments"`
	Failures        []string `json:"failures"`
	Reasoning       string   `json:"reasoning"`
}

// Evaluator assesses just-ended sessions: objective git evidence plus
// an LLM read of the final scrollback, with a commit-count heuristic
// fallback when the LLM is unavailable.
type Evaluator struct {
	broker   *proc.Broker
	tmux     *tmux.Client
	scanner  *project.Scanner
	store    *state.Store
	learner  *learner.Learner
	notifier *notify.Notifier
	clk      clock.Clock

	timeout time.Duration

	mu       sync.Mutex
	inFlight map[string]bool // sessionID -> being evaluated
}

// NewEvaluator wires the evaluator. learner and notifier may be nil;
// their steps degrade to no-ops.
func NewEvaluator(broker *proc.Broker, t *tmux.Client, scanner *project.Scanner, st *state.Store, l *learner.Learner, n *notify.Notifier, clk clock.Clock, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Evaluator{
		broker:   broker,
		tmux:     t,
		scanner:  scanner,
		store:    st,
		learner:  l,
		notifier: n,
		clk:      clk,
		timeout:  timeout,
		inFlight: make(map[string]bool),
	}
}

// Evaluate assesses one ended session. Safe to call more than once per
// session: already-evaluated and in-flight sessions are skipped.
func (e *Evaluator) Evaluate(ctx context.Context, sess state.Session) {
	e.mu.Lock()
	if e.inFlight[sess.SessionName] {
		e.mu.Unlock()
		return
	}
	e.inFlight[sess.SessionName] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, sess.SessionName)
		e.mu.Unlock()
	}()

	dir := e.scanner.PathFor(sess.ProjectName)

	// Duplicate-evaluation guard: the artifact is authoritative.
	if prev, ok, err := project.ReadEvaluation(dir); err == nil && ok && prev.EvaluatedAt.After(sess.StartedAt) {
		logging.Eval("session %s already evaluated, skipping", sess.SessionName)
		return
	}

	output, err := e.tmux.CapturePane(ctx, sess.SessionName, scrollbackLines)
	if err != nil {
		output = "" // window already gone; judge on git evidence
	}
	if len(output) > maxOutputChars {
		output = output[len(output)-maxOutputChars:]
	}

	progress := gittrack.Progress(ctx, dir, sess.StartedAt)

	stoppedAt := e.clk.Now()
	if sess.StoppedAt != nil {
		stoppedAt = *sess.StoppedAt
	}

	rec := state.EvaluationRecord{
		SessionID:       sess.SessionName,
		ProjectName:     sess.ProjectName,
		StartedAt:       sess.StartedAt,
		StoppedAt:       stoppedAt,
		DurationMinutes: int(stoppedAt.Sub(sess.StartedAt).Minutes()),
		GitProgress:     progress,
		EvaluatedAt:     e.clk.Now(),
	}

	resp, err := e.askLLM(ctx, sess, progress, output, rec.DurationMinutes)
	if err != nil {
		logging.Eval("llm evaluation failed for %s, using heuristic: %v", sess.SessionName, err)
		resp = heuristicScore(progress)
	}

	rec.Score = resp.Score
	rec.Recommendation = state.EvalRecommendation(resp.Recommendation)
	rec.Accomplishments = resp.Accomplishments
	rec.Failures = resp.Failures
	rec.Reasoning = resp.Reasoning

	if err := project.WriteEvaluation(dir, rec); err != nil {
		logging.Get(logging.CategoryEval).Errorf("failed to write evaluation artifact: %v", err)
	}
	e.store.LogEvaluation(rec)

	// Relational dual-write is non-fatal.
	if e.learner != nil {
		if err := e.learner.Record(rec, sess.Prompt); err != nil {
			logging.Get(logging.CategoryEval).Debugf("learner record failed: %v", err)
		}
	}

	logging.Eval("session %s scored %d (%s)", sess.SessionName, rec.Score, rec.Recommendation)

	if rec.Score <= 2 && e.notifier != nil {
		e.notifier.Notify(ctx, notify.TierAction,
			fmt.Sprintf("session on %s scored %d/5: %s", sess.ProjectName, rec.Score, clip(rec.Reasoning, 200)))
	}
}

func (e *Evaluator) askLLM(ctx context.Context, sess state.Session, progress state.GitProgress, output string, durationMin int) (evalResponse, error) {
	prompt := buildEvalPrompt(sess, progress, output, durationMin)

	raw, err := e.broker.InvokeLLM(ctx, prompt, proc.LLMOpts{
		Schema:  evalSchema,
		Timeout: e.timeout,
	})
	if err != nil {
		return evalResponse{}, err
	}

	var resp evalResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return evalResponse{}, fmt.Errorf("invalid evaluation response: %w", err)
	}
	if resp.Score < 1 || resp.Score > 5 {
		return evalResponse{}, fmt.Errorf("evaluation score out of range: %d", resp.Score)
	}
	switch state.EvalRecommendation(resp.Recommendation) {
	case state.EvalContinue, state.EvalRetry, state.EvalEscalate, state.EvalComplete:
	default:
		return evalResponse{}, fmt.Errorf("unknown evaluation recommendation: %q", resp.Recommendation)
	}
	return resp, nil
}

// heuristicScore is the fallback when the LLM call fails or produces an
// invalid object: 0 commits -> 1; 1-2 -> 3; 3+ -> 4.
func heuristicScore(p state.GitProgress) evalResponse {
	score := 1
	switch {
	case p.CommitCount >= 3:
		score = 4
	case p.CommitCount >= 1:
		score = 3
	}
	return evalResponse{
		Score:          score,
		Recommendation: string(state.EvalContinue),
		Reasoning:      fmt.Sprintf("heuristic: %d commits in window", p.CommitCount),
	}
}

func buildEvalPrompt(sess state.Session, p state.GitProgress, output string, durationMin int) string {
	var b strings.Builder

	b.WriteString("Evaluate a completed coding session. Score 1-5:\n")
	b.WriteString("1 = no progress, broken or abandoned work\n")
	b.WriteString("2 = minimal progress, mostly churn\n")
	b.WriteString("3 = some concrete progress, incomplete\n")
	b.WriteString("4 = solid progress toward the stated goal\n")
	b.WriteString("5 = goal accomplished and verified\n\n")

	fmt.Fprintf(&b, "Duration: %d minutes\n", durationMin)
	if p.NoGit {
		b.WriteString("No git repository: judge on output alone.\n")
	} else {
		fmt.Fprintf(&b, "Commits: %d, +%d/-%d across %d files\n",
			p.CommitCount, p.Insertions, p.Deletions, p.FilesChanged)
		if p.LastCommitSubject != "" {
			fmt.Fprintf(&b, "Last commit: %s\n", p.LastCommitSubject)
		}
	}

	if sess.Prompt != "" {
		fmt.Fprintf(&b, "\nOriginal task:\n%s\n", clip(sess.Prompt, maxPromptChars))
	}
	if output != "" {
		fmt.Fprintf(&b, "\nFinal output:\n%s\n", output)
	}

	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
