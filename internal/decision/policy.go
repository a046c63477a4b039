// Package decision is the autonomy gate between the LLM's proposals and
// any side effect: the level matrix, cooldowns, retry caps, and the
// executor that performs what survives.
package decision

import (
	"sync"
	"time"

	"orchd/internal/clock"
	"orchd/internal/config"
	"orchd/internal/logging"
	"orchd/internal/project"
	"orchd/internal/state"
)

// allowedActions is the autonomy matrix. A level permits an action iff
// the action appears in its row.
var allowedActions = map[state.AutonomyLevel]map[state.Action]bool{
	state.LevelObserve: {
		state.ActionSkip: true,
	},
	state.LevelCautious: {
		state.ActionStart:  true,
		state.ActionNotify: true,
		state.ActionSkip:   true,
	},
	state.LevelModerate: {
		state.ActionStart:   true,
		state.ActionStop:    true,
		state.ActionRestart: true,
		state.ActionNotify:  true,
		state.ActionSkip:    true,
	},
	state.LevelFull: {
		state.ActionStart:   true,
		state.ActionStop:    true,
		state.ActionRestart: true,
		state.ActionNotify:  true,
		state.ActionSkip:    true,
	},
}

// LevelAllows reports whether the autonomy matrix permits the action at
// the level. Unknown levels permit nothing.
func LevelAllows(level state.AutonomyLevel, action state.Action) bool {
	return allowedActions[level][action]
}

// Policy evaluates recommendations against the runtime autonomy level,
// the project portfolio, cooldown state, and retry caps. It never
// executes anything.
type Policy struct {
	cfg     *config.Config
	store   *state.Store
	scanner *project.Scanner
	prio    *project.PrioritiesWatcher
	clk     clock.Clock

	mu sync.Mutex
	// lastProjectAction and lastAction key the cooldown windows by the
	// time a side effect last ran, not when it was proposed.
	lastProjectAction map[string]time.Time
	lastAction        map[string]time.Time // "project:action"
}

// NewPolicy wires the policy. prio may be nil when no priorities file
// is configured.
func NewPolicy(cfg *config.Config, store *state.Store, scanner *project.Scanner, prio *project.PrioritiesWatcher, clk clock.Clock) *Policy {
	return &Policy{
		cfg:               cfg,
		store:             store,
		scanner:           scanner,
		prio:              prio,
		clk:               clk,
		lastProjectAction: make(map[string]time.Time),
		lastAction:        make(map[string]time.Time),
	}
}

// Evaluate runs every recommendation through the gate chain and returns
// the annotated results. The runtime level is re-read per call so an
// operator change between cycles takes effect immediately.
func (p *Policy) Evaluate(recs []state.Recommendation, known map[string]project.Project) []state.EvaluatedRecommendation {
	level := p.store.Level()
	observeOnly := level == state.LevelObserve
	now := p.clk.Now()

	out := make([]state.EvaluatedRecommendation, 0, len(recs))
	for _, rec := range recs {
		ev := state.EvaluatedRecommendation{
			Recommendation: rec,
			ObserveOnly:    observeOnly,
			DecidedAt:      now,
		}
		ev.Allowed, ev.BlockedReason = p.gate(rec, level, known, now)
		if !ev.Allowed {
			logging.Decision("blocked %s %s: %s", rec.Action, rec.Project, ev.BlockedReason)
		}
		out = append(out, ev)
	}
	return out
}

// gate applies the checks in fixed order; the first failure wins.
func (p *Policy) gate(rec state.Recommendation, level state.AutonomyLevel, known map[string]project.Project, now time.Time) (bool, state.BlockReason) {
	// Project-less notify and skip are legitimate; everything else needs
	// a known target.
	needsProject := rec.Action != state.ActionNotify && rec.Action != state.ActionSkip
	if needsProject {
		if _, ok := known[rec.Project]; !ok {
			return false, state.BlockUnknownProject
		}
	}

	if !state.KnownAction(rec.Action) {
		return false, state.BlockUnknownAction
	}

	if p.isProtected(rec) {
		return false, state.BlockProtected
	}

	if needsProject && p.inCooldown(rec, now) {
		return false, state.BlockCooldown
	}

	if rec.Action == state.ActionStart || rec.Action == state.ActionRestart {
		if p.store.ErrorRetryCount(rec.Project) >= p.maxRetries() {
			return false, state.BlockRetryCap
		}
	}

	if !LevelAllows(level, rec.Action) {
		return false, state.BlockAutonomy
	}

	return true, ""
}

// isProtected blocks mutating actions against protected and block-listed
// projects. Notify and skip pass.
func (p *Policy) isProtected(rec state.Recommendation) bool {
	if rec.Action == state.ActionNotify || rec.Action == state.ActionSkip {
		return false
	}
	for _, name := range p.cfg.AI.ProtectedProjects {
		if name == rec.Project {
			return true
		}
	}
	if p.prio != nil && p.prio.Get().IsBlock(rec.Project) {
		return true
	}
	return false
}

// inCooldown reports whether either cooldown window is still open for
// the recommendation.
func (p *Policy) inCooldown(rec state.Recommendation, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.lastProjectAction[rec.Project]; ok {
		if now.Sub(t) < p.cfg.SameProjectCooldown() {
			return true
		}
	}
	if t, ok := p.lastAction[actionKey(rec)]; ok {
		if now.Sub(t) < p.cfg.SameActionCooldown() {
			return true
		}
	}
	return false
}

// RecordAction opens the cooldown windows after a side effect ran.
func (p *Policy) RecordAction(rec state.Recommendation, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastProjectAction[rec.Project] = at
	p.lastAction[actionKey(rec)] = at
}

func (p *Policy) maxRetries() int {
	if p.cfg.AI.MaxErrorRetries > 0 {
		return p.cfg.AI.MaxErrorRetries
	}
	return 3
}

func actionKey(rec state.Recommendation) string {
	return rec.Project + ":" + string(rec.Action)
}
