package notify

import (
	"fmt"
	"strings"

	"orchd/internal/state"
)

// FormatEvaluated renders a batch of evaluated recommendations for the
// operator, filtering recent duplicates first. ok is false when every
// entry was a duplicate; callers must treat that as a skip, not an
// empty send.
func (n *Notifier) FormatEvaluated(evs []state.EvaluatedRecommendation, level state.AutonomyLevel) (text string, ok bool) {
	var kept []state.EvaluatedRecommendation
	for _, ev := range evs {
		// check registers the key, so the same recommendation emitted by a
		// later cycle inside the TTL is filtered there.
		if n.dedup.check(RecKey(ev.Project, string(ev.Action), ev.Reason)) {
			continue
		}
		kept = append(kept, ev)
	}
	if len(kept) == 0 {
		return "", false
	}

	var b strings.Builder
	if level == state.LevelObserve {
		b.WriteString("[observe] would do:\n")
	} else {
		b.WriteString("decisions:\n")
	}
	for _, ev := range kept {
		fmt.Fprintf(&b, "- %s %s: %s", ev.Action, ev.Project, ev.Reason)
		if !ev.Allowed {
			fmt.Fprintf(&b, " [blocked: %s]", ev.BlockedReason)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), true
}

// RecNotifyKey builds the dedup key used when sending a single
// recommendation-derived notification.
func RecNotifyKey(ev state.EvaluatedRecommendation) string {
	return RecKey(ev.Project, string(ev.Action), ev.Reason)
}
