package notify

import (
	"strings"
	"sync"
	"time"

	"orchd/internal/clock"
)

// RecKey builds the dedup key for a recommendation-derived notification:
// project:action:reason, lowercased, reason clipped to 100 chars.
func RecKey(project, action, reason string) string {
	if len(reason) > 100 {
		reason = reason[:100]
	}
	return strings.ToLower(project + ":" + action + ":" + reason)
}

// djb2 is the content hash mandated for envelope dedup.
func djb2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}

// dedupWindow tracks recently sent content hashes with a TTL.
// Loss on restart is tolerated: re-send once beats silent drop.
type dedupWindow struct {
	mu    sync.Mutex
	clk   clock.Clock
	ttl   time.Duration
	seen  map[uint32]time.Time
}

func newDedupWindow(clk clock.Clock, ttl time.Duration) *dedupWindow {
	return &dedupWindow{clk: clk, ttl: ttl, seen: make(map[uint32]time.Time)}
}

// check reports whether key is a recent duplicate and, when it is not,
// records it.
func (d *dedupWindow) check(key string) (dup bool) {
	h := djb2(key)
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[h]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[h] = now

	// opportunistic expiry
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
	return false
}
