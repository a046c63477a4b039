// Package notify routes all outbound operator communication through a
// four-tier dispatcher over a single SMS transport: URGENT sends always,
// ACTION respects the daily budget and quiet hours, SUMMARY batches,
// DEBUG only logs.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"orchd/internal/clock"
	"orchd/internal/logging"
)

// Tier is the notification priority class.
type Tier int

const (
	TierUrgent  Tier = 1
	TierAction  Tier = 2
	TierSummary Tier = 3
	TierDebug   Tier = 4
)

// Transport sends one text of bounded length. Implementations may block
// on the host message database; the notifier never holds its mutex
// across a Send.
type Transport interface {
	Send(ctx context.Context, text string) error
}

// Options tunes the notifier.
type Options struct {
	DailyBudget   int           // tier-2 sends per local calendar day
	BatchInterval time.Duration // tier-3 flush cadence
	DedupTTL      time.Duration
	MaxLength     int // transport ceiling, default 1500

	QuietStart string // "22:30"; empty disables quiet hours
	QuietEnd   string // "07:00"
	Location   *time.Location
}

// Notifier is the tier dispatcher.
type Notifier struct {
	transport Transport
	clk       clock.Clock
	opts      Options
	dedup     *dedupWindow

	mu         sync.Mutex
	sentToday  int
	budgetDay  string // "2006-01-02" of the counted day
	batch      []string
	batchTimer clock.Timer
	stopped    bool
}

// New creates a Notifier. A nil transport degrades every tier to log-only.
func New(transport Transport, clk clock.Clock, opts Options) *Notifier {
	if opts.MaxLength <= 0 {
		opts.MaxLength = 1500
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = time.Hour
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 30 * time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Notifier{
		transport: transport,
		clk:       clk,
		opts:      opts,
		dedup:     newDedupWindow(clk, opts.DedupTTL),
	}
}

// Start arms the batch flush timer.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scheduleFlushLocked()
}

// Stop flushes any pending batch and cancels the timer.
func (n *Notifier) Stop(ctx context.Context) {
	n.mu.Lock()
	n.stopped = true
	if n.batchTimer != nil {
		n.batchTimer.Stop()
		n.batchTimer = nil
	}
	text := n.drainBatchLocked()
	n.mu.Unlock()

	if text != "" {
		n.send(ctx, text)
	}
}

// Notify routes text at the given tier.
func (n *Notifier) Notify(ctx context.Context, tier Tier, text string) {
	n.NotifyKeyed(ctx, tier, text, text)
}

// NotifyKeyed routes text at the given tier, deduplicating on key.
// Duplicates within the dedup TTL are dropped.
func (n *Notifier) NotifyKeyed(ctx context.Context, tier Tier, key, text string) {
	if text == "" {
		return
	}
	if tier == TierDebug {
		logging.NotifyDebug("tier4: %s", text)
		return
	}
	if n.dedup.check(key) {
		logging.NotifyDebug("dropped duplicate notification: %s", truncateText(text, 80))
		return
	}

	switch tier {
	case TierUrgent:
		n.send(ctx, text)
		n.piggybackFlush(ctx)
	case TierAction:
		n.mu.Lock()
		// Quiet hours first: a held message must not burn budget.
		ok := !n.inQuietHours() && n.takeBudgetLocked()
		if !ok {
			n.batch = append(n.batch, text)
			n.mu.Unlock()
			logging.NotifyDebug("tier2 downgraded to batch (budget/quiet)")
			return
		}
		n.mu.Unlock()
		n.send(ctx, text)
		n.piggybackFlush(ctx)
	case TierSummary:
		n.mu.Lock()
		n.batch = append(n.batch, text)
		n.mu.Unlock()
	}
}

// SendUrgent sends at tier 1, returning the transport error so callers
// with at-most-once semantics can retry later. No dedup, no budget.
func (n *Notifier) SendUrgent(ctx context.Context, text string) error {
	text = truncateText(text, n.opts.MaxLength)
	if n.transport == nil {
		logging.Notify("no transport, dropping: %s", truncateText(text, 120))
		return nil
	}
	if err := n.transport.Send(ctx, text); err != nil {
		return err
	}
	n.piggybackFlush(ctx)
	return nil
}

// send pushes one message through the transport, clipped to the ceiling.
func (n *Notifier) send(ctx context.Context, text string) {
	text = truncateText(text, n.opts.MaxLength)
	if n.transport == nil {
		logging.Notify("no transport, dropping: %s", truncateText(text, 120))
		return
	}
	if err := n.transport.Send(ctx, text); err != nil {
		logging.Get(logging.CategoryNotify).Errorf("send failed: %v", err)
		return
	}
	logging.NotifyDebug("sent %d chars", len(text))
}

// takeBudgetLocked consumes one unit of the tier-2 daily budget.
func (n *Notifier) takeBudgetLocked() bool {
	day := n.clk.Now().In(n.opts.Location).Format("2006-01-02")
	if day != n.budgetDay {
		n.budgetDay = day
		n.sentToday = 0
	}
	if n.opts.DailyBudget > 0 && n.sentToday >= n.opts.DailyBudget {
		return false
	}
	n.sentToday++
	return true
}

// SentToday returns the tier-2 count for the current local day.
func (n *Notifier) SentToday() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	day := n.clk.Now().In(n.opts.Location).Format("2006-01-02")
	if day != n.budgetDay {
		return 0
	}
	return n.sentToday
}

// InQuietHours reports whether local time is inside the quiet window.
func (n *Notifier) InQuietHours() bool {
	return n.inQuietHours()
}

// inQuietHours reports whether local time is inside the quiet window.
// Applies to tiers 2 and 3 only.
func (n *Notifier) inQuietHours() bool {
	if n.opts.QuietStart == "" || n.opts.QuietEnd == "" {
		return false
	}
	now := n.clk.Now().In(n.opts.Location)
	cur := now.Hour()*60 + now.Minute()
	start, ok1 := parseHHMM(n.opts.QuietStart)
	end, ok2 := parseHHMM(n.opts.QuietEnd)
	if !ok1 || !ok2 {
		return false
	}
	if start <= end {
		return cur >= start && cur < end
	}
	// window crosses midnight
	return cur >= start || cur < end
}

func parseHHMM(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// piggybackFlush flushes the batch after a tier-1/2 send, outside quiet hours.
func (n *Notifier) piggybackFlush(ctx context.Context) {
	n.mu.Lock()
	if n.inQuietHours() {
		n.mu.Unlock()
		return
	}
	text := n.drainBatchLocked()
	n.mu.Unlock()
	if text != "" {
		n.send(ctx, text)
	}
}

// flushTick is the timer-driven batch flush.
func (n *Notifier) flushTick() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	var text string
	if !n.inQuietHours() {
		text = n.drainBatchLocked()
	}
	n.scheduleFlushLocked()
	n.mu.Unlock()

	if text != "" {
		n.send(context.Background(), text)
	}
}

func (n *Notifier) scheduleFlushLocked() {
	if n.stopped {
		return
	}
	n.batchTimer = n.clk.AfterFunc(n.opts.BatchInterval, n.flushTick)
}

// drainBatchLocked concatenates queued texts under the ceiling,
// trimming the oldest first when over.
func (n *Notifier) drainBatchLocked() string {
	if len(n.batch) == 0 {
		return ""
	}
	queue := n.batch
	n.batch = nil

	for len(queue) > 0 {
		joined := strings.Join(queue, "\n")
		if len(joined) <= n.opts.MaxLength {
			return joined
		}
		queue = queue[1:]
	}
	return ""
}

// PendingBatch returns the number of queued tier-3 texts.
func (n *Notifier) PendingBatch() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.batch)
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
