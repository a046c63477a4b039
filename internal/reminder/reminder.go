// Package reminder persists operator reminders and fires them at most
// once: the notification send and the fired-flag update share one
// transaction.
package reminder

import (
	"context"
	"fmt"
	"time"

	"orchd/internal/clock"
	"orchd/internal/logging"
	"orchd/internal/notify"
	"orchd/internal/store"
)

const remindersDDL = `
CREATE TABLE IF NOT EXISTS reminders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	text TEXT NOT NULL,
	fire_at DATETIME NOT NULL,
	source_message TEXT,
	fired INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_reminders_pending ON reminders(fired, fire_at);
`

// Reminder is one scheduled operator notification.
type Reminder struct {
	ID     int64
	Text   string
	FireAt time.Time
}

// Tracker owns the reminders table.
type Tracker struct {
	db       *store.DB
	notifier *notify.Notifier
	clk      clock.Clock
	loc      *time.Location
}

// New wires the tracker. loc resolves relative times in operator input.
func New(db *store.DB, notifier *notify.Notifier, clk clock.Clock, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	return &Tracker{db: db, notifier: notifier, clk: clk, loc: loc}
}

// Set schedules a reminder.
func (t *Tracker) Set(text string, fireAt time.Time, source string) error {
	if err := t.db.Ensure("reminders", remindersDDL); err != nil {
		return err
	}
	_, err := t.db.SQL().Exec(
		"INSERT INTO reminders(text, fire_at, source_message) VALUES(?, ?, ?)",
		text, fireAt.UTC(), source)
	if err != nil {
		return fmt.Errorf("failed to set reminder: %w", err)
	}
	logging.Get(logging.CategoryReminder).Infof("reminder set for %s: %s", fireAt.In(t.loc).Format(time.RFC822), text)
	return nil
}

// CheckAndFire sends every due reminder at tier 1 and marks it fired in
// the same transaction. A failed send rolls back, so the reminder fires
// on a later tick instead of being lost.
func (t *Tracker) CheckAndFire(ctx context.Context) error {
	if err := t.db.Ensure("reminders", remindersDDL); err != nil {
		return err
	}
	due, err := t.selectDue()
	if err != nil {
		return err
	}

	for _, r := range due {
		tx, err := t.db.SQL().BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin reminder transaction: %w", err)
		}
		res, err := tx.Exec("UPDATE reminders SET fired = 1 WHERE id = ? AND fired = 0", r.ID)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to mark reminder fired: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Raced with another firing path.
			_ = tx.Rollback()
			continue
		}

		if err := t.notifier.SendUrgent(ctx, "reminder: "+r.Text); err != nil {
			// Roll back so the reminder fires on a later tick.
			_ = tx.Rollback()
			logging.Get(logging.CategoryReminder).Errorf("reminder send failed, will retry: %v", err)
			continue
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit reminder: %w", err)
		}
		logging.Get(logging.CategoryReminder).Infof("fired reminder %d: %s", r.ID, r.Text)
	}
	return nil
}

func (t *Tracker) selectDue() ([]Reminder, error) {
	rows, err := t.db.SQL().Query(
		"SELECT id, text, fire_at FROM reminders WHERE fired = 0 AND fire_at <= ? ORDER BY fire_at",
		t.clk.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.Text, &r.FireAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPending returns unfired reminders ordered by fire time.
func (t *Tracker) ListPending() ([]Reminder, error) {
	if err := t.db.Ensure("reminders", remindersDDL); err != nil {
		return nil, err
	}
	rows, err := t.db.SQL().Query(
		"SELECT id, text, fire_at FROM reminders WHERE fired = 0 ORDER BY fire_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.Text, &r.FireAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CancelByText marks unfired reminders matching the fuzzy query as
// fired. Returns the number cancelled.
func (t *Tracker) CancelByText(q string) (int64, error) {
	if err := t.db.Ensure("reminders", remindersDDL); err != nil {
		return 0, err
	}
	res, err := t.db.SQL().Exec(
		"UPDATE reminders SET fired = 1 WHERE fired = 0 AND text LIKE ?", "%"+q+"%")
	if err != nil {
		return 0, fmt.Errorf("failed to cancel reminders: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
