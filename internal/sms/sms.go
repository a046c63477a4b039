// Package sms is the operator transport: outbound texts go through a
// configured send command, inbound texts are read from the host message
// database. Both surfaces are fixed by the host; this package only adapts.
package sms

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"orchd/internal/logging"
	"orchd/internal/proc"
)

// Sender sends one text by invoking the host's send command with the
// message appended as the final argument.
type Sender struct {
	argv    []string
	timeout time.Duration
}

// NewSender wraps the configured send argv. An empty argv yields a
// sender that fails loudly rather than silently dropping.
func NewSender(argv []string) *Sender {
	return &Sender{argv: argv, timeout: 10 * time.Second}
}

// Send implements notify.Transport.
func (s *Sender) Send(ctx context.Context, text string) error {
	if len(s.argv) == 0 {
		return fmt.Errorf("sms send command not configured")
	}
	argv := append(append([]string(nil), s.argv...), text)
	_, err := proc.RunShell(ctx, argv, proc.ShellOpts{Timeout: s.timeout})
	if err != nil {
		return fmt.Errorf("sms send failed: %w", err)
	}
	return nil
}

// Message is one inbound operator text.
type Message struct {
	ID   int64
	Body string
	At   time.Time
}

// Inbox tails the host message database for new inbound texts.
type Inbox struct {
	db     *sql.DB
	lastID int64
}

// OpenInbox opens the host message database read-only and positions the
// cursor after the newest existing message, so only texts received after
// boot are dispatched as commands.
func OpenInbox(path string) (*Inbox, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open sms inbox: %w", err)
	}
	db.SetMaxOpenConns(1)

	inbox := &Inbox{db: db}
	if err := db.QueryRow("SELECT COALESCE(MAX(id), 0) FROM messages").Scan(&inbox.lastID); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read sms inbox cursor: %w", err)
	}
	logging.Get(logging.CategorySMS).Debugf("sms inbox opened at id %d", inbox.lastID)
	return inbox, nil
}

// Poll returns messages received since the last poll, oldest first.
func (i *Inbox) Poll(ctx context.Context) ([]Message, error) {
	rows, err := i.db.QueryContext(ctx,
		"SELECT id, body, received_at FROM messages WHERE id > ? ORDER BY id", i.lastID)
	if err != nil {
		return nil, fmt.Errorf("failed to poll sms inbox: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Body, &m.At); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		i.lastID = out[len(out)-1].ID
	}
	return out, nil
}

// Close releases the inbox handle.
func (i *Inbox) Close() error { return i.db.Close() }
