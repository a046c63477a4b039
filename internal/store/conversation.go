package store

import (
	"fmt"
	"regexp"
	"time"
)

const conversationDDL = `
CREATE TABLE IF NOT EXISTS conversation (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	ts DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_ts ON conversation(ts);
`

// ConversationEntry is one operator or assistant message.
type ConversationEntry struct {
	Role string // user | assistant
	Text string
	TS   time.Time
}

// ConversationLog persists the recent SMS exchange with the operator.
// Credential-looking substrings are redacted before hitting disk.
type ConversationLog struct {
	db  *DB
	ttl time.Duration
}

// NewConversationLog creates the log with a retention TTL.
func NewConversationLog(db *DB, ttl time.Duration) *ConversationLog {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &ConversationLog{db: db, ttl: ttl}
}

var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)\b(token|api[_-]?key|secret|password)\s*[=:]\s*\S+`),
	regexp.MustCompile(`(?i)\bbearer\s+\S+`),
}

// Redact masks credential-bearing substrings.
func Redact(text string) string {
	for _, p := range credentialPatterns {
		text = p.ReplaceAllString(text, "[redacted]")
	}
	return text
}

// Append records one entry.
func (c *ConversationLog) Append(role, text string, ts time.Time) error {
	if err := c.db.Ensure("conversation", conversationDDL); err != nil {
		return err
	}
	_, err := c.db.SQL().Exec(
		"INSERT INTO conversation(role, text, ts) VALUES(?, ?, ?)",
		role, Redact(text), ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append conversation entry: %w", err)
	}
	return nil
}

// Recent returns the n most recent entries, oldest first.
func (c *ConversationLog) Recent(n int) ([]ConversationEntry, error) {
	if err := c.db.Ensure("conversation", conversationDDL); err != nil {
		return nil, err
	}
	rows, err := c.db.SQL().Query(
		"SELECT role, text, ts FROM conversation ORDER BY ts DESC, id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	var out []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.Role, &e.Text, &e.TS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// Prune deletes entries older than the TTL.
func (c *ConversationLog) Prune(now time.Time) error {
	if err := c.db.Ensure("conversation", conversationDDL); err != nil {
		return err
	}
	_, err := c.db.SQL().Exec("DELETE FROM conversation WHERE ts < ?", now.Add(-c.ttl).UTC())
	return err
}
