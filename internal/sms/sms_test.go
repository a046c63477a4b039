package sms

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderUnconfigured(t *testing.T) {
	err := NewSender(nil).Send(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestSenderAppendsMessage(t *testing.T) {
	out := filepath.Join(t.TempDir(), "sent.txt")
	s := NewSender([]string{"sh", "-c", `echo "$1" > ` + out, "send"})
	require.NoError(t, s.Send(context.Background(), "status ok"))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "status ok\n", string(data), "the message rides as the final argument")
}

func TestSenderCommandFailure(t *testing.T) {
	err := NewSender([]string{"false"}).Send(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sms send failed")
}

func seedInbox(t *testing.T, bodies ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		body TEXT NOT NULL,
		received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)
	for _, b := range bodies {
		_, err = db.Exec("INSERT INTO messages (body) VALUES (?)", b)
		require.NoError(t, err)
	}
	return path
}

func TestInboxSkipsPreBootMessages(t *testing.T) {
	path := seedInbox(t, "old one", "old two")

	inbox, err := OpenInbox(path)
	require.NoError(t, err)
	defer inbox.Close()

	msgs, err := inbox.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs, "messages from before boot are never dispatched")
}

func TestInboxPollAdvancesCursor(t *testing.T) {
	path := seedInbox(t)

	inbox, err := OpenInbox(path)
	require.NoError(t, err)
	defer inbox.Close()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("INSERT INTO messages (body) VALUES (?), (?)", "pause", "status")
	require.NoError(t, err)

	msgs, err := inbox.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "pause", msgs[0].Body, "oldest first")
	assert.Equal(t, "status", msgs[1].Body)

	again, err := inbox.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again, "polled messages are not re-delivered")
}
