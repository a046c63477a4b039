package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConversation(t *testing.T) *ConversationLog {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewConversationLog(db, 24*time.Hour)
}

func TestRedact(t *testing.T) {
	cases := map[string]string{
		"my key is sk-abc123def456ghi":   "my key is [redacted]",
		"password: hunter22 please":      "[redacted] please",
		"use Bearer eyJhbGciOi for auth": "use [redacted] for auth",
		"api_key=deadbeef1234":           "[redacted]",
		"nothing sensitive here":         "nothing sensitive here",
	}
	for in, want := range cases {
		assert.Equal(t, want, Redact(in), "input %q", in)
	}
}

func TestAppendRedactsBeforeDisk(t *testing.T) {
	c := testConversation(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.Append("user", "token=supersecret do the thing", now))

	entries, err := c.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Text, "supersecret")
	assert.Contains(t, entries[0].Text, "[redacted]")
}

func TestRecentChronological(t *testing.T) {
	c := testConversation(t)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.Append("user", "first", base))
	require.NoError(t, c.Append("assistant", "second", base.Add(time.Minute)))
	require.NoError(t, c.Append("user", "third", base.Add(2*time.Minute)))

	entries, err := c.Recent(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Text)
	assert.Equal(t, "third", entries[1].Text)
}

func TestPruneByTTL(t *testing.T) {
	c := testConversation(t)
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.Append("user", "old", base.Add(-48*time.Hour)))
	require.NoError(t, c.Append("user", "new", base))
	require.NoError(t, c.Prune(base))

	entries, err := c.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Text)
}
