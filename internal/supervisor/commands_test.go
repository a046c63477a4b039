package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCommand(t *testing.T) {
	cmd, rest := splitCommand("remind me to check the logs at 18:00")
	assert.Equal(t, "remind", cmd)
	assert.Equal(t, "me to check the logs at 18:00", rest)

	cmd, rest = splitCommand("status")
	assert.Equal(t, "status", cmd)
	assert.Empty(t, rest)

	cmd, rest = splitCommand("autonomy   moderate")
	assert.Equal(t, "autonomy", cmd)
	assert.Equal(t, "moderate", rest)
}

func TestParseReminderDuration(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	fireAt, text, err := parseReminder("me to stretch in 2h", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Hour), fireAt)
	assert.Equal(t, "stretch", text)
}

func TestParseReminderClockTimeToday(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	fireAt, text, err := parseReminder("call the bank at 15:30", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC), fireAt)
	assert.Equal(t, "call the bank", text)
}

func TestParseReminderClockTimeRollsToTomorrow(t *testing.T) {
	now := time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

	fireAt, _, err := parseReminder("call the bank at 15:30", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 15, 30, 0, 0, time.UTC), fireAt,
		"a time already past fires tomorrow")
}

func TestParseReminderLastSeparatorWins(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	// "at" appears inside the reminder text too; the final one is the time.
	fireAt, text, err := parseReminder("look at the dashboard at 09:00", now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "look at the dashboard", text)
	assert.Equal(t, 9, fireAt.Hour())
}

func TestParseReminderUnparseable(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	_, _, err := parseReminder("just some text", now, time.UTC)
	assert.Error(t, err)

	_, _, err = parseReminder("thing at banana", now, time.UTC)
	assert.Error(t, err)
}

func TestFirstWord(t *testing.T) {
	assert.Equal(t, "pause", firstWord("pause"))
	assert.Equal(t, "remind", firstWord("remind me to x in 1h"))
}
