package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	clk := NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))

	var fired []string
	clk.AfterFunc(time.Minute, func() { fired = append(fired, "a") })
	clk.AfterFunc(time.Hour, func() { fired = append(fired, "b") })

	clk.Advance(time.Minute)
	assert.Equal(t, []string{"a"}, fired)

	clk.Advance(time.Hour)
	assert.Equal(t, []string{"a", "b"}, fired)
}

func TestFakeStopPreventsFire(t *testing.T) {
	clk := NewFake(time.Now())

	fired := false
	timer := clk.AfterFunc(time.Minute, func() { fired = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	clk.Advance(time.Hour)
	assert.False(t, fired)
}

func TestFakeNowAndSince(t *testing.T) {
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clk := NewFake(start)

	clk.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clk.Now())
	assert.Equal(t, 90*time.Second, clk.Since(start))
}
