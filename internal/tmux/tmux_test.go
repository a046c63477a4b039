package tmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripANSI(t *testing.T) {
	cases := map[string]string{
		"plain text":                        "plain text",
		"\x1b[31mred\x1b[0m":                "red",
		"\x1b[1;32;40mbold green\x1b[0m ok": "bold green ok",
		"\x1b]0;window title\x07prompt$":    "prompt$",
		"\x1b[2J\x1b[Hcleared":              "cleared",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripANSI(in))
	}
}

func TestNewClientDefaultsSession(t *testing.T) {
	c := NewClient("")
	assert.Equal(t, "orchd", c.session)

	c = NewClient("work")
	assert.Equal(t, "work", c.session)
}
