package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanpelt/rit/internal/client"
	"github.com/vanpelt/rit/internal/gate"
	"github.com/vanpelt/rit/internal/protocol"
	"github.com/vanpelt/rit/internal/store"
)

func TestRenderSessions(t *testing.T) {
	var buf bytes.Buffer
	renderSessions(&buf, []protocol.SessionInfo{
		{ID: "a1", Label: "build (a1)", Ready: true, Active: true, WindowRef: "w1"},
		{ID: "b2", Label: "b2"},
	})

	out := buf.String()
	assert.Contains(t, out, "build (a1)")
	assert.Contains(t, out, "b2")
	assert.Contains(t, out, "w1")
	assert.Contains(t, out, "▶")
}

func TestRenderNoSessions(t *testing.T) {
	var buf bytes.Buffer
	renderSessions(&buf, nil)
	assert.Contains(t, buf.String(), "No sessions")
}

func TestSessionRow(t *testing.T) {
	assert.Equal(t, []string{"", "x", "no", ""}, sessionRow(protocol.SessionInfo{ID: "x", Label: "x"}))
	assert.Equal(t, []string{"▶", "y", "yes", "w"}, sessionRow(protocol.SessionInfo{ID: "y", Label: "y", Ready: true, Active: true, WindowRef: "w"}))
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)

	printOutcome(c, gate.Outcome{Injected: true, Session: "A"})
	printOutcome(c, gate.Outcome{Pending: &store.Pending{Snippet: "sudo reboot", Dangerous: []string{"reboot"}}})
	printOutcome(c, gate.Outcome{Cancelled: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "Sent to A")
	assert.Contains(t, lines[1], `"sudo reboot" matches reboot`)
	assert.Contains(t, lines[3], "Cancelled")
}

func TestForwardStdinStopsAtDetachKey(t *testing.T) {
	mc := client.NewMirrorClient()
	detached := make(chan struct{})

	// not connected: sends fail, the detach key still ends the loop
	forwardStdin(mc, strings.NewReader("ls\x1dignored"), detached)

	select {
	case <-detached:
	default:
		t.Fatal("detached not closed")
	}
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "host", "mirror", "run", "confirm", "sessions", "ping", "version"} {
		assert.True(t, names[want], want)
	}
}
