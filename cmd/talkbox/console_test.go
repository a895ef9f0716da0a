package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/osa030/talkbox/internal/app/playback"
	"github.com/osa030/talkbox/internal/app/turn"
	"github.com/osa030/talkbox/internal/domain/conversation"
	"github.com/osa030/talkbox/internal/infra/transport"
)

func TestConsole_Transcript(t *testing.T) {
	var buf bytes.Buffer
	c := newConsole(&buf)

	c.PhaseChanged(turn.PhaseGreeting)
	c.MessageAppended(conversation.Message{Role: conversation.RoleAgent, Text: "Hello!"})
	c.MessageAppended(conversation.Message{Role: conversation.RoleUser, Text: "Hi"})

	out := buf.String()
	assert.Contains(t, out, "-- Agent is greeting...")
	assert.Contains(t, out, "Agent: Hello!")
	assert.Contains(t, out, "You: Hi")
}

func TestConsole_Signals(t *testing.T) {
	c := newConsole(&bytes.Buffer{})

	c.Error("Connection error. Please start the call again.")
	c.Error("second error is dropped")
	assert.Equal(t, "Connection error. Please start the call again.", <-c.Failed())

	s := &conversation.Summary{SessionID: "abc"}
	c.CallEnded(s)
	assert.Same(t, s, <-c.Ended())
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &conversation.Summary{
		SessionID:    "abc",
		Duration:     3 * time.Second,
		MessageCount: 4,
		Topics:       []string{"weather", "travel"},
	}, playback.FeederStats{Received: 2, Decoded: 2}, playback.Stats{Played: 2}, transport.Stats{Sent: 10})

	out := buf.String()
	assert.Contains(t, out, "Session ID: abc")
	assert.Contains(t, out, "Duration: 3s")
	assert.Contains(t, out, "Topics: weather, travel")
	assert.Contains(t, out, "sent=10")

	buf.Reset()
	printSummary(&buf, nil, playback.FeederStats{}, playback.Stats{}, transport.Stats{})
	assert.Contains(t, buf.String(), "No messages were exchanged.")
}
