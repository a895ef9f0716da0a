package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/osa030/talkbox/internal/app/playback"
	"github.com/osa030/talkbox/internal/app/turn"
	"github.com/osa030/talkbox/internal/domain/conversation"
	"github.com/osa030/talkbox/internal/infra/transport"
)

// console prints the conversation for the terminal user.
type console struct {
	mu  sync.Mutex
	out io.Writer

	ended  chan *conversation.Summary
	failed chan string
}

func newConsole(out io.Writer) *console {
	return &console{
		out:    out,
		ended:  make(chan *conversation.Summary, 1),
		failed: make(chan string, 1),
	}
}

// Ended delivers the summary of a call that ended.
func (c *console) Ended() <-chan *conversation.Summary {
	return c.ended
}

// Failed delivers the message of a call that moved to the error phase.
func (c *console) Failed() <-chan string {
	return c.failed
}

func (c *console) PhaseChanged(phase turn.Phase) {
	c.printf("-- %s\n", turn.StatusText(phase))
}

func (c *console) MessageAppended(msg conversation.Message) {
	c.printf("%s: %s\n", roleLabel(msg.Role), msg.Text)
}

func (c *console) InterruptionChanged(attempted bool) {
	if attempted {
		c.printf("-- Interrupting agent...\n")
	}
}

func (c *console) ConnectionChanged(state transport.ConnectionState) {
	c.printf("-- Connection: %s\n", state)
}

func (c *console) CallEnded(summary *conversation.Summary) {
	select {
	case c.ended <- summary:
	default:
	}
}

func (c *console) Error(message string) {
	c.printf("!! %s\n", message)
	select {
	case c.failed <- message:
	default:
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func roleLabel(role conversation.Role) string {
	if role == conversation.RoleUser {
		return "You"
	}
	return "Agent"
}

// printSummary writes the end-of-call report.
func printSummary(w io.Writer, s *conversation.Summary, fs playback.FeederStats, qs playback.Stats, ts transport.Stats) {
	fmt.Fprintln(w, "\n=== CALL SUMMARY ===")
	if s == nil {
		fmt.Fprintln(w, "  No messages were exchanged.")
	} else {
		fmt.Fprintf(w, "  Session ID: %s\n", s.SessionID)
		fmt.Fprintf(w, "  Duration: %s\n", s.Duration)
		fmt.Fprintf(w, "  Messages: %d\n", s.MessageCount)
		topics := "-"
		if len(s.Topics) > 0 {
			topics = strings.Join(s.Topics, ", ")
		}
		fmt.Fprintf(w, "  Topics: %s\n", topics)
	}
	fmt.Fprintf(w, "  Audio frames: received=%d decoded=%d failed=%d discarded=%d\n", fs.Received, fs.Decoded, fs.Failed, fs.Discarded)
	fmt.Fprintf(w, "  Playback: played=%d flushed=%d failed=%d\n", qs.Played, qs.Flushed, qs.Failed)
	fmt.Fprintf(w, "  Link: sent=%d dropped=%d received=%d reconnects=%d\n", ts.Sent, ts.Dropped, ts.Received, ts.Reconnects)
}
