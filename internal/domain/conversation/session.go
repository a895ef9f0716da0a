// Package conversation provides the Session domain entity for one voice call.
package conversation

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one entry of the conversation log.
type Message struct {
	Role Role
	Text string
	At   time.Time
}

// Session represents one call attempt. It is owned by a single goroutine and
// is not safe for concurrent use.
type Session struct {
	ID                    string    // UUID
	StartedAt             time.Time // Call start time
	UserTurnActive        bool      // The user may speak now
	VADEnabled            bool      // Voice detection requested
	InterruptionAttempted bool      // A barge-in cooldown is running
	ErrorMessage          string    // Last surfaced error
	messages              []Message
}

// NewSession creates a new conversation session.
func NewSession(id string, startedAt time.Time) *Session {
	return &Session{
		ID:        id,
		StartedAt: startedAt,
		messages:  make([]Message, 0),
	}
}

// Append adds a message to the end of the log.
func (s *Session) Append(role Role, text string, at time.Time) Message {
	m := Message{Role: role, Text: text, At: at}
	s.messages = append(s.messages, m)
	return m
}

// Messages returns a copy of the log.
func (s *Session) Messages() []Message {
	result := make([]Message, len(s.messages))
	copy(result, s.messages)
	return result
}

// Len returns the number of logged messages.
func (s *Session) Len() int {
	return len(s.messages)
}

// Summarize builds the end-of-call summary.
func (s *Session) Summarize(endedAt time.Time, opts TopicOptions) Summary {
	return Summary{
		SessionID:    s.ID,
		EndedAt:      endedAt,
		Duration:     endedAt.Sub(s.StartedAt).Round(time.Second),
		MessageCount: len(s.messages),
		Topics:       ExtractTopics(s.messages, opts),
	}
}
