package transport

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// MessageType names a control message.
type MessageType string

// Outbound message types.
const (
	TypeStart   MessageType = "start"
	TypeDone    MessageType = "done"
	TypeCleanup MessageType = "cleanup"
)

// Inbound message types.
const (
	TypeGreeting      MessageType = "greeting"
	TypeGreetingEnd   MessageType = "greeting_end"
	TypeTranscript    MessageType = "transcript"
	TypeResponse      MessageType = "response"
	TypeAgentSpeaking MessageType = "agent_speaking"
	TypeAgentIdle     MessageType = "agent_idle"
	TypeUserSpeaking  MessageType = "user_speaking"
	TypeInterrupted   MessageType = "interrupted"
	TypeError         MessageType = "error"
)

// Errors
var (
	ErrMalformed = errors.New("malformed control message")
	ErrUntyped   = errors.New("control message without type")
)

// Outbound is a control message sent to the agent.
type Outbound struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message,omitempty"`
}

// Inbound is a control message received from the agent.
type Inbound struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Known reports whether the type is one the client acts on.
func (m Inbound) Known() bool {
	switch m.Type {
	case TypeGreeting, TypeGreetingEnd, TypeTranscript, TypeResponse,
		TypeAgentSpeaking, TypeAgentIdle, TypeUserSpeaking, TypeInterrupted, TypeError:
		return true
	default:
		return false
	}
}

// DecodeInbound parses a text frame. Frames without a type, such as the
// agent's end-of-stream marker, return ErrUntyped.
func DecodeInbound(data []byte) (Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return Inbound{}, errors.Mark(errors.Wrap(err, "decode control message"), ErrMalformed)
	}
	if m.Type == "" {
		return Inbound{}, ErrUntyped
	}
	return m, nil
}

// EncodeOutbound serializes a control message.
func EncodeOutbound(m Outbound) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode control message")
	}
	return data, nil
}
