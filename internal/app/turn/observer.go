package turn

import (
	"strings"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/app/notification"
	"github.com/osa030/talkbox/internal/domain/conversation"
	"github.com/osa030/talkbox/internal/infra/transport"
)

// Observer is the presentation collaborator. Calls arrive in event order from
// the coordinator goroutine.
type Observer interface {
	PhaseChanged(phase Phase)
	MessageAppended(msg conversation.Message)
	InterruptionChanged(attempted bool)
	ConnectionChanged(state transport.ConnectionState)
	CallEnded(summary *conversation.Summary)
	Error(message string)
}

// ObserverStream adapts an Observer to a notification stream.
func ObserverStream(o Observer) notification.Stream {
	return &observerStream{observer: o}
}

type observerStream struct {
	observer Observer
}

func (s *observerStream) Send(n *notification.Notification) error {
	switch n.Type {
	case notification.TypePhaseChanged:
		s.observer.PhaseChanged(ParsePhase(n.Phase))
	case notification.TypeMessageAppended:
		if n.Message != nil {
			s.observer.MessageAppended(*n.Message)
		}
	case notification.TypeInterruptionChanged:
		s.observer.InterruptionChanged(n.Interruption)
	case notification.TypeConnectionChanged:
		s.observer.ConnectionChanged(parseConnection(n.Connection))
	case notification.TypeCallEnded:
		s.observer.CallEnded(n.Summary)
	case notification.TypeError:
		s.observer.Error(n.Error)
	}
	return nil
}

// ParsePhase is the inverse of Phase.String. Unknown names map to PhaseIdle.
func ParsePhase(s string) Phase {
	for p := PhaseIdle; p <= PhaseError; p++ {
		if p.String() == s {
			return p
		}
	}
	return PhaseIdle
}

func parseConnection(s string) transport.ConnectionState {
	for _, st := range []transport.ConnectionState{
		transport.StateConnecting, transport.StateConnected, transport.StateDisconnected,
	} {
		if st.String() == s {
			return st
		}
	}
	return transport.StateDisconnected
}

// LogObserver writes call progress to the global logger.
type LogObserver struct{}

// PhaseChanged logs the phase with its status line.
func (LogObserver) PhaseChanged(phase Phase) {
	zlog.Info().Str("phase", phase.String()).Msg(StatusText(phase))
}

// MessageAppended logs a conversation line.
func (LogObserver) MessageAppended(msg conversation.Message) {
	zlog.Info().Str("role", string(msg.Role)).Msg(msg.Text)
}

// InterruptionChanged logs barge-in state.
func (LogObserver) InterruptionChanged(attempted bool) {
	if attempted {
		zlog.Info().Msg("Interrupting agent...")
	}
}

// ConnectionChanged logs link state.
func (LogObserver) ConnectionChanged(state transport.ConnectionState) {
	zlog.Info().Str("connection", state.String()).Msg("connection state changed")
}

// CallEnded logs the summary.
func (LogObserver) CallEnded(summary *conversation.Summary) {
	if summary == nil {
		zlog.Info().Msg("Call ended")
		return
	}
	zlog.Info().
		Str("session", summary.SessionID).
		Dur("duration", summary.Duration).
		Int("messages", summary.MessageCount).
		Str("topics", strings.Join(summary.Topics, ", ")).
		Msg("Call ended")
}

// Error logs a surfaced error.
func (LogObserver) Error(message string) {
	zlog.Error().Msg(message)
}

// StatusText returns the user-facing line for a phase.
func StatusText(phase Phase) string {
	switch phase {
	case PhaseIdle:
		return "Ready to start conversation"
	case PhaseGreeting:
		return "Agent is greeting..."
	case PhaseAgentSpeaking:
		return "Agent is speaking... (You can interrupt)"
	case PhaseUserSpeaking:
		return "Listening..."
	case PhaseAgentProcessing:
		return "Agent is processing..."
	case PhaseError:
		return "Error"
	default:
		return ""
	}
}
