package turn

import (
	"github.com/osa030/talkbox/internal/app/vad"
	"github.com/osa030/talkbox/internal/domain/conversation"
	"github.com/osa030/talkbox/internal/infra/transport"
)

// eventKind identifies an input to the event loop.
type eventKind int

const (
	eventStartCall eventKind = iota
	eventEndCall
	eventOpened
	eventControl
	eventConnection
	eventFatalClose
	eventTransportError
	eventEdge
	eventDebounce
	eventCooldown
	eventSync
)

// String returns the string representation of the event kind.
func (k eventKind) String() string {
	switch k {
	case eventStartCall:
		return "start_call"
	case eventEndCall:
		return "end_call"
	case eventOpened:
		return "opened"
	case eventControl:
		return "control"
	case eventConnection:
		return "connection"
	case eventFatalClose:
		return "fatal_close"
	case eventTransportError:
		return "transport_error"
	case eventEdge:
		return "edge"
	case eventDebounce:
		return "debounce"
	case eventCooldown:
		return "cooldown"
	case eventSync:
		return "sync"
	default:
		return "unknown"
	}
}

type event struct {
	kind        eventKind
	msg         transport.Inbound
	edge        vad.Edge
	state       transport.ConnectionState
	code        int
	err         error
	reconnected bool
	generation  uint64
	reply       chan result
}

type result struct {
	summary *conversation.Summary
	err     error
}
