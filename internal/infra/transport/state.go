// Package transport provides the WebSocket link to the conversational agent.
package transport

// ConnectionState represents the link state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota // No link
	StateConnecting                          // Dial in progress
	StateConnected                           // Link open
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
