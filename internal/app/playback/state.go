// Package playback provides sequential playback of decoded agent speech.
package playback

// State represents the playback state.
type State int

const (
	StateIdle       State = iota // Nothing playing, queue empty
	StatePlaying                 // A segment is playing
	StateRecovering              // A start failed, advance retry pending
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}
