// Package turn coordinates who speaks during a voice call.
package turn

// Phase represents the turn-taking phase.
type Phase int

const (
	PhaseIdle            Phase = iota // No call
	PhaseGreeting                     // Agent greeting in progress
	PhaseAgentSpeaking                // Agent speech playing
	PhaseUserSpeaking                 // User holds the floor
	PhaseAgentProcessing              // Utterance sent, waiting for the agent
	PhaseError                        // Call failed, restart required
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseGreeting:
		return "greeting"
	case PhaseAgentSpeaking:
		return "agent_speaking"
	case PhaseUserSpeaking:
		return "user_speaking"
	case PhaseAgentProcessing:
		return "agent_processing"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether a call is in progress.
func (p Phase) Active() bool {
	return p != PhaseIdle && p != PhaseError
}
