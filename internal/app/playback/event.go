package playback

import "github.com/osa030/talkbox/internal/domain/audio"

// EventType represents a playback event type.
type EventType int

const (
	EventSegmentStarted EventType = iota // Segment started playing
	EventSegmentEnded                    // Segment played to its end
	EventQueueDrained                    // Queue became empty
	EventFlushed                         // Queue and output line were discarded
	EventStartFailed                     // Segment could not start and was dropped
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventSegmentStarted:
		return "segment_started"
	case EventSegmentEnded:
		return "segment_ended"
	case EventQueueDrained:
		return "queue_drained"
	case EventFlushed:
		return "flushed"
	case EventStartFailed:
		return "start_failed"
	default:
		return "unknown"
	}
}

// Event represents a playback event.
type Event struct {
	Type    EventType
	Segment *audio.Segment // Segment concerned (nil for some events)
	State   State          // Playback state after the event
	Err     error          // Set for EventStartFailed
}
