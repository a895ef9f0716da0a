package turn

import (
	"github.com/cockroachdb/errors"

	"github.com/osa030/talkbox/internal/app/capture"
	"github.com/osa030/talkbox/internal/app/playback"
	"github.com/osa030/talkbox/internal/domain/audio"
	"github.com/osa030/talkbox/internal/infra/transport"
)

// Errors
var (
	ErrCallActive   = errors.New("call already active")
	ErrNoActiveCall = errors.New("no active call")
	ErrStopped      = errors.New("coordinator stopped")
)

// Component failures, re-exported for callers classifying errors.
var (
	ErrPermissionDenied = audio.ErrPermissionDenied
	ErrTransport        = transport.ErrTransport
	ErrDecode           = playback.ErrDecode
	ErrPlaybackStart    = playback.ErrPlaybackStart
	ErrSend             = transport.ErrSend
)

// userMessage turns a structural failure into the text shown to the user.
func userMessage(err error) string {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Please allow microphone access to start the conversation."
	case errors.Is(err, audio.ErrDeviceUnavailable), errors.Is(err, capture.ErrAcquire):
		return "Microphone is not available."
	case errors.Is(err, transport.ErrTransport):
		return "Connection error. Please start the call again."
	default:
		return err.Error()
	}
}
