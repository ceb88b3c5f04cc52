package voice

import (
	"errors"
	"fmt"
)

var (
	ErrLoginRequired     = errors.New("login required")
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	ErrTransport         = errors.New("voice socket transport error")
	ErrUtteranceTooShort = errors.New("utterance too short")
	ErrNotRecording      = errors.New("not recording")
	ErrCaptureClosed     = errors.New("capture closed")
	ErrPlaybackStopped   = errors.New("playback stopped")
	ErrInvalidMessage    = errors.New("invalid message format")
)

// invalidMessageText is the error string reported for undecodable turns.
const invalidMessageText = "Invalid message format"

// MicError is returned when the microphone cannot be acquired. Kind is
// ErrPermissionDenied or ErrDeviceUnavailable.
type MicError struct {
	Kind error
	Err  error
}

func (e *MicError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *MicError) Unwrap() []error { return []error{e.Kind, e.Err} }

// PlaybackError wraps a failure to decode or play a reply.
type PlaybackError struct {
	Err error
}

func (e *PlaybackError) Error() string { return "playback failed: " + e.Err.Error() }
func (e *PlaybackError) Unwrap() error { return e.Err }
