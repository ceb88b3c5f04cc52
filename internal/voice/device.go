package voice

import (
	"errors"
	"strings"
	"sync"
)

// DeviceConfig describes the capture constraints requested from the
// microphone. The processing flags are honoured when the backend supports
// them and ignored otherwise.
type DeviceConfig struct {
	SampleRate       int
	Channels         int
	FrameSize        int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultDeviceConfig is 16 kHz mono with 20 ms frames and voice processing
// enabled.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		SampleRate:       16000,
		Channels:         1,
		FrameSize:        320,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Device opens microphone streams.
type Device interface {
	Open(cfg DeviceConfig) (Stream, error)
}

// Stream delivers PCM frames. Read blocks until a frame is available; it
// must return an error once Close has been called.
type Stream interface {
	Read(pcm []int16) (int, error)
	Close() error
}

// frameStream adapts a blocking one-frame-at-a-time backend to Stream.
// Backends such as PortAudio's blocking API must not be released while a
// read is in progress, so Close waits for the frame in flight.
type frameStream struct {
	read    func(pcm []int16) (int, error)
	release func() error

	mu     sync.Mutex
	closed bool
}

func (s *frameStream) Read(pcm []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrCaptureClosed
	}
	return s.read(pcm)
}

func (s *frameStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.release()
}

// classifyDeviceError maps a backend failure onto the MicError taxonomy.
func classifyDeviceError(err error) error {
	if err == nil {
		return nil
	}
	var me *MicError
	if errors.As(err, &me) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"permission", "denied", "not authorized", "notallowed"} {
		if strings.Contains(msg, hint) {
			return &MicError{Kind: ErrPermissionDenied, Err: err}
		}
	}
	return &MicError{Kind: ErrDeviceUnavailable, Err: err}
}
