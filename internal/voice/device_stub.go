//go:build !portaudio

package voice

import "errors"

// SystemDevice is unavailable in builds without the portaudio tag.
type SystemDevice struct{}

func NewSystemDevice() Device { return SystemDevice{} }

func (SystemDevice) Open(DeviceConfig) (Stream, error) {
	return nil, &MicError{Kind: ErrDeviceUnavailable, Err: errors.New("built without portaudio support")}
}
