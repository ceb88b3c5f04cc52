//go:build !portaudio

package voice

import "errors"

// NewSpeakerSink needs the portaudio build tag.
func NewSpeakerSink() (Sink, error) {
	return nil, errors.New("speaker output requires the portaudio build tag")
}
