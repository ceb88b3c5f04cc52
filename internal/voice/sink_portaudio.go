//go:build portaudio

package voice

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// SpeakerSink plays 16-bit PCM WAV replies on the default output device.
type SpeakerSink struct {
	FramesPerBuffer int
}

func NewSpeakerSink() (Sink, error) {
	return &SpeakerSink{FramesPerBuffer: 512}, nil
}

func (s *SpeakerSink) Play(ctx context.Context, audio []byte) error {
	info, err := parseWAV(audio)
	if err != nil {
		return err
	}
	if info.BitsPerSample != 16 {
		return fmt.Errorf("unsupported wav bit depth %d", info.BitsPerSample)
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	buf := make([]int16, s.FramesPerBuffer*info.Channels)
	stream, err := portaudio.OpenDefaultStream(0, info.Channels, float64(info.SampleRate), s.FramesPerBuffer, buf)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	defer stream.Stop()

	data := info.Data
	for off := 0; off < len(data); off += len(buf) * 2 {
		if err := ctx.Err(); err != nil {
			return err
		}
		clear(buf)
		for i := range buf {
			j := off + i*2
			if j+1 >= len(data) {
				break
			}
			buf[i] = int16(binary.LittleEndian.Uint16(data[j:]))
		}
		if err := stream.Write(); err != nil {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}
