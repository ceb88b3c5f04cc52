//go:build opus

package voice

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"
)

// NewEncoder returns an Opus encoder producing length-prefixed 20 ms packets.
func NewEncoder() Encoder { return opusEncoder{} }

type opusEncoder struct{}

func (opusEncoder) Format() string { return "opus" }

func (opusEncoder) Encode(pcm []int16, sampleRate, channels int) ([]byte, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	frame := sampleRate / 50 * channels
	packet := make([]byte, 4000)
	out := &bytes.Buffer{}
	for off := 0; off < len(pcm); off += frame {
		chunk := make([]int16, frame)
		copy(chunk, pcm[off:min(off+frame, len(pcm))])
		n, err := enc.Encode(chunk, packet)
		if err != nil {
			return nil, fmt.Errorf("opus encode at sample %d: %w", off, err)
		}
		_ = binary.Write(out, binary.BigEndian, uint16(n))
		out.Write(packet[:n])
	}
	return out.Bytes(), nil
}
