package voice

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/wav"
)

// Encoder turns a finished recording into the payload sent on the socket.
type Encoder interface {
	Format() string
	Encode(pcm []int16, sampleRate, channels int) ([]byte, error)
}

type wavEncoder struct{}

func (wavEncoder) Format() string { return "wav" }

func (wavEncoder) Encode(pcm []int16, sampleRate, channels int) ([]byte, error) {
	return buildWAV(pcmBytes(pcm), sampleRate, channels, 16), nil
}

func pcmBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// buildWAV prepends a canonical 44-byte RIFF/WAVE header to little-endian PCM.
func buildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, byteRate)
	_ = binary.Write(buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

var errNotWAV = errors.New("not a RIFF/WAVE payload")

// wavInfo is the subset of a WAV header playback needs.
type wavInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Data          []byte
}

func (w wavInfo) Duration() time.Duration {
	frame := w.Channels * w.BitsPerSample / 8
	if frame == 0 || w.SampleRate == 0 {
		return 0
	}
	samples := len(w.Data) / frame
	return time.Duration(samples) * time.Second / time.Duration(w.SampleRate)
}

// parseWAV decodes the fmt fields and the data chunk. Chunks in between are
// skipped by the decoder.
func parseWAV(b []byte) (wavInfo, error) {
	var info wavInfo
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return info, errNotWAV
	}
	d := wav.NewDecoder(bytes.NewReader(b))
	if err := d.FwdToPCM(); err != nil {
		return info, fmt.Errorf("wav: %w", err)
	}
	if err := d.Err(); err != nil {
		return info, fmt.Errorf("wav: %w", err)
	}
	if d.NumChans == 0 {
		return info, errors.New("wav fmt chunk missing")
	}
	if d.PCMChunk == nil {
		return info, errors.New("wav data chunk missing")
	}
	data, err := io.ReadAll(io.LimitReader(d.PCMChunk.R, int64(d.PCMSize)))
	if err != nil {
		return info, fmt.Errorf("wav data: %w", err)
	}
	info.SampleRate = int(d.SampleRate)
	info.Channels = int(d.NumChans)
	info.BitsPerSample = int(d.BitDepth)
	info.Data = data
	return info, nil
}
