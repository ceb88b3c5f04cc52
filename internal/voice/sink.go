package voice

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/page-companion/companion/internal/logging"
)

// compressedBytesPerSecond approximates 128 kbps audio for payloads that are
// not WAV.
const compressedBytesPerSecond = 16000

// TimedSink stands in for a speaker: it holds for the duration of the audio
// and optionally keeps a copy through Saver.
type TimedSink struct {
	Saver *AudioSaver
	after func(time.Duration) <-chan time.Time
}

func NewTimedSink(saver *AudioSaver) *TimedSink {
	return &TimedSink{Saver: saver, after: time.After}
}

func (s *TimedSink) Play(ctx context.Context, audio []byte) error {
	d, ext := audioDuration(audio)
	if s.Saver != nil {
		if _, err := s.Saver.Save("reply", uuid.NewString(), ext, audio, map[string]any{"duration_ms": d.Milliseconds()}); err != nil {
			logging.Warnw("sink: save reply failed", "err", err)
		}
	}
	after := s.after
	if after == nil {
		after = time.After
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-after(d):
		return nil
	}
}

// audioDuration reads the length from a WAV header and estimates it for
// anything else.
func audioDuration(audio []byte) (time.Duration, string) {
	if info, err := parseWAV(audio); err == nil {
		return info.Duration(), "wav"
	}
	return time.Duration(len(audio)) * time.Second / compressedBytesPerSecond, "bin"
}
