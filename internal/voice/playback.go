package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

// Sink renders decoded reply audio. Play blocks until the audio has finished
// or ctx is canceled.
type Sink interface {
	Play(ctx context.Context, audio []byte) error
}

// Player runs at most one playback at a time. Starting a new one stops the
// previous one first.
type Player struct {
	sink Sink

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPlayer(sink Sink) *Player {
	return &Player{sink: sink}
}

// Play decodes audioBase64 and plays it to completion. It returns
// ErrPlaybackStopped when Stop or a newer Play interrupted it and a
// *PlaybackError when decoding or the sink failed.
func (p *Player) Play(ctx context.Context, audioBase64 string) error {
	audio, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return &PlaybackError{Err: fmt.Errorf("decode base64 audio: %w", err)}
	}
	if len(audio) == 0 {
		return &PlaybackError{Err: errors.New("empty audio payload")}
	}

	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	prevCancel, prevDone := p.cancel, p.done
	p.cancel, p.done = cancel, done
	p.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	err = p.sink.Play(pctx, audio)
	interrupted := pctx.Err() != nil

	p.mu.Lock()
	if p.done == done {
		p.cancel, p.done = nil, nil
	}
	p.mu.Unlock()
	cancel()
	close(done)

	switch {
	case interrupted:
		return ErrPlaybackStopped
	case err != nil:
		return &PlaybackError{Err: err}
	}
	return nil
}

// Stop interrupts the current playback and waits for the sink to return.
// It is a no-op when nothing is playing.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Active reports whether a playback is running.
func (p *Player) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}
