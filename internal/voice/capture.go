package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/page-companion/companion/internal/logging"
)

// CaptureConfig tunes the capture unit. Zero values fall back to defaults; a
// nil MinUtterance means 500 ms and a pointer to zero keeps every utterance.
type CaptureConfig struct {
	Device       DeviceConfig
	MinUtterance *time.Duration
	MaxUtterance time.Duration
	AnalyserSize int
	Encoder      Encoder
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.Device.SampleRate == 0 {
		c.Device = DefaultDeviceConfig()
	}
	if c.Device.Channels == 0 {
		c.Device.Channels = 1
	}
	if c.Device.FrameSize == 0 {
		c.Device.FrameSize = c.Device.SampleRate / 50
	}
	if c.MinUtterance == nil {
		m := 500 * time.Millisecond
		c.MinUtterance = &m
	}
	if c.MaxUtterance == 0 {
		c.MaxUtterance = 30 * time.Second
	}
	if c.AnalyserSize == 0 {
		c.AnalyserSize = defaultFFTSize
	}
	if c.Encoder == nil {
		c.Encoder = NewEncoder()
	}
	return c
}

type stopResult struct {
	utt Utterance
	err error
}

// Capture owns one open microphone stream. A reader goroutine pulls frames
// from the stream, feeds the analyser and, while recording, appends them to
// the pending chunks. Finalization happens on that goroutine, after the frame
// in flight at the time Stop was requested.
type Capture struct {
	cfg      CaptureConfig
	stream   Stream
	analyser *Analyser

	mu        sync.Mutex
	recording bool
	pending   [][]int16
	samples   int
	stopReq   chan stopResult
	closed    bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// OpenCapture acquires the device stream and starts the reader. Failures are
// returned as *MicError.
func OpenCapture(ctx context.Context, dev Device, cfg CaptureConfig) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	stream, err := dev.Open(cfg.Device)
	if err != nil {
		return nil, classifyDeviceError(err)
	}
	c := &Capture{
		cfg:      cfg,
		stream:   stream,
		analyser: NewAnalyser(cfg.AnalyserSize),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Capture) readLoop() {
	defer close(c.done)
	buf := make([]int16, c.cfg.Device.FrameSize*c.cfg.Device.Channels)
	for {
		n, err := c.stream.Read(buf)
		if err != nil {
			c.finishReader(err)
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]int16, n)
		copy(frame, buf[:n])
		c.analyser.Write(frame)

		c.mu.Lock()
		if c.recording {
			c.pending = append(c.pending, frame)
			c.samples += n
		}
		req := c.stopReq
		var chunks [][]int16
		var samples int
		if req != nil {
			chunks, samples = c.takeLocked()
			c.stopReq = nil
		}
		c.mu.Unlock()

		if req != nil {
			utt, err := c.finalize(chunks, samples)
			req <- stopResult{utt: utt, err: err}
		}
	}
}

func (c *Capture) finishReader(readErr error) {
	c.mu.Lock()
	closed := c.closed
	c.closed = true
	req := c.stopReq
	c.stopReq = nil
	chunks, samples := c.takeLocked()
	c.mu.Unlock()

	if !closed {
		logging.Warnw("capture: stream ended", "err", readErr)
	}
	if req == nil {
		return
	}
	if closed {
		req <- stopResult{err: ErrCaptureClosed}
		return
	}
	utt, err := c.finalize(chunks, samples)
	req <- stopResult{utt: utt, err: err}
}

func (c *Capture) takeLocked() ([][]int16, int) {
	chunks, samples := c.pending, c.samples
	c.pending = nil
	c.samples = 0
	c.recording = false
	return chunks, samples
}

func (c *Capture) finalize(chunks [][]int16, samples int) (Utterance, error) {
	dev := c.cfg.Device
	d := time.Duration(samples/dev.Channels) * time.Second / time.Duration(dev.SampleRate)
	if d < *c.cfg.MinUtterance {
		return Utterance{Duration: d}, ErrUtteranceTooShort
	}
	pcm := make([]int16, 0, samples)
	for _, ch := range chunks {
		pcm = append(pcm, ch...)
	}
	audio, err := c.cfg.Encoder.Encode(pcm, dev.SampleRate, dev.Channels)
	if err != nil {
		return Utterance{Duration: d}, fmt.Errorf("encode utterance: %w", err)
	}
	return Utterance{
		ID:       uuid.NewString(),
		Audio:    audio,
		Format:   c.cfg.Encoder.Format(),
		Duration: d,
		Long:     d > c.cfg.MaxUtterance,
	}, nil
}

// Start begins accumulating frames. Calling it while already recording is a
// no-op.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCaptureClosed
	}
	if c.recording {
		return nil
	}
	c.recording = true
	c.pending = nil
	c.samples = 0
	return nil
}

// Stop finalizes the current recording. It returns ErrUtteranceTooShort when
// the recording is below the minimum length; the chunks are dropped either
// way.
func (c *Capture) Stop(ctx context.Context) (Utterance, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Utterance{}, ErrCaptureClosed
	}
	if !c.recording || c.stopReq != nil {
		c.mu.Unlock()
		return Utterance{}, ErrNotRecording
	}
	ch := make(chan stopResult, 1)
	c.stopReq = ch
	c.mu.Unlock()

	select {
	case r := <-ch:
		return r.utt, r.err
	case <-ctx.Done():
		c.mu.Lock()
		if c.stopReq == ch {
			c.stopReq = nil
			c.takeLocked()
		}
		c.mu.Unlock()
		return Utterance{}, ctx.Err()
	}
}

// Discard stops recording and drops whatever was accumulated.
func (c *Capture) Discard() {
	c.mu.Lock()
	req := c.stopReq
	c.stopReq = nil
	c.takeLocked()
	c.mu.Unlock()
	if req != nil {
		req <- stopResult{err: ErrNotRecording}
	}
}

// Recording reports whether frames are being accumulated.
func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Energy is the analyser's current average frequency-domain energy (0..255).
func (c *Capture) Energy() float64 { return c.analyser.Energy() }

// Close releases the stream. Repeated calls return the first result.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		req := c.stopReq
		c.stopReq = nil
		c.takeLocked()
		c.mu.Unlock()
		if req != nil {
			req <- stopResult{err: ErrCaptureClosed}
		}
		if err := c.stream.Close(); err != nil && !errors.Is(err, ErrCaptureClosed) {
			c.closeErr = fmt.Errorf("close capture stream: %w", err)
		}
		c.analyser.Reset()
	})
	return c.closeErr
}

// Done is closed once the reader goroutine has exited.
func (c *Capture) Done() <-chan struct{} { return c.done }
