package voice

import (
	"sync"
	"time"
)

// EnergySource is sampled by the silence detector.
type EnergySource interface {
	Energy() float64
}

// SilenceConfig holds the detector's timing. A nil Threshold means 20, so an
// explicit zero is kept. Zero durations use 2 s of silence and 100 ms polling.
type SilenceConfig struct {
	Threshold       *float64
	SilenceDuration time.Duration
	CheckInterval   time.Duration
}

const defaultSilenceThreshold = 20.0

func (c SilenceConfig) withDefaults() SilenceConfig {
	if c.Threshold == nil {
		t := defaultSilenceThreshold
		c.Threshold = &t
	}
	if c.SilenceDuration == 0 {
		c.SilenceDuration = 2 * time.Second
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = 100 * time.Millisecond
	}
	return c
}

// SilenceDetector polls an EnergySource and calls onSilence once the energy has
// stayed at or below the threshold for SilenceDuration since the last sample
// above it. Nothing is armed until sound has been heard at least once.
type SilenceDetector struct {
	cfg SilenceConfig
	now func() time.Time

	mu        sync.Mutex
	gen       uint64
	src       EnergySource
	onSilence func()
	lastSound time.Time
	fired     bool
	stop      chan struct{}
}

func NewSilenceDetector(cfg SilenceConfig) *SilenceDetector {
	return &SilenceDetector{cfg: cfg.withDefaults(), now: time.Now}
}

// Start replaces any previous watch and begins polling src.
func (d *SilenceDetector) Start(src EnergySource, onSilence func()) {
	d.mu.Lock()
	d.stopLocked()
	d.gen++
	gen := d.gen
	d.src = src
	d.onSilence = onSilence
	stop := make(chan struct{})
	d.stop = stop
	d.mu.Unlock()

	go func() {
		t := time.NewTicker(d.cfg.CheckInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				d.poll(gen, d.now())
			}
		}
	}()
}

// Stop cancels polling and forgets the last sound. It never blocks, so it may
// be called from inside onSilence.
func (d *SilenceDetector) Stop() {
	d.mu.Lock()
	d.stopLocked()
	d.mu.Unlock()
}

func (d *SilenceDetector) stopLocked() {
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	d.gen++
	d.src = nil
	d.onSilence = nil
	d.lastSound = time.Time{}
	d.fired = false
}

// Running reports whether a watch is active.
func (d *SilenceDetector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stop != nil
}

func (d *SilenceDetector) poll(gen uint64, now time.Time) {
	d.mu.Lock()
	if gen != d.gen || d.src == nil {
		d.mu.Unlock()
		return
	}
	src := d.src
	d.mu.Unlock()

	energy := src.Energy()

	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	if energy > *d.cfg.Threshold {
		d.lastSound = now
		d.fired = false
		d.mu.Unlock()
		return
	}
	if d.lastSound.IsZero() || d.fired || now.Sub(d.lastSound) < d.cfg.SilenceDuration {
		d.mu.Unlock()
		return
	}
	d.fired = true
	cb := d.onSilence
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}
