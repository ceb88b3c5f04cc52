package voice

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	defaultFFTSize   = 256
	defaultSmoothing = 0.8
	analyserMinDB    = -100.0
	analyserMaxDB    = -30.0
)

// Analyser keeps the most recent window of captured samples and reports the
// average frequency-domain energy on a 0..255 scale: Blackman window, real
// FFT, per-bin magnitude with exponential smoothing, and decibels mapped
// linearly from [-100, -30] dB onto [0, 255].
type Analyser struct {
	mu        sync.Mutex
	size      int
	ring      []float64
	pos       int
	window    []float64
	smoothing float64
	prev      []float64

	fft   *fourier.FFT
	seq   []float64
	coeff []complex128
}

// NewAnalyser returns an analyser over size samples; size is rounded up to a
// power of two, at least 32.
func NewAnalyser(size int) *Analyser {
	n := 32
	for n < size {
		n <<= 1
	}
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return &Analyser{
		size:      n,
		ring:      make([]float64, n),
		window:    w,
		smoothing: defaultSmoothing,
		prev:      make([]float64, n/2),
		fft:       fourier.NewFFT(n),
		seq:       make([]float64, n),
		coeff:     make([]complex128, n/2+1),
	}
}

// Write appends 16-bit PCM samples to the analysis window.
func (a *Analyser) Write(pcm []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range pcm {
		a.ring[a.pos] = float64(s) / 32768.0
		a.pos = (a.pos + 1) % a.size
	}
}

// Energy returns the mean of the byte-scaled frequency bins.
func (a *Analyser) Energy() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.size; i++ {
		a.seq[i] = a.ring[(a.pos+i)%a.size] * a.window[i]
	}
	coeff := a.fft.Coefficients(a.coeff, a.seq)

	bins := a.size / 2
	scale := 255.0 / (analyserMaxDB - analyserMinDB)
	var sum float64
	for k := 0; k < bins; k++ {
		mag := cmplx.Abs(coeff[k]) / float64(a.size)
		a.prev[k] = a.smoothing*a.prev[k] + (1-a.smoothing)*mag
		if a.prev[k] <= 0 {
			continue
		}
		db := 20 * math.Log10(a.prev[k])
		v := math.Floor((db - analyserMinDB) * scale)
		sum += math.Max(0, math.Min(255, v))
	}
	return sum / float64(bins)
}

// Reset clears the window and smoothing state.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.prev)
	a.pos = 0
}
