//go:build !opus

package voice

// NewEncoder returns the WAV encoder; build with -tags opus for Opus output.
func NewEncoder() Encoder { return wavEncoder{} }
