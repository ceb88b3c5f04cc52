//go:build portaudio

package voice

import (
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/page-companion/companion/internal/logging"
)

// SystemDevice captures from the default input device through PortAudio.
type SystemDevice struct{}

func NewSystemDevice() Device { return SystemDevice{} }

func (SystemDevice) Open(cfg DeviceConfig) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, classifyDeviceError(fmt.Errorf("portaudio init: %w", err))
	}
	buf := make([]int16, cfg.FrameSize*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FrameSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, classifyDeviceError(fmt.Errorf("open input stream: %w", err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, classifyDeviceError(fmt.Errorf("start input stream: %w", err))
	}
	logging.Debugw("voice: portaudio input opened", "sample_rate", cfg.SampleRate, "frame_size", cfg.FrameSize,
		"echo_cancellation", cfg.EchoCancellation, "noise_suppression", cfg.NoiseSuppression, "auto_gain", cfg.AutoGainControl)
	return &frameStream{
		read: func(pcm []int16) (int, error) {
			if err := stream.Read(); err != nil {
				return 0, err
			}
			return copy(pcm, buf), nil
		},
		release: func() error {
			_ = stream.Stop()
			err := stream.Close()
			_ = portaudio.Terminate()
			return err
		},
	}, nil
}
