package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// Microphone captures mono float frames from the default input device.
type Microphone struct {
	cfg    Config
	stream *portaudio.Stream
	buf    []float32
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// OpenMicrophone acquires the default input device. Any acquisition failure
// maps to ErrPermissionDenied; the caller surfaces it and does not retry.
func OpenMicrophone(cfg Config, logger zerolog.Logger) (*Microphone, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	m := &Microphone{
		cfg:    cfg,
		buf:    make([]float32, cfg.FrameSize),
		logger: logger,
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), cfg.FrameSize, m.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	m.stream = stream

	// The processing toggles are host-API hints; the portaudio backend has no
	// per-stream switches for them, so record what was requested.
	logger.Debug().
		Bool("noise_suppression", cfg.Settings.NoiseSuppression).
		Bool("echo_cancellation", cfg.Settings.EchoCancellation).
		Bool("auto_gain_control", cfg.Settings.AutoGainControl).
		Int("sample_rate", cfg.SampleRate).
		Int("frame_size", cfg.FrameSize).
		Msg("Microphone acquired")
	return m, nil
}

// Start captures frames until the context is cancelled. Each frame is an
// independent copy; one frame per read, in capture order.
func (m *Microphone) Start(ctx context.Context, frames chan<- []float32) error {
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("failed to start capture stream: %w", err)
	}
	defer func() {
		if err := m.stream.Stop(); err != nil {
			m.logger.Debug().Err(err).Msg("Capture stream stop failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := m.stream.Read(); err != nil {
			// A closed device mid-read means the session is shutting down
			m.mu.Lock()
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("capture read failed: %w", err)
		}

		frame := make([]float32, len(m.buf))
		copy(frame, m.buf)

		select {
		case <-ctx.Done():
			return nil
		case frames <- frame:
		}
	}
}

// Close stops every microphone track and releases the device. Idempotent.
func (m *Microphone) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if err := m.stream.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("Capture stream close failed")
	}
	if err := portaudio.Terminate(); err != nil {
		m.logger.Debug().Err(err).Msg("Audio capture terminate failed")
	}
	return nil
}
