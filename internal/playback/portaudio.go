package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/parlaai/voice-client/internal/audio"
)

const pumpBlockSize = 1024

// PortAudioSink plays scheduled buffers through the default output device.
// Scheduled samples are staged in a ring buffer and pumped to the stream in
// fixed blocks; time since the stream opened is the scheduler's time base.
type PortAudioSink struct {
	stream     *portaudio.Stream
	rb         *audio.RingBuffer
	out        []float32
	sampleRate int
	epoch      time.Time
	logger     zerolog.Logger

	mu       sync.Mutex
	closed   bool
	stopPump chan struct{}
	pumpDone chan struct{}
}

// NewPortAudioSink opens the default output device at the given sample rate
// (mono) and starts the pump loop.
func NewPortAudioSink(sampleRate int, logger zerolog.Logger) (*PortAudioSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio output: %w", err)
	}

	s := &PortAudioSink{
		rb:         audio.NewRingBuffer(sampleRate * 4), // 4s of staged audio
		out:        make([]float32, pumpBlockSize),
		sampleRate: sampleRate,
		logger:     logger,
		stopPump:   make(chan struct{}),
		pumpDone:   make(chan struct{}),
	}

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), pumpBlockSize, s.out)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}

	s.stream = stream
	s.epoch = time.Now()
	go s.pump()
	return s, nil
}

// Now returns seconds since the sink opened.
func (s *PortAudioSink) Now() float64 {
	return time.Since(s.epoch).Seconds()
}

// pump feeds staged samples to the device, padding with silence when the
// ring buffer runs dry so the stream clock keeps advancing.
func (s *PortAudioSink) pump() {
	defer close(s.pumpDone)
	for {
		select {
		case <-s.stopPump:
			return
		default:
		}

		n := s.rb.Read(s.out)
		for i := n; i < len(s.out); i++ {
			s.out[i] = 0
		}
		if err := s.stream.Write(); err != nil {
			s.logger.Debug().Err(err).Msg("Output stream write failed")
		}
	}
}

// Start stages buf to begin at time at on the sink clock. The unit's feeder
// goroutine waits for the start point, writes the samples, and invokes done
// when the playback window elapses.
func (s *PortAudioSink) Start(buf *audio.Buffer, at float64, done func()) (Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("audio output is closed")
	}
	s.mu.Unlock()

	h := &paHandle{sink: s, stop: make(chan struct{})}
	go h.feed(buf, at, done)
	return h, nil
}

// Close stops the pump and releases the output device. Idempotent.
func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopPump)
	s.mu.Unlock()

	<-s.pumpDone
	if err := s.stream.Stop(); err != nil {
		s.logger.Debug().Err(err).Msg("Output stream stop failed")
	}
	if err := s.stream.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Output stream close failed")
	}
	if err := portaudio.Terminate(); err != nil {
		s.logger.Debug().Err(err).Msg("Audio output terminate failed")
	}
	return nil
}

type paHandle struct {
	sink *PortAudioSink
	once sync.Once
	stop chan struct{}
}

func (h *paHandle) feed(buf *audio.Buffer, at float64, done func()) {
	if delay := at - h.sink.Now(); delay > 0 {
		select {
		case <-h.stop:
			return
		case <-time.After(time.Duration(delay * float64(time.Second))):
		}
	}

	samples := buf.Mono()
	for len(samples) > 0 {
		select {
		case <-h.stop:
			return
		default:
		}
		n := h.sink.rb.Write(samples)
		samples = samples[n:]
		if len(samples) > 0 {
			// Ring buffer ahead of the device; let the pump drain
			time.Sleep(5 * time.Millisecond)
		}
	}

	end := at + buf.Duration()
	if remaining := end - h.sink.Now(); remaining > 0 {
		select {
		case <-h.stop:
			return
		case <-time.After(time.Duration(remaining * float64(time.Second))):
		}
	}
	done()
}

// Stop cancels the feeder and drops any staged-but-unplayed samples.
func (h *paHandle) Stop() {
	h.once.Do(func() {
		close(h.stop)
		h.sink.rb.Clear()
	})
}
