package playback

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parlaai/voice-client/internal/audio"
)

// Handle controls one in-flight playback unit.
type Handle interface {
	// Stop force-stops the unit. The completion callback is not invoked.
	Stop()
}

// Sink starts decoded buffers at scheduled points on its own clock. The
// production sink is backed by the audio output device; tests substitute a
// fake with a manual clock.
type Sink interface {
	// Now returns the sink's current time in seconds.
	Now() float64

	// Start schedules buf to begin playing at time at, calling done once it
	// finishes naturally.
	Start(buf *audio.Buffer, at float64, done func()) (Handle, error)

	// Close releases the output device. No Start may follow.
	Close() error
}

// Scheduler keeps successive decoded audio chunks playing back-to-back with
// no gap and no overlap. It maintains a monotonically advancing cursor (the
// earliest time the next chunk may begin) and the set of scheduled-but-
// unfinished units so a hard interruption can stop everything at once.
type Scheduler struct {
	sink   Sink
	logger zerolog.Logger

	mu     sync.Mutex
	cursor float64
	active map[string]Handle
}

// NewScheduler creates a scheduler with the cursor at zero.
func NewScheduler(sink Sink, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		sink:   sink,
		logger: logger,
		active: make(map[string]Handle),
	}
}

// Schedule queues buf to play immediately after whatever is already
// scheduled. Chunks play in arrival order; a chunk arriving after its
// predecessor already finished starts right away (gap only if the remote
// stream itself stalled).
func (s *Scheduler) Schedule(buf *audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Never schedule in the past, never leave a gap if the previous chunk
	// already finished.
	if now := s.sink.Now(); now > s.cursor {
		s.cursor = now
	}

	id := uuid.New().String()
	handle, err := s.sink.Start(buf, s.cursor, func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("failed to start playback unit: %w", err)
	}

	s.active[id] = handle
	s.cursor += buf.Duration()
	return nil
}

// Interrupt force-stops every in-flight unit, clears the set, and resets the
// cursor to zero. Invoked on the remote interrupted signal, on disconnect,
// and on error.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.active = make(map[string]Handle)
	s.cursor = 0
	s.mu.Unlock()

	// Stop outside the lock: a sink may run completion callbacks inline.
	for _, h := range handles {
		h.Stop()
	}
}

// Cursor returns the current playback cursor in seconds.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// ActiveCount returns the number of scheduled-but-unfinished units.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
