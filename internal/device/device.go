package device

import (
	"context"
	"errors"

	"github.com/parlaai/voice-client/internal/settings"
)

// ErrPermissionDenied indicates the capture device could not be acquired:
// missing, busy, or denied by the host. Terminal for the connection attempt;
// the user must re-initiate.
var ErrPermissionDenied = errors.New("microphone unavailable or permission denied")

// Config holds capture parameters, fixed for the life of a device.
type Config struct {
	SampleRate int
	FrameSize  int // Samples per delivered frame
	Settings   settings.AudioSettings
}

// Device is a capture source. Start blocks, delivering fixed-size frames in
// capture order until the context is cancelled; frames are never reordered.
type Device interface {
	Start(ctx context.Context, frames chan<- []float32) error
	Close() error
}
