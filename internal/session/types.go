package session

import (
	"github.com/parlaai/voice-client/internal/audio"
)

// ServerMessage is the tagged-union payload the live backend streams to the
// client. Exactly one field is meaningful per message.
type ServerMessage struct {
	// InputTranscriptionDelta is a partial transcript of the user's speech.
	InputTranscriptionDelta string `json:"inputTranscriptionDelta,omitempty"`

	// OutputTranscriptionDelta is a partial transcript of the agent's reply.
	OutputTranscriptionDelta string `json:"outputTranscriptionDelta,omitempty"`

	// TurnComplete signals that the current exchange should be committed to
	// the conversation log.
	TurnComplete bool `json:"turnComplete,omitempty"`

	// AudioChunk carries one chunk of the agent's synthesized speech.
	AudioChunk *audio.Blob `json:"audioChunk,omitempty"`

	// Interrupted signals the user began speaking over an in-progress reply;
	// in-flight playback must be cancelled immediately.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Callbacks receive session events. They are invoked sequentially from the
// session's read loop, in arrival order.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(ServerMessage)
	OnError   func(error)
	OnClose   func()
}

// Session is an open bidirectional live session.
type Session interface {
	// SendAudio transmits one captured audio frame.
	SendAudio(blob audio.Blob) error

	// Close ends the session. Idempotent; safe to call concurrently with
	// inbound dispatch.
	Close() error
}
