package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parlaai/voice-client/internal/audio"
	"github.com/parlaai/voice-client/internal/config"
	"github.com/parlaai/voice-client/internal/device"
	"github.com/parlaai/voice-client/internal/observability"
	"github.com/parlaai/voice-client/internal/persona"
	"github.com/parlaai/voice-client/internal/playback"
	"github.com/parlaai/voice-client/internal/session"
	"github.com/parlaai/voice-client/internal/settings"
	"github.com/parlaai/voice-client/internal/transcript"
)

// Status is the lifecycle state of a conversation. It is owned exclusively
// by the Controller.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Mode selects the conversation surface. The two modes share this controller
// and differ only in VAD tuning.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeVideo Mode = "video"
)

var (
	// ErrAlreadyConnected is returned when Connect is called while a session
	// is connecting or connected. The call is a no-op.
	ErrAlreadyConnected = errors.New("session already connecting or connected")

	// ErrDevicePermissionDenied wraps microphone acquisition failures.
	ErrDevicePermissionDenied = device.ErrPermissionDenied

	// ErrRemoteSession wraps errors surfaced by the live backend.
	ErrRemoteSession = errors.New("remote session error")
)

// Deps carries the controller's collaborators. Zero fields fall back to the
// production implementations; tests substitute fakes.
type Deps struct {
	Registry   *persona.Registry
	Settings   *settings.Store
	OpenDevice func(device.Config) (device.Device, error)
	OpenSink   func(sampleRate int) (playback.Sink, error)
	Dial       func(ctx context.Context, cb session.Callbacks, systemInstruction, voiceID string) (session.Session, error)
}

// Controller drives one live conversation: it owns the capture device, both
// audio paths, the remote session, and all timers. Construct one Controller
// per conversation and discard it on exit; hardware and session handles are
// never shared between instances.
type Controller struct {
	cfg       *config.Config
	mode      Mode
	personaID string
	deps      Deps
	logger    zerolog.Logger
	metrics   *observability.SessionMetrics
	sessionID string
	asm       *transcript.Assembler

	// cleanupMu serializes resource release. Connect waits on it so a
	// reconnect never races a still-running cleanup from the prior session.
	cleanupMu sync.Mutex

	mu            sync.Mutex
	status        Status
	lastErr       error
	activePersona persona.Persona
	sess          session.Session
	dev           device.Device
	sink          playback.Sink
	sched         *playback.Scheduler
	vad           *audio.Detector
	botSpeaking   bool
	botTimer      *time.Timer
	captureCancel context.CancelFunc
}

// New creates an idle controller for the given persona and mode.
func New(cfg *config.Config, personaID string, mode Mode, deps Deps) *Controller {
	sessionID := observability.NewSessionID()
	logger := observability.WithSessionID(sessionID).With().Str("mode", string(mode)).Logger()

	if deps.Registry == nil {
		deps.Registry = persona.NewRegistry(cfg.DefaultPersona)
	}
	if deps.Settings == nil {
		deps.Settings = settings.NewStore(cfg.ResolveAudioSettingsPath(), logger)
	}
	if deps.OpenDevice == nil {
		deps.OpenDevice = func(dc device.Config) (device.Device, error) {
			return device.OpenMicrophone(dc, logger)
		}
	}
	if deps.OpenSink == nil {
		deps.OpenSink = func(sampleRate int) (playback.Sink, error) {
			return playback.NewPortAudioSink(sampleRate, logger)
		}
	}
	if deps.Dial == nil {
		deps.Dial = func(ctx context.Context, cb session.Callbacks, systemInstruction, voiceID string) (session.Session, error) {
			return session.Connect(ctx, session.Config{
				URL:             cfg.LiveSessionURL,
				APIKey:          cfg.LiveAPIKey,
				DialMaxAttempts: cfg.DialMaxAttempts,
				DialBackoff:     cfg.DialBackoff(),
			}, cb, systemInstruction, voiceID, logger)
		}
	}

	return &Controller{
		cfg:       cfg,
		mode:      mode,
		personaID: personaID,
		deps:      deps,
		logger:    logger,
		metrics:   observability.NewSessionMetrics(sessionID),
		sessionID: sessionID,
		asm:       transcript.NewAssembler(),
		status:    StatusIdle,
	}
}

func (c *Controller) vadConfig() audio.VADConfig {
	if c.mode == ModeVideo {
		return audio.VADConfig{
			EnergyThreshold: c.cfg.VideoVADThreshold,
			SilenceTimeout:  time.Duration(c.cfg.VideoVADSilenceMS) * time.Millisecond,
		}
	}
	return audio.VADConfig{
		EnergyThreshold: c.cfg.VoiceVADThreshold,
		SilenceTimeout:  time.Duration(c.cfg.VoiceVADSilenceMS) * time.Millisecond,
	}
}

// Connect acquires the microphone and audio output, then opens the live
// session with the persona's system instruction and voice. A call while
// already connecting or connected is rejected with ErrAlreadyConnected and
// changes nothing.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		c.logger.Warn().Msg("Connect ignored: session already active")
		return ErrAlreadyConnected
	}
	c.status = StatusConnecting
	c.lastErr = nil
	c.mu.Unlock()

	// Wait out any cleanup still running from a previous session
	c.cleanupMu.Lock()
	c.cleanupMu.Unlock()

	// Audio settings are read once here; changes while connected do not
	// hot-apply.
	audioSettings := c.deps.Settings.Load()
	p := c.deps.Registry.Resolve(c.personaID)

	dev, err := c.deps.OpenDevice(device.Config{
		SampleRate: c.cfg.CaptureSampleRate,
		FrameSize:  c.cfg.FrameSize,
		Settings:   audioSettings,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Microphone acquisition failed")
		c.metrics.RecordError("device_permission_denied", "live")
		c.fail(err)
		return err
	}

	sink, err := c.deps.OpenSink(c.cfg.PlaybackSampleRate)
	if err != nil {
		err = fmt.Errorf("open audio output: %w", err)
		c.logger.Error().Err(err).Msg("Audio output acquisition failed")
		c.metrics.RecordError("audio_output_failed", "live")
		if cerr := dev.Close(); cerr != nil {
			c.logger.Warn().Err(cerr).Msg("Microphone release failed")
		}
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.dev = dev
	c.sink = sink
	c.sched = playback.NewScheduler(sink, c.logger) // cursor starts at zero
	c.vad = audio.NewDetector(c.vadConfig(), c.onSpeakingChange)
	c.activePersona = p
	c.mu.Unlock()

	sess, err := c.deps.Dial(ctx, session.Callbacks{
		OnOpen:    c.handleOpen,
		OnMessage: c.handleMessage,
		OnError:   c.handleRemoteError,
		OnClose:   c.handleRemoteClose,
	}, p.SystemInstruction, p.VoiceID)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrRemoteSession, err)
		c.logger.Error().Err(err).Str("persona", p.ID).Msg("Live session open failed")
		c.metrics.RecordError("session_open_failed", "live")
		c.fail(wrapped)
		c.cleanup()
		return wrapped
	}

	// The user may have disconnected while the dial was in flight. Adopting
	// the session then would leak it: cleanup already ran and nothing would
	// ever close it. Close it here instead and report the cancellation.
	c.mu.Lock()
	if c.status != StatusConnecting && c.status != StatusConnected {
		c.mu.Unlock()
		c.logger.Info().Msg("Session dialed after disconnect, closing it")
		if cerr := sess.Close(); cerr != nil {
			c.logger.Warn().Err(cerr).Msg("Live session close failed")
		}
		return context.Canceled
	}
	c.sess = sess
	opened := c.status == StatusConnected
	c.mu.Unlock()

	// When the open notification arrived during the dial, capture could not
	// start yet (no session to transmit to); start it now.
	if opened {
		c.startCapture()
	}
	c.metrics.RecordSessionStart()
	return nil
}

// fail records a setup failure unless the user already disconnected, in
// which case the idle state they chose wins.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.status == StatusConnecting {
		c.status = StatusError
		c.lastErr = err
	}
	c.mu.Unlock()
}

// handleOpen marks the session connected. Capture starts here only when the
// session handle is already stored; when the backend confirms the open
// before the dial returns, Connect starts capture after storing the handle.
// Exactly one of the two paths starts it.
func (c *Controller) handleOpen() {
	c.mu.Lock()
	if c.status != StatusConnecting {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnected
	p := c.activePersona
	ready := c.sess != nil
	c.mu.Unlock()

	if ready {
		c.startCapture()
	}
	c.logger.Info().Str("persona", p.ID).Str("voice", p.VoiceID).Msg("Live session connected")
}

// startCapture wires the capture graph: every captured frame is analyzed by
// the VAD and transmitted on the same pass, in capture order. No frame is
// pulled from the device before the session can carry it.
func (c *Controller) startCapture() {
	c.mu.Lock()
	if c.status != StatusConnected || c.captureCancel != nil || c.dev == nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.captureCancel = cancel
	dev := c.dev
	c.mu.Unlock()

	frames := make(chan []float32, 8)
	go func() {
		defer close(frames)
		if err := dev.Start(ctx, frames); err != nil {
			c.logger.Error().Err(err).Msg("Capture stopped")
			c.metrics.RecordError("capture_failed", "device")
		}
	}()
	go c.captureLoop(frames)
}

// captureLoop processes one frame per iteration: VAD first (UI signal), then
// unconditional encode-and-transmit. The VAD never gates transmission.
func (c *Controller) captureLoop(frames <-chan []float32) {
	for frame := range frames {
		c.mu.Lock()
		vad, sess := c.vad, c.sess
		c.mu.Unlock()

		if vad != nil {
			vad.ProcessFrame(frame)
		}
		if sess == nil {
			// Cleanup took the session; the capture context is about to be
			// cancelled as well.
			return
		}

		if err := sess.SendAudio(audio.EncodeFrame(frame)); err != nil {
			if errors.Is(err, session.ErrSessionClosed) {
				return
			}
			c.logger.Warn().Err(err).Msg("Failed to transmit audio frame")
			c.metrics.RecordError("audio_send_failed", "live")
			continue
		}
		c.metrics.RecordAudioBytes("out", int64(len(frame)*2))
	}
}

// handleMessage dispatches one inbound payload. Messages arrive in order
// from the session's read loop.
func (c *Controller) handleMessage(msg session.ServerMessage) {
	switch {
	case msg.InputTranscriptionDelta != "":
		c.asm.AppendUser(msg.InputTranscriptionDelta)

	case msg.OutputTranscriptionDelta != "":
		c.asm.AppendAgent(msg.OutputTranscriptionDelta)

	case msg.TurnComplete:
		committed := c.asm.CommitTurn(time.Now())
		for _, turn := range committed {
			c.metrics.RecordTurnCommitted(string(turn.Author))
		}
		if len(committed) > 0 {
			c.logger.Debug().Int("turns", len(committed)).Msg("Turn boundary committed")
		}

	case msg.AudioChunk != nil:
		c.handleAudioChunk(*msg.AudioChunk)

	case msg.Interrupted:
		c.handleInterrupted()
	}
}

func (c *Controller) handleAudioChunk(blob audio.Blob) {
	buf, err := audio.DecodeFrame(blob, c.cfg.PlaybackSampleRate, 1)
	if err != nil {
		// Undecodable chunks are skipped; the session keeps running
		c.logger.Warn().Err(err).Msg("Dropping undecodable audio chunk")
		c.metrics.RecordDecodeError()
		return
	}

	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched == nil {
		return
	}

	if err := sched.Schedule(buf); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to schedule audio chunk")
		c.metrics.RecordError("schedule_failed", "playback")
		return
	}
	c.metrics.RecordChunkScheduled()
	c.metrics.RecordAudioBytes("in", int64(buf.Frames()*2))
	c.markBotSpeaking()
}

func (c *Controller) handleInterrupted() {
	c.mu.Lock()
	sched := c.sched
	timer := c.botTimer
	c.botTimer = nil
	c.botSpeaking = false
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if sched != nil {
		sched.Interrupt()
	}
	c.metrics.RecordInterruption()
	c.logger.Debug().Msg("Remote interruption: in-flight playback discarded")
}

// markBotSpeaking arms the avatar animation signal; it decays on a timer
// after the last scheduled chunk.
func (c *Controller) markBotSpeaking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.botSpeaking = true
	if c.botTimer != nil {
		c.botTimer.Stop()
	}
	c.botTimer = time.AfterFunc(c.cfg.BotSpeakingDecay(), func() {
		c.mu.Lock()
		c.botSpeaking = false
		c.mu.Unlock()
	})
}

func (c *Controller) onSpeakingChange(speaking bool) {
	c.logger.Debug().Bool("speaking", speaking).Msg("Voice activity changed")
}

func (c *Controller) handleRemoteError(err error) {
	c.mu.Lock()
	if c.status == StatusIdle || c.status == StatusError {
		c.mu.Unlock()
		return
	}
	c.status = StatusError
	c.lastErr = fmt.Errorf("%w: %v", ErrRemoteSession, err)
	c.mu.Unlock()

	c.logger.Error().Err(err).Msg("Live session error")
	c.metrics.RecordError("remote_session_error", "live")
	c.cleanup()
}

func (c *Controller) handleRemoteClose() {
	c.mu.Lock()
	if c.status == StatusIdle || c.status == StatusError {
		// A close after deliberate disconnect or after an error must not
		// overwrite the state the user already left
		c.mu.Unlock()
		return
	}
	c.status = StatusIdle
	c.mu.Unlock()

	c.logger.Info().Msg("Live session closed by remote")
	c.cleanup()
}

// Disconnect is user-initiated: state flips to idle immediately for a
// responsive UI while resources are released in the background. Safe to call
// in any state, any number of times.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	nothingHeld := c.sess == nil && c.dev == nil && c.sink == nil
	wasIdle := c.status == StatusIdle
	c.status = StatusIdle
	c.mu.Unlock()

	if wasIdle && nothingHeld {
		return
	}
	c.logger.Info().Msg("Disconnecting")
	go c.cleanup()
}

// cleanup releases everything the session acquired. Idempotent: fields are
// taken under the lock and nil-ed so a second pass finds nothing to do, and
// every step runs even when an earlier one fails. Step failures are logged,
// never propagated.
func (c *Controller) cleanup() {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()

	c.mu.Lock()
	vad := c.vad
	timer := c.botTimer
	cancel := c.captureCancel
	dev := c.dev
	sched := c.sched
	sink := c.sink
	sess := c.sess
	c.vad = nil
	c.botTimer = nil
	c.captureCancel = nil
	c.dev = nil
	c.sched = nil
	c.sink = nil
	c.sess = nil
	c.botSpeaking = false
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if vad != nil {
		vad.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if dev != nil {
		if err := dev.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Microphone release failed")
		}
	}
	if sched != nil {
		sched.Interrupt()
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Audio output close failed")
		}
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Live session close failed")
		}
		c.metrics.RecordSessionEnd()
	}

	// Partial utterances are discarded, never flushed as partial turns
	c.asm.Reset()
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the error that drove the controller into StatusError, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Transcript returns a copy of the committed conversation log.
func (c *Controller) Transcript() []transcript.Turn {
	return c.asm.Turns()
}

// UserSpeaking reports the VAD's debounced speaking signal.
func (c *Controller) UserSpeaking() bool {
	c.mu.Lock()
	vad := c.vad
	c.mu.Unlock()
	if vad == nil {
		return false
	}
	return vad.Speaking()
}

// BotSpeaking reports whether agent audio was scheduled recently.
func (c *Controller) BotSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.botSpeaking
}

// ToggleFeedback sets or clears the user's rating on a committed turn.
func (c *Controller) ToggleFeedback(turnID string, feedback transcript.Feedback) bool {
	return c.asm.ToggleFeedback(turnID, feedback)
}

// Persona returns the persona resolved for this conversation.
func (c *Controller) Persona() persona.Persona {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activePersona.ID != "" {
		return c.activePersona
	}
	return c.deps.Registry.Resolve(c.personaID)
}

// SessionID returns the controller's session identifier.
func (c *Controller) SessionID() string {
	return c.sessionID
}
