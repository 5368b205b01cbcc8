package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice client.
type Config struct {
	// Live session endpoint
	LiveSessionURL string `envconfig:"LIVE_SESSION_URL" required:"true"`
	LiveAPIKey     string `envconfig:"LIVE_API_KEY" default:""`

	// Connection setup retry (one user-initiated connect; no mid-session reconnect)
	DialMaxAttempts int `envconfig:"DIAL_MAX_ATTEMPTS" default:"3"`
	DialBackoffMS   int `envconfig:"DIAL_BACKOFF_MS" default:"250"`

	// Audio pipeline
	CaptureSampleRate  int `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`  // Microphone capture rate
	PlaybackSampleRate int `envconfig:"PLAYBACK_SAMPLE_RATE" default:"24000"` // Remote audio playback rate
	FrameSize          int `envconfig:"FRAME_SIZE" default:"320"`             // Samples per capture frame (20ms at 16kHz)

	// VAD tuning per conversation mode. Video mode is stricter and faster for
	// perceived responsiveness of the avatar animation.
	VoiceVADThreshold float64 `envconfig:"VOICE_VAD_THRESHOLD" default:"0.01"`
	VoiceVADSilenceMS int     `envconfig:"VOICE_VAD_SILENCE_MS" default:"1500"`
	VideoVADThreshold float64 `envconfig:"VIDEO_VAD_THRESHOLD" default:"0.02"`
	VideoVADSilenceMS int     `envconfig:"VIDEO_VAD_SILENCE_MS" default:"800"`

	// Bot-speaking indicator decay after the last scheduled audio chunk
	BotSpeakingDecayMS int `envconfig:"BOT_SPEAKING_DECAY_MS" default:"1000"`

	// Personas
	DefaultPersona string `envconfig:"DEFAULT_PERSONA" default:"aria"`
	PersonaFile    string `envconfig:"PERSONA_FILE" default:""` // Optional JSON overlay

	// Persisted audio settings (noise suppression etc.)
	AudioSettingsPath string `envconfig:"AUDIO_SETTINGS_PATH" default:""` // Empty resolves under the user config dir

	// Local debug HTTP server (health + Prometheus metrics)
	DebugAddr      string `envconfig:"DEBUG_ADDR" default:"127.0.0.1:9090"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`

	// Observability
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`   // debug, info, warn, error
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"` // Pretty print logs (for development)
}

// Load reads configuration from environment variables.
// It first attempts to load from a .env file if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that envconfig tags cannot express.
func (c *Config) Validate() error {
	if c.LiveSessionURL == "" {
		return fmt.Errorf("LIVE_SESSION_URL is required")
	}
	if c.CaptureSampleRate <= 0 || c.PlaybackSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive (capture=%d, playback=%d)", c.CaptureSampleRate, c.PlaybackSampleRate)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("FRAME_SIZE must be positive, got %d", c.FrameSize)
	}
	return nil
}

// DialBackoff returns the initial dial backoff as a duration.
func (c *Config) DialBackoff() time.Duration {
	return time.Duration(c.DialBackoffMS) * time.Millisecond
}

// BotSpeakingDecay returns the bot-speaking indicator decay as a duration.
func (c *Config) BotSpeakingDecay() time.Duration {
	return time.Duration(c.BotSpeakingDecayMS) * time.Millisecond
}

// ResolveAudioSettingsPath returns the configured settings path, or the
// default location under the user config dir when unset.
func (c *Config) ResolveAudioSettingsPath() string {
	if c.AudioSettingsPath != "" {
		return c.AudioSettingsPath
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "audio_settings.json")
	}
	return filepath.Join(dir, "voice-client", "audio_settings.json")
}
