package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// AudioSettings holds the user's capture preferences. They are read once at
// connect time; changes while connected do not hot-apply.
type AudioSettings struct {
	NoiseSuppression bool `json:"noiseSuppression"`
	EchoCancellation bool `json:"echoCancellation"`
	AutoGainControl  bool `json:"autoGainControl"`
}

// DefaultAudioSettings returns the fallback used when nothing is persisted
// or the persisted payload is malformed.
func DefaultAudioSettings() AudioSettings {
	return AudioSettings{
		NoiseSuppression: true,
		EchoCancellation: true,
		AutoGainControl:  true,
	}
}

// Store persists AudioSettings as JSON at a fixed path.
type Store struct {
	path   string
	logger zerolog.Logger
}

// NewStore creates a store backed by the given file path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Load reads the persisted settings. Missing or malformed files fall back to
// defaults; Load never fails.
func (s *Store) Load() AudioSettings {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to read audio settings, using defaults")
		}
		return DefaultAudioSettings()
	}

	var settings AudioSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Malformed audio settings, using defaults")
		return DefaultAudioSettings()
	}
	return settings
}

// Save persists the settings, creating parent directories as needed.
func (s *Store) Save(settings AudioSettings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal audio settings: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write audio settings: %w", err)
	}
	return nil
}
