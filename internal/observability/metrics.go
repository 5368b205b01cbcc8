package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_client_active_sessions",
		Help: "Number of active live conversation sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_sessions_total",
		Help: "Total number of live sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_client_session_duration_seconds",
		Help:    "Duration of live sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	chunksScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_playback_chunks_scheduled_total",
		Help: "Total remote audio chunks scheduled for playback",
	})

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_audio_decode_errors_total",
		Help: "Total inbound audio chunks dropped as undecodable",
	})

	interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_interruptions_total",
		Help: "Total remote-initiated playback interruptions",
	})

	// Transcript metrics
	turnsCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_turns_committed_total",
		Help: "Total transcript turns committed",
	}, []string{"author"}) // author: "user" or "agent"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// SessionMetrics tracks metrics for a single live session.
type SessionMetrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a metrics tracker for one session.
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a live session.
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a live session.
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordAudioBytes records audio bytes processed in a direction.
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordChunkScheduled records a remote audio chunk handed to playback.
func (m *SessionMetrics) RecordChunkScheduled() {
	chunksScheduled.Inc()
}

// RecordDecodeError records an undecodable inbound audio chunk.
func (m *SessionMetrics) RecordDecodeError() {
	decodeErrors.Inc()
}

// RecordInterruption records a remote-initiated interruption.
func (m *SessionMetrics) RecordInterruption() {
	interruptions.Inc()
}

// RecordTurnCommitted records a committed transcript turn.
func (m *SessionMetrics) RecordTurnCommitted(author string) {
	turnsCommitted.WithLabelValues(author).Inc()
}

// RecordError records an error.
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
