package observability

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus is the payload served by the local debug endpoints.
type HealthStatus struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
	Session   string `json:"session,omitempty"`
}

// HealthCheckHandler handles liveness requests on the debug server.
func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Status:    "healthy",
			Service:   "voice-client",
			Version:   "1.0.0",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	}
}

// SessionStatusHandler reports the current live session state. The status
// callback keeps this package decoupled from the controller.
func SessionStatusHandler(status func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := HealthStatus{
			Status:    "healthy",
			Service:   "voice-client",
			Version:   "1.0.0",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if status != nil {
			payload.Session = status()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(payload)
	}
}
