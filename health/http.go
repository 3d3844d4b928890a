package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// LivenessHandler returns an HTTP handler for liveness probes.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// ReadinessHandler returns an HTTP handler for readiness probes based on
// the monitor's aggregate collaborator health.
func ReadinessHandler(m *Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")

		switch m.OverallStatus() {
		case StatusHealthy:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		case StatusDegraded:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("DEGRADED"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("UNHEALTHY"))
		}
	}
}

// HealthResponse is the JSON body of the detailed health endpoint.
type HealthResponse struct {
	Status        string                    `json:"status"`
	Load          float64                   `json:"load"`
	Timestamp     string                    `json:"timestamp"`
	Collaborators map[string]CollabResponse `json:"collaborators,omitempty"`
}

// CollabResponse is the JSON body for a single collaborator.
type CollabResponse struct {
	Status      string  `json:"status"`
	Invocations int     `json:"invocations"`
	Failures    int     `json:"failures"`
	FailureRate float64 `json:"failure_rate"`
	AvgLatency  string  `json:"avg_latency,omitempty"`
}

// DetailedHandler returns an HTTP handler exposing per-collaborator
// health.
func DetailedHandler(m *Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := m.Snapshot()

		response := HealthResponse{
			Status:        m.OverallStatus().String(),
			Load:          m.CurrentLoad(),
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			Collaborators: make(map[string]CollabResponse, len(snapshot)),
		}
		for name, h := range snapshot {
			cr := CollabResponse{
				Status:      h.Status.String(),
				Invocations: h.Invocations,
				Failures:    h.Failures,
				FailureRate: h.FailureRate,
			}
			if h.AvgLatency > 0 {
				cr.AvgLatency = h.AvgLatency.String()
			}
			response.Collaborators[name] = cr
		}

		w.Header().Set("Content-Type", "application/json")
		if m.OverallStatus() == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(response)
	}
}
