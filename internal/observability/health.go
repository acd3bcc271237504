package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
// Readiness is the conjunction of "started" and "not paused"; a running
// recompute pauses readiness without losing the started flag.
type HealthChecker struct {
	ready     atomic.Bool
	paused    atomic.Bool
	startTime time.Time
	onChange  func(ready bool)
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// OnChange registers a callback invoked whenever effective readiness may
// have changed (used to mirror readiness into the gRPC health service).
func (h *HealthChecker) OnChange(fn func(ready bool)) {
	h.onChange = fn
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
	h.notify()
}

// SetPaused toggles the temporary not-ready state.
func (h *HealthChecker) SetPaused(paused bool) {
	h.paused.Store(paused)
	h.notify()
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && !h.paused.Load()
}

func (h *HealthChecker) notify() {
	if h.onChange != nil {
		h.onChange(h.IsReady())
	}
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 otherwise.
// Ready means store reachable, migrations applied, engine started and no
// recompute holding the ledger.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}

	status := "not_ready"
	if h.ready.Load() {
		status = "recomputing"
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
	})
}
