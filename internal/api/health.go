package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/modelbridge/gateway/internal/circuitbreaker"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Providers map[string]bool   `json:"providers"`
	Breakers  map[string]string `json:"breakers"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Providers: make(map[string]bool),
		Breakers:  make(map[string]string),
	}

	if h.cfg.Executor != nil && h.cfg.Executor.Health != nil {
		for p, healthy := range h.cfg.Executor.Health.Snapshot() {
			resp.Providers[p] = healthy
			if !healthy {
				resp.Status = "degraded"
			}
		}
	}

	if h.cfg.Executor != nil && h.cfg.Executor.Breakers != nil {
		for key, state := range h.cfg.Executor.Breakers.States() {
			resp.Breakers[key] = state
			if state == circuitbreaker.StateOpen.String() {
				resp.Status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// handleHealthReady reports ready once at least one provider client is
// registered; a gateway with no backends cannot serve completions.
func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if len(h.cfg.Clients) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "reason": "no provider clients configured"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
