package resilience

import (
	"sync"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
)

// HealthTracker observes provider outcomes across requests and marks a
// provider unhealthy after enough consecutive failures. The executor skips
// the primary path entirely for an unhealthy provider, going straight to
// fallback instead of burning retry cycles.
type HealthTracker struct {
	mu        sync.Mutex
	threshold int
	recovery  time.Duration
	providers map[domain.Provider]*providerHealth
}

type providerHealth struct {
	consecutiveFailures int
	lastFailure         time.Time
}

// NewHealthTracker creates a tracker: a provider is unhealthy once it has
// failed threshold times in a row, and is retried again after recovery has
// elapsed since the last failure.
func NewHealthTracker(threshold int, recovery time.Duration) *HealthTracker {
	if threshold <= 0 {
		threshold = 10
	}
	if recovery <= 0 {
		recovery = time.Minute
	}
	return &HealthTracker{
		threshold: threshold,
		recovery:  recovery,
		providers: make(map[domain.Provider]*providerHealth),
	}
}

func (h *HealthTracker) RecordSuccess(p domain.Provider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ph, ok := h.providers[p]; ok {
		ph.consecutiveFailures = 0
	}
}

func (h *HealthTracker) RecordFailure(p domain.Provider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ph, ok := h.providers[p]
	if !ok {
		ph = &providerHealth{}
		h.providers[p] = ph
	}
	ph.consecutiveFailures++
	ph.lastFailure = time.Now()
}

// Healthy reports whether the primary path should be attempted.
func (h *HealthTracker) Healthy(p domain.Provider) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ph, ok := h.providers[p]
	if !ok {
		return true
	}
	if ph.consecutiveFailures < h.threshold {
		return true
	}
	// Allow a probe once the recovery window has passed.
	return time.Since(ph.lastFailure) >= h.recovery
}

// Snapshot reports each known provider's health for the health endpoint.
func (h *HealthTracker) Snapshot() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]bool, len(h.providers))
	for p, ph := range h.providers {
		healthy := ph.consecutiveFailures < h.threshold || time.Since(ph.lastFailure) >= h.recovery
		out[string(p)] = healthy
	}
	return out
}
