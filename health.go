package questforge

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of a candidate.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-candidate health using a circuit breaker pattern.
// Only transport failures count; a model that answers badly is still reachable.
type HealthTracker struct {
	mu      sync.Mutex
	entries map[string]*candidateHealth
	now     func() time.Time
}

type candidateHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		entries: make(map[string]*candidateHealth),
		now:     time.Now,
	}
}

// GetHealth returns the current health state for a candidate key.
func (h *HealthTracker) GetHealth(key string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.entries[key]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed: let one probe through.
	if ch.state == HealthUnhealthy && h.now().Sub(ch.unhealthyAt) >= healthUnhealthyPeriod {
		ch.state = HealthHalfOpen
	}

	return ch.state
}

// RecordSuccess records a reachable backend for a candidate key.
func (h *HealthTracker) RecordSuccess(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.getOrCreate(key)
	ch.state = HealthHealthy
	ch.failures = ch.failures[:0]
}

// RecordFailure records a transport failure for a candidate key.
func (h *HealthTracker) RecordFailure(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.getOrCreate(key)
	now := h.now()

	if ch.state == HealthHalfOpen {
		ch.state = HealthUnhealthy
		ch.unhealthyAt = now
		return
	}
	if ch.state == HealthUnhealthy {
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := ch.failures[:0]
	for _, t := range ch.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ch.failures = append(valid, now)

	if len(ch.failures) >= healthFailureThreshold {
		ch.state = HealthUnhealthy
		ch.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(key string) *candidateHealth {
	ch, ok := h.entries[key]
	if !ok {
		ch = &candidateHealth{state: HealthHealthy}
		h.entries[key] = ch
	}
	return ch
}
