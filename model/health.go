package model

import (
	"sort"
	"sync"
	"time"
)

// EndpointHealth tracks the observed health of a model endpoint.
// It is informational: requests are never refused because of it.
type EndpointHealth struct {
	Name         string    `json:"name"`
	Available    bool      `json:"available"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	FailureCount int       `json:"failure_count"`
}

// HealthConfig configures the health tracking behavior.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive exhausted calls after
	// which an endpoint is reported unavailable.
	FailureThreshold int
}

// DefaultHealthConfig returns sensible defaults for health tracking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{FailureThreshold: 3}
}

type healthState struct {
	mu       sync.RWMutex
	config   HealthConfig
	statuses map[string]*EndpointHealth
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		config:   cfg,
		statuses: make(map[string]*EndpointHealth),
	}
}

// state lazily creates the tracker.
func (r *Registry) state() *healthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.health == nil {
		r.health = newHealthState(DefaultHealthConfig())
	}
	return r.health
}

func (h *healthState) getOrCreate(name string) *EndpointHealth {
	if status, ok := h.statuses[name]; ok {
		return status
	}
	status := &EndpointHealth{Name: name, Available: true}
	h.statuses[name] = status
	return status
}

// MarkEndpointSuccess records a successful completion against an endpoint.
func (r *Registry) MarkEndpointSuccess(name string) {
	h := r.state()
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.getOrCreate(name)
	status.LastSuccess = time.Now()
	status.FailureCount = 0
	status.Available = true
	status.LastError = ""
}

// MarkEndpointFailure records an exhausted completion against an endpoint.
func (r *Registry) MarkEndpointFailure(name string, cause error) {
	h := r.state()
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.getOrCreate(name)
	status.LastFailure = time.Now()
	status.FailureCount++
	if cause != nil {
		status.LastError = cause.Error()
	}
	if status.FailureCount >= h.config.FailureThreshold {
		status.Available = false
	}
}

// GetEndpointHealth returns a copy of the health status for an endpoint,
// or nil if it has not been used yet.
func (r *Registry) GetEndpointHealth(name string) *EndpointHealth {
	h := r.state()
	h.mu.RLock()
	defer h.mu.RUnlock()

	if status, ok := h.statuses[name]; ok {
		cp := *status
		return &cp
	}
	return nil
}

// Health returns the status of every endpoint used so far, sorted by name.
func (r *Registry) Health() []EndpointHealth {
	h := r.state()
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]EndpointHealth, 0, len(h.statuses))
	for _, status := range h.statuses {
		out = append(out, *status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetHealthConfig updates the health tracking configuration.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	h := r.state()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = cfg
}
