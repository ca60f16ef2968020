package model

import (
	"encoding/json"
	"sync"
)

// Registry maps the model names callers ask for to endpoint configuration.
// Names that are not configured as aliases are passed through to the default
// endpoint unchanged, so any provider model id can be requested directly.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointConfig
	defaults  *DefaultsConfig
	health    *healthState
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the wire format used to talk to the endpoint (openai, openrouter).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API base URL.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the actual model identifier to send to the provider.
	Model string `json:"model" yaml:"model"`

	// MaxTokens caps the completion length for this endpoint. 0 uses the request value.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// APIKey is sent as a bearer token. Never serialized.
	APIKey string `json:"-" yaml:"-"`

	// Referer and Title identify the calling application to OpenRouter.
	Referer string `json:"referer,omitempty" yaml:"referer,omitempty"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
}

// DefaultsConfig holds default model settings.
type DefaultsConfig struct {
	// Model is the alias or provider model id used when a request names none.
	Model string `json:"model" yaml:"model"`

	// Endpoint is the template used for model ids that are not aliases.
	Endpoint EndpointConfig `json:"endpoint" yaml:"endpoint"`
}

// NewRegistry creates a new model registry.
func NewRegistry(endpoints map[string]*EndpointConfig, defaults *DefaultsConfig) *Registry {
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	if defaults == nil {
		defaults = &DefaultsConfig{}
	}
	return &Registry{
		endpoints: endpoints,
		defaults:  defaults,
	}
}

// Resolve returns a copy of the endpoint configuration for a model name.
// An empty name resolves to the default model. The second return value is
// the registry key the endpoint was found under, used for health tracking.
func (r *Registry) Resolve(name string) (*EndpointConfig, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaults.Model
	}
	if ep, ok := r.endpoints[name]; ok {
		cp := *ep
		r.inheritDefaults(&cp)
		return &cp, name
	}

	cp := r.defaults.Endpoint
	cp.Model = name
	return &cp, name
}

// inheritDefaults fills connection settings an alias left blank from the
// default endpoint template.
func (r *Registry) inheritDefaults(ep *EndpointConfig) {
	tmpl := r.defaults.Endpoint
	if ep.Provider == "" {
		ep.Provider = tmpl.Provider
	}
	if ep.URL == "" {
		ep.URL = tmpl.URL
	}
	if ep.APIKey == "" {
		ep.APIKey = tmpl.APIKey
	}
	if ep.Referer == "" {
		ep.Referer = tmpl.Referer
	}
	if ep.Title == "" {
		ep.Title = tmpl.Title
	}
	if ep.MaxTokens == 0 {
		ep.MaxTokens = tmpl.MaxTokens
	}
}

// DefaultModel returns the name used when a request names no model.
func (r *Registry) DefaultModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults.Model
}

// SetEndpoint updates or adds an alias.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[name] = cfg
}

// SetDefault sets the default model.
func (r *Registry) SetDefault(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults.Model = model
}

// ListEndpoints returns all configured alias names.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}

// MarshalJSON implements json.Marshaler for the registry.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return json.Marshal(struct {
		Endpoints map[string]*EndpointConfig `json:"endpoints"`
		Defaults  *DefaultsConfig            `json:"defaults,omitempty"`
	}{
		Endpoints: r.endpoints,
		Defaults:  r.defaults,
	})
}
