// Package config provides configuration loading and management for scopecraft.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/scopecraft/llm"
	"github.com/c360studio/scopecraft/model"
)

// Config represents the complete scopecraft configuration
type Config struct {
	Model      ModelConfig                      `yaml:"model"`
	LLM        LLMConfig                        `yaml:"llm"`
	Models     map[string]*model.EndpointConfig `yaml:"models,omitempty"`
	Storage    StorageConfig                    `yaml:"storage"`
	Guidance   GuidanceConfig                   `yaml:"guidance"`
	Generation GenerationConfig                 `yaml:"generation"`
	Server     ServerConfig                     `yaml:"server"`
	NATS       NATSConfig                       `yaml:"nats"`
	Journal    JournalConfig                    `yaml:"journal"`
	Log        LogConfig                        `yaml:"log"`
}

// ModelConfig selects the model used when a request names none
type ModelConfig struct {
	// Default is an alias from Models or any provider model id
	Default string `yaml:"default"`
}

// LLMConfig configures the completion endpoint and request defaults
type LLMConfig struct {
	// Provider is the wire format (openrouter, openai, ollama)
	Provider string `yaml:"provider"`
	// BaseURL is the API base URL
	BaseURL string `yaml:"base_url"`
	// APIKey is read from OPENROUTER_API_KEY only
	APIKey string `yaml:"-"`
	// SiteURL and SiteName identify the app to OpenRouter
	SiteURL  string `yaml:"site_url"`
	SiteName string `yaml:"site_name"`
	// Timeout bounds a single HTTP attempt
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Retry       RetryConfig   `yaml:"retry"`
}

// RetryConfig configures the bounded retry loop
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// StorageConfig configures the document store
type StorageConfig struct {
	// Dir holds one JSON file per scope document
	Dir string `yaml:"dir"`
}

// GuidanceConfig configures the guidance document
type GuidanceConfig struct {
	Path string `yaml:"path"`
	// Watch reloads the file when it changes
	Watch bool `yaml:"watch"`
}

// GenerationConfig configures document generation
type GenerationConfig struct {
	// Phased generates overview, requirements and assumptions concurrently
	Phased bool `yaml:"phased"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// NATSConfig configures event publishing
type NATSConfig struct {
	// URL is the NATS server URL (empty = events disabled)
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// JournalConfig configures the completion call journal
type JournalConfig struct {
	// Path is the SQLite file (empty = journal disabled)
	Path string `yaml:"path"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables a rotating log file in addition to stderr
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Default: "google/gemini-2.0-pro-exp-02-05:free",
		},
		LLM: LLMConfig{
			Provider:    "openrouter",
			BaseURL:     "https://openrouter.ai/api/v1",
			Timeout:     2 * time.Minute,
			Temperature: 0.7,
			MaxTokens:   8000,
			Retry: RetryConfig{
				MaxAttempts: 3,
				Backoff:     time.Second,
			},
		},
		Storage: StorageConfig{
			Dir: "scopes",
		},
		Guidance: GuidanceConfig{
			Path: "context.txt",
		},
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
		},
		NATS: NATSConfig{
			SubjectPrefix: "scopecraft.scope",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Model.Default == "" {
		return fmt.Errorf("model.default is required")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxTokens < 0 {
		return fmt.Errorf("llm.max_tokens must not be negative")
	}
	if c.LLM.Retry.MaxAttempts < 1 {
		return fmt.Errorf("llm.retry.max_attempts must be at least 1")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	for name, ep := range c.Models {
		if ep == nil || ep.Model == "" {
			return fmt.Errorf("models.%s.model is required", name)
		}
	}
	return nil
}

// Registry builds the model registry. Aliases in Models inherit the
// connection settings of the llm section.
func (c *Config) Registry() *model.Registry {
	endpoints := make(map[string]*model.EndpointConfig, len(c.Models))
	for name, ep := range c.Models {
		cp := *ep
		endpoints[name] = &cp
	}
	return model.NewRegistry(endpoints, &model.DefaultsConfig{
		Model: c.Model.Default,
		Endpoint: model.EndpointConfig{
			Provider: c.LLM.Provider,
			URL:      c.LLM.BaseURL,
			APIKey:   c.LLM.APIKey,
			Referer:  c.LLM.SiteURL,
			Title:    c.LLM.SiteName,
		},
	})
}

// RetryConfig converts the retry section for the llm client.
func (c *Config) RetryConfig() llm.RetryConfig {
	return llm.RetryConfig{
		MaxAttempts: c.LLM.Retry.MaxAttempts,
		BackoffUnit: c.LLM.Retry.Backoff,
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	return config, nil
}

// applyFile overlays the keys present in a YAML file onto config.
func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Model
	if other.Model.Default != "" {
		c.Model.Default = other.Model.Default
	}

	// LLM
	if other.LLM.Provider != "" {
		c.LLM.Provider = other.LLM.Provider
	}
	if other.LLM.BaseURL != "" {
		c.LLM.BaseURL = other.LLM.BaseURL
	}
	if other.LLM.APIKey != "" {
		c.LLM.APIKey = other.LLM.APIKey
	}
	if other.LLM.SiteURL != "" {
		c.LLM.SiteURL = other.LLM.SiteURL
	}
	if other.LLM.SiteName != "" {
		c.LLM.SiteName = other.LLM.SiteName
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.MaxTokens != 0 {
		c.LLM.MaxTokens = other.LLM.MaxTokens
	}
	if other.LLM.Retry.MaxAttempts != 0 {
		c.LLM.Retry.MaxAttempts = other.LLM.Retry.MaxAttempts
	}
	if other.LLM.Retry.Backoff != 0 {
		c.LLM.Retry.Backoff = other.LLM.Retry.Backoff
	}

	// Models
	for name, ep := range other.Models {
		if c.Models == nil {
			c.Models = make(map[string]*model.EndpointConfig)
		}
		c.Models[name] = ep
	}

	// Storage, guidance, generation
	if other.Storage.Dir != "" {
		c.Storage.Dir = other.Storage.Dir
	}
	if other.Guidance.Path != "" {
		c.Guidance.Path = other.Guidance.Path
	}
	if other.Guidance.Watch {
		c.Guidance.Watch = true
	}
	if other.Generation.Phased {
		c.Generation.Phased = true
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if len(other.Server.CORSOrigins) > 0 {
		c.Server.CORSOrigins = other.Server.CORSOrigins
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}

	// Journal
	if other.Journal.Path != "" {
		c.Journal.Path = other.Journal.Path
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
	if other.Log.File != "" {
		c.Log.File = other.Log.File
	}
	if other.Log.MaxSizeMB != 0 {
		c.Log.MaxSizeMB = other.Log.MaxSizeMB
	}
	if other.Log.MaxBackups != 0 {
		c.Log.MaxBackups = other.Log.MaxBackups
	}
	if other.Log.MaxAgeDays != 0 {
		c.Log.MaxAgeDays = other.Log.MaxAgeDays
	}
}
