package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "scopecraft.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/scopecraft"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// DotEnvFile is read from the working directory when present
	DotEnvFile = ".env"
)

// Environment variables applied after every file layer.
const (
	EnvAPIKey   = "OPENROUTER_API_KEY"
	EnvModel    = "SCOPECRAFT_MODEL"
	EnvBaseURL  = "SCOPECRAFT_LLM_URL"
	EnvSiteURL  = "SITE_URL"
	EnvSiteName = "SITE_NAME"
	EnvDataDir  = "SCOPECRAFT_DATA_DIR"
	EnvNATSURL  = "NATS_URL"
	EnvLogLevel = "SCOPECRAFT_LOG_LEVEL"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	homeDir string
	workDir string
	lookup  func(string) (string, bool)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHomeDir overrides the directory searched for the user config.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) { l.homeDir = dir }
}

// WithWorkDir overrides the directory the project config search starts from.
func WithWorkDir(dir string) LoaderOption {
	return func(l *Loader) { l.workDir = dir }
}

// WithLookupEnv overrides how environment variables are read.
func WithLookupEnv(fn func(string) (string, bool)) LoaderOption {
	return func(l *Loader) { l.lookup = fn }
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger, lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}
	if l.homeDir == "" {
		l.homeDir, _ = os.UserHomeDir()
	}
	if l.workDir == "" {
		l.workDir, _ = os.Getwd()
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/scopecraft/config.yaml)
// 3. Project config (scopecraft.yaml in current or parent directories),
// or explicitPath when given
// 4. Environment variables, with .env filling in unset ones
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()

	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if err := applyFile(config, userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	if explicitPath != "" {
		if err := applyFile(config, explicitPath); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", explicitPath))
	} else if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if err := applyFile(config, projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	l.applyEnv(config, l.envLookup())

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// envLookup layers .env values under the real environment, which wins.
func (l *Loader) envLookup() func(string) (string, bool) {
	path := filepath.Join(l.workDir, DotEnvFile)
	dotenv, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to read .env", slog.String("path", path), slog.String("error", err.Error()))
		}
		return l.lookup
	}
	l.logger.Debug("Loaded .env", slog.String("path", path))

	return func(key string) (string, bool) {
		if v, ok := l.lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

func (l *Loader) applyEnv(config *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvAPIKey, &config.LLM.APIKey)
	set(EnvModel, &config.Model.Default)
	set(EnvBaseURL, &config.LLM.BaseURL)
	set(EnvSiteURL, &config.LLM.SiteURL)
	set(EnvSiteName, &config.LLM.SiteName)
	set(EnvDataDir, &config.Storage.Dir)
	set(EnvNATSURL, &config.NATS.URL)
	set(EnvLogLevel, &config.Log.Level)

	if config.LLM.APIKey == "" && config.LLM.Provider == "openrouter" {
		l.logger.Warn("No API key configured", slog.String("env", EnvAPIKey))
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() (string, error) {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return "", errors.New("cannot determine home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return userConfigPath, nil
	}

	if err := DefaultConfig().SaveToFile(userConfigPath); err != nil {
		return "", err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return userConfigPath, nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	if l.homeDir == "" {
		return ""
	}
	return filepath.Join(l.homeDir, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for scopecraft.yaml in the work directory and its parents
func (l *Loader) findProjectConfig() string {
	if l.workDir == "" {
		return ""
	}

	dir := l.workDir
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
