package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileLoader decodes one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extensions() []string
}

// YAMLLoader loads configuration from YAML files.
type YAMLLoader struct{}

func (YAMLLoader) Load(reader io.Reader, target interface{}) error {
	err := yaml.NewDecoder(reader).Decode(target)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (YAMLLoader) Extensions() []string { return []string{"yaml", "yml"} }

// JSONLoader loads configuration from JSON files.
type JSONLoader struct{}

func (JSONLoader) Load(reader io.Reader, target interface{}) error {
	return json.NewDecoder(reader).Decode(target)
}

func (JSONLoader) Extensions() []string { return []string{"json"} }

// Loader layers configuration from files and the environment.
type Loader struct {
	basePath    string
	environment Environment
	loaders     []FileLoader
	getenv      func(string) string
}

// NewLoader creates a loader reading files from basePath.
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	return &Loader{
		basePath:    basePath,
		environment: env,
		loaders:     []FileLoader{YAMLLoader{}, JSONLoader{}},
		getenv:      os.Getenv,
	}
}

// BasePath returns the directory configuration files are read from.
func (l *Loader) BasePath() string { return l.basePath }

// Load builds the configuration: defaults, base file, environment file, local
// overrides in development, then environment variables. The result is
// validated.
func (l *Loader) Load() (*Config, error) {
	cfg := Default(l.environment)
	sources := []string{"defaults"}

	names := []string{"base", string(l.environment)}
	if l.environment == Development {
		names = append(names, "local")
	}
	for _, name := range names {
		path, err := l.loadFile(name, cfg)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s config: %w", name, err)
		}
		sources = append(sources, path)
	}
	// files may not switch the environment picked by the caller
	cfg.Environment = l.environment

	if l.applyEnvironment(cfg) {
		sources = append(sources, "environment")
	}
	cfg.LoadedFrom = sources

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFile(name string, cfg *Config) (string, error) {
	for _, loader := range l.loaders {
		for _, ext := range loader.Extensions() {
			path := filepath.Join(l.basePath, name+"."+ext)
			f, err := os.Open(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return "", err
			}
			err = loader.Load(f, cfg)
			f.Close()
			if err != nil {
				return "", fmt.Errorf("failed to parse %s: %w", path, err)
			}
			return path, nil
		}
	}
	return "", fs.ErrNotExist
}

// applyEnvironment overlays LOOM_* variables (plus the conventional provider
// variables) and reports whether any was set.
func (l *Loader) applyEnvironment(cfg *Config) bool {
	applied := false
	str := func(key string, dst *string) {
		if v := l.getenv(key); v != "" {
			*dst = v
			applied = true
		}
	}
	integer := func(key string, dst *int) {
		if v := l.getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
				applied = true
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := l.getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
				applied = true
			}
		}
	}

	str("LOOM_DOCUMENT_ID", &cfg.Document.ID)

	str("LOOM_STORAGE_BACKEND", &cfg.Storage.Backend)
	str("LOOM_STORAGE_DIR", &cfg.Storage.Dir)
	str("LOOM_STORAGE_FORMAT", &cfg.Storage.Format)
	str("LOOM_DYNAMODB_TABLE", &cfg.Storage.TableName)
	str("LOOM_DYNAMODB_ENDPOINT", &cfg.Storage.Endpoint)
	str("AWS_REGION", &cfg.Storage.Region)

	str("LOOM_GENERATION_PROVIDER", &cfg.Generation.Provider)
	str("OPENAI_API_KEY", &cfg.Generation.APIKey)
	str("LOOM_OPENAI_BASE_URL", &cfg.Generation.BaseURL)
	str("LOOM_MODEL", &cfg.Generation.Settings.Model)
	integer("LOOM_NUM_CONTINUATIONS", &cfg.Generation.Settings.NumContinuations)
	integer("LOOM_MAX_TOKENS", &cfg.Generation.Settings.MaxTokens)

	str("LOOM_SERVER_HOST", &cfg.Server.Host)
	integer("LOOM_SERVER_PORT", &cfg.Server.Port)
	if v := l.getenv("LOOM_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
		applied = true
	}

	str("LOOM_LOG_LEVEL", &cfg.Logging.Level)
	str("LOOM_LOG_FORMAT", &cfg.Logging.Format)

	boolean("LOOM_METRICS_ENABLED", &cfg.Metrics.Enabled)

	boolean("LOOM_TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("LOOM_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)

	boolean("LOOM_EVENTS_ENABLED", &cfg.Events.Enabled)
	str("LOOM_EVENT_BUS", &cfg.Events.EventBusName)

	return applied
}

// EnvironmentFromEnv reads LOOM_ENV, defaulting to development.
func EnvironmentFromEnv() Environment {
	if v := strings.ToLower(os.Getenv("LOOM_ENV")); v != "" {
		return Environment(v)
	}
	return Development
}

// Load loads configuration from dir for the environment named by LOOM_ENV.
func Load(dir string) (*Config, error) {
	return NewLoader(dir, EnvironmentFromEnv()).Load()
}
