// Package config provides configuration management for the loom backend.
//
// Configuration is loaded from multiple sources in priority order (highest wins):
//  1. Default values in code
//  2. base.yaml - common configuration for all environments
//  3. {environment}.yaml - environment-specific overrides
//  4. local.yaml - local developer overrides (development only)
//  5. LOOM_* environment variables
//
// Durations are written as Go duration strings ("30s", "2m").
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"loom-backend/internal/service/llm"
	"loom-backend/internal/service/multiverse"
	pkgerrors "loom-backend/pkg/errors"
)

// Environment names a deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
	Test        Environment = "test"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	switch e {
	case Development, Staging, Production, Test:
		return true
	}
	return false
}

// Config is the complete application configuration.
type Config struct {
	Environment Environment          `yaml:"environment" json:"environment" validate:"required"`
	Document    Document             `yaml:"document" json:"document"`
	Storage     Storage              `yaml:"storage" json:"storage"`
	Generation  Generation           `yaml:"generation" json:"generation"`
	Resilience  llm.ResilienceConfig `yaml:"resilience" json:"resilience"`
	Multiverse  multiverse.Config    `yaml:"multiverse" json:"multiverse"`
	Session     Session              `yaml:"session" json:"session"`
	Server      Server               `yaml:"server" json:"server"`
	Logging     Logging              `yaml:"logging" json:"logging"`
	Metrics     Metrics              `yaml:"metrics" json:"metrics"`
	Tracing     Tracing              `yaml:"tracing" json:"tracing"`
	Events      Events               `yaml:"events" json:"events"`

	// LoadedFrom lists the sources applied, lowest priority first.
	LoadedFrom []string `yaml:"-" json:"-"`
}

// Document selects the document served by default.
type Document struct {
	ID       string `yaml:"id" json:"id" validate:"required"`
	RootText string `yaml:"root_text" json:"root_text"`
}

// Storage configures document persistence.
type Storage struct {
	Backend string `yaml:"backend" json:"backend" validate:"oneof=file dynamodb"`
	// Dir holds one file per document for the file backend.
	Dir string `yaml:"dir" json:"dir"`
	// Format is json or yaml for the file backend.
	Format    string        `yaml:"format" json:"format" validate:"oneof=json yaml"`
	TableName string        `yaml:"table_name" json:"table_name"`
	Region    string        `yaml:"region" json:"region"`
	Endpoint  string        `yaml:"endpoint" json:"endpoint"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
}

// Generation configures the text generator.
type Generation struct {
	Provider string        `yaml:"provider" json:"provider" validate:"oneof=mock openai"`
	APIKey   string        `yaml:"api_key" json:"-"`
	BaseURL  string        `yaml:"base_url" json:"base_url"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
	Settings llm.Settings  `yaml:"settings" json:"settings"`
}

// Session configures the tree owner.
type Session struct {
	QueueSize int `yaml:"queue_size" json:"queue_size" validate:"min=1"`
}

// Server configures the HTTP surface.
type Server struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

// Address returns host:port.
func (s Server) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Logging configures zap.
type Logging struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=json console"`
}

// Metrics configures prometheus.
type Metrics struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Path      string `yaml:"path" json:"path"`
}

// Tracing configures OpenTelemetry export.
type Tracing struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate" validate:"min=0,max=1"`
}

// Events configures publication of tree changes.
type Events struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	EventBusName string `yaml:"event_bus_name" json:"event_bus_name"`
	Source       string `yaml:"source" json:"source"`
}

var validate = validator.New()

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	if !c.Environment.Valid() {
		return pkgerrors.NewValidationError("unknown environment").WithDetail("environment", string(c.Environment))
	}
	if err := validate.Struct(c); err != nil {
		return pkgerrors.NewValidationError("invalid configuration").WithCause(err)
	}
	if err := c.Generation.Settings.Validate(); err != nil {
		return err
	}

	var problems []string
	if c.Generation.Provider == "openai" && c.Generation.APIKey == "" {
		problems = append(problems, "generation.api_key is required for the openai provider")
	}
	if c.Storage.Backend == "dynamodb" && c.Storage.TableName == "" {
		problems = append(problems, "storage.table_name is required for the dynamodb backend")
	}
	if c.Storage.Backend == "file" && c.Storage.Dir == "" {
		problems = append(problems, "storage.dir is required for the file backend")
	}
	if c.Events.Enabled && c.Events.EventBusName == "" {
		problems = append(problems, "events.event_bus_name is required when events are enabled")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		problems = append(problems, "tracing.endpoint is required when tracing is enabled")
	}
	if c.Environment == Production && c.Generation.Provider == "mock" {
		problems = append(problems, "the mock provider is not allowed in production")
	}
	if len(problems) > 0 {
		return pkgerrors.NewValidationError(strings.Join(problems, "; "))
	}
	return nil
}

// Default returns a configuration that runs without any files. Development
// and test environments log in console format and sample every trace.
func Default(env Environment) *Config {
	cfg := &Config{
		Environment: env,
		Document: Document{
			ID: "default",
		},
		Storage: Storage{
			Backend: "file",
			Dir:     "data",
			Format:  "json",
			Region:  "us-east-1",
			Timeout: 10 * time.Second,
		},
		Generation: Generation{
			Provider: "mock",
			Timeout:  2 * time.Minute,
			Settings: llm.DefaultSettings(),
		},
		Resilience: llm.DefaultResilienceConfig(),
		Multiverse: multiverse.DefaultConfig(),
		Session: Session{
			QueueSize: 64,
		},
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    3 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "loom",
			Path:      "/metrics",
		},
		Tracing: Tracing{
			ServiceName: "loom-backend",
			SampleRate:  0.1,
		},
		Events: Events{
			Source: "loom.document",
		},
	}
	if env == Development || env == Test {
		cfg.Logging.Format = "console"
		cfg.Logging.Level = "debug"
		cfg.Tracing.SampleRate = 1
	}
	return cfg
}
