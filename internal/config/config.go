// Package config provides configuration loading for orchestrd.
//
// Configuration is read once at startup from an optional YAML file and then
// overridden by ORCHESTRD_-prefixed environment variables. The resulting
// *Config is treated as immutable; components receive the sections they need.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete orchestrd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	Workflow      WorkflowConfig      `koanf:"workflow"`
	Admission     AdmissionConfig     `koanf:"admission"`
	Generation    GenerationConfig    `koanf:"generation"`
	Engine        EngineConfig        `koanf:"engine"`
	Events        EventsConfig        `koanf:"events"`
	Git           GitConfig           `koanf:"git"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig points at the SQLite database holding artifacts and run records.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// WorkflowConfig controls loading of the phase specification.
type WorkflowConfig struct {
	// SpecPath is the YAML phase specification. Empty uses the embedded default.
	SpecPath string `koanf:"spec_path"`

	// Production disables reloads entirely.
	Production bool `koanf:"production"`

	// ReloadInterval is the minimum time between two reloads.
	ReloadInterval time.Duration `koanf:"reload_interval"`

	// Watch reloads the specification when the file changes on disk.
	Watch bool `koanf:"watch"`
}

// AdmissionConfig configures per-credential admission control.
type AdmissionConfig struct {
	MaxConcurrent    int           `koanf:"max_concurrent"`
	MinInterval      time.Duration `koanf:"min_interval"`
	MaxRetries       int           `koanf:"max_retries"`
	MaxContinuations int           `koanf:"max_continuations"`
	CallTimeout      time.Duration `koanf:"call_timeout"`
	MaxCredentials   int           `koanf:"max_credentials"`
	CleanupInterval  time.Duration `koanf:"cleanup_interval"`
}

// GenerationConfig configures the model provider.
type GenerationConfig struct {
	Provider string `koanf:"provider"`
	APIKey   Secret `koanf:"api_key"`
	BaseURL  string `koanf:"base_url"`
}

// EngineConfig configures phase execution.
type EngineConfig struct {
	EnableParallel         bool `koanf:"enable_parallel"`
	FallbackToSequential   bool `koanf:"fallback_to_sequential"`
	MaxParallelPhases      int  `koanf:"max_parallel_phases"`
	MaxRemediationAttempts int  `koanf:"max_remediation_attempts"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// GitConfig configures commits of generated artifacts.
type GitConfig struct {
	Enabled     bool   `koanf:"enabled"`
	RepoRoot    string `koanf:"repo_root"`
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	ServiceName     string `koanf:"service_name"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	Endpoint        string `koanf:"otlp_endpoint"`
	Protocol        string `koanf:"otlp_protocol"`
	Insecure        bool   `koanf:"otlp_insecure"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store path is required"))
	}
	if c.Admission.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("admission max_concurrent must be >= 1, got %d", c.Admission.MaxConcurrent))
	}
	if c.Admission.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("admission max_retries cannot be negative, got %d", c.Admission.MaxRetries))
	}
	if c.Engine.MaxParallelPhases < 1 {
		errs = append(errs, fmt.Errorf("engine max_parallel_phases must be >= 1, got %d", c.Engine.MaxParallelPhases))
	}
	if c.Generation.Provider != "anthropic" {
		errs = append(errs, fmt.Errorf("unknown generation provider %q", c.Generation.Provider))
	}
	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, errors.New("events url required when events are enabled"))
	}
	switch c.Observability.Protocol {
	case "grpc", "http/protobuf":
	default:
		errs = append(errs, fmt.Errorf("unknown otlp protocol %q", c.Observability.Protocol))
	}

	return errors.Join(errs...)
}
