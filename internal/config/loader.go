package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is stripped from environment variables before mapping.
	EnvPrefix = "ORCHESTRD_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load reads configuration from the YAML file at path (optional) and then
// overrides it with environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (ORCHESTRD_SERVER_HTTP_PORT, ORCHESTRD_ADMISSION_MAX_RETRIES, ...)
//  2. YAML config file
//  3. Defaults
//
// Environment variables map section-first: the first underscore after the
// prefix separates the section, the rest is the field name.
//
//	ORCHESTRD_SERVER_HTTP_PORT      -> server.http_port
//	ORCHESTRD_GENERATION_API_KEY    -> generation.api_key
//	ORCHESTRD_WORKFLOW_SPEC_PATH    -> workflow.spec_path
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "orchestrd.db"
	}

	if cfg.Workflow.ReloadInterval == 0 {
		cfg.Workflow.ReloadInterval = 30 * time.Second
	}

	if cfg.Admission.MaxConcurrent == 0 {
		cfg.Admission.MaxConcurrent = 2
	}
	if cfg.Admission.MinInterval == 0 {
		cfg.Admission.MinInterval = 500 * time.Millisecond
	}
	if cfg.Admission.MaxRetries == 0 {
		cfg.Admission.MaxRetries = 3
	}
	if cfg.Admission.MaxContinuations == 0 {
		cfg.Admission.MaxContinuations = 3
	}
	if cfg.Admission.CallTimeout == 0 {
		cfg.Admission.CallTimeout = 2 * time.Minute
	}
	if cfg.Admission.MaxCredentials == 0 {
		cfg.Admission.MaxCredentials = 1000
	}
	if cfg.Admission.CleanupInterval == 0 {
		cfg.Admission.CleanupInterval = 5 * time.Minute
	}

	if cfg.Generation.Provider == "" {
		cfg.Generation.Provider = "anthropic"
	}

	if cfg.Engine.MaxParallelPhases == 0 {
		cfg.Engine.MaxParallelPhases = 4
	}
	if cfg.Engine.MaxRemediationAttempts == 0 {
		cfg.Engine.MaxRemediationAttempts = 3
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "orchestrd"
	}

	if cfg.Git.AuthorName == "" {
		cfg.Git.AuthorName = "orchestrd"
	}
	if cfg.Git.AuthorEmail == "" {
		cfg.Git.AuthorEmail = "orchestrd@localhost"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "orchestrd"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
}
