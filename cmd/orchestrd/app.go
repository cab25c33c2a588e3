package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/admission"
	"github.com/fyrsmithlabs/orchestrd/internal/checker"
	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/fyrsmithlabs/orchestrd/internal/events"
	"github.com/fyrsmithlabs/orchestrd/internal/generation"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/fyrsmithlabs/orchestrd/internal/secrets"
	"github.com/fyrsmithlabs/orchestrd/internal/store"
	"github.com/fyrsmithlabs/orchestrd/internal/telemetry"
	"github.com/fyrsmithlabs/orchestrd/internal/validation"
	"github.com/fyrsmithlabs/orchestrd/internal/vcs"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// app holds everything a command needs to drive the engine.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	store     *store.Store
	specs     *workflowspec.Source
	publisher *events.NATSPublisher
	engine    *orchestrator.Engine
}

// resolveConfigPath returns the --config value, or the per-user default
// when that file exists.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(home, ".config", "orchestrd", "config.yaml")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// initLogger builds the structured logger. logOut receives the console
// core; stdio MCP passes os.Stderr so stdout stays clean for the protocol.
func initLogger(cfg *config.Config, logOut io.Writer) (*zap.Logger, error) {
	level, err := logging.LevelFromString(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}
	lc := logging.NewDefaultConfig()
	lc.Level = level
	lc.Format = cfg.Observability.LogFormat
	lc.ServiceName = cfg.Observability.ServiceName
	lc.Output = logOut
	return logging.NewLogger(lc, nil)
}

// newApp loads configuration and wires the engine with its collaborators.
func newApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}

	logger, err := initLogger(cfg, logOut)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.ServiceName = cfg.Observability.ServiceName
	tc.ServiceVersion = version
	if cfg.Observability.Endpoint != "" {
		tc.Endpoint = cfg.Observability.Endpoint
	}
	if cfg.Observability.Protocol != "" {
		tc.Protocol = cfg.Observability.Protocol
	}
	tc.Insecure = cfg.Observability.Insecure
	tel, err := telemetry.New(ctx, tc)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telemetry = tel
	if degraded, derr := tel.Degraded(); degraded {
		logger.Warn("telemetry degraded, continuing without export", zap.Error(derr))
	}

	st, err := store.Open(cfg.Store.Path, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st

	a.specs = workflowspec.NewSource(cfg.Workflow.SpecPath,
		workflowspec.WithMinReloadInterval(cfg.Workflow.ReloadInterval),
		workflowspec.WithProduction(cfg.Workflow.Production),
		workflowspec.WithLogger(logger),
	)
	logger.Info("workflow spec loaded",
		zap.String("path", cfg.Workflow.SpecPath),
		zap.Bool("embedded", a.specs.UsingFallback()),
		zap.Int("phases", len(a.specs.Current().Phases)))

	detector, err := secrets.NewDetector(secrets.Config{})
	if err != nil {
		return fmt.Errorf("failed to initialize secret detector: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithConfig(orchestrator.Config{
			MaxParallelPhases:      cfg.Engine.MaxParallelPhases,
			MaxRemediationAttempts: cfg.Engine.MaxRemediationAttempts,
		}),
		orchestrator.WithValidator(validation.NewRegistry(detector, logger)),
		orchestrator.WithTelemetry(tel),
		orchestrator.WithLogger(logger),
	}

	genOpts, err := a.generationOptions()
	if err != nil {
		return err
	}
	opts = append(opts, genOpts...)

	if cfg.Git.Enabled {
		opts = append(opts, orchestrator.WithCommitter(vcs.NewCommitter(vcs.Config{
			RepoRoot:    cfg.Git.RepoRoot,
			AuthorName:  cfg.Git.AuthorName,
			AuthorEmail: cfg.Git.AuthorEmail,
		}, vcs.WithLogger(logger))))
	}

	if cfg.Events.Enabled {
		pub, err := events.Connect(cfg.Events.URL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.URL, err)
		}
		a.publisher = pub.WithRedactor(detector)
		opts = append(opts, orchestrator.WithPublisher(pub))
	}

	a.engine = orchestrator.NewEngine(a.specs, st, opts...)
	return nil
}

// generationOptions wires the phase agents and the checker behind the
// admission controller. Without an API key the engine still validates,
// gates and tracks impact, but cannot generate.
func (a *app) generationOptions() ([]orchestrator.Option, error) {
	cfg := a.cfg
	if !cfg.Generation.APIKey.IsSet() {
		a.logger.Warn("no generation API key configured, phase agents disabled")
		return nil, nil
	}

	gen, err := generation.NewAnthropic(generation.AnthropicConfig{
		APIKey:  cfg.Generation.APIKey.Value(),
		BaseURL: cfg.Generation.BaseURL,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator: %w", err)
	}

	ctrl, err := admission.NewController(admission.Config{
		MaxConcurrent:   cfg.Admission.MaxConcurrent,
		MinInterval:     cfg.Admission.MinInterval,
		CallTimeout:     cfg.Admission.CallTimeout,
		MaxCredentials:  cfg.Admission.MaxCredentials,
		CleanupInterval: cfg.Admission.CleanupInterval,
	}, admission.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize admission controller: %w", err)
	}

	caller := admission.NewCaller(ctrl, gen, admission.RetryConfig{
		MaxRetries:       cfg.Admission.MaxRetries,
		MaxContinuations: cfg.Admission.MaxContinuations,
	}, admission.WithCallerLogger(a.logger))

	credential := admission.CredentialKey(cfg.Generation.APIKey.Value())
	return []orchestrator.Option{
		orchestrator.WithDefaultAgent(orchestrator.NewPromptAgent(caller, credential)),
		orchestrator.WithReviewer(checker.New(caller, credential, a.specs,
			checker.WithLogger(a.logger),
			checker.WithTelemetry(a.telemetry),
		)),
	}, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(context.Background()))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	_ = logging.Sync(a.logger)
}
