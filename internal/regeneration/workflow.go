// Package regeneration re-produces artifacts downstream of a changed one.
//
// A Workflow resolves the change, asks the impact analyzer which artifacts
// it reaches, selects a subset by strategy and regenerates each one
// independently, recording a run for auditing.
package regeneration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
)

// EventCompleted is published when a run finishes.
const EventCompleted = "regeneration.completed"

// Option configures a Workflow.
type Option func(*Workflow)

// WithVersions sets where version records are appended.
func WithVersions(v VersionRecorder) Option {
	return func(w *Workflow) { w.versions = v }
}

// WithPublisher sets the event publisher.
func WithPublisher(p Publisher) Option {
	return func(w *Workflow) { w.publisher = p }
}

// WithTracer sets the tracer used for the per-run span.
func WithTracer(t trace.Tracer) Option {
	return func(w *Workflow) { w.tracer = t }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// Workflow executes regeneration runs.
type Workflow struct {
	changes     ChangeSource
	analyzer    Analyzer
	runs        RunStore
	regenerator ArtifactRegenerator

	versions  VersionRecorder
	publisher Publisher
	tracer    trace.Tracer
	now       func() time.Time
	logger    *zap.Logger
}

// NewWorkflow creates a Workflow.
func NewWorkflow(changes ChangeSource, analyzer Analyzer, runs RunStore, regenerator ArtifactRegenerator, opts ...Option) *Workflow {
	w := &Workflow{
		changes:     changes,
		analyzer:    analyzer,
		runs:        runs,
		regenerator: regenerator,
		tracer:      noop.NewTracerProvider().Tracer("regeneration"),
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute runs one regeneration for the trigger artifact. Errors never
// escape: a failed workflow is reported through Result.ErrorMessage.
func (w *Workflow) Execute(ctx context.Context, projectID string, req Request) *Result {
	ctx = logging.WithProject(ctx, projectID)
	ctx, span := w.tracer.Start(ctx, "regeneration.Execute", trace.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.String("regeneration.trigger", req.TriggerArtifactID),
	))
	defer span.End()

	res := w.execute(ctx, projectID, req)

	span.SetAttributes(attribute.Bool("regeneration.success", res.Success))
	if res.Run != nil {
		span.SetAttributes(
			attribute.String("regeneration.run_id", res.Run.ID),
			attribute.String("regeneration.strategy", string(res.Run.SelectedStrategy)),
			attribute.Int("regeneration.regenerated", len(res.Run.ArtifactsRegenerated)),
			attribute.Int("regeneration.skipped", len(res.Run.ArtifactsSkipped)),
		)
	}
	if !res.Success {
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
	return res
}

func (w *Workflow) execute(ctx context.Context, projectID string, req Request) *Result {
	log := logging.For(ctx, w.logger)

	change, err := w.changes.LatestChange(ctx, projectID, req.TriggerArtifactID)
	if err != nil {
		return &Result{ErrorMessage: fmt.Sprintf("resolve change to %s: %v", req.TriggerArtifactID, err)}
	}
	if change == nil {
		change = &impact.ArtifactChange{
			ProjectID:    projectID,
			ArtifactName: req.TriggerArtifactID,
			HasChanges:   true,
			ImpactLevel:  impact.LevelMedium,
			Timestamp:    w.now(),
		}
	}

	analysis := w.analyzer.Analyze(change)
	strategy := req.Strategy
	if strategy == "" {
		strategy = analysis.RecommendedStrategy
	}
	if strategy == impact.StrategyIgnore {
		log.Info("regeneration ignored", zap.String("trigger", req.TriggerArtifactID))
		return &Result{Success: true, Analysis: analysis}
	}

	targets, err := selectArtifacts(strategy, analysis, req.ManualArtifactIDs)
	if err != nil {
		return &Result{Analysis: analysis, ErrorMessage: err.Error()}
	}

	run := &Run{
		ID:                    uuid.New().String(),
		ProjectID:             projectID,
		TriggerArtifactID:     req.TriggerArtifactID,
		SelectedStrategy:      strategy,
		ArtifactsToRegenerate: targets,
		ArtifactsRegenerated:  []string{},
		ArtifactsSkipped:      []string{},
		StartedAt:             w.now(),
	}
	if err := w.runs.CreateRun(ctx, run); err != nil {
		return &Result{Analysis: analysis, ErrorMessage: fmt.Sprintf("create run: %v", err)}
	}

	ctx = logging.WithRun(ctx, run.ID)
	log = logging.For(ctx, w.logger)
	log.Info("regeneration started",
		zap.String("trigger", req.TriggerArtifactID),
		zap.String("strategy", string(strategy)),
		zap.Int("artifacts", len(targets)))

	reason := fmt.Sprintf("regenerated after %s impact change to %s", change.ImpactLevel, req.TriggerArtifactID)
	var runErr error
	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("regeneration interrupted: %w", err)
			break
		}
		artifact, err := w.regenerator.RegenerateArtifact(ctx, projectID, id, reason)
		if err != nil {
			log.Warn("artifact regeneration failed", zap.String("artifact", id), zap.Error(err))
			run.ArtifactsSkipped = append(run.ArtifactsSkipped, id)
			continue
		}
		run.ArtifactsRegenerated = append(run.ArtifactsRegenerated, id)
		w.recordVersion(context.WithoutCancel(ctx), run, artifact, reason)
	}

	completed := w.now()
	run.CompletedAt = &completed
	run.DurationMs = completed.Sub(run.StartedAt).Milliseconds()
	run.Success = runErr == nil && len(run.ArtifactsSkipped) == 0
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}

	// The record is closed even when ctx was cancelled mid-run.
	final := context.WithoutCancel(ctx)
	if err := w.runs.CompleteRun(final, run); err != nil {
		log.Error("failed to complete run record", zap.Error(err))
	}
	w.publish(final, run)

	log.Info("regeneration finished",
		zap.Bool("success", run.Success),
		zap.Int("regenerated", len(run.ArtifactsRegenerated)),
		zap.Int("skipped", len(run.ArtifactsSkipped)),
		zap.Int64("duration_ms", run.DurationMs))

	return &Result{Success: run.Success, Run: run, Analysis: analysis, ErrorMessage: run.ErrorMessage}
}

func (w *Workflow) recordVersion(ctx context.Context, run *Run, a *project.Artifact, reason string) {
	if w.versions == nil || a == nil {
		return
	}
	v := project.ArtifactVersion{
		ProjectID: run.ProjectID,
		Phase:     a.Phase,
		Filename:  a.Filename,
		Version:   a.Version,
		Hash:      a.Hash,
		RunID:     run.ID,
		Reason:    reason,
		CreatedAt: w.now(),
	}
	if err := w.versions.RecordVersion(ctx, v); err != nil {
		logging.For(ctx, w.logger).Warn("failed to record artifact version",
			zap.String("artifact", a.Filename), zap.Error(err))
	}
}

func (w *Workflow) publish(ctx context.Context, run *Run) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.Publish(ctx, run.ProjectID, EventCompleted, run); err != nil {
		logging.For(ctx, w.logger).Warn("failed to publish regeneration event", zap.Error(err))
	}
}

// selectArtifacts applies strategy to the analysis. The result is never nil.
func selectArtifacts(strategy impact.Strategy, analysis *impact.Analysis, manual []string) ([]string, error) {
	var out []string
	switch strategy {
	case impact.StrategyRegenerateAll:
		out = analysis.ArtifactIDs()
	case impact.StrategyHighImpactOnly:
		out = analysis.HighImpact()
	case impact.StrategyManualReview:
		out = append(out, manual...)
	default:
		return nil, fmt.Errorf("unknown regeneration strategy %q", strategy)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
