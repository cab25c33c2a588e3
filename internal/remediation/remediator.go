package remediation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestrd/internal/remediation"

// SpecProvider yields the active workflow specification.
type SpecProvider interface {
	Current() *workflowspec.WorkflowSpec
}

// Option configures a Remediator.
type Option func(*Remediator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Remediator) { r.logger = l }
}

// TelemetryProvider is satisfied by *telemetry.Telemetry.
type TelemetryProvider interface {
	Tracer(name string) trace.Tracer
	Meter(name string) metric.Meter
}

// WithTelemetry replaces the global tracer and meter.
func WithTelemetry(tp TelemetryProvider) Option {
	return func(r *Remediator) {
		r.tracer = tp.Tracer(instrumentationName)
		r.meter = tp.Meter(instrumentationName)
	}
}

// Remediator runs classification, strategy lookup and the safeguard chain.
type Remediator struct {
	specs  SpecProvider
	logger *zap.Logger

	tracer   trace.Tracer
	meter    metric.Meter
	attempts metric.Int64Counter
}

// NewRemediator creates a Remediator.
func NewRemediator(specs SpecProvider, opts ...Option) *Remediator {
	r := &Remediator{
		specs:  specs,
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	r.attempts, err = r.meter.Int64Counter(
		"orchestrd.remediation.attempts_total",
		metric.WithDescription("Auto-remedy attempts by failure type and verdict"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		r.logger.Warn("failed to create remediation counter", zap.Error(err))
	}
	return r
}

// Attempt decides whether req can be fixed automatically.
func (r *Remediator) Attempt(ctx context.Context, req Request) *AutoRemedyResult {
	ctx, span := r.tracer.Start(ctx, "remediation.Attempt", trace.WithAttributes(
		attribute.String("project.id", req.ProjectID),
		attribute.String("phase", string(req.FailedPhase)),
		attribute.Int("attempt", req.CurrentAttempt),
	))
	defer span.End()

	classification := ClassifyAll(req.FailedPhase, req.Errors)
	strategy := StrategyFor(classification.Type, req.FailedPhase)

	verdict := RunSafeguards(&req, strategy,
		attemptsGuard,
		classificationGuard,
		protectedGuard(r.specs.Current()),
		userEditGuard,
	)

	res := &AutoRemedyResult{
		Classification: classification,
		Safeguard:      verdict,
		NextAttempt:    req.CurrentAttempt,
	}
	if verdict.Approved {
		res.CanProceed = true
		res.Remediation = &strategy
		res.Reason = strategy.Reason
		res.NextAttempt = req.CurrentAttempt + 1
	} else {
		res.RequiresManualReview = true
		res.Reason = verdict.Reason
	}

	span.SetAttributes(
		attribute.String("remediation.type", string(classification.Type)),
		attribute.Bool("remediation.can_proceed", res.CanProceed),
	)
	if r.attempts != nil {
		r.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(classification.Type)),
			attribute.Bool("approved", res.CanProceed),
		))
	}
	logging.For(ctx, r.logger).Info("auto-remedy evaluated",
		zap.String("phase", string(req.FailedPhase)),
		zap.String("type", string(classification.Type)),
		zap.Float64("confidence", classification.Confidence),
		zap.Bool("can_proceed", res.CanProceed),
		zap.String("reason", res.Reason))
	return res
}
