package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestrd/internal/mcp"

// Metrics instruments tool calls. Every instrument carries the tool name and
// its registry category.
type Metrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	errors      metric.Int64Counter
	inFlight    metric.Int64UpDownCounter
}

// NewMetrics creates Metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}

	var err error
	if m.invocations, err = meter.Int64Counter(
		"orchestrd.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool calls by tool and category"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		logger.Warn("failed to create invocations counter", zap.Error(err))
	}

	// phase_run and workflow_run wait on generation, so buckets reach minutes.
	if m.duration, err = meter.Float64Histogram(
		"orchestrd.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 180, 600),
	); err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	if m.errors, err = meter.Int64Counter(
		"orchestrd.mcp.tool.errors_total",
		metric.WithDescription("Failed MCP tool calls by tool, category and reason"),
		metric.WithUnit("{error}"),
	); err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	if m.inFlight, err = meter.Int64UpDownCounter(
		"orchestrd.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in progress"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
	return m
}

func toolAttrs(meta *ToolMetadata) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("tool", meta.Name),
		attribute.String("category", string(meta.Category)),
	}
}

// Begin marks a call to meta as in flight. The returned func ends it and
// records the outcome.
func (m *Metrics) Begin(ctx context.Context, meta *ToolMetadata) func(err error) {
	start := time.Now()
	attrs := toolAttrs(meta)
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		m.RecordInvocation(ctx, meta, time.Since(start), err)
	}
}

// RecordInvocation records one finished call.
func (m *Metrics) RecordInvocation(ctx context.Context, meta *ToolMetadata, took time.Duration, err error) {
	attrs := toolAttrs(meta)
	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, took.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("reason", categorizeError(err)))...))
	}
}

// categorizeError maps an engine error to a reason label.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errInvalidArgument),
		errors.Is(err, project.ErrEmptyProjectName),
		errors.Is(err, project.ErrInvalidProjectID):
		return "invalid_argument"
	case errors.Is(err, project.ErrProjectNotFound),
		errors.Is(err, project.ErrArtifactNotFound),
		errors.Is(err, project.ErrGateNotFound),
		errors.Is(err, orchestrator.ErrUnknownPhase):
		return "not_found"
	case errors.Is(err, orchestrator.ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, orchestrator.ErrApprovalBlocked):
		return "approval_blocked"
	case errors.Is(err, orchestrator.ErrManualReviewRequired),
		errors.Is(err, orchestrator.ErrCheckerEscalated):
		return "manual_review"
	case errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrDependenciesIncomplete):
		return "invalid_transition"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal_error"
	}
}
