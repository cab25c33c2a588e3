package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type projectCtxKey struct{}
type phaseCtxKey struct{}
type runCtxKey struct{}

// WithProject tags ctx with a project id.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectCtxKey{}, projectID)
}

// WithPhase tags ctx with the phase being executed.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// WithRun tags ctx with a regeneration run id.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// ProjectFromContext returns the project id, or "".
func ProjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(projectCtxKey{}).(string)
	return s
}

// PhaseFromContext returns the phase name, or "".
func PhaseFromContext(ctx context.Context) string {
	s, _ := ctx.Value(phaseCtxKey{}).(string)
	return s
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if p := ProjectFromContext(ctx); p != "" {
		fields = append(fields, zap.String("project.id", p))
	}
	if p := PhaseFromContext(ctx); p != "" {
		fields = append(fields, zap.String("phase", p))
	}
	if r, _ := ctx.Value(runCtxKey{}).(string); r != "" {
		fields = append(fields, zap.String("run.id", r))
	}
	return fields
}

// For returns logger enriched with the correlation fields carried by ctx.
func For(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
