// Package checker runs an adversarial review of a phase's artifacts before
// they are accepted.
//
// Only phases listed in the workflow's reviewer registry are reviewed. The
// checker fails open: if the reviewer cannot be reached or answers with
// something unparseable, the artifacts are approved and the problem is
// logged.
package checker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/generation"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestrd/internal/checker"

// Status is the reviewer's verdict.
type Status string

const (
	StatusApproved   Status = "approved"
	StatusRegenerate Status = "regenerate"
	StatusEscalate   Status = "escalate"
)

// Severity grades one feedback item.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityCritical Severity = "critical"
)

// Feedback is one concern raised by the reviewer.
type Feedback struct {
	Severity       Severity `json:"severity"`
	Category       string   `json:"category"`
	Concern        string   `json:"concern"`
	Recommendation string   `json:"recommendation"`
}

// Result is the outcome of a review.
type Result struct {
	Status     Status     `json:"status"`
	Feedback   []Feedback `json:"feedback"`
	Confidence float64    `json:"confidence"`
	Summary    string     `json:"summary"`
}

// review is the structured answer requested from the model.
type review struct {
	Verdict    string     `json:"verdict"`
	Feedback   []Feedback `json:"feedback"`
	Confidence float64    `json:"confidence"`
	Summary    string     `json:"summary"`
}

var reviewSchema = &generation.Schema{
	Name: "review",
	Example: `{
  "verdict": "approve | regenerate | escalate",
  "feedback": [
    {"severity": "low | medium | critical", "category": "completeness", "concern": "...", "recommendation": "..."}
  ],
  "confidence": 0.8,
  "summary": "one sentence"
}`,
}

// StructuredGenerator is satisfied by *admission.Caller.
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, credential string, req *generation.Request, out any) (*generation.Response, error)
}

// SpecProvider yields the active workflow specification.
type SpecProvider interface {
	Current() *workflowspec.WorkflowSpec
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// WithTelemetry replaces the global tracer and meter.
func WithTelemetry(tp interface {
	Tracer(name string) trace.Tracer
	Meter(name string) metric.Meter
}) Option {
	return func(c *Checker) {
		c.tracer = tp.Tracer(instrumentationName)
		c.meter = tp.Meter(instrumentationName)
	}
}

// Checker reviews phase output through the admission-controlled generator.
type Checker struct {
	gen        StructuredGenerator
	credential string
	specs      SpecProvider
	logger     *zap.Logger

	tracer  trace.Tracer
	meter   metric.Meter
	reviews metric.Int64Counter
}

// New creates a Checker. credential selects the admission state the
// reviewer calls are charged to.
func New(gen StructuredGenerator, credential string, specs SpecProvider, opts ...Option) *Checker {
	c := &Checker{
		gen:        gen,
		credential: credential,
		specs:      specs,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	c.reviews, err = c.meter.Int64Counter(
		"orchestrd.checker.reviews_total",
		metric.WithDescription("Reviews by verdict"),
		metric.WithUnit("{review}"),
	)
	if err != nil {
		c.logger.Warn("failed to create checker counter", zap.Error(err))
	}
	return c
}

// Applies reports whether phase has a reviewer configured.
func (c *Checker) Applies(phase workflowspec.PhaseName) bool {
	_, ok := c.specs.Current().Reviewer(phase)
	return ok
}

// Execute reviews artifacts (filename to content) produced by phase.
// refs are read-only documents the reviewer may consult.
func (c *Checker) Execute(ctx context.Context, phase workflowspec.PhaseName, artifacts, refs map[string]string) *Result {
	spec := c.specs.Current()
	reviewer, ok := spec.Reviewer(phase)
	if !ok {
		return &Result{Status: StatusApproved, Feedback: []Feedback{}, Confidence: 1, Summary: "no reviewer configured"}
	}

	ctx, span := c.tracer.Start(ctx, "checker.Execute", trace.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.Int("artifacts", len(artifacts)),
	))
	defer span.End()
	log := logging.For(ctx, c.logger)

	settings := spec.GenerationFor(phase)
	req := &generation.Request{
		Phase:       string(phase),
		System:      systemPrompt,
		Prompt:      reviewPrompt(phase, reviewer.Criteria),
		ContextDocs: append(documents(refs), documents(artifacts)...),
		Model:       settings.Model,
		MaxTokens:   settings.MaxTokens,
		Temperature: 0,
		Schema:      reviewSchema,
	}

	var out review
	if _, err := c.gen.GenerateStructured(ctx, c.credential, req, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "review failed")
		log.Warn("review unavailable, approving", zap.String("phase", string(phase)), zap.Error(err))
		return c.record(ctx, span, &Result{
			Status:   StatusApproved,
			Feedback: []Feedback{},
			Summary:  fmt.Sprintf("review unavailable: %v", err),
		})
	}

	res := &Result{
		Status:     decide(out),
		Feedback:   out.Feedback,
		Confidence: clamp(out.Confidence),
		Summary:    out.Summary,
	}
	if res.Feedback == nil {
		res.Feedback = []Feedback{}
	}
	log.Info("review complete",
		zap.String("phase", string(phase)),
		zap.String("status", string(res.Status)),
		zap.Int("feedback", len(res.Feedback)),
		zap.Float64("confidence", res.Confidence))
	return c.record(ctx, span, res)
}

func (c *Checker) record(ctx context.Context, span trace.Span, res *Result) *Result {
	span.SetAttributes(attribute.String("checker.status", string(res.Status)))
	if c.reviews != nil {
		c.reviews.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	}
	return res
}

// decide derives the verdict. A critical item or an explicit escalation
// escalates; any feedback asks for regeneration.
func decide(r review) Status {
	if strings.EqualFold(strings.TrimSpace(r.Verdict), string(StatusEscalate)) {
		return StatusEscalate
	}
	for _, f := range r.Feedback {
		if Severity(strings.ToLower(string(f.Severity))) == SeverityCritical {
			return StatusEscalate
		}
	}
	if len(r.Feedback) > 0 {
		return StatusRegenerate
	}
	return StatusApproved
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func documents(m map[string]string) []generation.Document {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)

	docs := make([]generation.Document, 0, len(names))
	for _, n := range names {
		docs = append(docs, generation.Document{Name: n, Content: m[n]})
	}
	return docs
}

const systemPrompt = `You are a skeptical senior reviewer. Your job is to find real defects in the documents you are given, not to rewrite them. Report only concrete, actionable concerns. Mark a concern critical only if shipping the document as-is would cause the project to fail or violate its constitution.`

func reviewPrompt(phase workflowspec.PhaseName, criteria []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review the %s artifacts against these criteria:\n", phase)
	for _, c := range criteria {
		fmt.Fprintf(&sb, "- %s\n", c)
	}
	sb.WriteString("\nReturn an empty feedback list if every criterion is met.")
	return sb.String()
}
