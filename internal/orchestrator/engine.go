package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/checker"
	"github.com/fyrsmithlabs/orchestrd/internal/events"
	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/regeneration"
	"github.com/fyrsmithlabs/orchestrd/internal/remediation"
	"github.com/fyrsmithlabs/orchestrd/internal/store"
	"github.com/fyrsmithlabs/orchestrd/internal/validation"
	"github.com/fyrsmithlabs/orchestrd/internal/vcs"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

const instrumentationName = "github.com/fyrsmithlabs/orchestrd/internal/orchestrator"

// SpecProvider yields the active workflow specification.
type SpecProvider interface {
	Current() *workflowspec.WorkflowSpec
}

// Store is the persistence the engine needs. *store.Store implements it.
type Store interface {
	CreateProject(ctx context.Context, state *project.State, gates []*workflowspec.GateSpec) error
	GetProject(ctx context.Context, id string) (*project.State, error)
	SaveProject(ctx context.Context, state *project.State) error
	ListProjects(ctx context.Context) ([]store.ProjectSummary, error)

	SaveArtifact(ctx context.Context, projectID string, phase workflowspec.PhaseName, filename, content string) (*project.Artifact, error)
	EditArtifact(ctx context.Context, projectID string, phase workflowspec.PhaseName, filename, content string) (string, error)
	FindArtifact(ctx context.Context, projectID, filename string) (*project.Artifact, error)
	ListArtifacts(ctx context.Context, projectID string, phase workflowspec.PhaseName) ([]*project.Artifact, error)
	RecordVersion(ctx context.Context, v project.ArtifactVersion) error

	GetProjectGates(ctx context.Context, projectID string) ([]project.Gate, error)
	CanProceedFromPhase(ctx context.Context, projectID string, phase workflowspec.PhaseName) (bool, string, error)
	SetGateStatus(ctx context.Context, projectID, gate string, status project.GateStatus, actor string) error

	Snapshot(ctx context.Context, projectID string, phase workflowspec.PhaseName, artifacts, metadata map[string]string, commitRef string) (int64, error)
	LatestSnapshot(ctx context.Context, projectID string, phase workflowspec.PhaseName) (*project.Snapshot, error)

	SaveChange(ctx context.Context, change *impact.ArtifactChange) error
	regeneration.ChangeSource
	regeneration.RunStore
	ListRuns(ctx context.Context, projectID string) ([]*regeneration.Run, error)
}

// Validator runs a phase's checks. *validation.Registry implements it.
type Validator interface {
	Validate(ctx context.Context, spec *workflowspec.WorkflowSpec, in *validation.Input) *validation.Result
}

// Reviewer is the adversarial review step. *checker.Checker implements it.
type Reviewer interface {
	Execute(ctx context.Context, phase workflowspec.PhaseName, artifacts, refs map[string]string) *checker.Result
}

// Remediator decides whether a failure can be fixed automatically.
type Remediator interface {
	Attempt(ctx context.Context, req remediation.Request) *remediation.AutoRemedyResult
}

// ImpactAnalyzer records artifact edits and analyzes their reach.
type ImpactAnalyzer interface {
	RecordChange(ctx context.Context, projectID, artifact, oldContent, newContent string) (*impact.ArtifactChange, error)
	Analyze(change *impact.ArtifactChange) *impact.Analysis
}

// Committer commits a phase's artifacts. *vcs.Committer implements it.
type Committer interface {
	Commit(ctx context.Context, slug, phase string, files map[string]string, agent string, duration time.Duration) (*vcs.CommitResult, error)
}

// TelemetryProvider is satisfied by *telemetry.Telemetry.
type TelemetryProvider interface {
	Tracer(name string) trace.Tracer
	Meter(name string) metric.Meter
}

// Config tunes the engine.
type Config struct {
	// MaxParallelPhases bounds concurrent phases in one stage.
	MaxParallelPhases int

	// MaxRemediationAttempts bounds AUTO_REMEDY reruns between two
	// successful advances.
	MaxRemediationAttempts int
}

func (c *Config) applyDefaults() {
	if c.MaxParallelPhases < 1 {
		c.MaxParallelPhases = 4
	}
	if c.MaxRemediationAttempts < 1 {
		c.MaxRemediationAttempts = 3
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets engine limits.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithAgent registers the agent for one phase.
func WithAgent(phase workflowspec.PhaseName, agent PhaseAgent) Option {
	return func(e *Engine) { e.agents[phase] = agent }
}

// WithDefaultAgent sets the agent used for phases without their own.
func WithDefaultAgent(agent PhaseAgent) Option {
	return func(e *Engine) { e.defaultAgent = agent }
}

// WithValidator replaces the validator registry.
func WithValidator(v Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithReviewer enables adversarial review.
func WithReviewer(r Reviewer) Option {
	return func(e *Engine) { e.reviewer = r }
}

// WithRemediator replaces the default remediator.
func WithRemediator(r Remediator) Option {
	return func(e *Engine) { e.remediator = r }
}

// WithAnalyzer replaces the default impact analyzer.
func WithAnalyzer(a ImpactAnalyzer) Option {
	return func(e *Engine) { e.analyzer = a }
}

// WithCommitter enables git commits on phase completion.
func WithCommitter(c Committer) Option {
	return func(e *Engine) { e.committer = c }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithTelemetry replaces the global tracer and meter.
func WithTelemetry(tp TelemetryProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(instrumentationName)
		e.meter = tp.Meter(instrumentationName)
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine is the phase state machine.
type Engine struct {
	specs SpecProvider
	store Store
	cfg   Config

	agents       map[workflowspec.PhaseName]PhaseAgent
	defaultAgent PhaseAgent
	validator    Validator
	reviewer     Reviewer
	remediator   Remediator
	analyzer     ImpactAnalyzer
	committer    Committer
	publisher    events.Publisher
	regen        *regeneration.Workflow

	tracer    trace.Tracer
	meter     metric.Meter
	phaseRuns metric.Int64Counter
	now       func() time.Time
	logger    *zap.Logger

	locks sync.Map // project ID -> *sync.Mutex
}

// NewEngine creates an Engine. Without WithDefaultAgent or WithAgent,
// RunPhaseAgent fails with ErrNoAgent for generating phases.
func NewEngine(specs SpecProvider, st Store, opts ...Option) *Engine {
	e := &Engine{
		specs:     specs,
		store:     st,
		agents:    make(map[workflowspec.PhaseName]PhaseAgent),
		publisher: events.Noop{},
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.applyDefaults()

	if e.validator == nil {
		e.validator = validation.NewRegistry(nil, e.logger)
	}
	if e.remediator == nil {
		e.remediator = remediation.NewRemediator(specs, remediation.WithLogger(e.logger))
	}
	if e.analyzer == nil {
		e.analyzer = impact.NewAnalyzer(specs, impact.WithRecorder(st), impact.WithLogger(e.logger))
	}
	e.regen = regeneration.NewWorkflow(st, e.analyzer, st, e,
		regeneration.WithVersions(st),
		regeneration.WithPublisher(e.publisher),
		regeneration.WithTracer(e.tracer),
		regeneration.WithClock(e.now),
		regeneration.WithLogger(e.logger),
	)

	var err error
	e.phaseRuns, err = e.meter.Int64Counter(
		"orchestrd.engine.phase_runs_total",
		metric.WithDescription("Phase agent runs by phase and outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		e.logger.Warn("failed to create phase run counter", zap.Error(err))
	}
	return e
}

// lock serializes read-modify-write of one project's state.
func (e *Engine) lock(projectID string) func() {
	m, _ := e.locks.LoadOrStore(projectID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateProject creates a project at the first phase with every declared
// gate pending.
func (e *Engine) CreateProject(ctx context.Context, name string) (*project.State, error) {
	state, err := project.NewState(name, e.now())
	if err != nil {
		return nil, err
	}
	spec := e.specs.Current()
	names := make([]string, 0, len(spec.Gates))
	for n := range spec.Gates {
		names = append(names, n)
	}
	sort.Strings(names)
	gates := make([]*workflowspec.GateSpec, 0, len(names))
	for _, n := range names {
		gates = append(gates, spec.Gates[n])
	}

	if err := e.store.CreateProject(ctx, state, gates); err != nil {
		return nil, err
	}
	logging.For(logging.WithProject(ctx, state.ID), e.logger).Info("project created",
		zap.String("name", state.Name), zap.String("slug", state.Slug))
	return state, nil
}

// GetProject loads a project.
func (e *Engine) GetProject(ctx context.Context, projectID string) (*project.State, error) {
	return e.store.GetProject(ctx, projectID)
}

// ListProjects lists every project.
func (e *Engine) ListProjects(ctx context.Context) ([]store.ProjectSummary, error) {
	return e.store.ListProjects(ctx)
}

// ListArtifacts returns the project's artifacts, optionally for one phase.
func (e *Engine) ListArtifacts(ctx context.Context, projectID string, phase workflowspec.PhaseName) ([]*project.Artifact, error) {
	return e.store.ListArtifacts(ctx, projectID, phase)
}

// Gates returns the project's approval gates.
func (e *Engine) Gates(ctx context.Context, projectID string) ([]project.Gate, error) {
	return e.store.GetProjectGates(ctx, projectID)
}

// Runs returns the project's regeneration runs.
func (e *Engine) Runs(ctx context.Context, projectID string) ([]*regeneration.Run, error) {
	return e.store.ListRuns(ctx, projectID)
}

// SetStackChoice records the chosen technology stack.
func (e *Engine) SetStackChoice(ctx context.Context, projectID, choice string) (*project.State, error) {
	choice = strings.TrimSpace(choice)
	if choice == "" {
		return nil, fmt.Errorf("stack choice cannot be empty")
	}
	unlock := e.lock(projectID)
	defer unlock()

	state, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	state.StackChoice = choice
	if err := e.store.SaveProject(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// DecideGate records a decision on an approval gate.
func (e *Engine) DecideGate(ctx context.Context, projectID, gate string, status project.GateStatus, actor string) error {
	switch status {
	case project.GateApproved, project.GateRejected, project.GatePending:
	default:
		return fmt.Errorf("unknown gate status %q", status)
	}
	if err := e.store.SetGateStatus(ctx, projectID, gate, status, actor); err != nil {
		return err
	}
	logging.For(logging.WithProject(ctx, projectID), e.logger).Info("gate decided",
		zap.String("gate", gate), zap.String("status", string(status)), zap.String("actor", actor))
	e.publish(ctx, projectID, "gate."+string(status), map[string]string{"gate": gate, "actor": actor})
	return nil
}

// EditArtifact stores a user edit and records the detected change. A nil
// change means the content was identical.
func (e *Engine) EditArtifact(ctx context.Context, projectID, filename, content string) (*impact.ArtifactChange, error) {
	current, err := e.store.FindArtifact(ctx, projectID, filename)
	if err != nil {
		return nil, err
	}
	previous, err := e.store.EditArtifact(ctx, projectID, current.Phase, filename, content)
	if err != nil {
		return nil, err
	}
	change, err := e.analyzer.RecordChange(ctx, projectID, filename, previous, content)
	if err != nil {
		return nil, err
	}
	if change != nil {
		e.publish(ctx, projectID, events.ArtifactEdited, change)
	}
	return change, nil
}

// AnalyzeImpact analyzes the latest recorded change to artifact. It returns
// nil when no change was recorded.
func (e *Engine) AnalyzeImpact(ctx context.Context, projectID, artifact string) (*impact.Analysis, error) {
	change, err := e.store.LatestChange(ctx, projectID, artifact)
	if err != nil || change == nil {
		return nil, err
	}
	return e.analyzer.Analyze(change), nil
}

// Regenerate runs the regeneration workflow for a changed artifact.
func (e *Engine) Regenerate(ctx context.Context, projectID string, req regeneration.Request) *regeneration.Result {
	return e.regen.Execute(ctx, projectID, req)
}

func (e *Engine) publish(ctx context.Context, projectID, event string, payload any) {
	if err := e.publisher.Publish(ctx, projectID, event, payload); err != nil {
		logging.For(ctx, e.logger).Warn("failed to publish event", zap.String("event", event), zap.Error(err))
	}
}

// agentFor returns the agent registered for phase.
func (e *Engine) agentFor(phase workflowspec.PhaseName) (PhaseAgent, error) {
	if a, ok := e.agents[phase]; ok {
		return a, nil
	}
	if e.defaultAgent != nil {
		return e.defaultAgent, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAgent, phase)
}

// agentName is the role credited with a phase's output.
func agentName(phase *workflowspec.PhaseDef) string {
	if len(phase.Owners) > 0 {
		return phase.Owners[0]
	}
	return strings.ToLower(string(phase.Name))
}

// gatherInputs loads the latest content of the phase's declared inputs.
// Missing inputs are skipped.
func (e *Engine) gatherInputs(ctx context.Context, projectID string, phase *workflowspec.PhaseDef) map[string]string {
	inputs := make(map[string]string, len(phase.Inputs))
	for _, name := range phase.Inputs {
		a, err := e.store.FindArtifact(ctx, projectID, name)
		if err != nil {
			logging.For(ctx, e.logger).Debug("input artifact unavailable", zap.String("artifact", name), zap.Error(err))
			continue
		}
		inputs[name] = a.Content
	}
	return inputs
}

// latestArtifacts maps every artifact filename to its content.
func (e *Engine) latestArtifacts(ctx context.Context, projectID string) (map[string]*project.Artifact, error) {
	list, err := e.store.ListArtifacts(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*project.Artifact, len(list))
	for _, a := range list {
		if prev, ok := out[a.Filename]; ok && prev.UpdatedAt.After(a.UpdatedAt) {
			continue
		}
		out[a.Filename] = a
	}
	return out, nil
}
