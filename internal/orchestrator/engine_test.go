package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/orchestrd/internal/checker"
	"github.com/fyrsmithlabs/orchestrd/internal/events"
	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/outcome"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/regeneration"
	"github.com/fyrsmithlabs/orchestrd/internal/store"
	"github.com/fyrsmithlabs/orchestrd/internal/telemetry"
	"github.com/fyrsmithlabs/orchestrd/internal/vcs"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

type staticSpec struct{ spec *workflowspec.WorkflowSpec }

func (s staticSpec) Current() *workflowspec.WorkflowSpec { return s.spec }

var prd = "# PRD\n\n" +
	"A small todo service for teams who want a shared list without the overhead of a full project tracker. " +
	"The service exposes a JSON API and keeps every list in a relational database so that history can be audited. " +
	"Teams sign in with their existing identity provider and can share lists with other teams.\n\n" +
	"## Requirements\n- FR-1 Create a todo\n- FR-2 Share a list\n\n" +
	"## Non-Functional Requirements\n- NFR-1 p99 latency under 200ms\n"

func fixtures() map[workflowspec.PhaseName]map[string]string {
	return map[workflowspec.PhaseName]map[string]string{
		workflowspec.PhaseAnalysis: {
			"constitution.md":  "# Constitution\n\n## Principles\n- Ship small increments.\n\n## Prohibited\n- MongoDB: relational stores only.\n",
			"project-brief.md": "# Brief\n\n## Goals\nShared todo lists.\n\n## Users\nSmall teams.\n\n## Constraints\nOne server.\n",
			"personas.md":      "# Personas\n\nAlex leads a team of five.\n",
		},
		workflowspec.PhaseStackSelection: {
			"stack-analysis.md":  "# Stack analysis\n\nGo and Node.js both fit.\n",
			"stack-decision.md":  "# Stack\n\n## Decision\nGo with PostgreSQL.\n\n## Alternatives\nNode.js.\n",
			"stack-rationale.md": "# Rationale\n\nThe team knows Go.\n",
		},
		workflowspec.PhaseSpec: {
			"PRD.md":        prd,
			"data-model.md": "# Data model\n\nList has many Items.\n",
			"api-spec.json": `{"openapi": "3.1.0", "paths": {}}`,
		},
		workflowspec.PhaseDependencies: {
			"DEPENDENCIES.md":        "# Dependencies\n\n## Runtime\n- pgx\n\n## Development\n- testify\n",
			"dependency-proposal.md": "# Proposal\n\nPin pgx to v5.\n",
		},
		workflowspec.PhaseSolutioning: {
			"architecture.md": "# Architecture\n\nA Go service backed by PostgreSQL.\n",
			"epics.md":        "# Epics\n\n- E1 lists (FR-1, FR-2)\n",
			"tasks.md":        "# Tasks\n\n- T1 implements FR-1\n- T2 implements FR-2\n- T3 load test for NFR-1\n",
		},
		workflowspec.PhaseValidate: {
			"validation-report.md": "# Validation\n\nAll artifacts are consistent.\n",
		},
	}
}

// scriptedAgent returns fixture files and records every request.
type scriptedAgent struct {
	mu     sync.Mutex
	files  map[workflowspec.PhaseName]map[string]string
	fail   map[workflowspec.PhaseName]int
	before func(phase workflowspec.PhaseName) error
	calls  []AgentRequest
}

func newScriptedAgent() *scriptedAgent {
	return &scriptedAgent{files: fixtures(), fail: make(map[workflowspec.PhaseName]int)}
}

func (a *scriptedAgent) set(phase workflowspec.PhaseName, name, content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[phase][name] = content
}

func (a *scriptedAgent) Run(_ context.Context, req *AgentRequest) (map[string]string, error) {
	if a.before != nil {
		if err := a.before(req.Phase.Name); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, *req)
	if a.fail[req.Phase.Name] > 0 {
		a.fail[req.Phase.Name]--
		return nil, errors.New("model unavailable")
	}
	out := make(map[string]string)
	for _, name := range req.Wanted() {
		if c, ok := a.files[req.Phase.Name][name]; ok {
			out[name] = c
		}
	}
	return out, nil
}

func (a *scriptedAgent) callsFor(phase workflowspec.PhaseName) []AgentRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AgentRequest
	for _, c := range a.calls {
		if c.Phase.Name == phase {
			out = append(out, c)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) has(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

type stubReviewer struct {
	phase  workflowspec.PhaseName
	result *checker.Result
	calls  int
}

func (r *stubReviewer) Execute(_ context.Context, phase workflowspec.PhaseName, _, _ map[string]string) *checker.Result {
	if phase != r.phase {
		return &checker.Result{Status: checker.StatusApproved, Confidence: 1}
	}
	r.calls++
	return r.result
}

type harness struct {
	engine *Engine
	store  *store.Store
	agent  *scriptedAgent
	events *recordingPublisher
	tel    *telemetry.TestTelemetry
	log    *logging.TestLogger
	repo   string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "orchestrd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:  st,
		agent:  newScriptedAgent(),
		events: &recordingPublisher{},
		tel:    telemetry.NewTestTelemetry(),
		log:    logging.NewTestLogger(),
		repo:   t.TempDir(),
	}
	base := []Option{
		WithDefaultAgent(h.agent),
		WithPublisher(h.events),
		WithTelemetry(h.tel),
		WithLogger(h.log.Logger),
		WithCommitter(vcs.NewCommitter(vcs.Config{RepoRoot: h.repo})),
	}
	h.engine = NewEngine(staticSpec{workflowspec.Default()}, st, append(base, opts...)...)
	return h
}

func (h *harness) create(t *testing.T) *project.State {
	t.Helper()
	state, err := h.engine.CreateProject(context.Background(), "Todo App")
	require.NoError(t, err)
	return state
}

// advanceTo runs and advances phases until the project reaches target,
// approving gates and recording the stack choice on the way.
func (h *harness) advanceTo(t *testing.T, id string, target workflowspec.PhaseName) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		state, err := h.engine.GetProject(ctx, id)
		require.NoError(t, err)
		if state.CurrentPhase == target {
			return
		}
		if _, err := h.engine.RunPhaseAgent(ctx, id, state.CurrentPhase, nil); err != nil {
			require.NoError(t, err, "run %s", state.CurrentPhase)
		}
		if state.CurrentPhase == workflowspec.PhaseStackSelection {
			_, err = h.engine.SetStackChoice(ctx, id, "go-postgres")
			require.NoError(t, err)
			require.NoError(t, h.engine.DecideGate(ctx, id, "stack_approval", project.GateApproved, "alice"))
		}
		_, err = h.engine.AdvancePhase(ctx, id)
		require.NoError(t, err, "advance from %s", state.CurrentPhase)
	}
	t.Fatalf("project never reached %s", target)
}

func TestCreateProject(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)

	assert.Equal(t, workflowspec.PhaseAnalysis, state.CurrentPhase)
	assert.Equal(t, "todo-app", state.Slug)

	gates, err := h.engine.Gates(context.Background(), state.ID)
	require.NoError(t, err)
	require.Len(t, gates, 2)
	for _, g := range gates {
		assert.Equal(t, project.GatePending, g.Status)
	}

	_, err = h.engine.CreateProject(context.Background(), "  ")
	assert.ErrorIs(t, err, project.ErrEmptyProjectName)
}

func TestRunPhaseAgent_PersistsArtifacts(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	ctx := context.Background()

	out, err := h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseAnalysis, nil)
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Contains(t, out, "ANALYSIS/constitution.md")

	arts, err := h.engine.ListArtifacts(ctx, state.ID, workflowspec.PhaseAnalysis)
	require.NoError(t, err)
	require.Len(t, arts, 3)
	for _, a := range arts {
		assert.Equal(t, 1, a.Version)
		assert.Equal(t, a.Hash, a.OriginalHash)
	}

	got, err := h.engine.GetProject(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ArtifactVersions[workflowspec.PhaseAnalysis])

	assert.True(t, h.events.has(events.PhaseCompleted))
	h.tel.AssertSpanExists(t, "orchestrator.RunPhaseAgent")
	h.tel.AssertSpanAttribute(t, "orchestrator.RunPhaseAgent", "artifacts", int64(3))
	assert.Equal(t, int64(1), h.tel.CounterValue(t, "orchestrd.engine.phase_runs_total"))
	h.log.AssertLogged(t, zapcore.InfoLevel, "phase artifacts produced")
}

func TestRunPhaseAgent_Guards(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	ctx := context.Background()

	_, err := h.engine.RunPhaseAgent(ctx, state.ID, "DEPLOY", nil)
	assert.ErrorIs(t, err, ErrUnknownPhase)

	_, err = h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseSpec, nil)
	var blocked *ApprovalBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "stack_approval", blocked.Gate)
	assert.ErrorIs(t, err, ErrApprovalBlocked)
	assert.Empty(t, h.agent.callsFor(workflowspec.PhaseSpec), "blocked before any generation")

	out, err := h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseDone, nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseAutoRemedy, nil)
	assert.ErrorIs(t, err, ErrManualReviewRequired)

	noAgent := NewEngine(staticSpec{workflowspec.Default()}, h.store)
	_, err = noAgent.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseAnalysis, nil)
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestRunPhaseAgent_GathersInputs(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	h.advanceTo(t, state.ID, workflowspec.PhaseSpec)

	_, err := h.engine.RunPhaseAgent(context.Background(), state.ID, workflowspec.PhaseSpec, nil)
	require.NoError(t, err)

	calls := h.agent.callsFor(workflowspec.PhaseSpec)
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].Inputs, 4)
	assert.Contains(t, calls[0].Inputs["stack-decision.md"], "Go with PostgreSQL")
}

func TestAdvancePhase(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	ctx := context.Background()

	_, err := h.engine.AdvancePhase(ctx, state.ID)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr, "no artifacts yet")
	assert.Contains(t, verr.Result.ErrorMessages(), "missing artifact: constitution.md")

	_, err = h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseAnalysis, nil)
	require.NoError(t, err)
	got, err := h.engine.AdvancePhase(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, workflowspec.PhaseStackSelection, got.CurrentPhase)
	assert.Equal(t, []workflowspec.PhaseName{workflowspec.PhaseAnalysis}, got.PhasesCompleted)
	require.Len(t, got.Transitions, 1)
	assert.Equal(t, project.TransitionAdvance, got.Transitions[0].Kind)

	snap, err := h.store.LatestSnapshot(ctx, state.ID, workflowspec.PhaseAnalysis)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Artifacts, 3)
	assert.Len(t, snap.CommitRef, 40)
	assert.Equal(t, "analyst", snap.Metadata["agent"])
	assert.FileExists(t, filepath.Join(h.repo, "todo-app", "constitution.md"))

	_, err = h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseStackSelection, nil)
	require.NoError(t, err)

	_, err = h.engine.AdvancePhase(ctx, state.ID)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Result.ErrorMessages(), "no stack choice recorded on the project")

	_, err = h.engine.SetStackChoice(ctx, state.ID, "go-postgres")
	require.NoError(t, err)
	ready, err := h.engine.CanAdvance(ctx, state.ID)
	require.NoError(t, err)
	assert.False(t, ready.Ready)
	assert.Equal(t, []string{"stack_approval"}, ready.PendingGates)

	_, err = h.engine.AdvancePhase(ctx, state.ID)
	assert.ErrorIs(t, err, ErrApprovalBlocked)

	require.NoError(t, h.engine.DecideGate(ctx, state.ID, "stack_approval", project.GateApproved, "alice"))
	got, err = h.engine.AdvancePhase(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, workflowspec.PhaseSpec, got.CurrentPhase)
	assert.True(t, h.events.has(events.PhaseAdvanced))
	assert.True(t, h.events.has("gate.approved"))
}

func TestAdvancePhase_Terminal(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	h.advanceTo(t, state.ID, workflowspec.PhaseDone)

	_, err := h.engine.AdvancePhase(context.Background(), state.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRollbackPhase(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	ctx := context.Background()
	h.advanceTo(t, state.ID, workflowspec.PhaseDependencies)

	_, err := h.engine.RollbackPhase(ctx, state.ID, workflowspec.PhaseSolutioning)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := h.engine.RollbackPhase(ctx, state.ID, workflowspec.PhaseStackSelection)
	require.NoError(t, err)
	assert.Equal(t, workflowspec.PhaseStackSelection, got.CurrentPhase)
	assert.Equal(t, []workflowspec.PhaseName{workflowspec.PhaseAnalysis}, got.PhasesCompleted)
	assert.Equal(t, project.GatePending, got.ApprovalGateStatuses["stack_approval"])

	ready, err := h.engine.CanAdvance(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"stack_approval"}, ready.PendingGates)
	assert.True(t, h.events.has(events.PhaseRolledBack))
}

func TestProcessValidation_AutoRemedy(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	ctx := context.Background()
	h.advanceTo(t, state.ID, workflowspec.PhaseSolutioning)

	h.agent.set(workflowspec.PhaseSolutioning, "tasks.md", "# Tasks\n\n- T1 implements FR-1\n- T3 load test for NFR-1\n")
	_, err := h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseSolutioning, nil)
	require.NoError(t, err)

	report, err := h.engine.ProcessValidation(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, outcome.FailuresDetected, report.Decision.Outcome)
	assert.Equal(t, []string{"tasks.md"}, report.Decision.FailedArtifacts)

	got, err := h.engine.GetProject(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, workflowspec.PhaseAutoRemedy, got.CurrentPhase)
	require.NotNil(t, got.PendingFailure)
	assert.Equal(t, workflowspec.PhaseSolutioning, got.PendingFailure.Phase)

	h.agent.set(workflowspec.PhaseSolutioning, "tasks.md", fixtures()[workflowspec.PhaseSolutioning]["tasks.md"])
	out, err := h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseAutoRemedy, nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	calls := h.agent.callsFor(workflowspec.PhaseSolutioning)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Instructions, "FR-2 not referenced in tasks.md")

	got, err = h.engine.GetProject(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, workflowspec.PhaseSolutioning, got.CurrentPhase)
	assert.Equal(t, 1, got.RemediationAttempts)
	assert.Nil(t, got.PendingFailure)
	assert.True(t, h.events.has(events.RemedyAttempted))

	report, err = h.engine.ProcessValidation(ctx, state.ID)
	require.NoError(t, err)
	assert.NotEqual(t, outcome.FailuresDetected, report.Decision.Outcome)

	got, err = h.engine.AdvancePhase(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, workflowspec.PhaseValidate, got.CurrentPhase)
	assert.Zero(t, got.RemediationAttempts)
}

func TestAutoRemedy_RejectsOversizedRewrite(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	ctx := context.Background()
	h.advanceTo(t, state.ID, workflowspec.PhaseSolutioning)

	broken := "# Tasks\n\n- T1 implements FR-1\n- T3 load test for NFR-1\n"
	h.agent.set(workflowspec.PhaseSolutioning, "tasks.md", broken)
	_, err := h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseSolutioning, nil)
	require.NoError(t, err)
	_, err = h.engine.ProcessValidation(ctx, state.ID)
	require.NoError(t, err)

	var rewrite strings.Builder
	rewrite.WriteString("# Tasks\n\n")
	for i := 1; i <= 60; i++ {
		fmt.Fprintf(&rewrite, "- T%d implements FR-%d\n", i, i%2+1)
	}
	h.agent.set(workflowspec.PhaseSolutioning, "tasks.md", rewrite.String())

	_, err = h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseAutoRemedy, nil)
	var manual *ManualReviewError
	require.ErrorAs(t, err, &manual)
	assert.Contains(t, manual.Reason, "tasks.md")
	assert.Contains(t, manual.Reason, "limit 50")

	a, err := h.store.FindArtifact(ctx, state.ID, "tasks.md")
	require.NoError(t, err)
	assert.Equal(t, broken, a.Content, "oversized rewrite is not persisted")

	got, err := h.engine.GetProject(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, workflowspec.PhaseAutoRemedy, got.CurrentPhase)
}

func TestAutoRemedy_ConstitutionNeedsManualReview(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	ctx := context.Background()
	h.advanceTo(t, state.ID, workflowspec.PhaseSolutioning)

	h.agent.set(workflowspec.PhaseSolutioning, "architecture.md", "# Architecture\n\nTodos live in MongoDB.\n")
	_, err := h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseSolutioning, nil)
	require.NoError(t, err)
	_, err = h.engine.ProcessValidation(ctx, state.ID)
	require.NoError(t, err)

	_, err = h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseAutoRemedy, nil)
	var manual *ManualReviewError
	require.ErrorAs(t, err, &manual)
	assert.Equal(t, workflowspec.PhaseSolutioning, manual.Phase)
	assert.Contains(t, manual.Reason, "constitutional violations")
	assert.Len(t, h.agent.callsFor(workflowspec.PhaseSolutioning), 1, "no rerun")
}

func TestRunPhaseAgent_Review(t *testing.T) {
	t.Run("escalate", func(t *testing.T) {
		reviewer := &stubReviewer{phase: workflowspec.PhaseSpec, result: &checker.Result{
			Status:   checker.StatusEscalate,
			Feedback: []checker.Feedback{{Severity: checker.SeverityCritical, Concern: "no auth model"}},
		}}
		h := newHarness(t, WithReviewer(reviewer))
		state := h.create(t)
		ctx := context.Background()
		h.advanceTo(t, state.ID, workflowspec.PhaseSpec)

		_, err := h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseSpec, nil)
		var esc *EscalationError
		require.ErrorAs(t, err, &esc)
		assert.ErrorIs(t, err, ErrCheckerEscalated)
		assert.Contains(t, esc.Artifacts, "PRD.md")

		arts, err := h.engine.ListArtifacts(ctx, state.ID, workflowspec.PhaseSpec)
		require.NoError(t, err)
		assert.Empty(t, arts)
		assert.True(t, h.events.has(events.ReviewEscalated))
	})

	t.Run("regenerate", func(t *testing.T) {
		reviewer := &stubReviewer{phase: workflowspec.PhaseSpec, result: &checker.Result{
			Status: checker.StatusRegenerate,
			Feedback: []checker.Feedback{{
				Severity: checker.SeverityMedium, Concern: "FR-2 is vague", Recommendation: "name the sharing model",
			}},
		}}
		h := newHarness(t, WithReviewer(reviewer))
		state := h.create(t)
		ctx := context.Background()
		h.advanceTo(t, state.ID, workflowspec.PhaseSpec)

		out, err := h.engine.RunPhaseAgent(ctx, state.ID, workflowspec.PhaseSpec, nil)
		require.NoError(t, err)
		assert.Contains(t, out, "SPEC/PRD.md")
		assert.Equal(t, 1, reviewer.calls)

		calls := h.agent.callsFor(workflowspec.PhaseSpec)
		require.Len(t, calls, 2)
		assert.Contains(t, calls[1].Instructions, "FR-2 is vague (name the sharing model)")
	})
}

func TestExecuteParallelGroup_IsolatesFailures(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	ctx := context.Background()
	h.advanceTo(t, state.ID, workflowspec.PhaseDependencies)

	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()
	h.agent.before = func(phase workflowspec.PhaseName) error {
		started.Done()
		select {
		case <-both:
		case <-time.After(5 * time.Second):
			return fmt.Errorf("%s ran alone", phase)
		}
		if phase == workflowspec.PhaseDependencies {
			return errors.New("registry timeout")
		}
		return nil
	}

	res, err := h.engine.ExecuteParallelGroup(ctx, state.ID,
		[]workflowspec.PhaseName{workflowspec.PhaseDependencies, workflowspec.PhaseSolutioning}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEPENDENCIES")
	assert.Contains(t, err.Error(), "registry timeout")

	require.Len(t, res.Results, 2)
	assert.Error(t, res.Results[0].Err)
	assert.NoError(t, res.Results[1].Err)
	assert.Contains(t, res.Results[1].Artifacts, "SOLUTIONING/tasks.md")
	h.tel.AssertSpanExists(t, "orchestrator.ExecuteParallelGroup")
}

func TestExecuteWorkflowWithParallel(t *testing.T) {
	ctx := context.Background()

	t.Run("runs every stage", func(t *testing.T) {
		h := newHarness(t)
		state := h.create(t)
		require.NoError(t, h.engine.DecideGate(ctx, state.ID, "stack_approval", project.GateApproved, "alice"))

		var progress []string
		report, err := h.engine.ExecuteWorkflowWithParallel(ctx, state.ID, WorkflowOptions{
			EnableParallel: true,
			OnProgress:     func(s StageReport) { progress = append(progress, s.Name) },
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"discovery", "stack", "specification", "build_out", "validation"}, progress)
		require.Len(t, report.Stages, 5)
		assert.True(t, report.Stages[3].Parallel)
		assert.False(t, report.Stages[0].Parallel)
		assert.Contains(t, report.Artifacts, "SOLUTIONING/tasks.md")
		assert.Contains(t, report.Artifacts, "VALIDATE/validation-report.md")
		assert.Positive(t, report.TotalDuration)
	})

	t.Run("falls back to sequential", func(t *testing.T) {
		h := newHarness(t)
		state := h.create(t)
		require.NoError(t, h.engine.DecideGate(ctx, state.ID, "stack_approval", project.GateApproved, "alice"))
		h.agent.fail[workflowspec.PhaseDependencies] = 1

		report, err := h.engine.ExecuteWorkflowWithParallel(ctx, state.ID, WorkflowOptions{
			EnableParallel:       true,
			FallbackToSequential: true,
		})
		require.NoError(t, err)
		assert.True(t, report.Stages[3].FellBack)
		assert.Len(t, h.agent.callsFor(workflowspec.PhaseDependencies), 2)
		assert.Zero(t, report.ParallelDuration)
		h.log.AssertLogged(t, zapcore.WarnLevel, "parallel stage failed")
	})

	t.Run("stops at a blocked stage", func(t *testing.T) {
		h := newHarness(t)
		state := h.create(t)

		report, err := h.engine.ExecuteWorkflowWithParallel(ctx, state.ID, WorkflowOptions{EnableParallel: true})
		assert.ErrorIs(t, err, ErrApprovalBlocked)
		require.Len(t, report.Stages, 3)
		assert.Equal(t, "specification", report.Stages[2].Name)
		assert.NotEmpty(t, report.Stages[2].Error)
	})

	t.Run("skips completed phases", func(t *testing.T) {
		h := newHarness(t)
		state := h.create(t)
		h.advanceTo(t, state.ID, workflowspec.PhaseSpec)
		before := len(h.agent.callsFor(workflowspec.PhaseAnalysis))

		report, err := h.engine.ExecuteWorkflowWithParallel(ctx, state.ID, WorkflowOptions{SkipCompleted: true})
		require.NoError(t, err)
		assert.True(t, report.Stages[0].Skipped)
		assert.True(t, report.Stages[1].Skipped)
		assert.Len(t, h.agent.callsFor(workflowspec.PhaseAnalysis), before)
	})
}

func TestEditAndRegenerate(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	ctx := context.Background()
	h.advanceTo(t, state.ID, workflowspec.PhaseValidate)

	edited := strings.Replace(prd, "- FR-2 Share a list\n", "- FR-2 Share a list\n- FR-3 Archive a list\n", 1)
	change, err := h.engine.EditArtifact(ctx, state.ID, "PRD.md", edited)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.True(t, change.HasChanges)
	assert.True(t, h.events.has(events.ArtifactEdited))

	a, err := h.store.FindArtifact(ctx, state.ID, "PRD.md")
	require.NoError(t, err)
	assert.True(t, a.UserEdited())

	analysis, err := h.engine.AnalyzeImpact(ctx, state.ID, "PRD.md")
	require.NoError(t, err)
	require.NotNil(t, analysis)
	assert.NotEmpty(t, analysis.AffectedArtifacts)

	res := h.engine.Regenerate(ctx, state.ID, regeneration.Request{
		TriggerArtifactID: "PRD.md",
		Strategy:          impact.StrategyManualReview,
		ManualArtifactIDs: []string{"tasks.md"},
	})
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, []string{"tasks.md"}, res.Run.ArtifactsRegenerated)

	calls := h.agent.callsFor(workflowspec.PhaseSolutioning)
	last := calls[len(calls)-1]
	assert.Equal(t, []string{"tasks.md"}, last.Only)
	assert.Contains(t, last.Instructions, "Regenerate tasks.md only")

	tasks, err := h.store.FindArtifact(ctx, state.ID, "tasks.md")
	require.NoError(t, err)
	assert.Equal(t, 2, tasks.Version)

	runs, err := h.engine.Runs(ctx, state.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = h.engine.RegenerateArtifact(ctx, state.ID, "README.md", "stale")
	assert.ErrorIs(t, err, project.ErrArtifactNotFound)
}

func TestHandoff(t *testing.T) {
	h := newHarness(t)
	state := h.create(t)
	ctx := context.Background()

	_, err := h.engine.Handoff(ctx, state.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	h.advanceTo(t, state.ID, workflowspec.PhaseDone)
	a, err := h.engine.Handoff(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, "HANDOFF.md", a.Filename)
	assert.Contains(t, a.Content, "# Handoff: Todo App")
	assert.Contains(t, a.Content, "- Stack: go-postgres")
	assert.Contains(t, a.Content, "stack_approval (STACK_SELECTION): approved by alice")
	assert.Contains(t, a.Content, "| SPEC | PRD.md | 1 | no |")
	assert.True(t, h.events.has(events.ProjectHandedOff))
}
