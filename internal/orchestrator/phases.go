package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/events"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/outcome"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/validation"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// Readiness explains whether the current phase may advance.
type Readiness struct {
	Ready               bool                     `json:"ready"`
	PendingGates        []string                 `json:"pending_gates,omitempty"`
	MissingDependencies []workflowspec.PhaseName `json:"missing_dependencies,omitempty"`
}

// ValidationReport pairs a validation result with the decision taken on it.
type ValidationReport struct {
	Phase    workflowspec.PhaseName `json:"phase"`
	Result   *validation.Result     `json:"result"`
	Decision outcome.Decision       `json:"decision"`
}

func (e *Engine) phaseOf(spec *workflowspec.WorkflowSpec, name workflowspec.PhaseName) (*workflowspec.PhaseDef, error) {
	p, ok := spec.Phase(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPhase, name)
	}
	return p, nil
}

// ValidatePhaseCompletion checks the current phase's declared outputs and
// runs its validators against the latest artifacts.
func (e *Engine) ValidatePhaseCompletion(ctx context.Context, projectID string) (*validation.Result, error) {
	state, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return e.validate(ctx, e.specs.Current(), state)
}

func (e *Engine) validate(ctx context.Context, spec *workflowspec.WorkflowSpec, state *project.State) (*validation.Result, error) {
	phase, err := e.phaseOf(spec, state.CurrentPhase)
	if err != nil {
		return nil, err
	}
	latest, err := e.latestArtifacts(ctx, state.ID)
	if err != nil {
		return nil, err
	}
	contents := make(map[string]string, len(latest))
	for name, a := range latest {
		contents[name] = a.Content
	}
	return e.validator.Validate(ctx, spec, &validation.Input{
		Phase:       phase,
		Artifacts:   contents,
		StackChoice: state.StackChoice,
	}), nil
}

// CanAdvance reports whether every gate of the current phase is satisfied
// and every phase it depends on has completed. A blocking gate is satisfied
// once approved; a non-blocking gate unless it was rejected.
func (e *Engine) CanAdvance(ctx context.Context, projectID string) (*Readiness, error) {
	state, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return e.readiness(ctx, e.specs.Current(), state)
}

func (e *Engine) readiness(ctx context.Context, spec *workflowspec.WorkflowSpec, state *project.State) (*Readiness, error) {
	phase, err := e.phaseOf(spec, state.CurrentPhase)
	if err != nil {
		return nil, err
	}
	gates, err := e.store.GetProjectGates(ctx, state.ID)
	if err != nil {
		return nil, err
	}

	r := &Readiness{}
	for _, g := range gates {
		if g.Phase != phase.Name || !slices.Contains(phase.Gates, g.Name) {
			continue
		}
		satisfied := g.Status == project.GateApproved || (!g.Blocking && g.Status != project.GateRejected)
		if !satisfied {
			r.PendingGates = append(r.PendingGates, g.Name)
		}
	}
	for _, dep := range phase.DependsOn {
		if !state.HasCompleted(dep) {
			r.MissingDependencies = append(r.MissingDependencies, dep)
		}
	}
	r.Ready = len(r.PendingGates) == 0 && len(r.MissingDependencies) == 0
	return r, nil
}

// AdvancePhase completes the current phase and moves to its successor. The
// phase must not fail validation and CanAdvance must hold. The completed
// phase's artifacts are committed and snapshotted best-effort.
func (e *Engine) AdvancePhase(ctx context.Context, projectID string) (*project.State, error) {
	ctx = logging.WithProject(ctx, projectID)
	unlock := e.lock(projectID)
	defer unlock()

	spec := e.specs.Current()
	state, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	phase, err := e.phaseOf(spec, state.CurrentPhase)
	if err != nil {
		return nil, err
	}
	if phase.NextPhase == "" {
		return nil, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, phase.Name)
	}

	res, err := e.validate(ctx, spec, state)
	if err != nil {
		return nil, err
	}
	if res.Status == validation.StatusFail {
		return nil, &ValidationError{Phase: phase.Name, Result: res}
	}

	ready, err := e.readiness(ctx, spec, state)
	if err != nil {
		return nil, err
	}
	if len(ready.PendingGates) > 0 {
		return nil, &ApprovalBlockedError{Gate: ready.PendingGates[0], Phase: phase.Name}
	}
	if len(ready.MissingDependencies) > 0 {
		return nil, fmt.Errorf("%w: %s waits on %s", ErrDependenciesIncomplete, phase.Name, joinPhases(ready.MissingDependencies))
	}

	from := phase.Name
	entered := phaseEnteredAt(state, from)
	if !state.HasCompleted(from) {
		state.PhasesCompleted = append(state.PhasesCompleted, from)
	}
	state.CurrentPhase = phase.NextPhase
	state.PendingFailure = nil
	if from != workflowspec.PhaseAutoRemedy {
		state.RemediationAttempts = 0
	}
	state.Transitions = append(state.Transitions, project.Transition{
		From: from, To: phase.NextPhase, Kind: project.TransitionAdvance, At: e.now(),
	})
	if err := e.store.SaveProject(ctx, state); err != nil {
		return nil, err
	}

	logging.For(ctx, e.logger).Info("phase advanced",
		zap.String("from", string(from)), zap.String("to", string(state.CurrentPhase)))
	e.recordCompletion(ctx, state, phase, e.now().Sub(entered))
	e.publish(ctx, projectID, events.PhaseAdvanced, map[string]string{"from": string(from), "to": string(state.CurrentPhase)})
	return state, nil
}

// RollbackPhase returns the project to target, which must have completed.
// Later completions are discarded and the gates of every discarded phase go
// back to pending.
func (e *Engine) RollbackPhase(ctx context.Context, projectID string, target workflowspec.PhaseName) (*project.State, error) {
	ctx = logging.WithProject(ctx, projectID)
	unlock := e.lock(projectID)
	defer unlock()

	spec := e.specs.Current()
	if _, err := e.phaseOf(spec, target); err != nil {
		return nil, err
	}
	state, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	idx := slices.Index(state.PhasesCompleted, target)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s has not been completed", ErrInvalidTransition, target)
	}

	discarded := slices.Clone(state.PhasesCompleted[idx:])
	from := state.CurrentPhase
	state.PhasesCompleted = state.PhasesCompleted[:idx]
	state.CurrentPhase = target
	state.PendingFailure = nil
	state.RemediationAttempts = 0
	state.Transitions = append(state.Transitions, project.Transition{
		From: from, To: target, Kind: project.TransitionRollback, At: e.now(),
	})

	for _, p := range discarded {
		for _, g := range spec.GatesFor(p) {
			if err := e.store.SetGateStatus(ctx, projectID, g.Name, project.GatePending, "rollback"); err != nil {
				return nil, err
			}
		}
	}
	if err := e.store.SaveProject(ctx, state); err != nil {
		return nil, err
	}
	gates, err := e.store.GetProjectGates(ctx, projectID)
	if err == nil {
		for _, g := range gates {
			state.ApprovalGateStatuses[g.Name] = g.Status
		}
	}

	logging.For(ctx, e.logger).Info("phase rolled back",
		zap.String("from", string(from)), zap.String("to", string(target)))
	e.publish(ctx, projectID, events.PhaseRolledBack, map[string]string{"from": string(from), "to": string(target)})
	return state, nil
}

// ProcessValidation validates the current phase and applies the outcome
// decision. On failures the project moves to AUTO_REMEDY with the failure
// recorded for remediation.
func (e *Engine) ProcessValidation(ctx context.Context, projectID string) (*ValidationReport, error) {
	ctx = logging.WithProject(ctx, projectID)
	unlock := e.lock(projectID)
	defer unlock()

	spec := e.specs.Current()
	state, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	res, err := e.validate(ctx, spec, state)
	if err != nil {
		return nil, err
	}
	decision := outcome.DetermineOutcome(state.CurrentPhase, res)
	report := &ValidationReport{Phase: state.CurrentPhase, Result: res, Decision: decision}

	log := logging.For(ctx, e.logger)
	log.Info("phase validated",
		zap.String("phase", string(state.CurrentPhase)),
		zap.String("outcome", string(decision.Outcome)),
		zap.Int("errors", decision.ErrorCount),
		zap.Int("warnings", decision.WarningCount))

	if decision.Outcome != outcome.FailuresDetected || state.CurrentPhase == workflowspec.PhaseAutoRemedy {
		return report, nil
	}

	from := state.CurrentPhase
	state.PendingFailure = &project.Failure{
		Phase:           from,
		Errors:          res.ErrorMessages(),
		FailedArtifacts: decision.FailedArtifacts,
		RecordedAt:      e.now(),
	}
	state.CurrentPhase = decision.NextPhase
	state.Transitions = append(state.Transitions, project.Transition{
		From: from, To: decision.NextPhase, Kind: project.TransitionRemediate, At: e.now(),
	})
	if err := e.store.SaveProject(ctx, state); err != nil {
		return nil, err
	}
	return report, nil
}

// Handoff writes HANDOFF.md summarising every artifact. The project must be
// DONE.
func (e *Engine) Handoff(ctx context.Context, projectID string) (*project.Artifact, error) {
	ctx = logging.WithProject(ctx, projectID)
	state, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if state.CurrentPhase != workflowspec.PhaseDone {
		return nil, fmt.Errorf("%w: project is in %s, handoff requires %s", ErrInvalidTransition, state.CurrentPhase, workflowspec.PhaseDone)
	}
	arts, err := e.store.ListArtifacts(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	gates, err := e.store.GetProjectGates(ctx, projectID)
	if err != nil {
		return nil, err
	}

	a, err := e.store.SaveArtifact(ctx, projectID, workflowspec.PhaseDone, handoffFile, renderHandoff(state, arts, gates))
	if err != nil {
		return nil, err
	}
	logging.For(ctx, e.logger).Info("handoff written", zap.Int("artifacts", len(arts)))
	e.publish(ctx, projectID, events.ProjectHandedOff, map[string]any{"artifacts": len(arts), "hash": a.Hash})
	return a, nil
}

const handoffFile = "HANDOFF.md"

func renderHandoff(state *project.State, arts []*project.Artifact, gates []project.Gate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Handoff: %s\n\n", state.Name)
	fmt.Fprintf(&b, "## Summary\n\n- Project: %s (%s)\n", state.Name, state.Slug)
	if state.StackChoice != "" {
		fmt.Fprintf(&b, "- Stack: %s\n", state.StackChoice)
	}
	fmt.Fprintf(&b, "- Phases completed: %s\n", joinPhases(state.PhasesCompleted))
	if state.RemediationAttempts > 0 {
		fmt.Fprintf(&b, "- Open remediation attempts: %d\n", state.RemediationAttempts)
	}

	b.WriteString("\n## Approvals\n\n")
	if len(gates) == 0 {
		b.WriteString("No approval gates.\n")
	}
	for _, g := range gates {
		line := fmt.Sprintf("- %s (%s): %s", g.Name, g.Phase, g.Status)
		if g.DecidedBy != "" {
			line += " by " + g.DecidedBy
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n## Artifacts\n\n| Phase | File | Version | Edited |\n|---|---|---|---|\n")
	sorted := slices.Clone(arts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return phaseRank(sorted[i].Phase) < phaseRank(sorted[j].Phase)
	})
	for _, a := range sorted {
		if a.Filename == handoffFile {
			continue
		}
		edited := "no"
		if a.UserEdited() {
			edited = "yes"
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %s |\n", a.Phase, a.Filename, a.Version, edited)
	}
	return b.String()
}

func phaseRank(p workflowspec.PhaseName) int {
	if i := slices.Index(workflowspec.PipelinePhases(), p); i >= 0 {
		return i
	}
	return len(workflowspec.PipelinePhases())
}

// recordCompletion commits and snapshots a completed phase. Both are
// best-effort.
func (e *Engine) recordCompletion(ctx context.Context, state *project.State, phase *workflowspec.PhaseDef, took time.Duration) {
	log := logging.For(ctx, e.logger)
	arts, err := e.store.ListArtifacts(ctx, state.ID, phase.Name)
	if err != nil {
		log.Warn("failed to list artifacts for snapshot", zap.Error(err))
		return
	}
	files := make(map[string]string, len(arts))
	for _, a := range arts {
		files[a.Filename] = a.Content
	}

	agent := agentName(phase)
	meta := map[string]string{"agent": agent, "duration_ms": fmt.Sprint(took.Milliseconds())}
	var commitRef string
	if e.committer != nil && len(files) > 0 {
		res, err := e.committer.Commit(ctx, state.Slug, string(phase.Name), files, agent, took)
		if err != nil {
			log.Warn("failed to commit phase artifacts", zap.String("phase", string(phase.Name)), zap.Error(err))
		} else {
			commitRef = res.CommitHash
			meta["branch"] = res.Branch
		}
	}
	if _, err := e.store.Snapshot(ctx, state.ID, phase.Name, files, meta, commitRef); err != nil {
		log.Warn("failed to snapshot phase", zap.String("phase", string(phase.Name)), zap.Error(err))
	}
}

// phaseEnteredAt returns when the project last moved into phase.
func phaseEnteredAt(state *project.State, phase workflowspec.PhaseName) time.Time {
	for i := len(state.Transitions) - 1; i >= 0; i-- {
		if state.Transitions[i].To == phase {
			return state.Transitions[i].At
		}
	}
	return state.CreatedAt
}

func joinPhases(phases []workflowspec.PhaseName) string {
	parts := make([]string, len(phases))
	for i, p := range phases {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}
