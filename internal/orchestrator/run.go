package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/checker"
	"github.com/fyrsmithlabs/orchestrd/internal/events"
	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/remediation"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// RunPhaseAgent produces phase's artifacts and persists them. Inputs are
// keyed by filename; nil loads the phase's declared inputs from the store.
// The result is keyed phase/filename.
//
// A pending blocking gate on a phase this one depends on aborts the run
// before any generation. AUTO_REMEDY remediates the recorded failure and
// returns no artifacts. DONE generates nothing.
func (e *Engine) RunPhaseAgent(ctx context.Context, projectID string, phase workflowspec.PhaseName, inputs map[string]string) (out map[string]string, err error) {
	ctx = logging.WithPhase(logging.WithProject(ctx, projectID), string(phase))
	ctx, span := e.tracer.Start(ctx, "orchestrator.RunPhaseAgent", trace.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.String("phase", string(phase)),
	))
	defer span.End()

	start := e.now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("artifacts", len(out)))
		if e.phaseRuns != nil {
			e.phaseRuns.Add(ctx, 1, metric.WithAttributes(
				attribute.String("phase", string(phase)),
				attribute.String("result", result),
			))
		}
	}()

	spec := e.specs.Current()
	ps, err := e.phaseOf(spec, phase)
	if err != nil {
		return nil, err
	}
	state, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := e.checkGates(ctx, projectID, ps); err != nil {
		return nil, err
	}

	switch phase {
	case workflowspec.PhaseAutoRemedy:
		return e.remedy(ctx, spec, state, start)
	case workflowspec.PhaseDone:
		logging.For(ctx, e.logger).Info("terminal phase, nothing to generate")
		return map[string]string{}, nil
	}

	if inputs == nil {
		inputs = e.gatherInputs(ctx, projectID, ps)
	}
	files, err := e.generate(ctx, &AgentRequest{Project: state, Spec: spec, Phase: ps, Inputs: inputs})
	if err != nil {
		return nil, err
	}
	files, err = e.review(ctx, spec, state, ps, inputs, files)
	if err != nil {
		return nil, err
	}
	return e.persist(ctx, state.ID, ps, files, "generated by "+agentName(ps), e.now().Sub(start)), nil
}

// checkGates fails when a blocking gate on a phase ps depends on is not
// approved.
func (e *Engine) checkGates(ctx context.Context, projectID string, ps *workflowspec.PhaseDef) error {
	for _, dep := range ps.DependsOn {
		ok, gate, err := e.store.CanProceedFromPhase(ctx, projectID, dep)
		if err != nil {
			return err
		}
		if !ok {
			return &ApprovalBlockedError{Gate: gate, Phase: dep}
		}
	}
	return nil
}

func (e *Engine) generate(ctx context.Context, req *AgentRequest) (map[string]string, error) {
	agent, err := e.agentFor(req.Phase.Name)
	if err != nil {
		return nil, err
	}
	files, err := agent.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("run %s agent: %w", req.Phase.Name, err)
	}
	return files, nil
}

// review passes files through the reviewer. A regenerate verdict gets one
// more agent run carrying the feedback; its output is not reviewed again.
func (e *Engine) review(ctx context.Context, spec *workflowspec.WorkflowSpec, state *project.State, ps *workflowspec.PhaseDef, inputs, files map[string]string) (map[string]string, error) {
	if e.reviewer == nil {
		return files, nil
	}
	res := e.reviewer.Execute(ctx, ps.Name, files, inputs)
	log := logging.For(ctx, e.logger)

	switch res.Status {
	case checker.StatusEscalate:
		log.Warn("review escalated", zap.String("summary", res.Summary), zap.Int("feedback", len(res.Feedback)))
		e.publish(ctx, state.ID, events.ReviewEscalated, res)
		return nil, &EscalationError{Phase: ps.Name, Result: res, Artifacts: files}
	case checker.StatusRegenerate:
		log.Info("review requested changes", zap.Int("feedback", len(res.Feedback)))
		revised, err := e.generate(ctx, &AgentRequest{
			Project:      state,
			Spec:         spec,
			Phase:        ps,
			Inputs:       inputs,
			Instructions: feedbackInstructions(res),
		})
		if err != nil {
			log.Warn("revision after review failed, keeping first draft", zap.Error(err))
			return files, nil
		}
		return revised, nil
	default:
		return files, nil
	}
}

func feedbackInstructions(res *checker.Result) string {
	var b strings.Builder
	b.WriteString("A reviewer raised these concerns. Address every one:\n")
	for _, f := range res.Feedback {
		fmt.Fprintf(&b, "- [%s] %s", f.Severity, f.Concern)
		if f.Recommendation != "" {
			fmt.Fprintf(&b, " (%s)", f.Recommendation)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// persist saves files, records versions and bumps the phase's version
// counter. Failures are logged; the returned map always holds every file.
func (e *Engine) persist(ctx context.Context, projectID string, ps *workflowspec.PhaseDef, files map[string]string, reason string, took time.Duration) map[string]string {
	log := logging.For(ctx, e.logger)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make(map[string]string, len(files))
	for _, name := range names {
		content := files[name]
		out[string(ps.Name)+"/"+name] = content

		a, err := e.store.SaveArtifact(ctx, projectID, ps.Name, name, content)
		if err != nil {
			log.Warn("failed to save artifact", zap.String("artifact", name), zap.Error(err))
			continue
		}
		if err := e.store.RecordVersion(ctx, project.ArtifactVersion{
			ProjectID: projectID,
			Phase:     ps.Name,
			Filename:  name,
			Version:   a.Version,
			Hash:      a.Hash,
			Reason:    reason,
			CreatedAt: e.now(),
		}); err != nil {
			log.Warn("failed to record artifact version", zap.String("artifact", name), zap.Error(err))
		}
	}

	unlock := e.lock(projectID)
	state, err := e.store.GetProject(ctx, projectID)
	if err == nil {
		state.ArtifactVersions[ps.Name]++
		err = e.store.SaveProject(ctx, state)
	}
	unlock()
	if err != nil {
		log.Warn("failed to bump artifact version counter", zap.Error(err))
	}

	log.Info("phase artifacts produced", zap.Strings("artifacts", names), zap.Duration("took", took))
	e.publish(ctx, projectID, events.PhaseCompleted, map[string]any{
		"phase":       ps.Name,
		"artifacts":   names,
		"duration_ms": took.Milliseconds(),
	})
	return out
}

// remedy runs the safeguard chain on the recorded failure and, when it is
// approved, reruns the responsible agent and returns the project to the
// failed phase for re-validation.
func (e *Engine) remedy(ctx context.Context, spec *workflowspec.WorkflowSpec, state *project.State, start time.Time) (map[string]string, error) {
	failure := state.PendingFailure
	if failure == nil {
		return nil, &ManualReviewError{Phase: workflowspec.PhaseAutoRemedy, Reason: "no pending validation failure to remediate"}
	}

	artifacts, err := e.artifactStates(ctx, spec, state.ID, failure)
	if err != nil {
		return nil, err
	}
	res := e.remediator.Attempt(ctx, remediation.Request{
		ProjectID:       state.ID,
		FailedPhase:     failure.Phase,
		Errors:          failure.Errors,
		FailedArtifacts: failure.FailedArtifacts,
		CurrentAttempt:  state.RemediationAttempts,
		MaxAttempts:     e.cfg.MaxRemediationAttempts,
		Artifacts:       artifacts,
	})
	e.publish(ctx, state.ID, events.RemedyAttempted, res)
	if !res.CanProceed {
		return nil, &ManualReviewError{Phase: failure.Phase, Reason: res.Reason, Result: res}
	}

	strategy := res.Remediation
	target, err := e.phaseOf(spec, strategy.Phase)
	if err != nil {
		return nil, err
	}
	instructions := strategy.AdditionalInstructions + "\n\nValidation errors:\n- " + strings.Join(failure.Errors, "\n- ")
	files, err := e.generate(ctx, &AgentRequest{
		Project:      state,
		Spec:         spec,
		Phase:        target,
		Inputs:       e.gatherInputs(ctx, state.ID, target),
		Instructions: instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("remediation rerun of %s: %w", target.Name, err)
	}
	if err := e.checkScope(ctx, state.ID, files); err != nil {
		return nil, &ManualReviewError{Phase: failure.Phase, Reason: err.Error(), Result: res}
	}
	reason := fmt.Sprintf("remediation attempt %d: %s", res.NextAttempt, res.Classification.Type)
	e.persist(ctx, state.ID, target, files, reason, e.now().Sub(start))

	unlock := e.lock(state.ID)
	defer unlock()
	current, err := e.store.GetProject(ctx, state.ID)
	if err != nil {
		return nil, err
	}
	current.RemediationAttempts = res.NextAttempt
	current.PendingFailure = nil
	current.CurrentPhase = failure.Phase
	current.Transitions = append(current.Transitions, project.Transition{
		From: workflowspec.PhaseAutoRemedy, To: failure.Phase, Kind: project.TransitionRemediate, At: e.now(),
	})
	if err := e.store.SaveProject(ctx, current); err != nil {
		return nil, err
	}

	logging.For(ctx, e.logger).Info("remediation applied",
		zap.String("rerun_phase", string(target.Name)),
		zap.String("agent", strategy.AgentToRerun),
		zap.Int("attempt", res.NextAttempt))
	return map[string]string{}, nil
}

// checkScope rejects a remediation rerun that rewrites too much of an
// existing artifact.
func (e *Engine) checkScope(ctx context.Context, projectID string, files map[string]string) error {
	latest, err := e.latestArtifacts(ctx, projectID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		current, ok := latest[name]
		if !ok {
			continue
		}
		if err := remediation.ValidateScope(current.Content, files[name]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// artifactStates describes every artifact a rerun could overwrite: the
// failed phase's outputs and the artifacts named in the failure. The last
// generated content is recovered from the latest snapshot when its hash
// still matches.
func (e *Engine) artifactStates(ctx context.Context, spec *workflowspec.WorkflowSpec, projectID string, failure *project.Failure) ([]remediation.ArtifactState, error) {
	names := make(map[string]bool)
	if p, ok := spec.Phase(failure.Phase); ok {
		for _, o := range p.Outputs {
			names[o] = true
		}
	}
	for _, a := range failure.FailedArtifacts {
		names[a] = true
	}

	latest, err := e.latestArtifacts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	snapshots := make(map[workflowspec.PhaseName]*project.Snapshot)

	var out []remediation.ArtifactState
	for _, name := range sortedKeys(names) {
		a, ok := latest[name]
		if !ok {
			continue
		}
		st := remediation.ArtifactState{Name: name, Content: a.Content, Hash: a.Hash, OriginalHash: a.OriginalHash}
		if a.UserEdited() {
			snap, ok := snapshots[a.Phase]
			if !ok {
				snap, err = e.store.LatestSnapshot(ctx, projectID, a.Phase)
				if err != nil {
					logging.For(ctx, e.logger).Warn("failed to load snapshot", zap.Error(err))
				}
				snapshots[a.Phase] = snap
			}
			if snap != nil {
				if orig, ok := snap.Artifacts[name]; ok && impact.Hash(orig) == a.OriginalHash {
					st.OriginalContent = orig
				}
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// RegenerateArtifact produces a fresh revision of one artifact by rerunning
// its producing phase restricted to that file.
func (e *Engine) RegenerateArtifact(ctx context.Context, projectID, artifactID, reason string) (*project.Artifact, error) {
	spec := e.specs.Current()
	phaseName, ok := spec.ProducerOf(artifactID)
	if !ok {
		return nil, fmt.Errorf("%w: no phase produces %s", project.ErrArtifactNotFound, artifactID)
	}
	ps, err := e.phaseOf(spec, phaseName)
	if err != nil {
		return nil, err
	}
	state, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	files, err := e.generate(ctx, &AgentRequest{
		Project:      state,
		Spec:         spec,
		Phase:        ps,
		Inputs:       e.gatherInputs(ctx, projectID, ps),
		Instructions: fmt.Sprintf("Regenerate %s only. Reason: %s.", artifactID, reason),
		Only:         []string{artifactID},
	})
	if err != nil {
		return nil, err
	}
	content, ok := files[artifactID]
	if !ok {
		return nil, fmt.Errorf("%s agent did not return %s", phaseName, artifactID)
	}
	return e.store.SaveArtifact(ctx, projectID, phaseName, artifactID, content)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
