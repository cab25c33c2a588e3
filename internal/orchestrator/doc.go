// Package orchestrator drives a project through the phase pipeline.
//
// # Overview
//
// The Engine owns the phase state machine over project.State. Each phase
// consumes earlier artifacts, runs a PhaseAgent to produce its outputs and
// is gated by validators and approval gates before the project advances:
//
//	ANALYSIS → STACK_SELECTION → SPEC → DEPENDENCIES → SOLUTIONING → VALIDATE → DONE
//
// A failed validation routes the project to AUTO_REMEDY, where the failure is
// classified and, when the safeguards allow it, the responsible agent is run
// again with corrective instructions.
//
// # Agents
//
// Phase agents are registered per phase. PromptAgent is the default
// implementation: it asks the generation capability, through the admission
// controller, for a structured list of files.
//
//	engine := orchestrator.NewEngine(specs, st,
//	    orchestrator.WithDefaultAgent(orchestrator.NewPromptAgent(caller, credential)),
//	    orchestrator.WithReviewer(reviewer),
//	)
//	files, err := engine.RunPhaseAgent(ctx, projectID, workflowspec.PhaseSpec, nil)
//
// # Review
//
// Phases with a configured reviewer pass their output through the checker.
// An escalation aborts the run with *EscalationError, which carries the
// generated artifacts for a human to inspect. A regenerate verdict triggers
// one more agent run with the reviewer's feedback.
//
// # Parallel execution
//
// ExecuteWorkflowWithParallel walks the stage table of the workflow
// specification. Phases in one stage run concurrently; stages are separated
// by barriers. A failing phase never cancels its siblings.
//
// # Side effects
//
// Artifact saves, version records, git commits, snapshots and events are
// best-effort. Failures are logged and the in-memory result is still
// returned.
package orchestrator
