package remediation

import (
	"fmt"

	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// manualOnly classes are never fixed automatically.
var manualOnly = map[FailureType]bool{
	ConstitutionalViolation: true,
	SecretDetected:          true,
	Unknown:                 true,
}

// phaseAgents names the agent that produces each phase's artifacts.
var phaseAgents = map[workflowspec.PhaseName]string{
	workflowspec.PhaseAnalysis:       "analyst",
	workflowspec.PhaseStackSelection: "architect",
	workflowspec.PhaseSpec:           "product_manager",
	workflowspec.PhaseDependencies:   "dependency_manager",
	workflowspec.PhaseSolutioning:    "scrum_master",
	workflowspec.PhaseValidate:       "qa",
}

// StrategyFor looks up how to fix a failure of type t in failedPhase.
func StrategyFor(t FailureType, failedPhase workflowspec.PhaseName) Strategy {
	rerun := func(phase workflowspec.PhaseName, instructions string) Strategy {
		return Strategy{
			AgentToRerun:           phaseAgents[phase],
			Phase:                  phase,
			AdditionalInstructions: instructions,
			Reason:                 fmt.Sprintf("rerun %s to fix %s", phase, t),
		}
	}

	switch t {
	case MissingRequirementMapping:
		return rerun(workflowspec.PhaseSolutioning,
			"Every requirement id in PRD.md (FR-n, NFR-n) must be referenced by at least one task in tasks.md. Add the missing mappings without removing existing tasks.")
	case MissingArtifact:
		return rerun(failedPhase,
			"Produce every declared output file for this phase. Do not omit any file, even if it is short.")
	case IncompleteSection:
		return rerun(failedPhase,
			"Complete every required section. Each section named in the validation errors must exist as a markdown header with substantive content.")
	case SchemaInvalid:
		return rerun(failedPhase,
			"Structured files must be syntactically valid JSON. Do not wrap them in prose or code fences and do not truncate them.")
	case DependencyConflict:
		return rerun(workflowspec.PhaseDependencies,
			"Resolve the conflicting dependency versions so every runtime and development dependency is mutually compatible with the recorded stack.")
	case ConstitutionalViolation:
		return Strategy{RequiresManualReview: true, Phase: failedPhase,
			Reason: "constitutional violations require a human decision"}
	case SecretDetected:
		return Strategy{RequiresManualReview: true, Phase: failedPhase,
			Reason: "detected secrets must be removed and rotated by a human"}
	default:
		return Strategy{RequiresManualReview: true, Phase: failedPhase,
			Reason: "failure could not be classified"}
	}
}
