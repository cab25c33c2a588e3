// Package outcome decides what happens after a phase is validated.
package outcome

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/orchestrd/internal/validation"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// Outcome classifies a validation result.
type Outcome string

const (
	AllPass          Outcome = "all_pass"
	WarningsOnly     Outcome = "warnings_only"
	FailuresDetected Outcome = "failures_detected"
)

// Transition is the action the engine should take.
type Transition string

const (
	TransitionProceed    Transition = "proceed"
	TransitionUserChoice Transition = "user_choice"
	TransitionAutoRemedy Transition = "auto_remedy"
)

// Choices offered when only warnings were found.
const (
	ChoiceProceed     = "proceed"
	ChoiceFixWarnings = "fix_warnings"
)

// Decision is the result of DetermineOutcome.
type Decision struct {
	Outcome              Outcome                `json:"outcome"`
	Transition           Transition             `json:"transition"`
	CanProceed           bool                   `json:"can_proceed"`
	NextPhase            workflowspec.PhaseName `json:"next_phase"`
	RequiresUserDecision bool                   `json:"requires_user_decision,omitempty"`
	Choices              []string               `json:"choices,omitempty"`
	ErrorCount           int                    `json:"error_count,omitempty"`
	WarningCount         int                    `json:"warning_count,omitempty"`
	FailedArtifacts      []string               `json:"failed_artifacts,omitempty"`
	Message              string                 `json:"message"`
}

// DetermineOutcome maps a phase's validation result to a decision. Errors
// route to AUTO_REMEDY, warnings wait for the user on the same phase, and a
// clean result is done.
func DetermineOutcome(phase workflowspec.PhaseName, res *validation.Result) Decision {
	switch {
	case len(res.Errors) > 0:
		failed := res.FailedArtifacts()
		msg := fmt.Sprintf("%s failed validation with %d error(s)", phase, len(res.Errors))
		if len(failed) > 0 {
			msg += ": " + strings.Join(failed, ", ")
		}
		return Decision{
			Outcome:         FailuresDetected,
			Transition:      TransitionAutoRemedy,
			CanProceed:      false,
			NextPhase:       workflowspec.PhaseAutoRemedy,
			ErrorCount:      len(res.Errors),
			FailedArtifacts: failed,
			Message:         msg,
		}
	case len(res.Warnings) > 0:
		return Decision{
			Outcome:              WarningsOnly,
			Transition:           TransitionUserChoice,
			CanProceed:           true,
			NextPhase:            phase,
			RequiresUserDecision: true,
			Choices:              []string{ChoiceProceed, ChoiceFixWarnings},
			WarningCount:         len(res.Warnings),
			Message:              fmt.Sprintf("%s passed with %d warning(s); proceed or fix them", phase, len(res.Warnings)),
		}
	default:
		return Decision{
			Outcome:    AllPass,
			Transition: TransitionProceed,
			CanProceed: true,
			NextPhase:  workflowspec.PhaseDone,
			Message:    fmt.Sprintf("%s passed all checks", phase),
		}
	}
}
