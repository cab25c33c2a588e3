package outcome

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/orchestrd/internal/validation"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

func TestDetermineOutcome(t *testing.T) {
	t.Run("failures", func(t *testing.T) {
		res := &validation.Result{
			Errors: []validation.Issue{
				{Artifact: "PRD.md", Message: "missing artifact: PRD.md"},
				{Artifact: "PRD.md", Message: "incomplete section"},
				{Artifact: "tasks.md", Message: "missing requirement mapping"},
				{Message: "no stack choice recorded"},
			},
			Warnings: []validation.Issue{{Message: "short"}},
		}

		d := DetermineOutcome(workflowspec.PhaseSpec, res)
		assert.Equal(t, FailuresDetected, d.Outcome)
		assert.Equal(t, TransitionAutoRemedy, d.Transition)
		assert.False(t, d.CanProceed)
		assert.Equal(t, workflowspec.PhaseAutoRemedy, d.NextPhase)
		assert.Equal(t, 4, d.ErrorCount)
		assert.Equal(t, []string{"PRD.md", "tasks.md"}, d.FailedArtifacts)
		assert.False(t, d.RequiresUserDecision)
		assert.Equal(t, "SPEC failed validation with 4 error(s): PRD.md, tasks.md", d.Message)
	})

	t.Run("warnings only", func(t *testing.T) {
		res := &validation.Result{Warnings: []validation.Issue{{Message: "a"}, {Message: "b"}}}

		d := DetermineOutcome(workflowspec.PhaseAnalysis, res)
		assert.Equal(t, WarningsOnly, d.Outcome)
		assert.Equal(t, TransitionUserChoice, d.Transition)
		assert.True(t, d.CanProceed)
		assert.Equal(t, workflowspec.PhaseAnalysis, d.NextPhase)
		assert.True(t, d.RequiresUserDecision)
		assert.Equal(t, []string{ChoiceProceed, ChoiceFixWarnings}, d.Choices)
		assert.Equal(t, 2, d.WarningCount)
	})

	t.Run("all pass", func(t *testing.T) {
		d := DetermineOutcome(workflowspec.PhaseValidate, &validation.Result{})
		assert.Equal(t, AllPass, d.Outcome)
		assert.Equal(t, TransitionProceed, d.Transition)
		assert.True(t, d.CanProceed)
		assert.Equal(t, workflowspec.PhaseDone, d.NextPhase)
		assert.Equal(t, "VALIDATE passed all checks", d.Message)
	})
}
