package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchestrd/internal/telemetry"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

type staticSpec struct{ spec *workflowspec.WorkflowSpec }

func (s staticSpec) Current() *workflowspec.WorkflowSpec { return s.spec }

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want FailureType
	}{
		{"missing requirement mapping: FR-10 not referenced in tasks.md", MissingRequirementMapping},
		{`constitutional violation: architecture.md uses prohibited "mongodb"`, ConstitutionalViolation},
		{"missing artifact: personas.md", MissingArtifact},
		{`incomplete section: PRD.md is missing required section "Requirements"`, IncompleteSection},
		{"schema invalid: api-spec.json is not valid JSON: unexpected end of JSON input", SchemaInvalid},
		{"dependency conflict: react 18 requires node >= 16", DependencyConflict},
		{"secret detected in brief.md: 1 potential secret(s) detected (generic-api-key)", SecretDetected},
		{"the moon is in the wrong house", Unknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			c := Classify(workflowspec.PhaseSpec, tt.msg)
			assert.Equal(t, tt.want, c.Type)
			assert.Greater(t, c.Confidence, 0.0)
		})
	}

	c := Classify(workflowspec.PhaseDependencies, "lodash conflicts with underscore")
	assert.Equal(t, DependencyConflict, c.Type)
	assert.Equal(t, Unknown, Classify(workflowspec.PhaseSpec, "lodash conflicts with underscore").Type)
}

func TestClassifyAll(t *testing.T) {
	c := ClassifyAll(workflowspec.PhaseSpec, []string{
		"schema invalid: api-spec.json",
		"missing artifact: data-model.md",
	})
	assert.Equal(t, MissingArtifact, c.Type)

	c = ClassifyAll(workflowspec.PhaseSpec, []string{
		"missing artifact: data-model.md",
		"secret detected in PRD.md",
	})
	assert.Equal(t, SecretDetected, c.Type, "manual-review classes win")

	assert.Equal(t, Unknown, ClassifyAll(workflowspec.PhaseSpec, nil).Type)
}

func TestStrategyFor(t *testing.T) {
	s := StrategyFor(MissingRequirementMapping, workflowspec.PhaseValidate)
	assert.Equal(t, "scrum_master", s.AgentToRerun)
	assert.Equal(t, workflowspec.PhaseSolutioning, s.Phase)
	assert.NotEmpty(t, s.AdditionalInstructions)
	assert.False(t, s.RequiresManualReview)

	s = StrategyFor(SchemaInvalid, workflowspec.PhaseSpec)
	assert.Equal(t, "product_manager", s.AgentToRerun)
	assert.Equal(t, workflowspec.PhaseSpec, s.Phase)

	for _, typ := range []FailureType{ConstitutionalViolation, SecretDetected, Unknown} {
		s := StrategyFor(typ, workflowspec.PhaseSpec)
		assert.True(t, s.RequiresManualReview, typ)
		assert.Empty(t, s.AgentToRerun)
		assert.NotEmpty(t, s.Reason)
	}
}

func TestRenderConflict(t *testing.T) {
	current := "# PRD\nline a\nuser line\nline c\n"
	proposed := "# PRD\nline a\nline b\nline c\n"

	want := "# PRD\nline a\n<<<<<<< current\nuser line\n=======\nline b\n>>>>>>> proposed\nline c\n"
	assert.Equal(t, want, RenderConflict(current, proposed))
	assert.Equal(t, current, RenderConflict(current, current))
	assert.Equal(t, "", RenderConflict("", ""))

	// A missing final newline does not produce a phantom empty line.
	assert.Equal(t, "same\n", RenderConflict("same", "same"))
	assert.Equal(t, "keep\n<<<<<<< current\nmine\n=======\ntheirs\n>>>>>>> proposed\n",
		RenderConflict("keep\nmine", "keep\ntheirs\n"))
}

func TestChangedLines(t *testing.T) {
	n, err := ChangedLines("a\nb\n", "a\nb\n")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = ChangedLines("a\nb", "a\nc")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Removed lines that look like diff headers still count.
	n, err = ChangedLines("a\n-- rule\n", "a\n")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestValidateScope(t *testing.T) {
	var orig, small, large strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&orig, "line %d\n", i)
		fmt.Fprintf(&large, "changed %d\n", i)
		if i < 10 {
			fmt.Fprintf(&small, "changed %d\n", i)
		} else {
			fmt.Fprintf(&small, "line %d\n", i)
		}
	}

	n, err := ChangedLines(orig.String(), small.String())
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.NoError(t, ValidateScope(orig.String(), small.String()))

	err = ValidateScope(orig.String(), large.String())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSafeguardRejected))
	assert.Contains(t, err.Error(), "120 lines")
}

func newRemediator(t *testing.T) (*Remediator, *telemetry.TestTelemetry) {
	t.Helper()
	tel := telemetry.NewTestTelemetry()
	return NewRemediator(staticSpec{workflowspec.Default()}, WithTelemetry(tel)), tel
}

func TestAttempt_Approved(t *testing.T) {
	r, tel := newRemediator(t)

	res := r.Attempt(context.Background(), Request{
		ProjectID:       "p1",
		FailedPhase:     workflowspec.PhaseSolutioning,
		Errors:          []string{"missing requirement mapping: FR-3 not referenced in tasks.md"},
		FailedArtifacts: []string{"tasks.md"},
		CurrentAttempt:  0,
		MaxAttempts:     3,
		Artifacts: []ArtifactState{
			{Name: "tasks.md", Hash: "a", OriginalHash: "a"},
		},
	})

	require.True(t, res.CanProceed, res.Reason)
	assert.False(t, res.RequiresManualReview)
	assert.True(t, res.Safeguard.Approved)
	require.NotNil(t, res.Remediation)
	assert.Equal(t, "scrum_master", res.Remediation.AgentToRerun)
	assert.Equal(t, 1, res.NextAttempt)

	tel.AssertSpanExists(t, "remediation.Attempt")
	assert.Equal(t, int64(1), tel.CounterValue(t, "orchestrd.remediation.attempts_total"))
}

func TestAttempt_SafeguardChain(t *testing.T) {
	tests := []struct {
		name       string
		req        Request
		wantReason string
		wantEdit   bool
	}{
		{
			name: "attempts exhausted",
			req: Request{
				FailedPhase: workflowspec.PhaseSpec, Errors: []string{"missing artifact: PRD.md"},
				CurrentAttempt: 3, MaxAttempts: 3,
			},
			wantReason: "max attempts reached",
		},
		{
			name: "manual-review class",
			req: Request{
				FailedPhase: workflowspec.PhaseSolutioning, Errors: []string{`constitutional violation: architecture.md uses prohibited "mongodb"`},
				MaxAttempts: 3,
			},
			wantReason: "constitutional violations require a human decision",
		},
		{
			name: "protected artifact",
			req: Request{
				FailedPhase: workflowspec.PhaseAnalysis, Errors: []string{"missing artifact: personas.md"},
				MaxAttempts: 3,
			},
			wantReason: "protected artifact - manual review required",
		},
		{
			name: "user edit",
			req: Request{
				FailedPhase: workflowspec.PhaseSpec, Errors: []string{`incomplete section: PRD.md is missing required section "Requirements"`},
				MaxAttempts: 3,
				Artifacts: []ArtifactState{
					{Name: "PRD.md", Content: "# PRD\nedited\n", Hash: "b", OriginalHash: "a", OriginalContent: "# PRD\noriginal\n"},
				},
			},
			wantReason: "PRD.md was edited by a user",
			wantEdit:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRemediator(t)
			res := r.Attempt(context.Background(), tt.req)

			assert.False(t, res.CanProceed)
			assert.True(t, res.RequiresManualReview)
			assert.False(t, res.Safeguard.Approved)
			assert.Contains(t, res.Reason, tt.wantReason)
			assert.Nil(t, res.Remediation)
			assert.Equal(t, tt.req.CurrentAttempt, res.NextAttempt)
			assert.Equal(t, tt.wantEdit, res.Safeguard.UserEditDetected)
			if tt.wantEdit {
				assert.Contains(t, res.Safeguard.Conflict, "<<<<<<< current\nedited\n=======\noriginal\n>>>>>>> original\n")
			}
		})
	}
}
