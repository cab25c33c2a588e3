package http

import (
	"github.com/fyrsmithlabs/orchestrd/internal/checker"
	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/remediation"
	"github.com/fyrsmithlabs/orchestrd/internal/validation"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for every failed request. The optional fields
// carry the result that explains a halt.
type ErrorResponse struct {
	Error       string                       `json:"error"`
	Validation  *validation.Result           `json:"validation,omitempty"`
	Review      *checker.Result              `json:"review,omitempty"`
	Remediation *remediation.AutoRemedyResult `json:"remediation,omitempty"`
}

// CreateProjectRequest is the body of POST /api/v1/projects.
type CreateProjectRequest struct {
	Name string `json:"name"`
}

// StackRequest is the body of PUT /api/v1/projects/:id/stack.
type StackRequest struct {
	Choice string `json:"choice"`
}

// RollbackRequest is the body of POST /api/v1/projects/:id/rollback.
type RollbackRequest struct {
	Phase string `json:"phase"`
}

// RunPhaseRequest is the optional body of POST .../phases/:phase/run.
// Nil inputs load the phase's declared inputs from the store.
type RunPhaseRequest struct {
	Inputs map[string]string `json:"inputs,omitempty"`
}

// RunPhaseResponse lists the produced artifacts keyed phase/filename.
type RunPhaseResponse struct {
	Phase     string            `json:"phase"`
	Artifacts map[string]string `json:"artifacts"`
}

// WorkflowRequest is the body of POST /api/v1/projects/:id/workflow.
// Unset flags fall back to the server defaults.
type WorkflowRequest struct {
	Parallel      *bool `json:"parallel,omitempty"`
	Fallback      *bool `json:"fallback,omitempty"`
	SkipCompleted bool  `json:"skip_completed"`
}

// EditArtifactRequest is the body of PUT .../artifacts/:name.
type EditArtifactRequest struct {
	Content string `json:"content"`
}

// EditArtifactResponse reports the detected change. Change is nil when the
// content was identical.
type EditArtifactResponse struct {
	Change   *impact.ArtifactChange `json:"change"`
	Analysis *impact.Analysis       `json:"analysis,omitempty"`
}

// RegenerateRequest is the body of POST .../regenerate.
type RegenerateRequest struct {
	Trigger   string   `json:"trigger"`
	Strategy  string   `json:"strategy,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// GateDecisionRequest is the optional body of POST .../gates/:gate/:decision.
type GateDecisionRequest struct {
	Actor string `json:"actor"`
}

// GatesResponse lists a project's gates.
type GatesResponse struct {
	Gates []project.Gate `json:"gates"`
}
