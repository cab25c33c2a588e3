// Package remediation decides whether a failed phase can be repaired
// automatically and, if so, which agent reruns it with what instructions.
//
// A failure is first classified from its validation messages. The class
// selects a strategy, and the strategy must then pass a chain of
// safeguards: the attempt budget, manual-review-only classes, protected
// artifacts, and user edits. The first safeguard that fails halts
// remediation and asks for manual review.
package remediation

import (
	"errors"

	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// ErrSafeguardRejected is returned when a safeguard blocks a change.
var ErrSafeguardRejected = errors.New("safeguard rejected")

// FailureType is a class in the failure taxonomy.
type FailureType string

const (
	MissingRequirementMapping FailureType = "missing_requirement_mapping"
	ConstitutionalViolation   FailureType = "constitutional_violation"
	MissingArtifact           FailureType = "missing_artifact"
	IncompleteSection         FailureType = "incomplete_section"
	SchemaInvalid             FailureType = "schema_invalid"
	DependencyConflict        FailureType = "dependency_conflict"
	SecretDetected            FailureType = "secret_detected"
	Unknown                   FailureType = "unknown"
)

// Classification is the class assigned to a failure.
type Classification struct {
	Type       FailureType `json:"type"`
	Confidence float64     `json:"confidence"`
}

// Strategy is how a class of failure gets fixed.
type Strategy struct {
	AgentToRerun           string                 `json:"agent_to_rerun,omitempty"`
	Phase                  workflowspec.PhaseName `json:"phase,omitempty"`
	AdditionalInstructions string                 `json:"additional_instructions,omitempty"`
	RequiresManualReview   bool                   `json:"requires_manual_review"`
	Reason                 string                 `json:"reason,omitempty"`
}

// SafeguardResult is the verdict of the safeguard chain.
type SafeguardResult struct {
	Approved         bool   `json:"approved"`
	Reason           string `json:"reason,omitempty"`
	UserEditDetected bool   `json:"user_edit_detected,omitempty"`

	// Conflict renders the user's edit against the generated content in
	// merge-conflict form.
	Conflict string `json:"conflict,omitempty"`
}

// ArtifactState is what the safeguards know about one artifact.
type ArtifactState struct {
	Name         string `json:"name"`
	Content      string `json:"-"`
	Hash         string `json:"hash"`
	OriginalHash string `json:"original_hash"`

	// OriginalContent is the last generated content, when still known.
	OriginalContent string `json:"-"`
}

// Request describes a failed phase to remediate.
type Request struct {
	ProjectID       string
	FailedPhase     workflowspec.PhaseName
	Errors          []string
	FailedArtifacts []string
	CurrentAttempt  int
	MaxAttempts     int

	// Artifacts holds the state of the artifacts a rerun could overwrite.
	Artifacts []ArtifactState
}

// AutoRemedyResult is the outcome of Remediator.Attempt.
type AutoRemedyResult struct {
	CanProceed           bool            `json:"can_proceed"`
	RequiresManualReview bool            `json:"requires_manual_review"`
	Reason               string          `json:"reason"`
	Classification       Classification  `json:"classification"`
	Remediation          *Strategy       `json:"remediation,omitempty"`
	Safeguard            SafeguardResult `json:"safeguard_result"`
	NextAttempt          int             `json:"next_attempt"`
}
