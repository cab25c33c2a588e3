package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/orchestrd/internal/checker"
	"github.com/fyrsmithlabs/orchestrd/internal/remediation"
	"github.com/fyrsmithlabs/orchestrd/internal/validation"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// Engine errors.
var (
	ErrUnknownPhase           = errors.New("unknown phase")
	ErrValidationFailed       = errors.New("phase validation failed")
	ErrApprovalBlocked        = errors.New("blocked on approval gate")
	ErrManualReviewRequired   = errors.New("manual review required")
	ErrCheckerEscalated       = errors.New("review escalated")
	ErrInvalidTransition      = errors.New("invalid phase transition")
	ErrDependenciesIncomplete = errors.New("phase dependencies incomplete")
	ErrNoAgent                = errors.New("no agent registered for phase")
)

// ApprovalBlockedError names the gate that must be approved.
type ApprovalBlockedError struct {
	Gate  string
	Phase workflowspec.PhaseName
}

func (e *ApprovalBlockedError) Error() string {
	return fmt.Sprintf("%s: approve gate %q on %s to continue", ErrApprovalBlocked, e.Gate, e.Phase)
}

func (e *ApprovalBlockedError) Unwrap() error { return ErrApprovalBlocked }

// ValidationError carries the failed validation result.
type ValidationError struct {
	Phase  workflowspec.PhaseName
	Result *validation.Result
}

func (e *ValidationError) Error() string {
	msgs := e.Result.ErrorMessages()
	return fmt.Sprintf("%s: %s has %d error(s): %s", ErrValidationFailed, e.Phase, len(msgs), strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// ManualReviewError halts automated progression until a human decides.
type ManualReviewError struct {
	Phase  workflowspec.PhaseName
	Reason string
	Result *remediation.AutoRemedyResult
}

func (e *ManualReviewError) Error() string {
	return fmt.Sprintf("%s for %s: %s", ErrManualReviewRequired, e.Phase, e.Reason)
}

func (e *ManualReviewError) Unwrap() error { return ErrManualReviewRequired }

// EscalationError is returned when the reviewer escalates a phase. The
// generated artifacts were not persisted.
type EscalationError struct {
	Phase     workflowspec.PhaseName
	Result    *checker.Result
	Artifacts map[string]string
}

func (e *EscalationError) Error() string {
	msg := fmt.Sprintf("%s for %s", ErrCheckerEscalated, e.Phase)
	if e.Result != nil && e.Result.Summary != "" {
		msg += ": " + e.Result.Summary
	}
	return msg
}

func (e *EscalationError) Unwrap() error { return ErrCheckerEscalated }
