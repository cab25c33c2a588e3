package project

import (
	"errors"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// Common errors.
var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrGateNotFound     = errors.New("gate not found")
	ErrInvalidProjectID = errors.New("invalid project ID")
	ErrEmptyProjectName = errors.New("project name cannot be empty")
)

// GateStatus is the decision recorded on an approval gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

// TransitionKind labels an entry in the phase audit trail.
type TransitionKind string

const (
	TransitionAdvance   TransitionKind = "advance"
	TransitionRollback  TransitionKind = "rollback"
	TransitionRemediate TransitionKind = "remediate"
)

// Transition is one recorded phase move.
type Transition struct {
	From workflowspec.PhaseName `json:"from"`
	To   workflowspec.PhaseName `json:"to"`
	Kind TransitionKind         `json:"kind"`
	At   time.Time              `json:"at"`
}

// Failure is the last failed validation, kept for AUTO_REMEDY.
type Failure struct {
	Phase           workflowspec.PhaseName `json:"phase"`
	Errors          []string               `json:"errors"`
	FailedArtifacts []string               `json:"failed_artifacts"`
	RecordedAt      time.Time              `json:"recorded_at"`
}

// State is the pipeline state of a project.
type State struct {
	ID                   string                         `json:"id"`
	Name                 string                         `json:"name"`
	Slug                 string                         `json:"slug"`
	CurrentPhase         workflowspec.PhaseName         `json:"current_phase"`
	PhasesCompleted      []workflowspec.PhaseName       `json:"phases_completed"`
	StackChoice          string                         `json:"stack_choice,omitempty"`
	ApprovalGateStatuses map[string]GateStatus          `json:"approval_gate_statuses"`
	ArtifactVersions     map[workflowspec.PhaseName]int `json:"artifact_versions"`
	RemediationAttempts  int                            `json:"remediation_attempts"`
	PendingFailure       *Failure                       `json:"pending_failure,omitempty"`
	Transitions          []Transition                   `json:"transitions"`
	CreatedAt            time.Time                      `json:"created_at"`
	UpdatedAt            time.Time                      `json:"updated_at"`
}

// NewState creates a project positioned at the first pipeline phase.
func NewState(name string, now time.Time) (*State, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyProjectName
	}
	return &State{
		ID:                   uuid.New().String(),
		Name:                 name,
		Slug:                 Slugify(name),
		CurrentPhase:         workflowspec.PhaseAnalysis,
		ApprovalGateStatuses: make(map[string]GateStatus),
		ArtifactVersions:     make(map[workflowspec.PhaseName]int),
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// Validate checks identity fields.
func (s *State) Validate() error {
	if _, err := uuid.Parse(s.ID); err != nil {
		return ErrInvalidProjectID
	}
	if s.Name == "" {
		return ErrEmptyProjectName
	}
	return nil
}

// HasCompleted reports whether phase is in PhasesCompleted.
func (s *State) HasCompleted(phase workflowspec.PhaseName) bool {
	return slices.Contains(s.PhasesCompleted, phase)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.PhasesCompleted = slices.Clone(s.PhasesCompleted)
	c.Transitions = slices.Clone(s.Transitions)
	c.ApprovalGateStatuses = make(map[string]GateStatus, len(s.ApprovalGateStatuses))
	for k, v := range s.ApprovalGateStatuses {
		c.ApprovalGateStatuses[k] = v
	}
	c.ArtifactVersions = make(map[workflowspec.PhaseName]int, len(s.ArtifactVersions))
	for k, v := range s.ArtifactVersions {
		c.ArtifactVersions[k] = v
	}
	if s.PendingFailure != nil {
		f := *s.PendingFailure
		f.Errors = slices.Clone(f.Errors)
		f.FailedArtifacts = slices.Clone(f.FailedArtifacts)
		c.PendingFailure = &f
	}
	return &c
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lower-cases name and joins its words with dashes.
func Slugify(name string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		return "project"
	}
	return slug
}
