package project

import (
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// Artifact is the current content of one generated file.
type Artifact struct {
	ProjectID string                 `json:"project_id"`
	Phase     workflowspec.PhaseName `json:"phase"`
	Filename  string                 `json:"filename"`
	Content   string                 `json:"content"`
	Hash      string                 `json:"hash"`

	// OriginalHash is the hash of the last generated content. It differs
	// from Hash once a user has edited the file.
	OriginalHash string    `json:"original_hash"`
	Version      int       `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserEdited reports whether the content changed since it was generated.
func (a *Artifact) UserEdited() bool {
	return a.OriginalHash != "" && a.Hash != a.OriginalHash
}

// Key returns the phase/filename key used for engine outputs.
func (a *Artifact) Key() string {
	return string(a.Phase) + "/" + a.Filename
}

// ArtifactVersion is an audit record for one generated revision.
type ArtifactVersion struct {
	ProjectID string                 `json:"project_id"`
	Phase     workflowspec.PhaseName `json:"phase"`
	Filename  string                 `json:"filename"`
	Version   int                    `json:"version"`
	Hash      string                 `json:"hash"`
	RunID     string                 `json:"run_id,omitempty"`
	Reason    string                 `json:"reason"`
	CreatedAt time.Time              `json:"created_at"`
}

// Gate is the state of one approval gate for a project.
type Gate struct {
	Name      string                 `json:"gate_name"`
	Phase     workflowspec.PhaseName `json:"phase"`
	Status    GateStatus             `json:"status"`
	Blocking  bool                   `json:"blocking"`
	DecidedBy string                 `json:"decided_by,omitempty"`
	DecidedAt *time.Time             `json:"decided_at,omitempty"`
}

// Snapshot captures a phase's artifacts at the time it completed.
type Snapshot struct {
	ID        int64                  `json:"id"`
	ProjectID string                 `json:"project_id"`
	Phase     workflowspec.PhaseName `json:"phase"`
	Artifacts map[string]string      `json:"artifacts"`
	Metadata  map[string]string      `json:"metadata"`
	CommitRef string                 `json:"commit_ref,omitempty"`
	Checksum  string                 `json:"checksum"`
	CreatedAt time.Time              `json:"created_at"`
}
