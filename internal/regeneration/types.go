package regeneration

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
)

// Run is the audit record of one regeneration workflow execution.
type Run struct {
	ID                    string          `json:"id"`
	ProjectID             string          `json:"project_id"`
	TriggerArtifactID     string          `json:"trigger_artifact_id"`
	SelectedStrategy      impact.Strategy `json:"selected_strategy"`
	ArtifactsToRegenerate []string        `json:"artifacts_to_regenerate"`
	ArtifactsRegenerated  []string        `json:"artifacts_regenerated"`
	ArtifactsSkipped      []string        `json:"artifacts_skipped"`
	StartedAt             time.Time       `json:"started_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	DurationMs            int64           `json:"duration_ms"`
	Success               bool            `json:"success"`
	ErrorMessage          string          `json:"error_message,omitempty"`
}

// Request selects what to regenerate.
type Request struct {
	TriggerArtifactID string          `json:"trigger_artifact_id"`
	Strategy          impact.Strategy `json:"strategy"`

	// ManualArtifactIDs is used by the manual_review strategy.
	ManualArtifactIDs []string `json:"manual_artifact_ids,omitempty"`
}

// Result is what Execute reports.
type Result struct {
	Success      bool             `json:"success"`
	Run          *Run             `json:"run,omitempty"`
	Analysis     *impact.Analysis `json:"analysis,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// ChangeSource resolves the most recent recorded change to an artifact.
// A nil change with a nil error means none was recorded.
type ChangeSource interface {
	LatestChange(ctx context.Context, projectID, artifact string) (*impact.ArtifactChange, error)
}

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, run *Run) error
}

// VersionRecorder appends artifact version records.
type VersionRecorder interface {
	RecordVersion(ctx context.Context, v project.ArtifactVersion) error
}

// ArtifactRegenerator produces a fresh revision of one artifact.
type ArtifactRegenerator interface {
	RegenerateArtifact(ctx context.Context, projectID, artifactID, reason string) (*project.Artifact, error)
}

// Analyzer computes impact analyses.
type Analyzer interface {
	Analyze(change *impact.ArtifactChange) *impact.Analysis
}

// Publisher receives run completion notices.
type Publisher interface {
	Publish(ctx context.Context, projectID, event string, payload any) error
}
