// Package impact builds the artifact dependency graph and works out which
// downstream artifacts are affected when one of them changes.
package impact

import (
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// Level grades how strongly an artifact is affected.
type Level string

const (
	LevelHigh   Level = "HIGH"
	LevelMedium Level = "MEDIUM"
	LevelLow    Level = "LOW"
)

// ChangeType classifies a section-level change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeDeleted  ChangeType = "deleted"
	ChangeModified ChangeType = "modified"
)

// Strategy is a regeneration recommendation.
type Strategy string

const (
	StrategyRegenerateAll  Strategy = "regenerate_all"
	StrategyHighImpactOnly Strategy = "high_impact_only"
	StrategyManualReview   Strategy = "manual_review"
	StrategyIgnore         Strategy = "ignore"
)

// ParseStrategy validates s.
func ParseStrategy(s string) (Strategy, bool) {
	switch st := Strategy(s); st {
	case StrategyRegenerateAll, StrategyHighImpactOnly, StrategyManualReview, StrategyIgnore:
		return st, true
	}
	return "", false
}

// ChangedSection is one markdown section that differs between snapshots.
type ChangedSection struct {
	Header     string     `json:"header"`
	ChangeType ChangeType `json:"change_type"`
	OldContent string     `json:"old_content,omitempty"`
	NewContent string     `json:"new_content,omitempty"`
	Line       int        `json:"line"`
}

// ArtifactChange records two differing snapshots of one artifact.
type ArtifactChange struct {
	ProjectID       string           `json:"project_id"`
	ArtifactName    string           `json:"artifact_name"`
	OldHash         string           `json:"old_hash"`
	NewHash         string           `json:"new_hash"`
	HasChanges      bool             `json:"has_changes"`
	ImpactLevel     Level            `json:"impact_level"`
	ChangedSections []ChangedSection `json:"changed_sections"`
	Timestamp       time.Time        `json:"timestamp"`
}

// AffectedArtifact is one downstream artifact reached from a change.
type AffectedArtifact struct {
	ArtifactID  string                 `json:"artifact_id"`
	Phase       workflowspec.PhaseName `json:"phase"`
	ImpactLevel Level                  `json:"impact_level"`
	Reason      string                 `json:"reason"`
	ChangeType  ChangeType             `json:"change_type,omitempty"`
	Section     string                 `json:"section,omitempty"`
	Depth       int                    `json:"depth"`
}

// Summary counts affected artifacts per level.
type Summary struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Total returns the number of affected artifacts counted.
func (s Summary) Total() int {
	return s.High + s.Medium + s.Low
}

// Analysis is the result of analysing one change.
type Analysis struct {
	TriggerChange       *ArtifactChange    `json:"trigger_change"`
	AffectedArtifacts   []AffectedArtifact `json:"affected_artifacts"`
	ImpactSummary       Summary            `json:"impact_summary"`
	RecommendedStrategy Strategy           `json:"recommended_strategy"`
	Reasoning           string             `json:"reasoning"`
}

// HighImpact returns the ids of artifacts affected at LevelHigh.
func (a *Analysis) HighImpact() []string {
	var out []string
	for _, af := range a.AffectedArtifacts {
		if af.ImpactLevel == LevelHigh {
			out = append(out, af.ArtifactID)
		}
	}
	return out
}

// ArtifactIDs returns the ids of every affected artifact.
func (a *Analysis) ArtifactIDs() []string {
	out := make([]string, 0, len(a.AffectedArtifacts))
	for _, af := range a.AffectedArtifacts {
		out = append(out, af.ArtifactID)
	}
	return out
}

// Summarize counts affected by level.
func Summarize(affected []AffectedArtifact) Summary {
	var s Summary
	for _, a := range affected {
		switch a.ImpactLevel {
		case LevelHigh:
			s.High++
		case LevelMedium:
			s.Medium++
		default:
			s.Low++
		}
	}
	return s
}
