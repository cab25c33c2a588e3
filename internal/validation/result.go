// Package validation checks a phase's artifacts against the validators the
// workflow specification declares for it.
package validation

import (
	"slices"
)

// Status is the overall verdict of a validation run.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Issue is one problem found by a check.
type Issue struct {
	Check    string `json:"check"`
	Artifact string `json:"artifact,omitempty"`
	Message  string `json:"message"`
}

func (i Issue) String() string {
	return i.Message
}

// Result is the outcome of validating one phase.
type Result struct {
	Status   Status          `json:"status"`
	Checks   map[string]bool `json:"checks"`
	Errors   []Issue         `json:"errors"`
	Warnings []Issue         `json:"warnings"`
}

// ErrorMessages returns the error texts in order.
func (r *Result) ErrorMessages() []string {
	return messages(r.Errors)
}

// WarningMessages returns the warning texts in order.
func (r *Result) WarningMessages() []string {
	return messages(r.Warnings)
}

// FailedArtifacts returns the artifacts named by errors, deduplicated, in
// first-seen order.
func (r *Result) FailedArtifacts() []string {
	var out []string
	for _, e := range r.Errors {
		if e.Artifact != "" && !slices.Contains(out, e.Artifact) {
			out = append(out, e.Artifact)
		}
	}
	return out
}

func (r *Result) finish() {
	switch {
	case len(r.Errors) > 0:
		r.Status = StatusFail
	case len(r.Warnings) > 0:
		r.Status = StatusWarn
	default:
		r.Status = StatusPass
	}
}

func messages(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Message
	}
	return out
}
