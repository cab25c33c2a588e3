package remediation

import (
	"strings"

	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

type rule struct {
	typ        FailureType
	confidence float64
	keywords   []string
}

// taxonomy is checked in order; the first class with a matching keyword
// wins.
var taxonomy = []rule{
	{MissingRequirementMapping, 0.9, []string{"requirement mapping", "not referenced in", "unmapped requirement", "requirement coverage"}},
	{ConstitutionalViolation, 0.9, []string{"constitutional violation", "violates the constitution", "prohibited"}},
	{MissingArtifact, 0.85, []string{"missing artifact", "artifact not found", "was not produced"}},
	{IncompleteSection, 0.8, []string{"incomplete section", "missing required section", "missing section", "empty section"}},
	{SchemaInvalid, 0.8, []string{"schema invalid", "not valid json", "invalid json", "schema validation"}},
	{DependencyConflict, 0.75, []string{"dependency conflict", "version conflict", "incompatible version", "conflicting dependenc"}},
	{SecretDetected, 0.95, []string{"secret detected", "potential secret", "credential", "api key"}},
}

const unknownConfidence = 0.3

// Classify assigns message to a class of the taxonomy.
func Classify(phase workflowspec.PhaseName, message string) Classification {
	m := strings.ToLower(message)
	for _, r := range taxonomy {
		for _, kw := range r.keywords {
			if strings.Contains(m, kw) {
				return Classification{Type: r.typ, Confidence: r.confidence}
			}
		}
	}
	// Resolution problems surface as loose "conflict" wording.
	if phase == workflowspec.PhaseDependencies && strings.Contains(m, "conflict") {
		return Classification{Type: DependencyConflict, Confidence: 0.6}
	}
	return Classification{Type: Unknown, Confidence: unknownConfidence}
}

// ClassifyAll classifies a set of messages as one failure. A class that
// needs manual review outranks the rest; otherwise taxonomy order decides.
func ClassifyAll(phase workflowspec.PhaseName, messages []string) Classification {
	best := Classification{Type: Unknown, Confidence: unknownConfidence}
	bestRank := len(taxonomy)
	for _, msg := range messages {
		c := Classify(phase, msg)
		if c.Type == Unknown {
			continue
		}
		rank := rankOf(c.Type)
		if manualOnly[c.Type] {
			rank -= len(taxonomy)
		}
		if rank < bestRank {
			best, bestRank = c, rank
		}
	}
	return best
}

func rankOf(t FailureType) int {
	for i, r := range taxonomy {
		if r.typ == t {
			return i
		}
	}
	return len(taxonomy)
}
