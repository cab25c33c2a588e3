package remediation

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// MaxScopeLines is the largest diff ValidateScope accepts.
const MaxScopeLines = 50

// Safeguard inspects a proposed remediation. A rejection halts the chain.
type Safeguard func(req *Request, strategy Strategy) SafeguardResult

func approved() SafeguardResult { return SafeguardResult{Approved: true} }

func attemptsGuard(req *Request, _ Strategy) SafeguardResult {
	if req.CurrentAttempt >= req.MaxAttempts {
		return SafeguardResult{Reason: fmt.Sprintf("max attempts reached (%d/%d)", req.CurrentAttempt, req.MaxAttempts)}
	}
	return approved()
}

func classificationGuard(_ *Request, strategy Strategy) SafeguardResult {
	if strategy.RequiresManualReview {
		return SafeguardResult{Reason: strategy.Reason}
	}
	return approved()
}

func protectedGuard(spec *workflowspec.WorkflowSpec) Safeguard {
	return func(req *Request, strategy Strategy) SafeguardResult {
		p, ok := spec.Phase(strategy.Phase)
		if !ok {
			return approved()
		}
		touched := append([]string{}, p.Outputs...)
		touched = append(touched, req.FailedArtifacts...)
		for _, name := range touched {
			if spec.IsProtected(name) {
				return SafeguardResult{Reason: fmt.Sprintf("protected artifact - manual review required (%s)", name)}
			}
		}
		return approved()
	}
}

func userEditGuard(req *Request, _ Strategy) SafeguardResult {
	for _, a := range req.Artifacts {
		if a.OriginalHash == "" || a.Hash == a.OriginalHash {
			continue
		}
		res := SafeguardResult{
			Reason:           fmt.Sprintf("%s was edited by a user - manual review required", a.Name),
			UserEditDetected: true,
		}
		if a.OriginalContent != "" {
			res.Conflict = renderConflict(a.Content, a.OriginalContent, "original")
		}
		return res
	}
	return approved()
}

// RunSafeguards applies the chain in order and returns the first rejection,
// or an approval.
func RunSafeguards(req *Request, strategy Strategy, chain ...Safeguard) SafeguardResult {
	for _, g := range chain {
		if res := g(req, strategy); !res.Approved {
			return res
		}
	}
	return approved()
}

// RenderConflict shows current against proposed with git-style conflict
// markers around every differing hunk.
func RenderConflict(current, proposed string) string {
	return renderConflict(current, proposed, "proposed")
}

// renderConflict is RenderConflict with other's marker labelled label.
func renderConflict(current, other, label string) string {
	a := splitLines(current)
	b := splitLines(other)

	var sb strings.Builder
	write := func(lines []string) {
		for _, l := range lines {
			sb.WriteString(l)
		}
	}

	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		if op.Tag == 'e' {
			write(a[op.I1:op.I2])
			continue
		}
		sb.WriteString("<<<<<<< current\n")
		write(a[op.I1:op.I2])
		sb.WriteString("=======\n")
		write(b[op.J1:op.J2])
		sb.WriteString(">>>>>>> " + label + "\n")
	}
	return sb.String()
}

// splitLines splits s after every newline. Unlike difflib.SplitLines it adds
// no empty trailing line, and a final line without a newline gets one.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] += "\n"
	}
	return lines
}

// ChangedLines counts added and removed lines in the unified diff of
// original and proposed.
func ChangedLines(original, proposed string) (int, error) {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(original),
		B:        splitLines(proposed),
		FromFile: "original",
		ToFile:   "proposed",
		Context:  0,
	})
	if err != nil {
		return 0, fmt.Errorf("diff: %w", err)
	}

	n := 0
	for _, line := range strings.Split(diff, "\n") {
		if line == "--- original" || line == "+++ proposed" {
			continue
		}
		if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
			n++
		}
	}
	return n, nil
}

// ValidateScope rejects a change touching more than MaxScopeLines lines.
func ValidateScope(original, proposed string) error {
	n, err := ChangedLines(original, proposed)
	if err != nil {
		return err
	}
	if n > MaxScopeLines {
		return fmt.Errorf("%w: change touches %d lines (limit %d)", ErrSafeguardRejected, n, MaxScopeLines)
	}
	return nil
}
