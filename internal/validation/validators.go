package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/secrets"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// Input is what a phase is validated against.
type Input struct {
	Phase *workflowspec.PhaseDef

	// Artifacts holds the latest content of every project artifact, keyed
	// by filename.
	Artifacts map[string]string

	StackChoice string
}

// Check implements one validator kind. It appends to res.
type Check func(ctx context.Context, v *workflowspec.ValidatorSpec, in *Input, res *Result)

// SecretScanner is satisfied by *secrets.Detector.
type SecretScanner interface {
	Scan(content string) *secrets.Result
}

// Registry maps validator kinds to their implementation.
type Registry struct {
	checks map[string]Check
	logger *zap.Logger
}

// NewRegistry returns a registry with the built-in kinds. A nil scanner
// disables no_secrets.
func NewRegistry(scanner SecretScanner, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{checks: make(map[string]Check), logger: logger}
	r.Register("required_sections", checkRequiredSections)
	r.Register("min_length", checkMinLength)
	r.Register("valid_json", checkValidJSON)
	r.Register("no_placeholders", checkNoPlaceholders)
	r.Register("stack_choice_recorded", checkStackChoice)
	r.Register("requirement_mapping", checkRequirementMapping)
	r.Register("constitution_compliance", checkConstitution)
	r.Register("no_secrets", secretCheck(scanner))
	return r
}

// Register adds or replaces a kind.
func (r *Registry) Register(kind string, c Check) {
	r.checks[kind] = c
}

// Validate runs the presence checks for the phase's declared outputs and
// then every validator the phase names.
func (r *Registry) Validate(ctx context.Context, spec *workflowspec.WorkflowSpec, in *Input) *Result {
	res := &Result{Checks: make(map[string]bool), Errors: []Issue{}, Warnings: []Issue{}}

	for _, out := range in.Phase.Outputs {
		key := "artifact:" + out
		if _, ok := in.Artifacts[out]; !ok {
			res.Errors = append(res.Errors, Issue{Check: key, Artifact: out, Message: fmt.Sprintf("missing artifact: %s", out)})
			res.Checks[key] = false
			continue
		}
		res.Checks[key] = true
	}

	for _, name := range in.Phase.Validators {
		v, ok := spec.Validators[name]
		if !ok {
			res.Warnings = append(res.Warnings, Issue{Check: name, Message: fmt.Sprintf("validator %s is not declared", name)})
			continue
		}
		check, ok := r.checks[v.Kind]
		if !ok {
			r.logger.Warn("no implementation for validator kind", zap.String("validator", name), zap.String("kind", v.Kind))
			continue
		}
		before := len(res.Errors)
		check(ctx, v, in, res)
		res.Checks[name] = len(res.Errors) == before
	}

	res.finish()
	return res
}

func issue(v *workflowspec.ValidatorSpec, artifact, format string, args ...any) Issue {
	return Issue{Check: v.Name, Artifact: artifact, Message: fmt.Sprintf(format, args...)}
}

// targets returns the artifacts a validator applies to: its own artifact,
// or every present output of the phase.
func targets(v *workflowspec.ValidatorSpec, in *Input) []string {
	if v.Artifact != "" {
		return []string{v.Artifact}
	}
	var out []string
	for _, o := range in.Phase.Outputs {
		if _, ok := in.Artifacts[o]; ok {
			out = append(out, o)
		}
	}
	return out
}

// content looks up artifact. Absence has already been reported by the
// presence check when the artifact is a phase output.
func content(v *workflowspec.ValidatorSpec, in *Input, artifact string, res *Result) (string, bool) {
	c, ok := in.Artifacts[artifact]
	if !ok && !in.Phase.ProducesArtifact(artifact) {
		res.Errors = append(res.Errors, issue(v, artifact, "missing artifact: %s", artifact))
	}
	return c, ok
}

func checkRequiredSections(_ context.Context, v *workflowspec.ValidatorSpec, in *Input, res *Result) {
	for _, a := range targets(v, in) {
		c, ok := content(v, in, a, res)
		if !ok {
			continue
		}
		headers := make([]string, 0)
		for h := range impact.SectionBodies(c) {
			headers = append(headers, strings.ToLower(h))
		}
		for _, want := range v.Sections {
			if !slices.ContainsFunc(headers, func(h string) bool { return strings.Contains(h, strings.ToLower(want)) }) {
				res.Errors = append(res.Errors, issue(v, a, "incomplete section: %s is missing required section %q", a, want))
			}
		}
	}
}

func checkMinLength(_ context.Context, v *workflowspec.ValidatorSpec, in *Input, res *Result) {
	for _, a := range targets(v, in) {
		c, ok := content(v, in, a, res)
		if !ok {
			continue
		}
		if n := len(strings.TrimSpace(c)); n < v.MinLength {
			res.Warnings = append(res.Warnings, issue(v, a, "%s is shorter than expected (%d < %d characters)", a, n, v.MinLength))
		}
	}
}

func checkValidJSON(_ context.Context, v *workflowspec.ValidatorSpec, in *Input, res *Result) {
	for _, a := range targets(v, in) {
		c, ok := content(v, in, a, res)
		if !ok {
			continue
		}
		var doc any
		if err := json.Unmarshal([]byte(c), &doc); err != nil {
			res.Errors = append(res.Errors, issue(v, a, "schema invalid: %s is not valid JSON: %v", a, err))
		}
	}
}

func checkNoPlaceholders(_ context.Context, v *workflowspec.ValidatorSpec, in *Input, res *Result) {
	for _, a := range targets(v, in) {
		c := in.Artifacts[a]
		for _, p := range v.Patterns {
			if placeholderPattern(p).MatchString(c) {
				res.Warnings = append(res.Warnings, issue(v, a, "%s contains placeholder text %q", a, p))
			}
		}
	}
}

// placeholderPattern matches p as a whole word. Upper-case markers such as
// TODO match only in upper case so ordinary prose is not flagged.
func placeholderPattern(p string) *regexp.Regexp {
	expr := `\b` + regexp.QuoteMeta(p) + `\b`
	if p != strings.ToUpper(p) {
		expr = "(?i)" + expr
	}
	return regexp.MustCompile(expr)
}

func checkStackChoice(_ context.Context, v *workflowspec.ValidatorSpec, in *Input, res *Result) {
	if strings.TrimSpace(in.StackChoice) == "" {
		res.Errors = append(res.Errors, issue(v, "stack-decision.md", "no stack choice recorded on the project"))
	}
}

var requirementID = regexp.MustCompile(`\b(?:FR|NFR|REQ)-\d+\b`)

func checkRequirementMapping(_ context.Context, v *workflowspec.ValidatorSpec, in *Input, res *Result) {
	src, ok := content(v, in, v.Source, res)
	if !ok {
		return
	}
	target, ok := content(v, in, v.Artifact, res)
	if !ok {
		return
	}

	ids := requirementID.FindAllString(src, -1)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var missing []string
	for _, id := range ids {
		if !regexp.MustCompile(`\b` + regexp.QuoteMeta(id) + `\b`).MatchString(target) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		res.Errors = append(res.Errors, issue(v, v.Artifact,
			"missing requirement mapping: %s not referenced in %s", strings.Join(missing, ", "), v.Artifact))
	}
}

const constitutionArtifact = "constitution.md"

var listMarker = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)

// prohibitions returns the bullet items under the constitution's
// Prohibited section, lower-cased. Anything after a colon or dash is
// explanation and dropped.
func prohibitions(constitution string) []string {
	var body string
	for h, b := range impact.SectionBodies(constitution) {
		if strings.Contains(strings.ToLower(h), "prohibit") {
			body = b
			break
		}
	}

	var out []string
	for _, line := range strings.Split(body, "\n") {
		if !listMarker.MatchString(line) {
			continue
		}
		item := listMarker.ReplaceAllString(line, "")
		if i := strings.Index(item, ":"); i >= 0 {
			item = item[:i]
		}
		if i := strings.Index(item, " - "); i >= 0 {
			item = item[:i]
		}
		item = strings.ToLower(strings.Trim(strings.TrimSpace(item), "*_`."))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func checkConstitution(_ context.Context, v *workflowspec.ValidatorSpec, in *Input, res *Result) {
	constitution, ok := in.Artifacts[constitutionArtifact]
	if !ok {
		res.Errors = append(res.Errors, issue(v, constitutionArtifact, "missing artifact: %s", constitutionArtifact))
		return
	}
	banned := prohibitions(constitution)
	if len(banned) == 0 {
		return
	}

	for _, a := range targets(v, in) {
		c := strings.ToLower(in.Artifacts[a])
		for _, b := range banned {
			if strings.Contains(c, b) {
				res.Errors = append(res.Errors, issue(v, a, "constitutional violation: %s uses prohibited %q", a, b))
			}
		}
	}
}

func secretCheck(scanner SecretScanner) Check {
	return func(_ context.Context, v *workflowspec.ValidatorSpec, in *Input, res *Result) {
		if scanner == nil {
			return
		}
		names := targets(v, in)
		sort.Strings(names)
		for _, a := range names {
			found := scanner.Scan(in.Artifacts[a])
			if found.HasFindings() {
				res.Errors = append(res.Errors, issue(v, a, "secret detected in %s: %s", a, found.Summary()))
			}
		}
	}
}
