// Package workflowspec loads and validates the static phase specification.
//
// A WorkflowSpec is parsed once and never mutated. Callers that need a
// fresh copy after the file changes go through Source.Reload, which swaps
// the whole value.
package workflowspec

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PhaseName identifies a phase in the fixed pipeline.
type PhaseName string

const (
	PhaseAnalysis       PhaseName = "ANALYSIS"
	PhaseStackSelection PhaseName = "STACK_SELECTION"
	PhaseSpec           PhaseName = "SPEC"
	PhaseDependencies   PhaseName = "DEPENDENCIES"
	PhaseSolutioning    PhaseName = "SOLUTIONING"
	PhaseValidate       PhaseName = "VALIDATE"
	PhaseAutoRemedy     PhaseName = "AUTO_REMEDY"
	PhaseDone           PhaseName = "DONE"
)

// PipelinePhases returns the fixed pipeline in execution order.
func PipelinePhases() []PhaseName {
	return []PhaseName{
		PhaseAnalysis, PhaseStackSelection, PhaseSpec, PhaseDependencies,
		PhaseSolutioning, PhaseValidate, PhaseAutoRemedy, PhaseDone,
	}
}

// ErrConfig marks a specification that could not be loaded or is invalid.
var ErrConfig = errors.New("invalid workflow specification")

// ConfigError describes why a specification was rejected.
type ConfigError struct {
	Source string
	Issues []string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("workflow spec")
	if e.Source != "" {
		b.WriteString(" " + e.Source)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	if len(e.Issues) > 0 {
		b.WriteString(": " + strings.Join(e.Issues, "; "))
	}
	return b.String()
}

func (e *ConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConfig, e.Err}
	}
	return []error{ErrConfig}
}

// PhaseDef describes one phase.
type PhaseDef struct {
	Name              PhaseName     `yaml:"-"`
	Description       string        `yaml:"description"`
	Owners            []string      `yaml:"owners"`
	EstimatedDuration time.Duration `yaml:"duration"`
	Inputs            []string      `yaml:"inputs"`
	Outputs           []string      `yaml:"outputs"`
	DependsOn         []PhaseName   `yaml:"depends_on"`
	Gates             []string      `yaml:"gates"`
	Validators        []string      `yaml:"validators"`
	NextPhase         PhaseName     `yaml:"next_phase"`
}

// ProducesArtifact reports whether name is one of the phase outputs.
func (p *PhaseDef) ProducesArtifact(name string) bool {
	for _, o := range p.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

// ValidatorSpec is an entry in the validator registry. Which fields are
// meaningful depends on Kind.
type ValidatorSpec struct {
	Name        string   `yaml:"-"`
	Kind        string   `yaml:"kind"`
	Description string   `yaml:"description"`
	Artifact    string   `yaml:"artifact"`
	Source      string   `yaml:"source"`
	Sections    []string `yaml:"sections"`
	MinLength   int      `yaml:"min_length"`
	Patterns    []string `yaml:"patterns"`
}

// RoleSpec is an entry in the role registry.
type RoleSpec struct {
	Description string `yaml:"description"`
}

// GateSpec declares an approval gate.
type GateSpec struct {
	Name        string    `yaml:"-"`
	Phase       PhaseName `yaml:"phase"`
	Blocking    bool      `yaml:"blocking"`
	Description string    `yaml:"description"`
}

// ReviewerSpec configures the adversarial reviewer for one phase.
type ReviewerSpec struct {
	Criteria []string `yaml:"criteria"`
}

// GenerationOverride replaces defaults for one phase. Zero values inherit.
type GenerationOverride struct {
	Model       string   `yaml:"model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
}

// GenerationDefaults holds model settings and per-phase overrides.
type GenerationDefaults struct {
	Model       string                           `yaml:"model"`
	MaxTokens   int                              `yaml:"max_tokens"`
	Temperature float64                          `yaml:"temperature"`
	Overrides   map[PhaseName]GenerationOverride `yaml:"overrides"`
}

// GenerationSettings is the effective configuration for one phase.
type GenerationSettings struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// StageSpec is one barrier-separated group of phases.
type StageSpec struct {
	Name      string      `yaml:"name"`
	Phases    []PhaseName `yaml:"phases"`
	DependsOn []string    `yaml:"depends_on"`
}

// WorkflowSpec is the parsed phase specification.
type WorkflowSpec struct {
	Version            int                        `yaml:"version"`
	Phases             map[PhaseName]*PhaseDef   `yaml:"phases"`
	Validators         map[string]*ValidatorSpec  `yaml:"validators"`
	Roles              map[string]RoleSpec        `yaml:"roles"`
	Gates              map[string]*GateSpec       `yaml:"gates"`
	Reviewers          map[PhaseName]ReviewerSpec `yaml:"reviewers"`
	ProtectedArtifacts []string                   `yaml:"protected_artifacts"`
	Generation         GenerationDefaults         `yaml:"generation"`
	Stages             []StageSpec                `yaml:"stages"`

	order []PhaseName
}

// Parse decodes and validates a specification.
func Parse(data []byte) (*WorkflowSpec, error) {
	var spec WorkflowSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parse: %w", err)}
	}

	for name, p := range spec.Phases {
		if p == nil {
			p = &PhaseDef{}
			spec.Phases[name] = p
		}
		p.Name = name
	}
	for name, v := range spec.Validators {
		if v == nil {
			return nil, &ConfigError{Issues: []string{fmt.Sprintf("validator %q has no body", name)}}
		}
		v.Name = name
	}
	for name, g := range spec.Gates {
		if g == nil {
			return nil, &ConfigError{Issues: []string{fmt.Sprintf("gate %q has no body", name)}}
		}
		g.Name = name
	}

	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Phase returns the named phase.
func (s *WorkflowSpec) Phase(name PhaseName) (*PhaseDef, bool) {
	p, ok := s.Phases[name]
	return p, ok
}

// Order returns phases in dependency order, ties broken by pipeline position.
func (s *WorkflowSpec) Order() []PhaseName {
	return append([]PhaseName(nil), s.order...)
}

// IsProtected reports whether artifact must never be rewritten automatically.
func (s *WorkflowSpec) IsProtected(artifact string) bool {
	for _, p := range s.ProtectedArtifacts {
		if p == artifact {
			return true
		}
	}
	return false
}

// Reviewer returns the reviewer configuration for phase, if any.
func (s *WorkflowSpec) Reviewer(phase PhaseName) (ReviewerSpec, bool) {
	r, ok := s.Reviewers[phase]
	return r, ok && len(r.Criteria) > 0
}

// GenerationFor merges the defaults with any override for phase.
func (s *WorkflowSpec) GenerationFor(phase PhaseName) GenerationSettings {
	g := GenerationSettings{
		Model:       s.Generation.Model,
		MaxTokens:   s.Generation.MaxTokens,
		Temperature: s.Generation.Temperature,
	}
	if o, ok := s.Generation.Overrides[phase]; ok {
		if o.Model != "" {
			g.Model = o.Model
		}
		if o.MaxTokens > 0 {
			g.MaxTokens = o.MaxTokens
		}
		if o.Temperature != nil {
			g.Temperature = *o.Temperature
		}
	}
	return g
}

// ProducerOf returns the phase declaring artifact as an output.
func (s *WorkflowSpec) ProducerOf(artifact string) (PhaseName, bool) {
	for _, name := range s.order {
		if s.Phases[name].ProducesArtifact(artifact) {
			return name, true
		}
	}
	return "", false
}

// GatesFor returns the gate specs declared by phase, in declaration order.
func (s *WorkflowSpec) GatesFor(phase PhaseName) []*GateSpec {
	p, ok := s.Phases[phase]
	if !ok {
		return nil
	}
	out := make([]*GateSpec, 0, len(p.Gates))
	for _, g := range p.Gates {
		if gs, ok := s.Gates[g]; ok {
			out = append(out, gs)
		}
	}
	return out
}

// Ancestors returns every phase phase transitively depends on.
func (s *WorkflowSpec) Ancestors(phase PhaseName) map[PhaseName]bool {
	seen := make(map[PhaseName]bool)
	stack := []PhaseName{phase}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p, ok := s.Phases[cur]
		if !ok {
			continue
		}
		for _, dep := range p.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return seen
}

func (s *WorkflowSpec) validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if len(s.Phases) == 0 {
		add("no phases declared")
	}
	for _, name := range PipelinePhases() {
		if _, ok := s.Phases[name]; !ok {
			add("pipeline phase %s is missing", name)
		}
	}

	producers := make(map[string]PhaseName)
	for _, name := range sortedPhaseNames(s.Phases) {
		p := s.Phases[name]
		for _, dep := range p.DependsOn {
			if _, ok := s.Phases[dep]; !ok {
				add("phase %s depends on unknown phase %s", name, dep)
			}
			if dep == name {
				add("phase %s depends on itself", name)
			}
		}
		if p.NextPhase != "" {
			if _, ok := s.Phases[p.NextPhase]; !ok {
				add("phase %s has unknown next_phase %s", name, p.NextPhase)
			}
		}
		for _, v := range p.Validators {
			if _, ok := s.Validators[v]; !ok {
				add("phase %s references unknown validator %s", name, v)
			}
		}
		for _, g := range p.Gates {
			gs, ok := s.Gates[g]
			if !ok {
				add("phase %s references unknown gate %s", name, g)
			} else if gs.Phase != name {
				add("gate %s is declared for phase %s but listed on %s", g, gs.Phase, name)
			}
		}
		for _, o := range p.Owners {
			if _, ok := s.Roles[o]; !ok {
				add("phase %s has unknown owner role %s", name, o)
			}
		}
		for _, out := range p.Outputs {
			if prev, dup := producers[out]; dup {
				add("artifact %s is produced by both %s and %s", out, prev, name)
			}
			producers[out] = name
		}
	}
	for _, name := range sortedPhaseNames(s.Phases) {
		for _, in := range s.Phases[name].Inputs {
			if _, ok := producers[in]; !ok {
				add("phase %s consumes %s which no phase produces", name, in)
			}
		}
	}
	for phase := range s.Reviewers {
		if _, ok := s.Phases[phase]; !ok {
			add("reviewer configured for unknown phase %s", phase)
		}
	}
	for _, a := range s.ProtectedArtifacts {
		if _, ok := producers[a]; !ok {
			add("protected artifact %s is not produced by any phase", a)
		}
	}
	for name, v := range s.Validators {
		if !knownValidatorKind(v.Kind) {
			add("validator %s has unknown kind %q", name, v.Kind)
		}
	}

	if len(issues) > 0 {
		return &ConfigError{Issues: issues}
	}

	order, err := topoOrder(s.Phases)
	if err != nil {
		return &ConfigError{Err: err}
	}
	s.order = order

	if err := s.validateStages(); err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}

var validatorKinds = map[string]bool{
	"required_sections":       true,
	"min_length":              true,
	"valid_json":              true,
	"no_placeholders":         true,
	"no_secrets":              true,
	"stack_choice_recorded":   true,
	"requirement_mapping":     true,
	"constitution_compliance": true,
}

func knownValidatorKind(kind string) bool {
	return validatorKinds[kind]
}

// validateStages checks that stages only contain known phases, appear at
// most once, and that every phase dependency lives in an earlier stage.
func (s *WorkflowSpec) validateStages() error {
	stageOf := make(map[PhaseName]int)
	names := make(map[string]int)
	for i, st := range s.Stages {
		if _, dup := names[st.Name]; dup {
			return fmt.Errorf("stage %q declared twice", st.Name)
		}
		for _, dep := range st.DependsOn {
			if _, ok := names[dep]; !ok || dep == st.Name {
				return fmt.Errorf("stage %q depends on %q which is not declared before it", st.Name, dep)
			}
		}
		names[st.Name] = i
		for _, p := range st.Phases {
			if _, ok := s.Phases[p]; !ok {
				return fmt.Errorf("stage %q contains unknown phase %s", st.Name, p)
			}
			if prev, dup := stageOf[p]; dup {
				return fmt.Errorf("phase %s appears in stages %q and %q", p, s.Stages[prev].Name, st.Name)
			}
			stageOf[p] = i
		}
	}
	for p, i := range stageOf {
		for _, dep := range s.Phases[p].DependsOn {
			j, ok := stageOf[dep]
			if ok && j >= i {
				return fmt.Errorf("phase %s in stage %q depends on %s which is not in an earlier stage", p, s.Stages[i].Name, dep)
			}
		}
	}
	return nil
}

func sortedPhaseNames(phases map[PhaseName]*PhaseDef) []PhaseName {
	names := make([]PhaseName, 0, len(phases))
	for n := range phases {
		names = append(names, n)
	}
	sortPhases(names)
	return names
}

// sortPhases orders by pipeline position; unknown names sort last, by name.
func sortPhases(names []PhaseName) {
	sort.Slice(names, func(i, j int) bool {
		ri, rj := pipelineRank(names[i]), pipelineRank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
}

func pipelineRank(p PhaseName) int {
	for i, n := range PipelinePhases() {
		if n == p {
			return i
		}
	}
	return len(PipelinePhases())
}
