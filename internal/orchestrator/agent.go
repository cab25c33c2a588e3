package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/orchestrd/internal/generation"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// AgentRequest is what a PhaseAgent is asked to do.
type AgentRequest struct {
	Project *project.State
	Spec    *workflowspec.WorkflowSpec
	Phase   *workflowspec.PhaseDef

	// Inputs holds prior artifacts keyed by filename.
	Inputs map[string]string

	// Instructions are extra directions from remediation, review feedback
	// or regeneration.
	Instructions string

	// Only restricts the outputs to produce. Empty means every declared
	// output of the phase.
	Only []string
}

// Wanted returns the filenames the agent should produce.
func (r *AgentRequest) Wanted() []string {
	if len(r.Only) > 0 {
		return r.Only
	}
	return r.Phase.Outputs
}

// PhaseAgent produces a phase's artifacts, keyed by filename.
type PhaseAgent interface {
	Run(ctx context.Context, req *AgentRequest) (map[string]string, error)
}

// AgentFunc adapts a function to PhaseAgent.
type AgentFunc func(ctx context.Context, req *AgentRequest) (map[string]string, error)

func (f AgentFunc) Run(ctx context.Context, req *AgentRequest) (map[string]string, error) {
	return f(ctx, req)
}

// StructuredGenerator is satisfied by *admission.Caller.
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, credential string, req *generation.Request, out any) (*generation.Response, error)
}

// PromptAgent generates a phase's files in one structured call.
type PromptAgent struct {
	gen        StructuredGenerator
	credential string
}

// NewPromptAgent creates a PromptAgent calling gen with credential.
func NewPromptAgent(gen StructuredGenerator, credential string) *PromptAgent {
	return &PromptAgent{gen: gen, credential: credential}
}

type generatedFiles struct {
	Files []struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	} `json:"files"`
}

var filesSchema = &generation.Schema{
	Name: "files",
	Example: `{
  "files": [
    {"filename": "PRD.md", "content": "# Product Requirements\n..."}
  ]
}`,
}

// Run implements PhaseAgent. Files the phase did not ask for are dropped.
func (a *PromptAgent) Run(ctx context.Context, req *AgentRequest) (map[string]string, error) {
	settings := req.Spec.GenerationFor(req.Phase.Name)
	greq := &generation.Request{
		Phase:       string(req.Phase.Name),
		System:      systemPrompt(req.Spec, req.Phase),
		Prompt:      phasePrompt(req),
		ContextDocs: documents(req.Inputs),
		Model:       settings.Model,
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
		Schema:      filesSchema,
	}

	var out generatedFiles
	if _, err := a.gen.GenerateStructured(ctx, a.credential, greq, &out); err != nil {
		return nil, err
	}

	wanted := req.Wanted()
	files := make(map[string]string, len(wanted))
	for _, f := range out.Files {
		name := strings.TrimSpace(f.Filename)
		if slices.Contains(wanted, name) {
			files[name] = f.Content
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s agent returned none of %s", req.Phase.Name, strings.Join(wanted, ", "))
	}
	return files, nil
}

func systemPrompt(spec *workflowspec.WorkflowSpec, phase *workflowspec.PhaseDef) string {
	var b strings.Builder
	b.WriteString("You are part of a software planning team producing project documents.\n")
	for _, owner := range phase.Owners {
		if role, ok := spec.Roles[owner]; ok {
			fmt.Fprintf(&b, "Act as the %s: %s\n", owner, role.Description)
		}
	}
	b.WriteString("Write complete documents. Never leave placeholder text or credentials in them.")
	return b.String()
}

func phasePrompt(req *AgentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nPhase: %s\n%s\n", req.Project.Name, req.Phase.Name, req.Phase.Description)
	if req.Project.StackChoice != "" {
		fmt.Fprintf(&b, "Chosen stack: %s\n", req.Project.StackChoice)
	}
	fmt.Fprintf(&b, "\nProduce these files: %s\n", strings.Join(req.Wanted(), ", "))
	if req.Instructions != "" {
		fmt.Fprintf(&b, "\nAdditional instructions:\n%s\n", req.Instructions)
	}
	return b.String()
}

func documents(inputs map[string]string) []generation.Document {
	names := make([]string, 0, len(inputs))
	for n := range inputs {
		names = append(names, n)
	}
	sort.Strings(names)
	docs := make([]generation.Document, 0, len(names))
	for _, n := range names {
		docs = append(docs, generation.Document{Name: n, Content: inputs[n]})
	}
	return docs
}
