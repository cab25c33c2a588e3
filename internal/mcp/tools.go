package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/regeneration"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

var errInvalidArgument = errors.New("invalid argument")

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", errInvalidArgument, field)
	}
	return nil
}

// toolFunc is a tool body. The returned text becomes the tool's content.
type toolFunc[In, Out any] func(ctx context.Context, args In) (Out, string, error)

// addTool registers meta and installs fn with metrics around every call.
//
// Output is registered untyped: engine results hold nil slices that encode
// as null, which an inferred output schema rejects.
func addTool[In, Out any](s *Server, meta *ToolMetadata, fn toolFunc[In, Out]) error {
	if err := s.toolRegistry.Register(meta); err != nil {
		return err
	}
	name := meta.Name
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        name,
		Description: meta.Description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, any, error) {
		done := s.metrics.Begin(ctx, meta)
		out, text, err := fn(ctx, args)
		done(err)
		if err != nil {
			s.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
			return nil, nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
	return nil
}

func (s *Server) registerTools() error {
	return errors.Join(
		addTool(s, &ToolMetadata{
			Name:        "project_create",
			Description: "Create a project at the first phase with every approval gate pending",
			Category:    CategoryProject,
			Keywords:    []string{"new", "start"},
		}, s.projectCreate),
		addTool(s, &ToolMetadata{
			Name:        "project_status",
			Description: "Show a project's current phase, completed phases and readiness to advance",
			Category:    CategoryProject,
			Keywords:    []string{"state", "readiness", "progress"},
		}, s.projectStatus),
		addTool(s, &ToolMetadata{
			Name:        "stack_set",
			Description: "Record the chosen technology stack on a project",
			Category:    CategoryProject,
			Keywords:    []string{"technology", "choice"},
		}, s.stackSet),
		addTool(s, &ToolMetadata{
			Name:        "phase_run",
			Description: "Run the agent for a phase and store the artifacts it produces",
			Category:    CategoryPhase,
			Keywords:    []string{"generate", "agent", "remediate"},
		}, s.phaseRun),
		addTool(s, &ToolMetadata{
			Name:        "phase_validate",
			Description: "Validate the current phase and apply the outcome decision",
			Category:    CategoryPhase,
			Keywords:    []string{"check", "outcome"},
		}, s.phaseValidate),
		addTool(s, &ToolMetadata{
			Name:        "phase_advance",
			Description: "Validate the current phase and move to the next one",
			Category:    CategoryPhase,
			Keywords:    []string{"next", "transition"},
		}, s.phaseAdvance),
		addTool(s, &ToolMetadata{
			Name:        "phase_rollback",
			Description: "Return the project to an earlier completed phase",
			Category:    CategoryPhase,
			Keywords:    []string{"undo", "revert"},
		}, s.phaseRollback),
		addTool(s, &ToolMetadata{
			Name:        "gate_decide",
			Description: "Approve, reject or re-request an approval gate",
			Category:    CategoryGate,
			Keywords:    []string{"approve", "reject", "approval"},
		}, s.gateDecide),
		addTool(s, &ToolMetadata{
			Name:        "artifact_edit",
			Description: "Store a user edit to an artifact and analyze its downstream impact",
			Category:    CategoryArtifact,
			Keywords:    []string{"change", "update"},
		}, s.artifactEdit),
		addTool(s, &ToolMetadata{
			Name:        "artifact_impact",
			Description: "Analyze the impact of the most recent change to an artifact",
			Category:    CategoryArtifact,
			Keywords:    []string{"dependency", "affected"},
		}, s.artifactImpact),
		addTool(s, &ToolMetadata{
			Name:        "regenerate",
			Description: "Regenerate artifacts affected by a changed artifact",
			Category:    CategoryArtifact,
			Keywords:    []string{"rebuild", "strategy"},
		}, s.regenerate),
		addTool(s, &ToolMetadata{
			Name:        "workflow_run",
			Description: "Run every stage of the workflow, in parallel where stages allow it",
			Category:    CategoryWorkflow,
			Keywords:    []string{"parallel", "stages", "all"},
		}, s.workflowRun),
		addTool(s, &ToolMetadata{
			Name:        "handoff",
			Description: "Write the handoff summary for a finished project",
			Category:    CategoryWorkflow,
			Keywords:    []string{"done", "summary"},
		}, s.handoff),
		addTool(s, &ToolMetadata{
			Name:        "tool_search",
			Description: "Search for available tools by name, description or keyword. Queries that compile as regular expressions are matched as patterns.",
			Category:    CategorySearch,
			Keywords:    []string{"discover", "find"},
		}, s.toolSearch),
	)
}

// ===== PROJECT TOOLS =====

type projectCreateInput struct {
	Name string `json:"name" jsonschema:"Project name"`
}

type projectIDInput struct {
	ProjectID string `json:"project_id" jsonschema:"Project ID"`
}

type projectOutput struct {
	Project *project.State `json:"project" jsonschema:"Project state"`
}

type projectStatusOutput struct {
	Project   *project.State          `json:"project" jsonschema:"Project state"`
	Readiness *orchestrator.Readiness `json:"readiness" jsonschema:"Whether the current phase can advance"`
}

type stackSetInput struct {
	ProjectID string `json:"project_id" jsonschema:"Project ID"`
	Choice    string `json:"choice" jsonschema:"Chosen stack identifier"`
}

func (s *Server) projectCreate(ctx context.Context, args projectCreateInput) (projectOutput, string, error) {
	state, err := s.engine.CreateProject(ctx, args.Name)
	if err != nil {
		return projectOutput{}, "", err
	}
	return projectOutput{Project: state}, fmt.Sprintf("Created project %s (%s) at %s", state.Name, state.ID, state.CurrentPhase), nil
}

func (s *Server) projectStatus(ctx context.Context, args projectIDInput) (projectStatusOutput, string, error) {
	if err := required("project_id", args.ProjectID); err != nil {
		return projectStatusOutput{}, "", err
	}
	state, err := s.engine.GetProject(ctx, args.ProjectID)
	if err != nil {
		return projectStatusOutput{}, "", err
	}
	ready, err := s.engine.CanAdvance(ctx, args.ProjectID)
	if err != nil {
		return projectStatusOutput{}, "", err
	}

	text := fmt.Sprintf("%s is in %s", state.Name, state.CurrentPhase)
	switch {
	case ready.Ready:
		text += " and ready to advance"
	case len(ready.PendingGates) > 0:
		text += ", waiting on gate(s): " + strings.Join(ready.PendingGates, ", ")
	default:
		text += ", waiting on incomplete dependencies"
	}
	return projectStatusOutput{Project: state, Readiness: ready}, text, nil
}

func (s *Server) stackSet(ctx context.Context, args stackSetInput) (projectOutput, string, error) {
	if err := errors.Join(required("project_id", args.ProjectID), required("choice", args.Choice)); err != nil {
		return projectOutput{}, "", err
	}
	state, err := s.engine.SetStackChoice(ctx, args.ProjectID, args.Choice)
	if err != nil {
		return projectOutput{}, "", err
	}
	return projectOutput{Project: state}, "Stack set to " + args.Choice, nil
}

// ===== PHASE TOOLS =====

type phaseRunInput struct {
	ProjectID string            `json:"project_id" jsonschema:"Project ID"`
	Phase     string            `json:"phase" jsonschema:"Phase to run (e.g. ANALYSIS, SPEC, AUTO_REMEDY)"`
	Inputs    map[string]string `json:"inputs,omitempty" jsonschema:"Input artifacts keyed by filename; omitted inputs are loaded from the store"`
}

type phaseRunOutput struct {
	Phase     string            `json:"phase" jsonschema:"Phase that ran"`
	Artifacts map[string]string `json:"artifacts" jsonschema:"Produced artifacts keyed phase/filename"`
}

type phaseValidateOutput struct {
	Report *orchestrator.ValidationReport `json:"report" jsonschema:"Validation result and outcome decision"`
}

type phaseRollbackInput struct {
	ProjectID string `json:"project_id" jsonschema:"Project ID"`
	Phase     string `json:"phase" jsonschema:"Completed phase to return to"`
}

func (s *Server) phaseRun(ctx context.Context, args phaseRunInput) (phaseRunOutput, string, error) {
	if err := errors.Join(required("project_id", args.ProjectID), required("phase", args.Phase)); err != nil {
		return phaseRunOutput{}, "", err
	}
	phase := workflowspec.PhaseName(strings.ToUpper(args.Phase))
	arts, err := s.engine.RunPhaseAgent(ctx, args.ProjectID, phase, args.Inputs)
	if err != nil {
		return phaseRunOutput{}, "", err
	}
	if arts == nil {
		arts = map[string]string{}
	}
	return phaseRunOutput{Phase: string(phase), Artifacts: arts}, fmt.Sprintf("%s produced %d artifact(s)", phase, len(arts)), nil
}

func (s *Server) phaseValidate(ctx context.Context, args projectIDInput) (phaseValidateOutput, string, error) {
	if err := required("project_id", args.ProjectID); err != nil {
		return phaseValidateOutput{}, "", err
	}
	report, err := s.engine.ProcessValidation(ctx, args.ProjectID)
	if err != nil {
		return phaseValidateOutput{}, "", err
	}

	text := report.Decision.Message
	if msgs := report.Result.ErrorMessages(); len(msgs) > 0 {
		text += "\n- " + strings.Join(msgs, "\n- ")
	}
	return phaseValidateOutput{Report: report}, text, nil
}

func (s *Server) phaseAdvance(ctx context.Context, args projectIDInput) (projectOutput, string, error) {
	if err := required("project_id", args.ProjectID); err != nil {
		return projectOutput{}, "", err
	}
	state, err := s.engine.AdvancePhase(ctx, args.ProjectID)
	if err != nil {
		return projectOutput{}, "", err
	}
	return projectOutput{Project: state}, "Advanced to " + string(state.CurrentPhase), nil
}

func (s *Server) phaseRollback(ctx context.Context, args phaseRollbackInput) (projectOutput, string, error) {
	if err := errors.Join(required("project_id", args.ProjectID), required("phase", args.Phase)); err != nil {
		return projectOutput{}, "", err
	}
	state, err := s.engine.RollbackPhase(ctx, args.ProjectID, workflowspec.PhaseName(strings.ToUpper(args.Phase)))
	if err != nil {
		return projectOutput{}, "", err
	}
	return projectOutput{Project: state}, "Rolled back to " + string(state.CurrentPhase), nil
}

// ===== GATE TOOLS =====

type gateDecideInput struct {
	ProjectID string `json:"project_id" jsonschema:"Project ID"`
	Gate      string `json:"gate" jsonschema:"Gate name (e.g. stack_approval)"`
	Decision  string `json:"decision" jsonschema:"approve, reject or request"`
	Actor     string `json:"actor,omitempty" jsonschema:"Who decided (default: mcp)"`
}

type gateDecideOutput struct {
	Gate   string             `json:"gate" jsonschema:"Gate name"`
	Status project.GateStatus `json:"status" jsonschema:"Recorded gate status"`
	Actor  string             `json:"actor" jsonschema:"Who decided"`
}

var gateDecisions = map[string]project.GateStatus{
	"approve": project.GateApproved,
	"reject":  project.GateRejected,
	"request": project.GatePending,
}

func (s *Server) gateDecide(ctx context.Context, args gateDecideInput) (gateDecideOutput, string, error) {
	if err := errors.Join(required("project_id", args.ProjectID), required("gate", args.Gate)); err != nil {
		return gateDecideOutput{}, "", err
	}
	status, ok := gateDecisions[strings.ToLower(args.Decision)]
	if !ok {
		return gateDecideOutput{}, "", fmt.Errorf("%w: decision must be approve, reject or request, got %q", errInvalidArgument, args.Decision)
	}
	actor := args.Actor
	if actor == "" {
		actor = "mcp"
	}
	if err := s.engine.DecideGate(ctx, args.ProjectID, args.Gate, status, actor); err != nil {
		return gateDecideOutput{}, "", err
	}
	return gateDecideOutput{Gate: args.Gate, Status: status, Actor: actor},
		fmt.Sprintf("Gate %s is now %s", args.Gate, status), nil
}

// ===== ARTIFACT TOOLS =====

type artifactEditInput struct {
	ProjectID string `json:"project_id" jsonschema:"Project ID"`
	Artifact  string `json:"artifact" jsonschema:"Artifact filename"`
	Content   string `json:"content" jsonschema:"New artifact content"`
}

type artifactInput struct {
	ProjectID string `json:"project_id" jsonschema:"Project ID"`
	Artifact  string `json:"artifact" jsonschema:"Artifact filename"`
}

type artifactImpactOutput struct {
	Change   *impact.ArtifactChange `json:"change,omitempty" jsonschema:"Detected change; absent when the content was unchanged"`
	Analysis *impact.Analysis       `json:"analysis,omitempty" jsonschema:"Downstream impact of the change"`
}

type regenerateInput struct {
	ProjectID string   `json:"project_id" jsonschema:"Project ID"`
	Trigger   string   `json:"trigger" jsonschema:"Changed artifact that triggers regeneration"`
	Strategy  string   `json:"strategy,omitempty" jsonschema:"regenerate_all, high_impact_only, manual_review or ignore (default: recommended)"`
	Artifacts []string `json:"artifacts,omitempty" jsonschema:"Artifacts to regenerate with manual_review"`
}

func (s *Server) artifactEdit(ctx context.Context, args artifactEditInput) (artifactImpactOutput, string, error) {
	if err := errors.Join(required("project_id", args.ProjectID), required("artifact", args.Artifact)); err != nil {
		return artifactImpactOutput{}, "", err
	}
	change, err := s.engine.EditArtifact(ctx, args.ProjectID, args.Artifact, args.Content)
	if err != nil {
		return artifactImpactOutput{}, "", err
	}
	if change == nil {
		return artifactImpactOutput{}, args.Artifact + " is unchanged", nil
	}
	analysis, err := s.engine.AnalyzeImpact(ctx, args.ProjectID, args.Artifact)
	if err != nil {
		return artifactImpactOutput{}, "", err
	}
	return artifactImpactOutput{Change: change, Analysis: analysis}, impactText(args.Artifact, change, analysis), nil
}

func (s *Server) artifactImpact(ctx context.Context, args artifactInput) (artifactImpactOutput, string, error) {
	if err := errors.Join(required("project_id", args.ProjectID), required("artifact", args.Artifact)); err != nil {
		return artifactImpactOutput{}, "", err
	}
	analysis, err := s.engine.AnalyzeImpact(ctx, args.ProjectID, args.Artifact)
	if err != nil {
		return artifactImpactOutput{}, "", err
	}
	if analysis == nil {
		return artifactImpactOutput{}, "No recorded change to " + args.Artifact, nil
	}
	return artifactImpactOutput{Change: analysis.TriggerChange, Analysis: analysis},
		impactText(args.Artifact, analysis.TriggerChange, analysis), nil
}

func impactText(artifact string, change *impact.ArtifactChange, analysis *impact.Analysis) string {
	text := fmt.Sprintf("%s changed (%s impact)", artifact, change.ImpactLevel)
	if analysis == nil {
		return text
	}
	return fmt.Sprintf("%s: %d affected artifact(s), recommended strategy %s",
		text, len(analysis.AffectedArtifacts), analysis.RecommendedStrategy)
}

func (s *Server) regenerate(ctx context.Context, args regenerateInput) (regeneration.Result, string, error) {
	if err := errors.Join(required("project_id", args.ProjectID), required("trigger", args.Trigger)); err != nil {
		return regeneration.Result{}, "", err
	}
	res := s.engine.Regenerate(ctx, args.ProjectID, regeneration.Request{
		TriggerArtifactID: args.Trigger,
		Strategy:          impact.Strategy(args.Strategy),
		ManualArtifactIDs: args.Artifacts,
	})
	if !res.Success && res.Run == nil {
		return regeneration.Result{}, "", errors.New(res.ErrorMessage)
	}
	if res.Run == nil {
		return *res, "Regeneration skipped", nil
	}

	text := fmt.Sprintf("Run %s regenerated %d artifact(s)", res.Run.ID, len(res.Run.ArtifactsRegenerated))
	if len(res.Run.ArtifactsSkipped) > 0 {
		text += ", skipped " + strings.Join(res.Run.ArtifactsSkipped, ", ")
	}
	return *res, text, nil
}

// ===== WORKFLOW TOOLS =====

type workflowRunInput struct {
	ProjectID     string `json:"project_id" jsonschema:"Project ID"`
	Parallel      *bool  `json:"parallel,omitempty" jsonschema:"Run phases of a stage concurrently (default: true)"`
	Fallback      *bool  `json:"fallback,omitempty" jsonschema:"Retry a failed parallel stage sequentially (default: true)"`
	SkipCompleted bool   `json:"skip_completed,omitempty" jsonschema:"Skip phases that have already completed"`
}

func (s *Server) workflowRun(ctx context.Context, args workflowRunInput) (orchestrator.WorkflowReport, string, error) {
	if err := required("project_id", args.ProjectID); err != nil {
		return orchestrator.WorkflowReport{}, "", err
	}
	opts := orchestrator.WorkflowOptions{
		EnableParallel:       args.Parallel == nil || *args.Parallel,
		FallbackToSequential: args.Fallback == nil || *args.Fallback,
		SkipCompleted:        args.SkipCompleted,
	}
	report, err := s.engine.ExecuteWorkflowWithParallel(ctx, args.ProjectID, opts)
	if err != nil {
		return orchestrator.WorkflowReport{}, "", err
	}
	return *report, fmt.Sprintf("Ran %d stage(s), produced %d artifact(s) in %s (%.0f%% saved by parallelism)",
		len(report.Stages), len(report.Artifacts), report.TotalDuration.Round(time.Millisecond), report.TimeSavedPercent), nil
}

func (s *Server) handoff(ctx context.Context, args projectIDInput) (project.Artifact, string, error) {
	if err := required("project_id", args.ProjectID); err != nil {
		return project.Artifact{}, "", err
	}
	a, err := s.engine.Handoff(ctx, args.ProjectID)
	if err != nil {
		return project.Artifact{}, "", err
	}
	return *a, a.Content, nil
}

// ===== TOOL SEARCH =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Search query or regular expression"`
	Category string `json:"category,omitempty" jsonschema:"Restrict to one category (project, phase, gate, artifact, workflow)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results (default: 5)"`
}

type toolSearchOutput struct {
	Query      string          `json:"query" jsonschema:"The query"`
	Results    []*SearchResult `json:"results" jsonschema:"Matching tools, best first"`
	TotalTools int             `json:"total_tools" jsonschema:"Number of registered tools"`
}

func (s *Server) toolSearch(_ context.Context, args toolSearchInput) (toolSearchOutput, string, error) {
	if err := required("query", args.Query); err != nil {
		return toolSearchOutput{}, "", err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 5
	}

	var results []*SearchResult
	if args.Category != "" {
		results = s.toolRegistry.SearchByCategory(args.Query, ToolCategory(args.Category))
	} else {
		results = s.toolRegistry.Search(args.Query)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []*SearchResult{}
	}

	out := toolSearchOutput{Query: args.Query, Results: results, TotalTools: s.toolRegistry.Count()}
	if len(results) == 0 {
		return out, "No tools found matching: " + args.Query, nil
	}
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Tool.Name
	}
	return out, fmt.Sprintf("Found %d tool(s) for query '%s': %s", len(results), args.Query, strings.Join(names, ", ")), nil
}
