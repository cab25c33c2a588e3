package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/regeneration"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// Engine is the orchestrator surface exposed as tools.
// *orchestrator.Engine implements it.
type Engine interface {
	CreateProject(ctx context.Context, name string) (*project.State, error)
	GetProject(ctx context.Context, projectID string) (*project.State, error)
	SetStackChoice(ctx context.Context, projectID, choice string) (*project.State, error)

	CanAdvance(ctx context.Context, projectID string) (*orchestrator.Readiness, error)
	ProcessValidation(ctx context.Context, projectID string) (*orchestrator.ValidationReport, error)
	AdvancePhase(ctx context.Context, projectID string) (*project.State, error)
	RollbackPhase(ctx context.Context, projectID string, target workflowspec.PhaseName) (*project.State, error)
	RunPhaseAgent(ctx context.Context, projectID string, phase workflowspec.PhaseName, inputs map[string]string) (map[string]string, error)
	ExecuteWorkflowWithParallel(ctx context.Context, projectID string, opts orchestrator.WorkflowOptions) (*orchestrator.WorkflowReport, error)

	EditArtifact(ctx context.Context, projectID, filename, content string) (*impact.ArtifactChange, error)
	AnalyzeImpact(ctx context.Context, projectID, artifact string) (*impact.Analysis, error)
	Regenerate(ctx context.Context, projectID string, req regeneration.Request) *regeneration.Result

	DecideGate(ctx context.Context, projectID, gate string, status project.GateStatus, actor string) error
	Handoff(ctx context.Context, projectID string) (*project.Artifact, error)
}

// Server is an MCP server backed by the orchestrator engine.
type Server struct {
	mcp          *mcp.Server
	engine       Engine
	toolRegistry *ToolRegistry
	metrics      *Metrics
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "orchestrd")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "orchestrd",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a server and registers every tool.
func NewServer(cfg *Config, engine Engine) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		engine:       engine,
		toolRegistry: NewToolRegistry(),
		metrics:      NewMetrics(cfg.Logger),
		logger:       cfg.Logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Tools returns the registry describing every registered tool.
func (s *Server) Tools() *ToolRegistry {
	return s.toolRegistry
}

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.Int("tools", s.toolRegistry.Count()))
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
