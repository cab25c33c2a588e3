// Package http exposes the orchestrator over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/regeneration"
	"github.com/fyrsmithlabs/orchestrd/internal/store"
	"github.com/fyrsmithlabs/orchestrd/internal/validation"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// Engine is the orchestrator surface served over HTTP.
// *orchestrator.Engine implements it.
type Engine interface {
	CreateProject(ctx context.Context, name string) (*project.State, error)
	GetProject(ctx context.Context, projectID string) (*project.State, error)
	ListProjects(ctx context.Context) ([]store.ProjectSummary, error)
	SetStackChoice(ctx context.Context, projectID, choice string) (*project.State, error)

	CanAdvance(ctx context.Context, projectID string) (*orchestrator.Readiness, error)
	ValidatePhaseCompletion(ctx context.Context, projectID string) (*validation.Result, error)
	ProcessValidation(ctx context.Context, projectID string) (*orchestrator.ValidationReport, error)
	AdvancePhase(ctx context.Context, projectID string) (*project.State, error)
	RollbackPhase(ctx context.Context, projectID string, target workflowspec.PhaseName) (*project.State, error)
	RunPhaseAgent(ctx context.Context, projectID string, phase workflowspec.PhaseName, inputs map[string]string) (map[string]string, error)
	ExecuteWorkflowWithParallel(ctx context.Context, projectID string, opts orchestrator.WorkflowOptions) (*orchestrator.WorkflowReport, error)

	ListArtifacts(ctx context.Context, projectID string, phase workflowspec.PhaseName) ([]*project.Artifact, error)
	EditArtifact(ctx context.Context, projectID, filename, content string) (*impact.ArtifactChange, error)
	AnalyzeImpact(ctx context.Context, projectID, artifact string) (*impact.Analysis, error)
	Regenerate(ctx context.Context, projectID string, req regeneration.Request) *regeneration.Result
	Runs(ctx context.Context, projectID string) ([]*regeneration.Run, error)

	Gates(ctx context.Context, projectID string) ([]project.Gate, error)
	DecideGate(ctx context.Context, projectID, gate string, status project.GateStatus, actor string) error
	Handoff(ctx context.Context, projectID string) (*project.Artifact, error)
}

// Server serves the orchestrator API.
type Server struct {
	echo   *echo.Echo
	engine Engine
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// EnableParallel and FallbackToSequential are the workflow defaults
	// when a request does not set them.
	EnableParallel       bool
	FallbackToSequential bool
}

// NewServer creates a Server.
func NewServer(engine Engine, logger *zap.Logger, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:                 "localhost",
			Port:                 9191,
			EnableParallel:       true,
			FallbackToSequential: true,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{echo: e, engine: engine, logger: logger, config: cfg}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/projects", s.handleListProjects)
	v1.POST("/projects", s.handleCreateProject)

	p := v1.Group("/projects/:id")
	p.GET("", s.handleGetProject)
	p.PUT("/stack", s.handleSetStack)
	p.GET("/readiness", s.handleReadiness)
	p.GET("/validation", s.handleValidation)
	p.POST("/validate", s.handleValidate)
	p.POST("/advance", s.handleAdvance)
	p.POST("/rollback", s.handleRollback)
	p.POST("/phases/:phase/run", s.handleRunPhase)
	p.POST("/workflow", s.handleWorkflow)
	p.GET("/artifacts", s.handleListArtifacts)
	p.PUT("/artifacts/:name", s.handleEditArtifact)
	p.GET("/artifacts/:name/impact", s.handleImpact)
	p.POST("/regenerate", s.handleRegenerate)
	p.GET("/runs", s.handleRuns)
	p.GET("/gates", s.handleGates)
	p.POST("/gates/:gate/:decision", s.handleDecideGate)
	p.POST("/handoff", s.handleHandoff)
}

// Echo exposes the router so callers can mount extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, project.ErrProjectNotFound),
		errors.Is(err, project.ErrArtifactNotFound),
		errors.Is(err, project.ErrGateNotFound),
		errors.Is(err, orchestrator.ErrUnknownPhase):
		return http.StatusNotFound
	case errors.Is(err, project.ErrEmptyProjectName),
		errors.Is(err, project.ErrInvalidProjectID):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrApprovalBlocked),
		errors.Is(err, orchestrator.ErrDependenciesIncomplete),
		errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrManualReviewRequired),
		errors.Is(err, orchestrator.ErrCheckerEscalated):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := statusFor(err)
		resp := ErrorResponse{Error: err.Error()}
		if he, ok := err.(*echo.HTTPError); ok {
			resp.Error = fmt.Sprint(he.Message)
		}

		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			resp.Validation = verr.Result
		}
		var esc *orchestrator.EscalationError
		if errors.As(err, &esc) {
			resp.Review = esc.Result
		}
		var manual *orchestrator.ManualReviewError
		if errors.As(err, &manual) {
			resp.Remediation = manual.Result
		}

		if code >= http.StatusInternalServerError {
			logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
		}
		if err := c.JSON(code, resp); err != nil {
			logger.Warn("failed to write error response", zap.Error(err))
		}
	}
}
