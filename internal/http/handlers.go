package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/regeneration"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func bind(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func (s *Server) handleListProjects(c echo.Context) error {
	list, err := s.engine.ListProjects(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleCreateProject(c echo.Context) error {
	var req CreateProjectRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	state, err := s.engine.CreateProject(c.Request().Context(), req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, state)
}

func (s *Server) handleGetProject(c echo.Context) error {
	state, err := s.engine.GetProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleSetStack(c echo.Context) error {
	var req StackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Choice == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "choice field is required")
	}
	state, err := s.engine.SetStackChoice(c.Request().Context(), c.Param("id"), req.Choice)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleReadiness(c echo.Context) error {
	r, err := s.engine.CanAdvance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleValidation(c echo.Context) error {
	res, err := s.engine.ValidatePhaseCompletion(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleValidate(c echo.Context) error {
	report, err := s.engine.ProcessValidation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleAdvance(c echo.Context) error {
	state, err := s.engine.AdvancePhase(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleRollback(c echo.Context) error {
	var req RollbackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Phase == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "phase field is required")
	}
	state, err := s.engine.RollbackPhase(c.Request().Context(), c.Param("id"), workflowspec.PhaseName(req.Phase))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleRunPhase(c echo.Context) error {
	var req RunPhaseRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	phase := c.Param("phase")
	arts, err := s.engine.RunPhaseAgent(c.Request().Context(), c.Param("id"), workflowspec.PhaseName(phase), req.Inputs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, RunPhaseResponse{Phase: phase, Artifacts: arts})
}

func (s *Server) handleWorkflow(c echo.Context) error {
	var req WorkflowRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	opts := orchestrator.WorkflowOptions{
		EnableParallel:       s.config.EnableParallel,
		FallbackToSequential: s.config.FallbackToSequential,
		SkipCompleted:        req.SkipCompleted,
	}
	if req.Parallel != nil {
		opts.EnableParallel = *req.Parallel
	}
	if req.Fallback != nil {
		opts.FallbackToSequential = *req.Fallback
	}

	report, err := s.engine.ExecuteWorkflowWithParallel(c.Request().Context(), c.Param("id"), opts)
	if err != nil {
		if report == nil {
			return err
		}
		s.logger.Warn("workflow stopped", zap.String("project.id", c.Param("id")), zap.Error(err))
		return c.JSON(statusFor(err), struct {
			ErrorResponse
			Report *orchestrator.WorkflowReport `json:"report"`
		}{ErrorResponse{Error: err.Error()}, report})
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleListArtifacts(c echo.Context) error {
	arts, err := s.engine.ListArtifacts(c.Request().Context(), c.Param("id"), workflowspec.PhaseName(c.QueryParam("phase")))
	if err != nil {
		return err
	}
	if arts == nil {
		arts = []*project.Artifact{}
	}
	return c.JSON(http.StatusOK, arts)
}

func (s *Server) handleEditArtifact(c echo.Context) error {
	var req EditArtifactRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	change, err := s.engine.EditArtifact(ctx, c.Param("id"), c.Param("name"), req.Content)
	if err != nil {
		return err
	}
	resp := EditArtifactResponse{Change: change}
	if change != nil {
		resp.Analysis, err = s.engine.AnalyzeImpact(ctx, c.Param("id"), c.Param("name"))
		if err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleImpact(c echo.Context) error {
	analysis, err := s.engine.AnalyzeImpact(c.Request().Context(), c.Param("id"), c.Param("name"))
	if err != nil {
		return err
	}
	if analysis == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no recorded change for "+c.Param("name"))
	}
	return c.JSON(http.StatusOK, analysis)
}

func (s *Server) handleRegenerate(c echo.Context) error {
	var req RegenerateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Trigger == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "trigger field is required")
	}
	res := s.engine.Regenerate(c.Request().Context(), c.Param("id"), regeneration.Request{
		TriggerArtifactID: req.Trigger,
		Strategy:          impact.Strategy(req.Strategy),
		ManualArtifactIDs: req.Artifacts,
	})
	code := http.StatusOK
	if !res.Success && res.Run == nil {
		code = http.StatusUnprocessableEntity
	}
	return c.JSON(code, res)
}

func (s *Server) handleRuns(c echo.Context) error {
	runs, err := s.engine.Runs(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*regeneration.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleGates(c echo.Context) error {
	gates, err := s.engine.Gates(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if gates == nil {
		gates = []project.Gate{}
	}
	return c.JSON(http.StatusOK, GatesResponse{Gates: gates})
}

var decisions = map[string]project.GateStatus{
	"approve": project.GateApproved,
	"reject":  project.GateRejected,
	"request": project.GatePending,
}

func (s *Server) handleDecideGate(c echo.Context) error {
	status, ok := decisions[c.Param("decision")]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown gate decision "+c.Param("decision"))
	}
	var req GateDecisionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	ctx := c.Request().Context()
	if err := s.engine.DecideGate(ctx, c.Param("id"), c.Param("gate"), status, req.Actor); err != nil {
		return err
	}
	gates, err := s.engine.Gates(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, GatesResponse{Gates: gates})
}

func (s *Server) handleHandoff(c echo.Context) error {
	a, err := s.engine.Handoff(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}
