package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/store"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

type staticSpec struct{ spec *workflowspec.WorkflowSpec }

func (s staticSpec) Current() *workflowspec.WorkflowSpec { return s.spec }

var analysisFiles = map[string]string{
	"constitution.md":  "# Constitution\n\n## Principles\n- Small steps.\n\n## Prohibited\n- Vendor lock-in\n",
	"project-brief.md": "# Brief\n\n## Goals\nShared lists.\n\n## Users\nTeams.\n\n## Constraints\nOne server.\n",
	"personas.md":      "# Personas\n\nAlex.\n",
}

// fileAgent returns the analysis fixtures and a heading for anything else.
var fileAgent = orchestrator.AgentFunc(func(_ context.Context, req *orchestrator.AgentRequest) (map[string]string, error) {
	out := make(map[string]string)
	for _, name := range req.Wanted() {
		if c, ok := analysisFiles[name]; ok {
			out[name] = c
			continue
		}
		out[name] = "# " + name + "\n"
	}
	return out, nil
})

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "orchestrd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := orchestrator.NewEngine(staticSpec{workflowspec.Default()}, st, orchestrator.WithDefaultAgent(fileAgent))
	server, err := NewServer(engine, zap.NewNop(), &Config{Host: "localhost", Port: 9191})
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createProject(t *testing.T, s *Server) *project.State {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/projects", CreateProjectRequest{Name: "Todo App"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	state := decode[project.State](t, rec)
	return &state
}

func TestNewServer(t *testing.T) {
	engine := &orchestrator.Engine{}

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(engine, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
		assert.True(t, server.config.EnableParallel)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(engine, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when engine is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)
	rec := do(t, server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t)
	rec := do(t, server, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestProjectLifecycle(t *testing.T) {
	server := setupTestServer(t)
	state := createProject(t, server)
	base := "/api/v1/projects/" + state.ID

	rec := do(t, server, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, workflowspec.PhaseAnalysis, decode[project.State](t, rec).CurrentPhase)

	rec = do(t, server, http.MethodPost, base+"/phases/ANALYSIS/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[RunPhaseResponse](t, rec)
	assert.Len(t, run.Artifacts, 3)

	rec = do(t, server, http.MethodPost, base+"/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, server, http.MethodPost, base+"/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, workflowspec.PhaseStackSelection, decode[project.State](t, rec).CurrentPhase)

	rec = do(t, server, http.MethodPost, base+"/phases/SPEC/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "stack_approval")

	rec = do(t, server, http.MethodPost, base+"/gates/stack_approval/approve", GateDecisionRequest{Actor: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, g := range decode[GatesResponse](t, rec).Gates {
		if g.Name == "stack_approval" {
			assert.Equal(t, project.GateApproved, g.Status)
			assert.Equal(t, "alice", g.DecidedBy)
		}
	}

	rec = do(t, server, http.MethodGet, base+"/readiness", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[orchestrator.Readiness](t, rec).Ready)

	rec = do(t, server, http.MethodGet, base+"/artifacts?phase=ANALYSIS", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]project.Artifact](t, rec), 3)

	rec = do(t, server, http.MethodPost, base+"/rollback", RollbackRequest{Phase: "ANALYSIS"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, workflowspec.PhaseAnalysis, decode[project.State](t, rec).CurrentPhase)

	rec = do(t, server, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.ProjectSummary](t, rec), 1)
}

func TestAdvance_ValidationFailure(t *testing.T) {
	server := setupTestServer(t)
	state := createProject(t, server)

	rec := do(t, server, http.MethodPost, "/api/v1/projects/"+state.ID+"/advance", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	require.NotNil(t, resp.Validation)
	assert.Contains(t, resp.Validation.ErrorMessages(), "missing artifact: personas.md")
}

func TestEditArtifact(t *testing.T) {
	server := setupTestServer(t)
	state := createProject(t, server)
	base := "/api/v1/projects/" + state.ID
	require.Equal(t, http.StatusOK, do(t, server, http.MethodPost, base+"/phases/ANALYSIS/run", nil).Code)

	edited := strings.Replace(analysisFiles["constitution.md"], "- Vendor lock-in\n", "- Vendor lock-in\n- Microservices\n", 1)
	rec := do(t, server, http.MethodPut, base+"/artifacts/constitution.md", EditArtifactRequest{Content: edited})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[EditArtifactResponse](t, rec)
	require.NotNil(t, resp.Change)
	assert.True(t, resp.Change.HasChanges)
	require.NotNil(t, resp.Analysis)

	rec = do(t, server, http.MethodGet, base+"/artifacts/constitution.md/impact", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, server, http.MethodGet, base+"/artifacts/personas.md/impact", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodPost, base+"/regenerate", RegenerateRequest{Trigger: "constitution.md", Strategy: "manual_review"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, server, http.MethodGet, base+"/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "constitution.md")
}

func TestErrorMapping(t *testing.T) {
	server := setupTestServer(t)
	state := createProject(t, server)
	base := "/api/v1/projects/" + state.ID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown project", http.MethodGet, "/api/v1/projects/nope", nil, http.StatusNotFound},
		{"unknown phase", http.MethodPost, base + "/phases/DEPLOY/run", nil, http.StatusNotFound},
		{"unknown gate", http.MethodPost, base + "/gates/nope/approve", nil, http.StatusNotFound},
		{"unknown decision", http.MethodPost, base + "/gates/stack_approval/veto", nil, http.StatusNotFound},
		{"rollback to uncompleted phase", http.MethodPost, base + "/rollback", RollbackRequest{Phase: "SPEC"}, http.StatusConflict},
		{"rollback without phase", http.MethodPost, base + "/rollback", RollbackRequest{}, http.StatusBadRequest},
		{"empty project name", http.MethodPost, "/api/v1/projects", CreateProjectRequest{Name: " "}, http.StatusBadRequest},
		{"handoff before done", http.MethodPost, base + "/handoff", nil, http.StatusConflict},
		{"regenerate without trigger", http.MethodPost, base + "/regenerate", RegenerateRequest{}, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/api/v2/anything", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestServerLifecycle(t *testing.T) {
	server := setupTestServer(t)
	server.config.Port = 0

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-errChan:
		assert.True(t, err == nil || err == http.ErrServerClosed)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		server := setupTestServer(t)
		rec := do(t, server, http.MethodGet, "/health", nil)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server := setupTestServer(t)
		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
