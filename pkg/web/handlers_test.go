package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/conductor-hq/conductor/pkg/engine"
	"github.com/conductor-hq/conductor/pkg/flow"
	"github.com/conductor-hq/conductor/pkg/liveness"
	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/persistence/memory"
	"github.com/conductor-hq/conductor/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) (*fiber.App, *engine.Engine) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	graph := flow.NewGraph("onboarding").
		Start("collect", func(_ context.Context, state map[string]any) (map[string]any, error) {
			state["collected"] = true

			return state, nil
		}).
		RouterAfter("collect", func(state map[string]any) (string, error) {
			if needsReview, _ := state["needs_review"].(bool); needsReview {
				return "review", nil
			}

			return "", nil
		}).
		On("review", "await_reviewer", func(_ context.Context, state map[string]any) (flow.StepResult, error) {
			return flow.StepResult{
				State: state,
				Await: &flow.Await{Agent: models.RoleApprover, RequestID: "rev-1"},
			}, nil
		})

	registry := flow.NewRegistry()
	require.NoError(t, registry.Register(graph))

	store := memory.NewPersistence()
	eng := engine.New(registry, store.Executions(), nil, logger)
	tracker := liveness.NewTracker(store.Liveness(), liveness.DefaultWindow, logger)

	handlers := web.NewAPIHandlers(eng, registry, tracker, store,
		validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	handlers.Register(app)

	return app, eng
}

func doJSON(t *testing.T, app *fiber.App, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader

	if payload != nil {
		encoded, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	return resp, raw
}

func waitForExecutionStatus(t *testing.T, eng *engine.Engine, id string, status models.ExecutionStatus) {
	t.Helper()

	require.Eventually(t, func() bool {
		execution, err := eng.GetStatus(context.Background(), id)

		return err == nil && execution.Status == status
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAPIHandlers_StartExecution(t *testing.T) {
	t.Parallel()

	app, eng := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/executions", web.StartExecutionRequest{
		GraphID: "onboarding",
		State:   map[string]any{"name": "ada"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created web.StartExecutionResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ExecutionID)
	assert.Equal(t, "pending", created.Status)

	waitForExecutionStatus(t, eng, created.ExecutionID, models.ExecutionStatusCompleted)

	resp, body = doJSON(t, app, http.MethodGet, "/executions/"+created.ExecutionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var execution models.Execution
	require.NoError(t, json.Unmarshal(body, &execution))
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, true, execution.State["collected"])
}

func TestAPIHandlers_StartExecution_Errors(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	// Missing graph_id fails struct validation.
	resp, _ := doJSON(t, app, http.MethodPost, "/executions", web.StartExecutionRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown graph is rejected before anything is persisted.
	resp, body := doJSON(t, app, http.MethodPost, "/executions", web.StartExecutionRequest{
		GraphID: "ghost",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "unauthorized_graph")
}

func TestAPIHandlers_ResumeExecution(t *testing.T) {
	t.Parallel()

	app, eng := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/executions", web.StartExecutionRequest{
		GraphID: "onboarding",
		State:   map[string]any{"needs_review": true},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created web.StartExecutionResponse
	require.NoError(t, json.Unmarshal(body, &created))

	waitForExecutionStatus(t, eng, created.ExecutionID, models.ExecutionStatusWaitingAgent)

	resp, body = doJSON(t, app, http.MethodPost, "/executions/"+created.ExecutionID+"/resume",
		web.ResumeExecutionRequest{Reply: map[string]any{"approved": true}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var execution models.Execution
	require.NoError(t, json.Unmarshal(body, &execution))
	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)

	waitForExecutionStatus(t, eng, created.ExecutionID, models.ExecutionStatusCompleted)

	// Resuming again conflicts.
	resp, body = doJSON(t, app, http.MethodPost, "/executions/"+created.ExecutionID+"/resume",
		web.ResumeExecutionRequest{Reply: map[string]any{"approved": true}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "conflict")
}

func TestAPIHandlers_ResumeExecution_NotFound(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/executions/missing/resume",
		web.ResumeExecutionRequest{Reply: map[string]any{}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_GetExecution_NotFound(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodGet, "/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_AgentHeartbeatAndList(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/agents/approver/heartbeat",
		web.HeartbeatRequest{Metadata: map[string]any{"host": "agent-1"}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Unknown roles are rejected.
	resp, _ = doJSON(t, app, http.MethodPost, "/agents/intern/heartbeat", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Later requests recycle fiber's request buffers; the stored approver
	// key must survive them intact.
	resp, _ = doJSON(t, app, http.MethodPost, "/agents/senior_developer/heartbeat",
		web.HeartbeatRequest{Metadata: map[string]any{"host": "agent-2"}})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := doJSON(t, app, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report struct {
		Agents []web.AgentStatus `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(body, &report))
	require.NotEmpty(t, report.Agents)

	byRole := make(map[string]web.AgentStatus, len(report.Agents))
	for _, agent := range report.Agents {
		byRole[agent.Role] = agent
	}

	approver := byRole["approver"]
	assert.True(t, approver.Available)
	require.NotNil(t, approver.LastHeartbeat)
	assert.Equal(t, "agent-1", approver.Metadata["host"])

	developer := byRole["senior_developer"]
	assert.True(t, developer.Available)
	assert.Equal(t, "agent-2", developer.Metadata["host"])

	testLead := byRole["test_lead"]
	assert.False(t, testLead.Available)
	assert.Nil(t, testLead.LastHeartbeat)
}

func TestAPIHandlers_ListGraphs(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/graphs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "onboarding")
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
}
