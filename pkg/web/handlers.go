// Package web provides the HTTP surface for execution management, agent
// heartbeats and health checks.
package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/conductor-hq/conductor/pkg/engine"
	"github.com/conductor-hq/conductor/pkg/flow"
	"github.com/conductor-hq/conductor/pkg/liveness"
	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	engine    *engine.Engine
	graphs    *flow.Registry
	tracker   *liveness.Tracker
	store     persistence.Persistence
	validator *validator.Validate
}

func NewAPIHandlers(
	eng *engine.Engine,
	graphs *flow.Registry,
	tracker *liveness.Tracker,
	store persistence.Persistence,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:    eng,
		graphs:    graphs,
		tracker:   tracker,
		store:     store,
		validator: validate,
	}
}

// Register mounts every route on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Get("/health", h.HealthCheck)
	app.Get("/graphs", h.ListGraphs)
	app.Post("/executions", h.StartExecution)
	app.Get("/executions/:id", h.GetExecution)
	app.Post("/executions/:id/resume", h.ResumeExecution)
	app.Post("/executions/:id/unpause", h.UnpauseExecution)
	app.Get("/agents", h.ListAgents)
	app.Post("/agents/:role/heartbeat", h.AgentHeartbeat)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	executionID, err := h.engine.StartFlow(c.Context(), req.GraphID, req.State)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(StartExecutionResponse{
		ExecutionID: executionID,
		Status:      string(models.ExecutionStatusPending),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.engine.GetStatus(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	// Fiber params alias the request buffer; the id outlives this handler
	// inside the resumed walk, so copy it.
	id := strings.Clone(c.Params("id"))
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	var req ResumeExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.engine.ResumeFlow(c.Context(), id, req.Reply)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) UnpauseExecution(c fiber.Ctx) error {
	// Copied for the same reason as in ResumeExecution: the walk goroutine
	// holds the id after the request buffer is recycled.
	id := strings.Clone(c.Params("id"))
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.engine.Unpause(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ListGraphs(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"graphs": h.graphs.IDs()})
}

func (h *APIHandlers) ListAgents(c fiber.Ctx) error {
	entries, err := h.tracker.Snapshot(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	byRole := make(map[models.Role]*models.AgentLiveness, len(entries))
	for _, entry := range entries {
		byRole[entry.Role] = entry
	}

	agents := make([]AgentStatus, 0, len(models.Roles()))

	for _, role := range models.Roles() {
		status := AgentStatus{
			Role:      string(role),
			Available: h.tracker.IsAvailable(c.Context(), role),
		}

		if entry, ok := byRole[role]; ok {
			last := entry.LastHeartbeat.Format(time.RFC3339)
			status.LastHeartbeat = &last
			status.Metadata = entry.Metadata
		}

		agents = append(agents, status)
	}

	return c.JSON(fiber.Map{"agents": agents})
}

func (h *APIHandlers) AgentHeartbeat(c fiber.Ctx) error {
	// The role string is stored as a liveness key beyond this request, so it
	// must not alias fiber's recycled request buffer.
	role, err := models.ParseRole(strings.Clone(c.Params("role")))
	if err != nil {
		return badRequest(c, err.Error())
	}

	var req HeartbeatRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.tracker.Heartbeat(c.Context(), role, req.Metadata); err != nil {
		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryErr := h.store.HealthCheck(c.Context())

	status := "healthy"
	message := "Conductor API is healthy"
	httpStatus := http.StatusOK
	repositoryCheck := "ok"

	if repositoryErr != nil {
		status = "unhealthy"
		message = "Conductor API is unhealthy"
		httpStatus = http.StatusInternalServerError
		repositoryCheck = repositoryErr.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
			"graphs":     len(h.graphs.IDs()),
		},
		"timestamp": time.Now().UTC(),
	})
}
