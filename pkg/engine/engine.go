// Package engine walks flow graphs against persisted executions: it runs
// starts, evaluates routers, dispatches listeners, persists state after every
// transition, suspends when a step waits on an external agent and resumes
// when the reply arrives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conductor-hq/conductor/pkg/bus"
	"github.com/conductor-hq/conductor/pkg/events"
	"github.com/conductor-hq/conductor/pkg/flow"
	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/otelhelper"
	"github.com/conductor-hq/conductor/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Engine orchestrates flow executions. All execution mutations go through
// the engine; business code only sees state documents and the message bus.
type Engine struct {
	registry   *flow.Registry
	executions persistence.ExecutionRepository
	messageBus bus.MessageBus
	logger     *slog.Logger
	tracer     trace.Tracer
	runner     *runner
	allowed    map[string]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithAllowedGraphs restricts execution to the given graph identifiers. By
// default every registered graph is allowed.
func WithAllowedGraphs(ids ...string) Option {
	return func(e *Engine) {
		e.allowed = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			e.allowed[id] = struct{}{}
		}
	}
}

// WithTracer attaches a tracer to the engine's walks.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// New creates an engine over the graph registry, execution store and message
// bus. The bus may be nil in tests that do not observe lifecycle events.
func New(registry *flow.Registry, executions persistence.ExecutionRepository, messageBus bus.MessageBus, logger *slog.Logger, opts ...Option) *Engine {
	engine := &Engine{
		registry:   registry,
		executions: executions,
		messageBus: messageBus,
		logger:     logger.With("module", "engine"),
		tracer:     noop.NewTracerProvider().Tracer("engine"),
		runner:     newRunner(),
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// StartFlow validates the request, persists a new pending execution and
// kicks off the walk asynchronously. It returns the execution id
// immediately; the caller observes progress through GetStatus.
func (e *Engine) StartFlow(ctx context.Context, graphID string, initialState map[string]any) (string, error) {
	graph, err := e.authorizeGraph(graphID)
	if err != nil {
		return "", err
	}

	if graph.StartCount() == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoStartFunctions, graphID)
	}

	if err := validateState(initialState); err != nil {
		return "", err
	}

	if err := graph.ValidateInput(initialState); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidState, err)
	}

	execution := &models.Execution{
		ID:             uuid.New().String(),
		GraphID:        graphID,
		Status:         models.ExecutionStatusPending,
		State:          models.CloneState(initialState),
		RouteTaken:     []string{},
		CompletedSteps: []string{},
		CreatedAt:      time.Now().UTC(),
	}

	if err := e.executions.Create(ctx, execution); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	e.logger.InfoContext(ctx, "Execution created", "execution_id", execution.ID, "graph_id", graphID)

	e.publishEvent(ctx, events.ExecutionStarted{
		BaseEvent: events.NewBaseEvent(events.ExecutionStartedEvent, graphID, execution.ID),
		Starts:    graph.Starts(),
	})

	e.spawn(ctx, execution.ID)

	return execution.ID, nil
}

// ResumeFlow merges an agent reply into a waiting execution and continues
// the walk from the step that suspended. The returned snapshot reflects the
// merge; the continuation runs asynchronously.
func (e *Engine) ResumeFlow(ctx context.Context, executionID string, reply map[string]any) (*models.Execution, error) {
	execution, err := e.executions.Get(ctx, executionID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	if execution.Status != models.ExecutionStatusWaitingAgent {
		return nil, fmt.Errorf("%w: status is %s", ErrNotWaiting, execution.Status)
	}

	// The graph id was read back from storage; re-validate it before any
	// graph code runs.
	if _, err := e.authorizeGraph(execution.GraphID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGraphReference, execution.GraphID)
	}

	agent := execution.AwaitedResponse.Agent

	execution.State[models.StateKeyAgentResponse] = reply
	if err := validateState(execution.State); err != nil {
		return nil, err
	}

	execution.AwaitedResponse = nil

	if err := execution.TransitionTo(models.ExecutionStatusRunning); err != nil {
		return nil, err
	}

	// The suspended listener has now completed: its reply is merged.
	execution.CompletedSteps = append(execution.CompletedSteps, execution.CurrentStep)

	if err := e.executions.Update(ctx, execution); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	e.logger.InfoContext(ctx, "Execution resumed", "execution_id", executionID, "agent", agent)

	e.publishEvent(ctx, events.ExecutionResumed{
		BaseEvent: events.NewBaseEvent(events.ExecutionResumedEvent, execution.GraphID, executionID),
		Agent:     agent,
		Step:      execution.CurrentStep,
	})

	e.spawn(ctx, executionID)

	return execution, nil
}

// GetStatus returns a read-only snapshot of the execution.
func (e *Engine) GetStatus(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := e.executions.Get(ctx, executionID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	return execution, nil
}

// Unpause releases a paused execution back into the walk.
func (e *Engine) Unpause(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := e.executions.Get(ctx, executionID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	if execution.Status != models.ExecutionStatusPaused {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPaused, execution.Status)
	}

	if _, err := e.authorizeGraph(execution.GraphID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGraphReference, execution.GraphID)
	}

	if err := execution.TransitionTo(models.ExecutionStatusRunning); err != nil {
		return nil, err
	}

	if err := e.executions.Update(ctx, execution); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	e.spawn(ctx, executionID)

	return execution, nil
}

// Recover makes every in-flight execution eligible for continuation after a
// restart: running executions re-enter the walk from their current step,
// waiting executions stay parked for ResumeFlow, paused ones for Unpause.
func (e *Engine) Recover(ctx context.Context) error {
	inFlight, err := e.executions.ListByStatus(ctx,
		models.ExecutionStatusRunning,
		models.ExecutionStatusWaitingAgent,
		models.ExecutionStatusPaused,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	for _, execution := range inFlight {
		switch execution.Status {
		case models.ExecutionStatusRunning:
			e.logger.InfoContext(ctx, "Recovering execution",
				"execution_id", execution.ID, "current_step", execution.CurrentStep)
			e.spawn(ctx, execution.ID)
		default:
			e.logger.InfoContext(ctx, "Execution parked until external input",
				"execution_id", execution.ID, "status", execution.Status)
		}
	}

	return nil
}

// authorizeGraph checks the identifier against the allow-list, then looks
// the definition up.
func (e *Engine) authorizeGraph(graphID string) (*flow.Graph, error) {
	if e.allowed != nil {
		if _, ok := e.allowed[graphID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorizedGraph, graphID)
		}
	} else if !e.registry.Authorized(graphID) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedGraph, graphID)
	}

	graph, ok := e.registry.Get(graphID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotLoaded, graphID)
	}

	return graph, nil
}

func validateState(state map[string]any) error {
	err := models.ValidateStateSize(state)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrStateTooLarge):
		return fmt.Errorf("%w: %w", ErrStateTooLarge, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
}

// spawn hands the walk for an execution to the runner, detached from the
// caller's cancellation.
func (e *Engine) spawn(ctx context.Context, executionID string) {
	walkCtx := context.WithoutCancel(ctx)

	go e.runner.do(executionID, func() {
		e.run(walkCtx, executionID)
	})
}

func (e *Engine) publishEvent(ctx context.Context, event events.Event) {
	if e.messageBus == nil {
		return
	}

	if err := e.messageBus.PublishEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish lifecycle event",
			"event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) span(ctx context.Context, name string, execution *models.Execution) (context.Context, trace.Span) {
	return otelhelper.StartSpan(ctx, e.tracer, name,
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.GraphIDKey, execution.GraphID),
	)
}
