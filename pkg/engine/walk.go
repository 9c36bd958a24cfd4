package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conductor-hq/conductor/pkg/events"
	"github.com/conductor-hq/conductor/pkg/flow"
	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
)

// walkOutcome is the result of walking from one step.
type walkOutcome int

const (
	// walkContinue: no further router or listener matched; the caller at
	// the top of the walk marks the execution completed.
	walkContinue walkOutcome = iota

	// walkWaiting: a listener suspended on an external agent reply.
	walkWaiting

	// walkFailed: a router or listener failed; the execution is terminal.
	walkFailed

	// walkAborted: a persisted write was rejected; the step did not advance
	// and the walk stops without changing the execution's status. Recovery
	// or a later resume picks it up again.
	walkAborted
)

func (o walkOutcome) String() string {
	switch o {
	case walkContinue:
		return "continue"
	case walkWaiting:
		return "waiting"
	case walkFailed:
		return "failed"
	case walkAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// run executes the walk for one execution. It is always invoked under the
// runner's per-execution lock and re-reads the persisted record before
// mutating it.
func (e *Engine) run(ctx context.Context, executionID string) {
	execution, err := e.executions.Get(ctx, executionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to load execution for walk",
			"execution_id", executionID, "error", err)

		return
	}

	if execution.Terminal() {
		return
	}

	ctx, span := e.span(ctx, "engine.walk", execution)
	defer span.End()

	graph, err := e.authorizeGraph(execution.GraphID)
	if err != nil {
		// Persisted state points at a graph this process will not run.
		e.fail(ctx, execution, execution.CurrentStep,
			fmt.Errorf("%w: %s", ErrInvalidGraphReference, execution.GraphID))

		return
	}

	if execution.Status == models.ExecutionStatusPending {
		if err := execution.TransitionTo(models.ExecutionStatusRunning); err != nil {
			e.logger.ErrorContext(ctx, "Invalid pending transition", "execution_id", executionID, "error", err)

			return
		}

		if !e.save(ctx, execution) {
			return
		}
	}

	outcome := walkContinue

	if execution.CurrentStep == "" {
		outcome = e.runStarts(ctx, graph, execution)
	}

	if outcome == walkContinue {
		outcome = e.walk(ctx, graph, execution, execution.CurrentStep)
	}

	if outcome == walkContinue {
		e.complete(ctx, execution)
	}

	span.SetAttributes(attribute.String("walk.outcome", outcome.String()))

	if outcome == walkFailed {
		otelhelper.SetError(span, errors.New(execution.Error))
	}
}

// runStarts runs every entry point sequentially, folding the state through
// each. Start names are not recorded as completed steps; routing begins
// after the final start.
func (e *Engine) runStarts(ctx context.Context, graph *flow.Graph, execution *models.Execution) walkOutcome {
	starts := graph.Starts()

	for i, name := range starts {
		execution.CurrentStep = name
		if !e.save(ctx, execution) {
			return walkAborted
		}

		state, err := e.invokeStart(ctx, graph, i, execution.State)
		if err != nil {
			e.fail(ctx, execution, name, err)

			return walkFailed
		}

		if state != nil {
			execution.State = state
		}

		if err := validateState(execution.State); err != nil {
			e.fail(ctx, execution, name, err)

			return walkFailed
		}

		if !e.save(ctx, execution) {
			return walkAborted
		}
	}

	return walkContinue
}

// walk applies the routing algorithm after the given step: evaluate the
// step's router (if any), look up listeners for the resulting trigger, run
// them in order, and recurse after each completed listener. Completion is
// stamped by the caller once the outermost walk returns walkContinue.
func (e *Engine) walk(ctx context.Context, graph *flow.Graph, execution *models.Execution, step string) walkOutcome {
	trigger := step

	if router, exists := graph.RouterFor(step); exists {
		label, err := e.invokeRouter(router, execution.State)
		if err != nil {
			e.fail(ctx, execution, step, err)

			return walkFailed
		}

		// No label means no further routing: the execution is complete.
		if label == "" {
			return walkContinue
		}

		execution.RouteTaken = append(execution.RouteTaken, label)
		execution.CurrentTrigger = label

		if !e.save(ctx, execution) {
			return walkAborted
		}

		trigger = label
	}

	listeners := graph.ListenersFor(trigger)

	for _, listener := range listeners {
		// Persist the step about to run, in case of a crash mid-step.
		execution.CurrentStep = listener.Name
		if !e.save(ctx, execution) {
			return walkAborted
		}

		result, err := e.invokeListener(ctx, listener, execution.State)
		if err != nil {
			e.fail(ctx, execution, listener.Name, err)

			return walkFailed
		}

		if result.State != nil {
			execution.State = result.State
		}

		if err := validateState(execution.State); err != nil {
			e.fail(ctx, execution, listener.Name, err)

			return walkFailed
		}

		if result.Await != nil {
			return e.suspend(ctx, execution, listener.Name, result.Await)
		}

		execution.CompletedSteps = append(execution.CompletedSteps, listener.Name)

		if !e.save(ctx, execution) {
			return walkAborted
		}

		if outcome := e.walk(ctx, graph, execution, listener.Name); outcome != walkContinue {
			return outcome
		}
	}

	return walkContinue
}

// suspend parks the execution until the awaited agent reply arrives via
// ResumeFlow.
func (e *Engine) suspend(ctx context.Context, execution *models.Execution, step string, await *flow.Await) walkOutcome {
	execution.AwaitedResponse = &models.AwaitedResponse{
		Agent:     await.Agent,
		RequestID: await.RequestID,
	}

	if err := execution.TransitionTo(models.ExecutionStatusWaitingAgent); err != nil {
		e.fail(ctx, execution, step, err)

		return walkFailed
	}

	if !e.save(ctx, execution) {
		return walkAborted
	}

	e.logger.InfoContext(ctx, "Execution waiting on agent",
		"execution_id", execution.ID, "agent", await.Agent, "request_id", await.RequestID)

	e.publishEvent(ctx, events.ExecutionWaiting{
		BaseEvent: events.NewBaseEvent(events.ExecutionWaitingEvent, execution.GraphID, execution.ID),
		Agent:     await.Agent,
		RequestID: await.RequestID,
		Step:      step,
	})

	return walkWaiting
}

// complete stamps the execution terminal after the walk unwound with no
// further matches.
func (e *Engine) complete(ctx context.Context, execution *models.Execution) {
	if err := execution.TransitionTo(models.ExecutionStatusCompleted); err != nil {
		e.logger.ErrorContext(ctx, "Invalid completion transition",
			"execution_id", execution.ID, "error", err)

		return
	}

	now := time.Now().UTC()
	execution.CompletedAt = &now

	if !e.save(ctx, execution) {
		return
	}

	e.logger.InfoContext(ctx, "Execution completed",
		"execution_id", execution.ID, "steps", len(execution.CompletedSteps))

	e.publishEvent(ctx, events.ExecutionCompleted{
		BaseEvent:      events.NewBaseEvent(events.ExecutionCompletedEvent, execution.GraphID, execution.ID),
		RouteTaken:     execution.RouteTaken,
		CompletedSteps: execution.CompletedSteps,
		DurationMs:     now.Sub(execution.CreatedAt).Milliseconds(),
	})
}

// fail records the error and moves the execution to its terminal failed
// status. Only this execution is affected; the engine keeps serving others.
func (e *Engine) fail(ctx context.Context, execution *models.Execution, step string, cause error) {
	e.logger.ErrorContext(ctx, "Execution failed",
		"execution_id", execution.ID, "step", step, "error", cause)

	execution.Error = cause.Error()
	execution.AwaitedResponse = nil

	if err := execution.TransitionTo(models.ExecutionStatusFailed); err != nil {
		e.logger.ErrorContext(ctx, "Invalid failure transition",
			"execution_id", execution.ID, "error", err)

		return
	}

	now := time.Now().UTC()
	execution.CompletedAt = &now

	e.save(ctx, execution)

	e.publishEvent(ctx, events.ExecutionFailed{
		BaseEvent: events.NewBaseEvent(events.ExecutionFailedEvent, execution.GraphID, execution.ID),
		Step:      step,
		Error:     cause.Error(),
	})
}

// save persists the execution with compare-and-swap. A rejected write means
// the step must not advance; the walk stops and logs.
func (e *Engine) save(ctx context.Context, execution *models.Execution) bool {
	if err := e.executions.Update(ctx, execution); err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist execution, walk step not advanced",
			"execution_id", execution.ID, "version", execution.Version, "error", err)

		return false
	}

	return true
}

// invokeStart runs a start function, converting panics into step errors so
// one bad step never takes the engine down.
func (e *Engine) invokeStart(ctx context.Context, graph *flow.Graph, i int, state map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start panicked: %v", r)
		}
	}()

	return graph.RunStart(ctx, i, models.CloneState(state))
}

func (e *Engine) invokeRouter(router flow.RouterFunc, state map[string]any) (label string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("router panicked: %v", r)
		}
	}()

	return router(models.CloneState(state))
}

func (e *Engine) invokeListener(ctx context.Context, listener flow.Listener, state map[string]any) (result flow.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()

	return listener.Run(ctx, models.CloneState(state))
}
