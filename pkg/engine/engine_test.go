package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/conductor-hq/conductor/pkg/flow"
	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pollInterval = 5 * time.Millisecond
	pollTimeout  = 2 * time.Second
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T, graphs ...*flow.Graph) (*Engine, *memory.Persistence) {
	t.Helper()

	registry := flow.NewRegistry()
	for _, graph := range graphs {
		require.NoError(t, registry.Register(graph))
	}

	store := memory.NewPersistence()
	engine := New(registry, store.Executions(), nil, testLogger())

	return engine, store
}

func waitForStatus(t *testing.T, engine *Engine, executionID string, status models.ExecutionStatus) *models.Execution {
	t.Helper()

	var execution *models.Execution

	require.Eventually(t, func() bool {
		var err error

		execution, err = engine.GetStatus(context.Background(), executionID)

		return err == nil && execution.Status == status
	}, pollTimeout, pollInterval, "execution never reached %s", status)

	return execution
}

// approvalGraph mirrors the canonical shape: one start, a router that sends
// large requests to an approver, a listener that suspends on the reply, and a
// final notification step.
func approvalGraph() *flow.Graph {
	return flow.NewGraph("approval").
		Start("receive_request", func(_ context.Context, state map[string]any) (map[string]any, error) {
			state["received"] = true

			return state, nil
		}).
		RouterAfter("receive_request", func(state map[string]any) (string, error) {
			amount, _ := state["amount"].(float64)
			if amount > 1000 {
				return "needs_approval", nil
			}

			return "auto_approved", nil
		}).
		On("needs_approval", "request_approval", func(_ context.Context, state map[string]any) (flow.StepResult, error) {
			return flow.StepResult{
				State: state,
				Await: &flow.Await{Agent: models.RoleApprover, RequestID: "req-1"},
			}, nil
		}).
		On("request_approval", "record_decision", func(_ context.Context, state map[string]any) (flow.StepResult, error) {
			state["decided"] = true

			return flow.StepResult{State: state}, nil
		}).
		On("auto_approved", "notify", func(_ context.Context, state map[string]any) (flow.StepResult, error) {
			state["notified"] = true

			return flow.StepResult{State: state}, nil
		})
}

func TestEngine_StartFlow_AutoApprovedPathCompletes(t *testing.T) {
	engine, _ := newTestEngine(t, approvalGraph())

	id, err := engine.StartFlow(context.Background(), "approval", map[string]any{"amount": 100.0})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	execution := waitForStatus(t, engine, id, models.ExecutionStatusCompleted)

	assert.Equal(t, []string{"auto_approved"}, execution.RouteTaken)
	assert.Equal(t, []string{"notify"}, execution.CompletedSteps)
	assert.Equal(t, true, execution.State["received"])
	assert.Equal(t, true, execution.State["notified"])
	assert.NotNil(t, execution.CompletedAt)
	assert.Nil(t, execution.AwaitedResponse)
}

func TestEngine_StartFlow_ApprovalPathWaitsAndResumes(t *testing.T) {
	engine, _ := newTestEngine(t, approvalGraph())
	ctx := context.Background()

	id, err := engine.StartFlow(ctx, "approval", map[string]any{"amount": 5000.0})
	require.NoError(t, err)

	waiting := waitForStatus(t, engine, id, models.ExecutionStatusWaitingAgent)
	require.NotNil(t, waiting.AwaitedResponse)
	assert.Equal(t, models.RoleApprover, waiting.AwaitedResponse.Agent)
	assert.Equal(t, "req-1", waiting.AwaitedResponse.RequestID)
	assert.Equal(t, "request_approval", waiting.CurrentStep)

	snapshot, err := engine.ResumeFlow(ctx, id, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, snapshot.Status)
	assert.Nil(t, snapshot.AwaitedResponse)

	execution := waitForStatus(t, engine, id, models.ExecutionStatusCompleted)

	assert.Equal(t, []string{"needs_approval"}, execution.RouteTaken)
	assert.Equal(t, []string{"request_approval", "record_decision"}, execution.CompletedSteps)

	reply, ok := execution.State[models.StateKeyAgentResponse].(map[string]any)
	require.True(t, ok, "agent reply missing from state")
	assert.Equal(t, true, reply["approved"])
	assert.Equal(t, true, execution.State["decided"])
}

func TestEngine_StartFlow_UnauthorizedGraph(t *testing.T) {
	engine, _ := newTestEngine(t, approvalGraph())

	_, err := engine.StartFlow(context.Background(), "ghost", nil)
	require.ErrorIs(t, err, ErrUnauthorizedGraph)
}

func TestEngine_StartFlow_AllowListOverridesRegistry(t *testing.T) {
	registry := flow.NewRegistry()
	require.NoError(t, registry.Register(approvalGraph()))

	store := memory.NewPersistence()
	engine := New(registry, store.Executions(), nil, testLogger(),
		WithAllowedGraphs("approval", "phantom"))

	// Registered but not on the allow-list.
	restricted := New(registry, store.Executions(), nil, testLogger(),
		WithAllowedGraphs("phantom"))
	_, err := restricted.StartFlow(context.Background(), "approval", nil)
	require.ErrorIs(t, err, ErrUnauthorizedGraph)

	// Allow-listed but never registered.
	_, err = engine.StartFlow(context.Background(), "phantom", nil)
	require.ErrorIs(t, err, ErrGraphNotLoaded)

	// Both allow-listed and registered.
	_, err = engine.StartFlow(context.Background(), "approval", map[string]any{"amount": 1.0})
	require.NoError(t, err)
}

func TestEngine_StartFlow_StateTooLarge(t *testing.T) {
	engine, _ := newTestEngine(t, approvalGraph())

	_, err := engine.StartFlow(context.Background(), "approval", map[string]any{
		"blob": strings.Repeat("x", models.MaxStateBytes+1),
	})
	require.ErrorIs(t, err, ErrStateTooLarge)
}

func TestEngine_StartFlow_InputSchemaRejected(t *testing.T) {
	graph := flow.NewGraph("typed").
		Start("begin", func(_ context.Context, state map[string]any) (map[string]any, error) {
			return state, nil
		}).
		InputSchema(`{"type":"object","required":["amount"],"properties":{"amount":{"type":"number"}}}`)

	engine, _ := newTestEngine(t, graph)

	_, err := engine.StartFlow(context.Background(), "typed", map[string]any{"other": 1})
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = engine.StartFlow(context.Background(), "typed", map[string]any{"amount": 42.0})
	require.NoError(t, err)
}

func TestEngine_MultipleStartsRunInOrder(t *testing.T) {
	graph := flow.NewGraph("multi").
		Start("first", func(_ context.Context, state map[string]any) (map[string]any, error) {
			state["order"] = "first"

			return state, nil
		}).
		Start("second", func(_ context.Context, state map[string]any) (map[string]any, error) {
			// Runs after "first": the state fold is sequential.
			state["order"] = state["order"].(string) + ",second"

			return state, nil
		})

	engine, _ := newTestEngine(t, graph)

	id, err := engine.StartFlow(context.Background(), "multi", nil)
	require.NoError(t, err)

	execution := waitForStatus(t, engine, id, models.ExecutionStatusCompleted)
	assert.Equal(t, "first,second", execution.State["order"])
	// Routing begins after the last start.
	assert.Equal(t, "second", execution.CurrentStep)
}

func TestEngine_SiblingListenersRunInRegistrationOrder(t *testing.T) {
	graph := flow.NewGraph("siblings").
		Start("begin", func(_ context.Context, state map[string]any) (map[string]any, error) {
			state["seen"] = []any{}

			return state, nil
		}).
		RouterAfter("begin", func(map[string]any) (string, error) {
			return "fan_out", nil
		}).
		On("fan_out", "alpha", func(_ context.Context, state map[string]any) (flow.StepResult, error) {
			state["seen"] = append(state["seen"].([]any), "alpha")

			return flow.StepResult{State: state}, nil
		}).
		On("fan_out", "beta", func(_ context.Context, state map[string]any) (flow.StepResult, error) {
			state["seen"] = append(state["seen"].([]any), "beta")

			return flow.StepResult{State: state}, nil
		})

	engine, _ := newTestEngine(t, graph)

	id, err := engine.StartFlow(context.Background(), "siblings", nil)
	require.NoError(t, err)

	execution := waitForStatus(t, engine, id, models.ExecutionStatusCompleted)
	assert.Equal(t, []any{"alpha", "beta"}, execution.State["seen"])
	assert.Equal(t, []string{"alpha", "beta"}, execution.CompletedSteps)
}

func TestEngine_ListenerErrorFailsExecution(t *testing.T) {
	graph := flow.NewGraph("broken").
		Start("begin", func(_ context.Context, state map[string]any) (map[string]any, error) {
			return state, nil
		}).
		RouterAfter("begin", func(map[string]any) (string, error) {
			return "doomed", nil
		}).
		On("doomed", "explode", func(_ context.Context, _ map[string]any) (flow.StepResult, error) {
			return flow.StepResult{}, errors.New("downstream unavailable")
		})

	engine, _ := newTestEngine(t, graph)

	id, err := engine.StartFlow(context.Background(), "broken", nil)
	require.NoError(t, err)

	execution := waitForStatus(t, engine, id, models.ExecutionStatusFailed)
	assert.Contains(t, execution.Error, "downstream unavailable")
	assert.NotNil(t, execution.CompletedAt)
	assert.True(t, execution.Terminal())
}

func TestEngine_RouterPanicFailsExecutionOnly(t *testing.T) {
	graph := flow.NewGraph("panicky").
		Start("begin", func(_ context.Context, state map[string]any) (map[string]any, error) {
			return state, nil
		}).
		RouterAfter("begin", func(state map[string]any) (string, error) {
			// Missing key: the type assertion panics.
			return state["missing"].(string), nil
		})

	engine, _ := newTestEngine(t, graph)

	id, err := engine.StartFlow(context.Background(), "panicky", nil)
	require.NoError(t, err)

	execution := waitForStatus(t, engine, id, models.ExecutionStatusFailed)
	assert.Contains(t, execution.Error, "panicked")

	// The engine keeps serving other executions.
	id2, err := engine.StartFlow(context.Background(), "panicky", nil)
	require.NoError(t, err)
	waitForStatus(t, engine, id2, models.ExecutionStatusFailed)
}

func TestEngine_ResumeFlow_Errors(t *testing.T) {
	engine, _ := newTestEngine(t, approvalGraph())
	ctx := context.Background()

	_, err := engine.ResumeFlow(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)

	id, err := engine.StartFlow(ctx, "approval", map[string]any{"amount": 1.0})
	require.NoError(t, err)
	waitForStatus(t, engine, id, models.ExecutionStatusCompleted)

	// Resuming a completed execution mutates nothing.
	_, err = engine.ResumeFlow(ctx, id, map[string]any{"approved": true})
	require.ErrorIs(t, err, ErrNotWaiting)

	execution, err := engine.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.NotContains(t, execution.State, models.StateKeyAgentResponse)
}

func TestEngine_Recover_ResumesRunningExecutions(t *testing.T) {
	graph := approvalGraph()
	engine, store := newTestEngine(t, graph)
	ctx := context.Background()

	// Simulate a crash mid-walk: a running execution persisted after the
	// start, before any routing.
	crashed := &models.Execution{
		ID:          "exec-crashed",
		GraphID:     "approval",
		Status:      models.ExecutionStatusRunning,
		State:       map[string]any{"amount": 10.0, "received": true},
		CurrentStep: "receive_request",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Executions().Create(ctx, crashed))

	waiting := &models.Execution{
		ID:          "exec-waiting",
		GraphID:     "approval",
		Status:      models.ExecutionStatusWaitingAgent,
		State:       map[string]any{"amount": 5000.0},
		CurrentStep: "request_approval",
		AwaitedResponse: &models.AwaitedResponse{
			Agent:     models.RoleApprover,
			RequestID: "req-9",
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Executions().Create(ctx, waiting))

	require.NoError(t, engine.Recover(ctx))

	// The running execution walks to completion from its persisted step.
	execution := waitForStatus(t, engine, "exec-crashed", models.ExecutionStatusCompleted)
	assert.Equal(t, []string{"auto_approved"}, execution.RouteTaken)

	// The waiting one stays parked for its agent reply.
	parked, err := engine.GetStatus(ctx, "exec-waiting")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaitingAgent, parked.Status)
}

func TestEngine_Unpause(t *testing.T) {
	engine, store := newTestEngine(t, approvalGraph())
	ctx := context.Background()

	paused := &models.Execution{
		ID:          "exec-paused",
		GraphID:     "approval",
		Status:      models.ExecutionStatusPaused,
		State:       map[string]any{"amount": 10.0, "received": true},
		CurrentStep: "receive_request",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Executions().Create(ctx, paused))

	snapshot, err := engine.Unpause(ctx, "exec-paused")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, snapshot.Status)

	waitForStatus(t, engine, "exec-paused", models.ExecutionStatusCompleted)

	_, err = engine.Unpause(ctx, "exec-paused")
	require.ErrorIs(t, err, ErrNotPaused)

	_, err = engine.Unpause(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_OversizedStepOutputFailsExecution(t *testing.T) {
	graph := flow.NewGraph("bloater").
		Start("begin", func(_ context.Context, state map[string]any) (map[string]any, error) {
			state["blob"] = strings.Repeat("x", models.MaxStateBytes+1)

			return state, nil
		})

	engine, _ := newTestEngine(t, graph)

	id, err := engine.StartFlow(context.Background(), "bloater", nil)
	require.NoError(t, err)

	execution := waitForStatus(t, engine, id, models.ExecutionStatusFailed)
	assert.Contains(t, execution.Error, "state too large")
}

func TestEngine_StepsSeeClonedState(t *testing.T) {
	var captured map[string]any

	graph := flow.NewGraph("cloned").
		Start("begin", func(_ context.Context, state map[string]any) (map[string]any, error) {
			captured = state

			return state, nil
		})

	engine, _ := newTestEngine(t, graph)

	id, err := engine.StartFlow(context.Background(), "cloned", map[string]any{"k": "v"})
	require.NoError(t, err)

	execution := waitForStatus(t, engine, id, models.ExecutionStatusCompleted)

	// Mutating the captured map after the fact must not alias the persisted
	// document.
	captured["k"] = "tampered"

	reread, err := engine.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, execution.State["k"], reread.State["k"])
	assert.Equal(t, "v", reread.State["k"])
}
