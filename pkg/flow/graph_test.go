package flow

import (
	"context"
	"testing"

	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passthroughStart(_ context.Context, state map[string]any) (map[string]any, error) {
	return state, nil
}

func passthroughListener(_ context.Context, state map[string]any) (StepResult, error) {
	return StepResult{State: state}, nil
}

func TestGraph_Validate_RequiresStart(t *testing.T) {
	g := NewGraph("empty")

	err := g.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no start functions")
}

func TestGraph_Validate_RejectsDuplicateRouter(t *testing.T) {
	g := NewGraph("dup").
		Start("ingest", passthroughStart).
		RouterAfter("ingest", func(map[string]any) (string, error) { return "", nil }).
		RouterAfter("ingest", func(map[string]any) (string, error) { return "", nil })

	err := g.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a router")
}

func TestGraph_ListenersFor_PreservesOrder(t *testing.T) {
	g := NewGraph("ordered").
		Start("ingest", passthroughStart).
		On("review", "first", passthroughListener).
		On("review", "second", passthroughListener)

	require.NoError(t, g.Validate())

	listeners := g.ListenersFor("review")
	require.Len(t, listeners, 2)
	assert.Equal(t, "first", listeners[0].Name)
	assert.Equal(t, "second", listeners[1].Name)

	assert.Empty(t, g.ListenersFor("unknown"))
}

func TestGraph_RouterFor(t *testing.T) {
	g := NewGraph("routed").
		Start("ingest", passthroughStart).
		RouterAfter("ingest", func(state map[string]any) (string, error) {
			return "review", nil
		})

	router, ok := g.RouterFor("ingest")
	require.True(t, ok)

	label, err := router(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "review", label)

	_, ok = g.RouterFor("other")
	assert.False(t, ok)
}

func TestGraph_ValidateInput_Schema(t *testing.T) {
	schema := `{"type":"object","required":["cost"],"properties":{"cost":{"type":"number"}}}`

	g := NewGraph("budget").
		Start("ingest", passthroughStart).
		InputSchema(schema)

	require.NoError(t, g.Validate())

	require.NoError(t, g.ValidateInput(map[string]any{"cost": 100}))
	require.Error(t, g.ValidateInput(map[string]any{"owner": "cto"}))
}

func TestGraph_Validate_RejectsBrokenSchema(t *testing.T) {
	g := NewGraph("broken").
		Start("ingest", passthroughStart).
		InputSchema(`{"type": nope}`)

	require.Error(t, g.Validate())
}

func TestRegistry_RegisterAndAuthorize(t *testing.T) {
	registry := NewRegistry()

	g := NewGraph("Approval").
		Start("set_cost", passthroughStart).
		On("escalate", "escalate_approval", func(_ context.Context, state map[string]any) (StepResult, error) {
			return StepResult{State: state, Await: &Await{Agent: models.RoleApprover, RequestID: "req-1"}}, nil
		})

	require.NoError(t, registry.Register(g))

	assert.True(t, registry.Authorized("Approval"))
	assert.False(t, registry.Authorized("Sabotage"))

	got, ok := registry.Get("Approval")
	require.True(t, ok)
	assert.Equal(t, "Approval", got.ID())

	err := registry.Register(NewGraph("Approval").Start("set_cost", passthroughStart))
	require.Error(t, err)

	err = registry.Register(NewGraph("invalid"))
	require.Error(t, err)
}
