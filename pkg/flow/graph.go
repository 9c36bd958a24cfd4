// Package flow defines the static flow graph model: entry points, conditional
// routers and event listeners, plus the registry that doubles as the
// execution allow-list.
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// StartFunc is an entry point. Starts have no precondition and run
// sequentially in registration order when an execution begins.
type StartFunc func(ctx context.Context, state map[string]any) (map[string]any, error)

// RouterFunc runs after a step and picks the label that triggers the next
// listeners. An empty label means no further routing.
type RouterFunc func(state map[string]any) (string, error)

// Await marks a listener result as suspended on an external agent reply.
type Await struct {
	Agent     models.Role
	RequestID string
}

// StepResult is what a listener returns: the next state document, and an
// optional await mark when the listener delegated to an external agent.
type StepResult struct {
	State map[string]any
	Await *Await
}

// ListenFunc is a listener body. Listeners are synchronous computations over
// state; any I/O goes through the message bus before returning an await mark.
type ListenFunc func(ctx context.Context, state map[string]any) (StepResult, error)

type start struct {
	name string
	fn   StartFunc
}

// Listener is a named listener registered against a trigger.
type Listener struct {
	Name string
	fn   ListenFunc
}

// Run invokes the listener body.
func (l Listener) Run(ctx context.Context, state map[string]any) (StepResult, error) {
	return l.fn(ctx, state)
}

// Graph is a static, named flow description. Registration happens once at
// boot through the builder methods; Validate is called by the registry before
// any execution can reference the graph.
type Graph struct {
	id        string
	starts    []start
	routers   map[string]RouterFunc
	listeners map[string][]Listener
	schema    string
	buildErrs []error
}

// NewGraph creates an empty graph with the given identifier.
func NewGraph(id string) *Graph {
	return &Graph{
		id:        id,
		routers:   make(map[string]RouterFunc),
		listeners: make(map[string][]Listener),
	}
}

// ID returns the graph identifier.
func (g *Graph) ID() string {
	return g.id
}

// Start registers a named entry point.
func (g *Graph) Start(name string, fn StartFunc) *Graph {
	g.starts = append(g.starts, start{name: name, fn: fn})

	return g
}

// RouterAfter registers the router evaluated after the named step. At most
// one router per step; duplicates are caught by Validate.
func (g *Graph) RouterAfter(step string, fn RouterFunc) *Graph {
	if _, exists := g.routers[step]; exists {
		g.buildErrs = append(g.buildErrs, fmt.Errorf("step %s already has a router", step))

		return g
	}

	g.routers[step] = fn

	return g
}

// On registers a named listener for a trigger. The trigger is either a
// router-produced label or another step's name. Listeners for the same
// trigger run in registration order.
func (g *Graph) On(trigger, name string, fn ListenFunc) *Graph {
	g.listeners[trigger] = append(g.listeners[trigger], Listener{Name: name, fn: fn})

	return g
}

// InputSchema attaches a JSON Schema the initial state must satisfy.
func (g *Graph) InputSchema(schema string) *Graph {
	g.schema = schema

	return g
}

// Validate checks the graph is executable: it has an identifier, at least one
// start, no duplicate routers, and a parseable input schema when one is set.
func (g *Graph) Validate() error {
	if g.id == "" {
		return errors.New("graph id is required")
	}

	if len(g.buildErrs) > 0 {
		return fmt.Errorf("graph %s: %w", g.id, g.buildErrs[0])
	}

	if len(g.starts) == 0 {
		return fmt.Errorf("graph %s has no start functions", g.id)
	}

	for _, s := range g.starts {
		if s.name == "" || s.fn == nil {
			return fmt.Errorf("graph %s has an unnamed or empty start", g.id)
		}
	}

	for trigger, listeners := range g.listeners {
		for _, l := range listeners {
			if l.Name == "" || l.fn == nil {
				return fmt.Errorf("graph %s has an unnamed or empty listener on trigger %s", g.id, trigger)
			}
		}
	}

	if g.schema != "" {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(g.schema)); err != nil {
			return fmt.Errorf("graph %s has an invalid input schema: %w", g.id, err)
		}
	}

	return nil
}

// Starts returns the entry point names in registration order.
func (g *Graph) Starts() []string {
	names := make([]string, len(g.starts))
	for i, s := range g.starts {
		names[i] = s.name
	}

	return names
}

// RunStart invokes the i-th start against the state.
func (g *Graph) RunStart(ctx context.Context, i int, state map[string]any) (map[string]any, error) {
	return g.starts[i].fn(ctx, state)
}

// StartCount returns how many entry points are registered.
func (g *Graph) StartCount() int {
	return len(g.starts)
}

// RouterFor returns the router registered after the given step, if any.
func (g *Graph) RouterFor(step string) (RouterFunc, bool) {
	router, ok := g.routers[step]

	return router, ok
}

// ListenersFor returns the listeners registered for the given trigger, in
// registration order.
func (g *Graph) ListenersFor(trigger string) []Listener {
	return g.listeners[trigger]
}

// ValidateInput checks the initial state against the graph's input schema.
// Graphs without a schema accept any state.
func (g *Graph) ValidateInput(state map[string]any) error {
	if g.schema == "" {
		return nil
	}

	schemaLoader := gojsonschema.NewStringLoader(g.schema)
	dataLoader := gojsonschema.NewGoLoader(state)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("input schema validation failed: %w", err)
	}

	if !result.Valid() {
		details := ""
		for _, desc := range result.Errors() {
			if details != "" {
				details += "; "
			}

			details += desc.String()
		}

		return fmt.Errorf("initial state rejected by input schema: %s", details)
	}

	return nil
}
