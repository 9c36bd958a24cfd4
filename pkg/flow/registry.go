package flow

import (
	"fmt"
	"sync"
)

// Registry holds the graphs the engine may execute. It is populated once at
// boot and doubles as the allow-list: an identifier absent from the registry
// is unauthorized, whether it came from a caller or from persisted state.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewRegistry creates an empty graph registry.
func NewRegistry() *Registry {
	return &Registry{
		graphs: make(map[string]*Graph),
	}
}

// Register validates the graph and adds it to the registry. Registering the
// same identifier twice is an error.
func (r *Registry) Register(graph *Graph) error {
	if err := graph.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.graphs[graph.ID()]; exists {
		return fmt.Errorf("graph %s is already registered", graph.ID())
	}

	r.graphs[graph.ID()] = graph

	return nil
}

// Get returns the graph for the identifier.
func (r *Registry) Get(id string) (*Graph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graph, ok := r.graphs[id]

	return graph, ok
}

// Authorized reports whether the identifier names a registered graph.
func (r *Registry) Authorized(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.graphs[id]

	return ok
}

// IDs returns the registered graph identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}

	return ids
}
