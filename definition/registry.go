package definition

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by Get when no definition is registered
// under the requested id.
var ErrNotFound = errors.New("definition: not found")

// Registry holds validated workflow definitions. Definitions are loaded
// once at startup and read-only thereafter; lookups are safe for
// concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates and stores a definition. Re-registering an id
// replaces the previous definition.
func (r *Registry) Register(def *Definition, tasks TaskSet) error {
	if err := Validate(def, tasks); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// Load parses, validates, and registers a JSON definition document.
func (r *Registry) Load(data []byte, tasks TaskSet) (*Definition, error) {
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := r.Register(def, tasks); err != nil {
		return nil, err
	}
	return def, nil
}

// Get returns the definition registered under the given id.
func (r *Registry) Get(workflowID string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, workflowID)
	}
	return def, nil
}

// IDs returns all registered definition ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	return ids
}
