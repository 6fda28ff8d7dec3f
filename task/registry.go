package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// registration pairs a type-erased handler with its declared options.
type registration struct {
	handler HandlerFunc
	opts    Options
}

// Registry maps task names to type-erased handlers and their retry
// policies. Registration happens once at startup; resolution is
// read-only and safe for concurrent lookups.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]registration
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]registration),
	}
}

// RegisterDefinition registers a typed task definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the input into T
// and marshals the R output back, so the engine only ever moves raw
// bytes through the context.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T, R any](r *Registry, def *Definition[T, R]) {
	handler := func(ctx context.Context, input []byte) ([]byte, error) {
		var t T
		if len(input) > 0 {
			if err := json.Unmarshal(input, &t); err != nil {
				return nil, Terminal(fmt.Errorf("unmarshal input for task %q: %w", def.Name, err))
			}
		}

		out, err := def.Handler(ctx, t)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(out)
		if err != nil {
			return nil, Terminal(fmt.Errorf("marshal output for task %q: %w", def.Name, err))
		}
		return data, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[def.Name] = registration{handler: handler, opts: def.Opts}
}

// RegisterFunc registers a raw handler with the given options. Used for
// tasks that already speak JSON (e.g. pass-through integrations).
func (r *Registry) RegisterFunc(name string, handler HandlerFunc, opts ...Option) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = registration{handler: handler, opts: o}
}

// Resolve returns the handler and options for the given task name.
// Fails with ErrUnknownTask if absent.
func (r *Registry) Resolve(name string) (HandlerFunc, Options, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.tasks[name]
	if !ok {
		return nil, Options{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return reg.handler, reg.opts, nil
}

// Has reports whether a task is registered under the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[name]
	return ok
}

// Names returns all registered task names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}
