package task

import "context"

// Definition is a typed task definition with a handler function.
// T is the input type and R the output type (both must be
// JSON-serializable, since inputs and outputs live in the execution
// context).
type Definition[T, R any] struct {
	// Name is the unique identifier for this task type.
	Name string

	// Handler is the function that executes the task.
	Handler func(ctx context.Context, input T) (R, error)

	// Opts configures retry policy and per-attempt timeout.
	Opts Options
}

// NewDefinition creates a typed task definition.
func NewDefinition[T, R any](name string, handler func(ctx context.Context, input T) (R, error), opts ...Option) *Definition[T, R] {
	def := &Definition[T, R]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
