// Package definition defines the declarative workflow graph: an
// immutable tree of step specs (task, parallel, choice, wait) loaded
// once at process start and interpreted by the engine. Definitions are
// plain JSON documents; validation fails fast at load time so no
// structural error can surface mid-execution.
package definition

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/task"
)

// Kind discriminates the step spec variants.
type Kind string

const (
	// KindTask invokes a registered task with a mapped input subset.
	KindTask Kind = "task"
	// KindParallel runs branches concurrently and joins on completion.
	KindParallel Kind = "parallel"
	// KindChoice evaluates a condition and follows one branch.
	KindChoice Kind = "choice"
	// KindWait suspends the execution until a matching trigger arrives
	// or the timeout expires.
	KindWait Kind = "wait"
)

// Definition is an immutable workflow definition: an id and an ordered
// sequence of steps forming the entry path of the graph. Nested
// branches hang off parallel and choice steps, so every node is
// reachable from the first step by construction.
type Definition struct {
	ID    string `json:"id"`
	Steps []Step `json:"steps"`
}

// Step is one node in a workflow graph. Exactly one variant's fields
// are set, per Kind.
type Step struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// Task variant.

	// Task names the registered task to invoke.
	Task string `json:"task,omitempty"`
	// Input maps task parameter names to context variables. Empty means
	// the task receives the full context snapshot.
	Input map[string]string `json:"input,omitempty"`
	// OutputKey is the context variable the task output is merged under.
	OutputKey string `json:"output,omitempty"`
	// Retry overrides the task's registered retry policy for this node.
	Retry *task.RetryPolicy `json:"retry,omitempty"`

	// Parallel variant.

	// Branches are independent sequences run concurrently.
	Branches [][]Step `json:"branches,omitempty"`

	// Choice variant.

	// When is the branching condition, evaluated against the context
	// with no side effects.
	When *Condition `json:"when,omitempty"`
	Then []Step     `json:"then,omitempty"`
	Else []Step     `json:"else,omitempty"`

	// Wait variant.

	// Trigger is the trigger kind expected to resume the wait.
	Trigger string `json:"trigger,omitempty"`
	// CorrelationKey is the literal key a resuming trigger must carry.
	CorrelationKey string `json:"correlation_key,omitempty"`
	// CorrelationFrom reads the correlation key from a context variable
	// instead of a literal. Exactly one of the two must be set.
	CorrelationFrom string `json:"correlation_from,omitempty"`
	// Timeout bounds the wait; expiry times the execution out.
	Timeout Duration `json:"timeout,omitempty"`
}

// Duration is a time.Duration that marshals as a human-readable string
// ("90s", "5m") in definition documents, while still accepting bare
// nanosecond numbers.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a nanosecond number.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("definition: parse duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	default:
		return fmt.Errorf("definition: invalid duration value %v", v)
	}
}

// Parse decodes a definition document. The result is not yet validated;
// call Validate (or register through a Registry, which validates).
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("definition: parse document: %w", err)
	}
	return &def, nil
}
