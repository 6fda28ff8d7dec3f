package definition

import (
	"errors"
	"fmt"
)

// ErrInvalidDefinition is returned by Validate for any structural error,
// wrapped with the offending step id. Configuration error: fatal at
// load time, never seen mid-execution.
var ErrInvalidDefinition = errors.New("definition: invalid workflow definition")

// TaskSet is the slice of the task registry validation needs: existence
// checks only. Satisfied by *task.Registry.
type TaskSet interface {
	Has(name string) bool
}

// Validate checks the definition's structural invariants: a non-empty
// entry sequence, globally unique step ids, per-kind field requirements,
// and (when tasks is non-nil) that every referenced task is registered.
// Walking the step tree is also the reachability proof: every node
// hangs off the entry sequence.
func Validate(def *Definition, tasks TaskSet) error {
	if def.ID == "" {
		return fmt.Errorf("%w: missing definition id", ErrInvalidDefinition)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %q has no steps", ErrInvalidDefinition, def.ID)
	}

	seen := make(map[string]bool)
	return validateSequence(def.Steps, seen, tasks, false)
}

// validateSequence walks one sequence; inBranch marks descent into a
// parallel branch, where wait steps are not allowed (the engine cannot
// suspend half a join).
func validateSequence(steps []Step, seen map[string]bool, tasks TaskSet, inBranch bool) error {
	for i := range steps {
		st := &steps[i]

		if st.ID == "" {
			return fmt.Errorf("%w: step with empty id", ErrInvalidDefinition)
		}
		if seen[st.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidDefinition, st.ID)
		}
		seen[st.ID] = true

		switch st.Kind {
		case KindTask:
			if st.Task == "" {
				return fmt.Errorf("%w: step %q: task name required", ErrInvalidDefinition, st.ID)
			}
			if st.OutputKey == "" {
				return fmt.Errorf("%w: step %q: output key required", ErrInvalidDefinition, st.ID)
			}
			if tasks != nil && !tasks.Has(st.Task) {
				return fmt.Errorf("%w: step %q: task %q not registered", ErrInvalidDefinition, st.ID, st.Task)
			}

		case KindParallel:
			if len(st.Branches) == 0 {
				return fmt.Errorf("%w: step %q: parallel requires at least one branch", ErrInvalidDefinition, st.ID)
			}
			for bi, branch := range st.Branches {
				if len(branch) == 0 {
					return fmt.Errorf("%w: step %q: branch %d is empty", ErrInvalidDefinition, st.ID, bi)
				}
				if err := validateSequence(branch, seen, tasks, true); err != nil {
					return err
				}
			}

		case KindChoice:
			if st.When == nil {
				return fmt.Errorf("%w: step %q: choice requires a condition", ErrInvalidDefinition, st.ID)
			}
			if !validOperator(st.When.Operator) {
				return fmt.Errorf("%w: step %q: unknown operator %q", ErrInvalidDefinition, st.ID, st.When.Operator)
			}
			if st.When.Variable == "" {
				return fmt.Errorf("%w: step %q: condition variable required", ErrInvalidDefinition, st.ID)
			}
			if len(st.Then) == 0 {
				return fmt.Errorf("%w: step %q: choice requires a then branch", ErrInvalidDefinition, st.ID)
			}
			if err := validateSequence(st.Then, seen, tasks, inBranch); err != nil {
				return err
			}
			if err := validateSequence(st.Else, seen, tasks, inBranch); err != nil {
				return err
			}

		case KindWait:
			if inBranch {
				return fmt.Errorf("%w: step %q: wait not allowed inside a parallel branch", ErrInvalidDefinition, st.ID)
			}
			if st.Trigger == "" {
				return fmt.Errorf("%w: step %q: trigger kind required", ErrInvalidDefinition, st.ID)
			}
			if (st.CorrelationKey == "") == (st.CorrelationFrom == "") {
				return fmt.Errorf("%w: step %q: exactly one of correlation_key or correlation_from required", ErrInvalidDefinition, st.ID)
			}
			if st.Timeout <= 0 {
				return fmt.Errorf("%w: step %q: wait timeout required", ErrInvalidDefinition, st.ID)
			}

		default:
			return fmt.Errorf("%w: step %q: unknown kind %q", ErrInvalidDefinition, st.ID, st.Kind)
		}
	}
	return nil
}
