package definition

import (
	"fmt"
	"reflect"
)

// Operators accepted by Condition.
const (
	OpEqual        = "eq"
	OpNotEqual     = "ne"
	OpGreater      = "gt"
	OpGreaterEqual = "gte"
	OpLess         = "lt"
	OpLessEqual    = "lte"
	OpExists       = "exists"
)

// Condition is a side-effect-free predicate over the execution context,
// used by choice steps.
type Condition struct {
	// Variable is the context key the condition reads.
	Variable string `json:"variable"`
	// Operator is one of the Op* constants.
	Operator string `json:"operator"`
	// Value is the comparison operand. Unused for OpExists.
	Value any `json:"value,omitempty"`
}

// validOperator reports whether op is a known operator.
func validOperator(op string) bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpExists:
		return true
	default:
		return false
	}
}

// Evaluate applies the condition to the given context snapshot.
// A missing variable satisfies nothing except OpNotEqual.
func (c *Condition) Evaluate(ctx map[string]any) (bool, error) {
	val, present := ctx[c.Variable]

	switch c.Operator {
	case OpExists:
		return present, nil
	case OpEqual:
		return present && looselyEqual(val, c.Value), nil
	case OpNotEqual:
		return !present || !looselyEqual(val, c.Value), nil
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		if !present {
			return false, nil
		}
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("definition: condition on %q: non-numeric comparison (%T vs %T)", c.Variable, val, c.Value)
		}
		switch c.Operator {
		case OpGreater:
			return a > b, nil
		case OpGreaterEqual:
			return a >= b, nil
		case OpLess:
			return a < b, nil
		default:
			return a <= b, nil
		}
	default:
		return false, fmt.Errorf("definition: unknown operator %q", c.Operator)
	}
}

// looselyEqual compares values with numeric coercion, since context
// values round-trip through JSON and arrive as float64 regardless of
// their original Go type.
func looselyEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
