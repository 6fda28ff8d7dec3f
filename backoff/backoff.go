// Package backoff provides pluggable retry delay strategies for step execution.
// All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential grows the delay geometrically with the attempt number.
// Delay = min(Base * Multiplier^(attempt-1), Max).
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// NewExponential creates an exponential backoff strategy.
// A multiplier <= 1 degenerates to a constant Base delay.
func NewExponential(base time.Duration, multiplier float64, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Multiplier: multiplier, Max: maxDelay}
}

// Delay returns Base * Multiplier^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	mult := e.Multiplier
	if mult <= 1 {
		mult = 1
	}

	d := time.Duration(float64(e.Base) * math.Pow(mult, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Base * Multiplier^(attempt-1), Max)].
// This prevents thundering herd when many retries happen simultaneously.
type ExponentialWithJitter struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(base time.Duration, multiplier float64, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Multiplier: multiplier, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Base * Multiplier^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	mult := e.Multiplier
	if mult <= 1 {
		mult = 1
	}

	base := float64(e.Base) * math.Pow(mult, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default backoff used by the step executor:
// Exponential with 1s base, doubling, capped at 1m.
func DefaultStrategy() Strategy {
	return NewExponential(1*time.Second, 2, 1*time.Minute)
}
