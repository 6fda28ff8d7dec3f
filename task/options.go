package task

import "time"

// Options configures a registered task.
type Options struct {
	// Retry is the task's declared retry policy.
	Retry RetryPolicy

	// Timeout bounds each attempt. Zero means no per-attempt deadline.
	// Expiry is classified as KindTimeout, which is retryable under the
	// default policy.
	Timeout time.Duration
}

// Option mutates task Options.
type Option func(*Options)

// DefaultOptions returns Options with the default retry policy and no
// per-attempt timeout.
func DefaultOptions() Options {
	return Options{Retry: DefaultRetryPolicy()}
}

// WithRetryPolicy replaces the task's retry policy wholesale.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Options) { o.Retry = p }
}

// WithMaxAttempts sets the total attempt budget, including the first.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.Retry.MaxAttempts = n }
}

// WithBackoff sets the base delay and multiplier for retry backoff.
func WithBackoff(base time.Duration, multiplier float64) Option {
	return func(o *Options) {
		o.Retry.BackoffBase = base
		o.Retry.BackoffMultiplier = multiplier
	}
}

// WithMaxDelay caps the computed backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(o *Options) { o.Retry.MaxDelay = d }
}

// WithRetryableKinds replaces the set of error kinds worth retrying.
func WithRetryableKinds(kinds ...string) Option {
	return func(o *Options) { o.Retry.RetryableKinds = kinds }
}

// WithTimeout sets the per-attempt execution deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}
