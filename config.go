package loom

import "time"

// Config holds configuration for the Orchestrator.
type Config struct {
	// Concurrency is the maximum number of executions advanced
	// concurrently by the worker pool.
	Concurrency int

	// QueueDepth is the capacity of the pool's work queue.
	QueueDepth int

	// SweepInterval is how often waiting executions are checked for
	// expired deadlines.
	SweepInterval time.Duration

	// TimerTick is how often the timer source checks for due schedules.
	TimerTick time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		QueueDepth:      64,
		SweepInterval:   1 * time.Second,
		TimerTick:       1 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}
