package loom

import "errors"

var (
	// ErrNoStore is returned by New when no store is configured.
	ErrNoStore = errors.New("loom: no store configured")

	// ErrAlreadyStarted is returned by Start when the orchestrator is
	// already running.
	ErrAlreadyStarted = errors.New("loom: already started")

	// ErrNotStarted is returned by operations that need a running
	// orchestrator.
	ErrNotStarted = errors.New("loom: not started")
)
