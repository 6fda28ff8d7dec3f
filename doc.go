// Package loom is a durable workflow orchestration engine for Go. It
// runs declarative workflow definitions — sequences, parallel branches,
// conditional choices, and waits for external triggers — over a
// versioned execution store, surviving process crashes by replaying
// persisted step records.
//
// Loom is designed as a library, not a service. Import it, configure a
// store, register task handlers, load workflow definitions, and feed it
// triggers.
//
// # Quick Start
//
//	o, err := loom.New(
//	    loom.WithStore(memory.New()),
//	    loom.WithConcurrency(20),
//	)
//	o.Tasks().RegisterFunc("compose-report", composeReport)
//	o.LoadWorkflow(definitionJSON)
//	o.Start(ctx)
//	defer o.Stop(ctx)
//
//	ex, err := o.StartWorkflow(ctx, "incident-report", initial, "")
//
// # Architecture
//
// Each subsystem lives in its own package: task (handler registry),
// definition (workflow documents), execution (persistent state and the
// store interface), worker (step executor and pool), engine (the
// orchestration loop), trigger (timer, webhook, and storage-event
// entry points), and hook (lifecycle observers). The Orchestrator in
// this package wires them together.
//
// All execution IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package loom
