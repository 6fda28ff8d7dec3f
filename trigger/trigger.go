// Package trigger is the single entry point for external events: timer
// firings, webhook deliveries, and storage events all arrive here as
// triggers and are matched against waiting executions and workflow
// start rules. Delivery is at-least-once and unordered; matching is
// written so duplicates and strays are absorbed, never propagated back
// to the event source.
package trigger

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/loomworks/loom/id"
)

// Kind classifies the source of a trigger.
type Kind string

const (
	// KindTimer is a scheduled firing.
	KindTimer Kind = "timer"
	// KindWebhook is an inbound HTTP callback delivery.
	KindWebhook Kind = "webhook"
	// KindStorageEvent is an object-storage notification, used to chain
	// workflows off uploads produced by other executions.
	KindStorageEvent Kind = "storage-event"
)

// Trigger is one normalized external event.
type Trigger struct {
	Kind Kind `json:"kind"`

	// CorrelationKey links the trigger to a waiting execution or a
	// start rule. Timer firings suffix their key with the firing time
	// so every firing is a distinct event.
	CorrelationKey string `json:"correlation_key"`

	// Payload is the event body, merged into the execution context of
	// whatever the trigger wakes or starts.
	Payload json.RawMessage `json:"payload,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// Outcome says what the gateway did with a trigger.
type Outcome string

const (
	// OutcomeResumed means the trigger woke a waiting execution.
	OutcomeResumed Outcome = "resumed"
	// OutcomeStarted means the trigger matched a start rule and a new
	// execution was submitted.
	OutcomeStarted Outcome = "started"
	// OutcomeIgnored means nothing matched. Not an error: stray and
	// duplicate deliveries land here.
	OutcomeIgnored Outcome = "ignored"
)

// Result reports the dispatch outcome.
type Result struct {
	Outcome Outcome

	// ExecutionID is set for resumed and started triggers. A
	// redelivered start resolves to the execution the first delivery
	// created.
	ExecutionID id.ExecutionID

	// WorkflowID is set for started triggers.
	WorkflowID string

	// Reason explains ignored triggers.
	Reason string
}

// StartRule binds a trigger pattern to a workflow: a trigger of the
// given kind whose correlation key starts with KeyPrefix starts a new
// execution of the workflow.
type StartRule struct {
	WorkflowID string
	Kind       Kind
	KeyPrefix  string
}

// Matches reports whether the trigger satisfies the rule.
func (r StartRule) Matches(trg Trigger) bool {
	return r.Kind == trg.Kind && strings.HasPrefix(trg.CorrelationKey, r.KeyPrefix)
}
