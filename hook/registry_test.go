package hook_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/hook"
)

// recordingHook implements every lifecycle interface and records the
// events it receives.
type recordingHook struct {
	name   string
	events []string
}

func (h *recordingHook) Name() string { return h.name }

func (h *recordingHook) OnExecutionStarted(_ context.Context, _ *execution.Execution) error {
	h.events = append(h.events, "started")
	return nil
}

func (h *recordingHook) OnExecutionSucceeded(_ context.Context, _ *execution.Execution, _ time.Duration) error {
	h.events = append(h.events, "succeeded")
	return nil
}

func (h *recordingHook) OnExecutionFailed(_ context.Context, _ *execution.Execution, _ error) error {
	h.events = append(h.events, "failed")
	return nil
}

func (h *recordingHook) OnExecutionSuspended(_ context.Context, _ *execution.Execution) error {
	h.events = append(h.events, "suspended")
	return nil
}

func (h *recordingHook) OnExecutionResumed(_ context.Context, _ *execution.Execution) error {
	h.events = append(h.events, "resumed")
	return nil
}

func (h *recordingHook) OnExecutionTimedOut(_ context.Context, _ *execution.Execution) error {
	h.events = append(h.events, "timed_out")
	return nil
}

func (h *recordingHook) OnStepCompleted(_ context.Context, _ *execution.Execution, stepID string, _ time.Duration) error {
	h.events = append(h.events, "step:"+stepID)
	return nil
}

func (h *recordingHook) OnStepFailed(_ context.Context, _ *execution.Execution, stepID string, _ error) error {
	h.events = append(h.events, "step_failed:"+stepID)
	return nil
}

func (h *recordingHook) OnTriggerIgnored(_ context.Context, kind, _, _ string) error {
	h.events = append(h.events, "ignored:"+kind)
	return nil
}

// startedOnlyHook implements only ExecutionStarted.
type startedOnlyHook struct {
	calls int
}

func (h *startedOnlyHook) Name() string { return "started-only" }

func (h *startedOnlyHook) OnExecutionStarted(_ context.Context, _ *execution.Execution) error {
	h.calls++
	return nil
}

func TestRegistry_EmitsToImplementingHooks(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	rec := &recordingHook{name: "recorder"}
	r.Register(rec)

	ctx := context.Background()
	ex := execution.New("incident-report", nil, "")

	r.EmitExecutionStarted(ctx, ex)
	r.EmitStepCompleted(ctx, ex, "compose", time.Millisecond)
	r.EmitStepFailed(ctx, ex, "upload", errors.New("denied"))
	r.EmitExecutionSuspended(ctx, ex)
	r.EmitExecutionResumed(ctx, ex)
	r.EmitExecutionTimedOut(ctx, ex)
	r.EmitExecutionSucceeded(ctx, ex, time.Second)
	r.EmitExecutionFailed(ctx, ex, errors.New("boom"))
	r.EmitTriggerIgnored(ctx, "webhook", "key-1", "no match")

	want := []string{
		"started", "step:compose", "step_failed:upload", "suspended",
		"resumed", "timed_out", "succeeded", "failed", "ignored:webhook",
	}
	if len(rec.events) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(rec.events), rec.events, len(want))
	}
	for i, w := range want {
		if rec.events[i] != w {
			t.Errorf("events[%d] = %q, want %q", i, rec.events[i], w)
		}
	}
}

func TestRegistry_SkipsNonImplementingHooks(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	h := &startedOnlyHook{}
	r.Register(h)

	ctx := context.Background()
	ex := execution.New("wf", nil, "")

	// Events the hook does not implement must be no-ops, not panics.
	r.EmitExecutionSucceeded(ctx, ex, time.Second)
	r.EmitStepCompleted(ctx, ex, "s", time.Millisecond)
	r.EmitExecutionStarted(ctx, ex)

	if h.calls != 1 {
		t.Errorf("OnExecutionStarted called %d times, want 1", h.calls)
	}
}

// failingHook returns errors from every event it implements.
type failingHook struct{}

func (failingHook) Name() string { return "failing" }

func (failingHook) OnExecutionStarted(_ context.Context, _ *execution.Execution) error {
	return errors.New("hook exploded")
}

// panickyHook panics on ExecutionStarted.
type panickyHook struct{}

func (panickyHook) Name() string { return "panicky" }

func (panickyHook) OnExecutionStarted(_ context.Context, _ *execution.Execution) error {
	panic("hook panic")
}

func TestRegistry_IsolatesMisbehavingHooks(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	r.Register(failingHook{})
	r.Register(panickyHook{})
	well := &startedOnlyHook{}
	r.Register(well)

	// Neither the error nor the panic may stop the emit chain.
	r.EmitExecutionStarted(context.Background(), execution.New("wf", nil, ""))

	if well.calls != 1 {
		t.Errorf("well-behaved hook called %d times, want 1", well.calls)
	}
}

func TestRegistry_Hooks(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	r.Register(&recordingHook{name: "a"})
	r.Register(&startedOnlyHook{})

	if got := len(r.Hooks()); got != 2 {
		t.Errorf("len(Hooks) = %d, want 2", got)
	}
}
