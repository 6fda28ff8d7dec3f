package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/store/memory"
	"github.com/loomworks/loom/task"
	"github.com/loomworks/loom/worker"
)

// fastRetry keeps test backoff delays negligible.
var fastRetry = task.RetryPolicy{
	MaxAttempts:       3,
	BackoffBase:       time.Millisecond,
	BackoffMultiplier: 1,
	RetryableKinds:    []string{task.KindTransient, task.KindTimeout},
}

func setupExecutor(t *testing.T) (*worker.Executor, *memory.Store, *task.Registry) {
	t.Helper()
	logger := slog.Default()
	s := memory.New()
	reg := task.NewRegistry()
	ex := worker.NewExecutor(reg, s, logger, middleware.Recover(logger))
	return ex, s, reg
}

func newRunningExecution(t *testing.T, s *memory.Store) *execution.Execution {
	t.Helper()
	ex := execution.New("incident-report", map[string]any{"incident_id": "inc-42"}, "")
	if err := s.Create(context.Background(), ex); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return ex
}

func taskStep(id, name string) definition.Step {
	return definition.Step{
		ID:        id,
		Kind:      definition.KindTask,
		Task:      name,
		OutputKey: "out",
		Retry:     &fastRetry,
	}
}

func TestExecutor_SuccessFirstAttempt(t *testing.T) {
	e, s, reg := setupExecutor(t)
	ex := newRunningExecution(t, s)

	reg.RegisterFunc("echo", func(_ context.Context, input []byte) ([]byte, error) {
		return input, nil
	})

	out, err := e.Run(context.Background(), ex, taskStep("echo-step", "echo"), json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `{"v":1}` {
		t.Errorf("output = %s, want {\"v\":1}", out)
	}

	if len(ex.History) != 1 {
		t.Fatalf("len(History) = %d, want 1", len(ex.History))
	}
	rec := ex.History[0]
	if rec.StepID != "echo-step" || rec.Attempt != 1 || rec.Error != "" {
		t.Errorf("record = %+v, want successful attempt 1", rec)
	}
	if string(rec.Output) != `{"v":1}` {
		t.Errorf("record output = %s", rec.Output)
	}

	// Record must be durable, not just in the local copy.
	stored, err := s.Load(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(stored.History) != 1 {
		t.Errorf("stored history length = %d, want 1", len(stored.History))
	}
	if stored.Version != ex.Version {
		t.Errorf("local version %d diverged from stored %d", ex.Version, stored.Version)
	}
}

func TestExecutor_RetriesTransientThenSucceeds(t *testing.T) {
	e, s, reg := setupExecutor(t)
	ex := newRunningExecution(t, s)

	calls := 0
	reg.RegisterFunc("flaky", func(_ context.Context, _ []byte) ([]byte, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return []byte(`"ok"`), nil
	})

	out, err := e.Run(context.Background(), ex, taskStep("flaky-step", "flaky"), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `"ok"` {
		t.Errorf("output = %s, want \"ok\"", out)
	}
	if calls != 3 {
		t.Errorf("handler called %d times, want 3", calls)
	}

	// Every attempt leaves a record, failed ones included.
	if got := ex.Attempts("flaky-step"); got != 3 {
		t.Errorf("Attempts = %d, want 3", got)
	}
	for i, rec := range ex.History {
		if rec.Attempt != i+1 {
			t.Errorf("History[%d].Attempt = %d, want %d", i, rec.Attempt, i+1)
		}
	}
	if ex.History[0].Error == "" || ex.History[2].Error != "" {
		t.Error("expected first record failed, last record succeeded")
	}
}

func TestExecutor_TerminalFailureDoesNotRetry(t *testing.T) {
	e, s, reg := setupExecutor(t)
	ex := newRunningExecution(t, s)

	calls := 0
	reg.RegisterFunc("reject", func(_ context.Context, _ []byte) ([]byte, error) {
		calls++
		return nil, task.Terminal(errors.New("bad request"))
	})

	_, err := e.Run(context.Background(), ex, taskStep("reject-step", "reject"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if got := task.KindOf(err); got != task.KindTerminal {
		t.Errorf("error kind = %q, want terminal", got)
	}
}

func TestExecutor_ExhaustsRetryBudget(t *testing.T) {
	e, s, reg := setupExecutor(t)
	ex := newRunningExecution(t, s)

	reg.RegisterFunc("always-fails", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("upstream unavailable")
	})

	_, err := e.Run(context.Background(), ex, taskStep("doomed", "always-fails"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "retries exhausted") {
		t.Errorf("error = %v, want retries exhausted", err)
	}
	if got := ex.Attempts("doomed"); got != fastRetry.MaxAttempts {
		t.Errorf("Attempts = %d, want %d", got, fastRetry.MaxAttempts)
	}
}

func TestExecutor_ResumesAttemptCountFromHistory(t *testing.T) {
	e, s, reg := setupExecutor(t)
	ex := newRunningExecution(t, s)

	// A crash left one failed attempt behind.
	rec := execution.StepRecord{
		ID:        id.NewStepRecordID(),
		StepID:    "resumed",
		Attempt:   1,
		Error:     "interrupted",
		StartedAt: time.Now().UTC(),
		EndedAt:   time.Now().UTC(),
	}
	if err := s.AppendStepRecord(context.Background(), ex.ID, rec, ex.Version); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	ex, err := s.Load(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	var seen []int
	reg.RegisterFunc("track", func(_ context.Context, _ []byte) ([]byte, error) {
		seen = append(seen, 0)
		return []byte(`true`), nil
	})

	if _, err := e.Run(context.Background(), ex, taskStep("resumed", "track"), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("handler called %d times, want 1", len(seen))
	}
	last := ex.LastRecord("resumed")
	if last == nil || last.Attempt != 2 {
		t.Errorf("resumed attempt = %+v, want attempt 2", last)
	}
}

func TestExecutor_ExhaustedHistorySurfacesRecordedError(t *testing.T) {
	e, s, reg := setupExecutor(t)
	ex := newRunningExecution(t, s)

	// A crash after the final failed append left the whole retry budget
	// spent in history.
	for attempt := 1; attempt <= fastRetry.MaxAttempts; attempt++ {
		rec := execution.StepRecord{
			ID:        id.NewStepRecordID(),
			StepID:    "spent",
			Attempt:   attempt,
			Error:     "connection reset",
			StartedAt: time.Now().UTC(),
			EndedAt:   time.Now().UTC(),
		}
		if err := s.AppendStepRecord(context.Background(), ex.ID, rec, ex.Version+attempt-1); err != nil {
			t.Fatalf("seed record %d: %v", attempt, err)
		}
	}
	ex, err := s.Load(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	var calls int
	reg.RegisterFunc("flaky", func(_ context.Context, _ []byte) ([]byte, error) {
		calls++
		return []byte(`true`), nil
	})

	_, err = e.Run(context.Background(), ex, taskStep("spent", "flaky"), nil)
	if err == nil {
		t.Fatal("expected exhausted-budget error")
	}
	if calls != 0 {
		t.Errorf("handler called %d times, want 0", calls)
	}
	if !strings.Contains(err.Error(), "retries exhausted") {
		t.Errorf("error = %v, want exhausted classification", err)
	}
	// The failure reason comes from the last persisted attempt.
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error = %v, want recorded attempt error", err)
	}
}

func TestExecutor_ReloadsOnConcurrentModification(t *testing.T) {
	e, s, reg := setupExecutor(t)
	ex := newRunningExecution(t, s)

	// Simulate a sibling branch advancing the version behind our back.
	sibling := execution.StepRecord{
		ID:        id.NewStepRecordID(),
		StepID:    "sibling",
		Attempt:   1,
		Output:    json.RawMessage(`1`),
		StartedAt: time.Now().UTC(),
		EndedAt:   time.Now().UTC(),
	}
	if err := s.AppendStepRecord(context.Background(), ex.ID, sibling, ex.Version); err != nil {
		t.Fatalf("sibling record: %v", err)
	}
	// ex.Version is now stale.

	reg.RegisterFunc("echo", func(_ context.Context, input []byte) ([]byte, error) {
		return input, nil
	})

	if _, err := e.Run(context.Background(), ex, taskStep("ours", "echo"), json.RawMessage(`2`)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stored, err := s.Load(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(stored.History) != 2 {
		t.Errorf("stored history length = %d, want 2", len(stored.History))
	}
}

func TestExecutor_UnknownTask(t *testing.T) {
	e, s, _ := setupExecutor(t)
	ex := newRunningExecution(t, s)

	_, err := e.Run(context.Background(), ex, taskStep("ghost-step", "ghost"), nil)
	if !errors.Is(err, task.ErrUnknownTask) {
		t.Fatalf("error = %v, want ErrUnknownTask", err)
	}
}

func TestExecutor_PanicIsTerminal(t *testing.T) {
	e, s, reg := setupExecutor(t)
	ex := newRunningExecution(t, s)

	calls := 0
	reg.RegisterFunc("panicky", func(_ context.Context, _ []byte) ([]byte, error) {
		calls++
		panic("boom")
	})

	_, err := e.Run(context.Background(), ex, taskStep("panic-step", "panicky"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want 1 (panics must not retry)", calls)
	}
	if got := task.KindOf(err); got != task.KindTerminal {
		t.Errorf("error kind = %q, want terminal", got)
	}
}
