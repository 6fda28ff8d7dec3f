package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/task"
)

func newTestInvocation() *task.Invocation {
	return &task.Invocation{
		ExecutionID: id.NewExecutionID(),
		StepID:      "compose",
		Task:        "compose-report",
		Attempt:     1,
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *task.Invocation, next middleware.Handler) ([]byte, error) {
		order = append(order, "mw1-before")
		out, err := next(ctx)
		order = append(order, "mw1-after")
		return out, err
	}

	mw2 := func(ctx context.Context, _ *task.Invocation, next middleware.Handler) ([]byte, error) {
		order = append(order, "mw2-before")
		out, err := next(ctx)
		order = append(order, "mw2-after")
		return out, err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) ([]byte, error) {
		order = append(order, "handler")
		return []byte(`"done"`), nil
	}

	out, err := chain(context.Background(), newTestInvocation(), handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `"done"` {
		t.Errorf("output = %q, want %q", out, `"done"`)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) ([]byte, error) {
		called = true
		return nil, nil
	}

	if _, err := chain(context.Background(), newTestInvocation(), handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ *task.Invocation, next middleware.Handler) ([]byte, error) {
		return next(ctx)
	}
	chain := middleware.Chain(mw)
	want := errors.New("handler error")

	_, err := chain(context.Background(), newTestInvocation(), func(_ context.Context) ([]byte, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(slog.Default())
	inv := newTestInvocation()

	out, err := mw(context.Background(), inv, func(_ context.Context) ([]byte, error) {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if out != nil {
		t.Errorf("expected nil output after panic, got %q", out)
	}
	if got := task.KindOf(err); got != task.KindTerminal {
		t.Errorf("panic classified as %q, want terminal", got)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	mw := middleware.Recover(slog.Default())

	called := false
	_, err := mw(context.Background(), newTestInvocation(), func(_ context.Context) ([]byte, error) {
		called = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Success(t *testing.T) {
	mw := middleware.Logging(slog.Default())

	called := false
	_, err := mw(context.Background(), newTestInvocation(), func(_ context.Context) ([]byte, error) {
		called = true
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Error(t *testing.T) {
	mw := middleware.Logging(slog.Default())
	want := errors.New("fail")

	_, err := mw(context.Background(), newTestInvocation(), func(_ context.Context) ([]byte, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTimeout_ExpiresContext(t *testing.T) {
	mw := middleware.Timeout()
	inv := newTestInvocation()
	inv.Timeout = 10 * time.Millisecond

	_, err := mw(context.Background(), inv, func(ctx context.Context) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if got := task.KindOf(err); got != task.KindTimeout {
		t.Errorf("deadline expiry classified as %q, want timeout", got)
	}
}

func TestTimeout_ZeroIsUnbounded(t *testing.T) {
	mw := middleware.Timeout()
	inv := newTestInvocation()

	_, err := mw(context.Background(), inv, func(ctx context.Context) ([]byte, error) {
		if _, ok := ctx.Deadline(); ok {
			t.Error("expected no deadline for zero timeout")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
