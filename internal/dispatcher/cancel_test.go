package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/storage"
	"github.com/spine-run/spine/internal/storage/memory"
)

func TestInlineExecutorFailsOnHardTimeout(t *testing.T) {
	store := memory.New()
	ledger := NewStoreLedger(store)
	e, err := store.CreateExecution(context.Background(), execution.Execution{
		ID: "e1", PipelineName: "p", Status: execution.StatusPending, TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	exec := NewInlineExecutor(ledger, nil)
	err = exec.Submit(context.Background(), e, func(ctx context.Context, _ execution.Execution) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	if err == nil {
		t.Fatal("expected the timed-out run to surface an error")
	}

	final, err := store.GetExecution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != execution.StatusFailed {
		t.Fatalf("expected failed status after timeout, got %s", final.Status)
	}
	if final.ErrorKind != "TRANSIENT" {
		t.Fatalf("expected a retryable timeout kind, got %q", final.ErrorKind)
	}
}

func TestCancelSignalsInFlightRun(t *testing.T) {
	store := memory.New()
	ledger := NewStoreLedger(store)
	cancels := NewCancellations()

	e, err := store.CreateExecution(context.Background(), execution.Execution{
		ID: "e1", PipelineName: "p", Status: execution.StatusPending,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pool := NewPooledExecutor(ledger, 1, 0, nil)
	pool.AttachCancellations(cancels)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = pool.Stop(context.Background()) }()

	started := make(chan struct{})
	if err := pool.Submit(context.Background(), e, func(ctx context.Context, _ execution.Execution) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	// the dispatcher's cancel path: transition first, then signal the token
	running, err := store.GetExecution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := store.TransitionExecution(context.Background(), "e1", running.Status, execution.StatusCancelled, storage.TransitionOptions{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !cancels.Signal("e1") {
		t.Fatal("expected a registered token for the in-flight run")
	}

	deadline := time.After(2 * time.Second)
	for {
		final, err := store.GetExecution(context.Background(), "e1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if final.Status == execution.StatusCancelled {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected execution to stay cancelled, got %s", final.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSignalReportsUnknownExecution(t *testing.T) {
	cancels := NewCancellations()
	if cancels.Signal("nope") {
		t.Fatal("expected Signal on an unknown execution to report false")
	}
}
