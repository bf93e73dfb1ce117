package ledger

import (
	"context"
	"testing"

	service "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/spineerr"
	"github.com/spine-run/spine/internal/storage/memory"
)

func TestMarkFailedRetriesTransientErrors(t *testing.T) {
	store := memory.New()
	var retried execution.Execution
	svc := New(store, service.DefaultRetryPolicy, nil, WithOnRetry(func(_ context.Context, e execution.Execution) error {
		retried = e
		return nil
	}))

	e, err := store.CreateExecution(context.Background(), execution.Execution{
		ID: "e1", PipelineName: "p", Status: execution.StatusPending, MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkRunning(context.Background(), e.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := svc.MarkFailed(context.Background(), e.ID, string(spineerr.Transient), "connection reset"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	failed, err := store.GetExecution(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if failed.Status != execution.StatusFailed {
		t.Fatalf("expected failed status, got %s", failed.Status)
	}
	if retried.ID == "" {
		t.Fatal("expected onRetry to be called with a new execution")
	}
	if retried.ParentExecutionID != e.ID {
		t.Fatalf("expected retry to link parent_execution_id, got %q", retried.ParentExecutionID)
	}
	if retried.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", retried.RetryCount)
	}
	if retried.Status != execution.StatusPending {
		t.Fatalf("expected retry to start pending, got %s", retried.Status)
	}
}

func TestMarkFailedDeadLettersOnNonRetryableKind(t *testing.T) {
	store := memory.New()
	svc := New(store, service.DefaultRetryPolicy, nil)

	e, err := store.CreateExecution(context.Background(), execution.Execution{
		ID: "e1", PipelineName: "p", Status: execution.StatusPending, MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkRunning(context.Background(), e.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := svc.MarkFailed(context.Background(), e.ID, string(spineerr.Validation), "bad params"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	final, err := store.GetExecution(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != execution.StatusDLQ {
		t.Fatalf("expected dlq status for non-retryable failure, got %s", final.Status)
	}

	letters, err := store.ListDeadLetters(context.Background(), false, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].ExecutionID != e.ID {
		t.Fatalf("expected one dead letter for %s, got %#v", e.ID, letters)
	}
}

func TestMarkFailedDeadLettersOnRetryExhaustion(t *testing.T) {
	store := memory.New()
	svc := New(store, service.DefaultRetryPolicy, nil)

	e, err := store.CreateExecution(context.Background(), execution.Execution{
		ID: "e1", PipelineName: "p", Status: execution.StatusPending, MaxRetries: 0,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkRunning(context.Background(), e.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := svc.MarkFailed(context.Background(), e.ID, string(spineerr.Transient), "still failing"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	letters, err := store.ListDeadLetters(context.Background(), false, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected retry exhaustion (max_retries=0) to dead-letter immediately, got %d letters", len(letters))
	}
}

func TestEventLogRecordsEachTransition(t *testing.T) {
	store := memory.New()
	svc := New(store, service.DefaultRetryPolicy, nil)

	e, err := store.CreateExecution(context.Background(), execution.Execution{ID: "e1", Status: execution.StatusPending})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.MarkRunning(context.Background(), e.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := svc.MarkCompleted(context.Background(), e.ID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	events, err := svc.ListEvents(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events (running, completed), got %d: %#v", len(events), events)
	}
}
