package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/storage/memory"
)

func TestInlineExecutorMarksFailedOnError(t *testing.T) {
	store := memory.New()
	ledger := NewStoreLedger(store)
	e, err := store.CreateExecution(context.Background(), execution.Execution{ID: "e1", PipelineName: "p", Status: execution.StatusPending})
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	exec := NewInlineExecutor(ledger, nil)
	wantErr := errors.New("boom")
	if err := exec.Submit(context.Background(), e, func(context.Context, execution.Execution) error { return wantErr }); err == nil {
		t.Fatal("expected Submit to surface the run error")
	}

	final, err := store.GetExecution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if final.Status != execution.StatusFailed {
		t.Fatalf("expected failed status, got %s", final.Status)
	}
}

func TestPooledExecutorRunsAcrossLanes(t *testing.T) {
	store := memory.New()
	ledger := NewStoreLedger(store)
	pool := NewPooledExecutor(ledger, 2, 0.5, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = pool.Stop(context.Background()) }()

	var wg sync.WaitGroup
	lanes := []execution.Lane{execution.LaneNormal, execution.LaneBackfill, execution.LaneRealtime}
	ids := make([]string, len(lanes))
	for i, lane := range lanes {
		id := lane
		e, err := store.CreateExecution(context.Background(), execution.Execution{
			ID: string(id) + "-exec", PipelineName: "p", Lane: lane, Status: execution.StatusPending,
		})
		if err != nil {
			t.Fatalf("create execution: %v", err)
		}
		ids[i] = e.ID
		wg.Add(1)
		if err := pool.Submit(context.Background(), e, func(context.Context, execution.Execution) error {
			defer wg.Done()
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pooled executions to complete")
	}

	for _, id := range ids {
		e, err := store.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("get execution %s: %v", id, err)
		}
		if e.Status != execution.StatusCompleted {
			t.Fatalf("expected %s to complete, got %s", id, e.Status)
		}
	}
}

func TestPooledExecutorRejectsSubmitBeforeStart(t *testing.T) {
	store := memory.New()
	ledger := NewStoreLedger(store)
	pool := NewPooledExecutor(ledger, 1, 0, nil)
	e := execution.Execution{ID: "e1", Status: execution.StatusPending}
	if err := pool.Submit(context.Background(), e, func(context.Context, execution.Execution) error { return nil }); err == nil {
		t.Fatal("expected submit before Start to fail")
	}
}
