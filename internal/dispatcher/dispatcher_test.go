package dispatcher

import (
	"context"
	"testing"

	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/domain/pipeline"
	"github.com/spine-run/spine/internal/storage/memory"
)

type fakePipeline struct {
	name    string
	desc    pipeline.Descriptor
	runErr  error
	runHits int
}

func (f *fakePipeline) Name() string                  { return f.name }
func (f *fakePipeline) Describe() pipeline.Descriptor { return f.desc }
func (f *fakePipeline) Run(pipeline.Context, map[string]any) (pipeline.Result, error) {
	f.runHits++
	return pipeline.Result{}, f.runErr
}

type fakeRegistry struct {
	pipelines map[string]pipeline.Pipeline
}

func (r fakeRegistry) Resolve(name string) (pipeline.Pipeline, bool) {
	p, ok := r.pipelines[name]
	return p, ok
}

func newTestDispatcher(t *testing.T, p *fakePipeline) (*Dispatcher, *memory.Memory) {
	t.Helper()
	store := memory.New()
	registry := fakeRegistry{pipelines: map[string]pipeline.Pipeline{p.name: p}}
	ledger := NewStoreLedger(store)
	executor := NewInlineExecutor(ledger, nil)
	d := New(store, registry, executor, nil)
	return d, store
}

func TestSubmitHappyPathRunsToCompletion(t *testing.T) {
	p := &fakePipeline{name: "finra.otc", desc: pipeline.Descriptor{
		RequiredParams: []pipeline.ParamDef{{Name: "week_ending", Required: true}},
	}}
	d, _ := newTestDispatcher(t, p)

	e, err := d.Submit(context.Background(), SubmitRequest{
		PipelineName:  "finra.otc",
		Params:        map[string]any{"week_ending": "2025-12-19"},
		TriggerSource: "cli",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if e.Status != execution.StatusCompleted {
		t.Fatalf("expected completed status, got %s", e.Status)
	}
	if p.runHits != 1 {
		t.Fatalf("expected pipeline to run once, got %d", p.runHits)
	}
}

func TestSubmitMissingRequiredParamIsRejected(t *testing.T) {
	p := &fakePipeline{name: "finra.otc", desc: pipeline.Descriptor{
		RequiredParams: []pipeline.ParamDef{{Name: "week_ending", Required: true}},
	}}
	d, _ := newTestDispatcher(t, p)

	_, err := d.Submit(context.Background(), SubmitRequest{PipelineName: "finra.otc", Params: map[string]any{}})
	if err == nil {
		t.Fatal("expected validation error for missing required param")
	}
}

func TestSubmitUnknownPipelineIsRejected(t *testing.T) {
	p := &fakePipeline{name: "finra.otc"}
	d, _ := newTestDispatcher(t, p)

	_, err := d.Submit(context.Background(), SubmitRequest{PipelineName: "does.not.exist"})
	if err == nil {
		t.Fatal("expected pipeline-not-found error")
	}
}

func TestSubmitIdempotencyKeyShortCircuits(t *testing.T) {
	p := &fakePipeline{name: "finra.otc"}
	d, _ := newTestDispatcher(t, p)

	req := SubmitRequest{PipelineName: "finra.otc", Params: map[string]any{"a": 1}, IdempotencyKey: "fixed-key"}
	first, err := d.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := d.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected idempotency key to short-circuit to the same execution, got %s vs %s", first.ID, second.ID)
	}
	if p.runHits != 1 {
		t.Fatalf("expected pipeline to run exactly once across both submissions, got %d", p.runHits)
	}
}

func TestSubmitDuplicateLogicalKeyReturnsActiveExecution(t *testing.T) {
	p := &fakePipeline{name: "finra.otc"}
	store := memory.New()
	registry := fakeRegistry{pipelines: map[string]pipeline.Pipeline{p.name: p}}
	// An executor that never completes, so the first submission stays active.
	blocking := blockingExecutor{}
	d := New(store, registry, blocking, nil)

	req := SubmitRequest{PipelineName: "finra.otc", Params: map[string]any{"week_ending": "2025-12-19"}, LogicalKey: "finra.otc:fixed"}
	first, err := d.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := d.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected duplicate logical_key submissions to resolve to the same execution")
	}
}

type blockingExecutor struct{}

func (blockingExecutor) Submit(context.Context, execution.Execution, RunFunc) error { return nil }

func TestCancelRejectsTerminalExecution(t *testing.T) {
	p := &fakePipeline{name: "finra.otc"}
	d, _ := newTestDispatcher(t, p)

	e, err := d.Submit(context.Background(), SubmitRequest{PipelineName: "finra.otc", Params: map[string]any{"x": 1}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if e.Status != execution.StatusCompleted {
		t.Fatalf("expected completed execution, got %s", e.Status)
	}
	if _, err := d.Cancel(context.Background(), e.ID); err == nil {
		t.Fatal("expected cancel of a terminal execution to fail")
	}
}

func TestCancelPendingExecution(t *testing.T) {
	p := &fakePipeline{name: "finra.otc"}
	store := memory.New()
	registry := fakeRegistry{pipelines: map[string]pipeline.Pipeline{p.name: p}}
	d := New(store, registry, blockingExecutor{}, nil)

	e, err := d.Submit(context.Background(), SubmitRequest{PipelineName: "finra.otc", Params: map[string]any{"x": 1}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ok, err := d.Cancel(context.Background(), e.ID)
	if err != nil || !ok {
		t.Fatalf("expected cancel to succeed, got ok=%v err=%v", ok, err)
	}
	status, err := d.Status(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != execution.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", status.Status)
	}
}

func TestStatusUnknownExecutionErrors(t *testing.T) {
	p := &fakePipeline{name: "finra.otc"}
	d, _ := newTestDispatcher(t, p)
	if _, err := d.Status(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown execution id")
	}
}
