package workflow

import (
	"context"
	"errors"
	"testing"

	service "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/dispatcher"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/domain/workflow"
	"github.com/spine-run/spine/internal/spineerr"
	"github.com/spine-run/spine/internal/storage/memory"
)

type fakeSubmitter struct {
	result execution.Execution
	err    error
	calls  []string
}

func (f *fakeSubmitter) Submit(_ context.Context, req dispatcher.SubmitRequest) (execution.Execution, error) {
	f.calls = append(f.calls, req.PipelineName)
	if f.err != nil {
		return execution.Execution{}, f.err
	}
	res := f.result
	res.ID = "exec-" + req.PipelineName
	res.Status = execution.StatusCompleted
	return res, nil
}

func TestRegisterRejectsCycles(t *testing.T) {
	r := New(memory.New(), &fakeSubmitter{}, nil)
	err := r.Register(WorkflowDef{
		Name: "cyclic",
		Steps: []StepDef{
			{Name: "a", Kind: workflow.StepLambda, DependsOn: []string{"b"}},
			{Name: "b", Kind: workflow.StepLambda, DependsOn: []string{"a"}},
		},
	})
	if err == nil {
		t.Fatal("expected cycle to be rejected at registration")
	}
}

func TestRunHappyPathAcrossStepKinds(t *testing.T) {
	submitter := &fakeSubmitter{}
	r := New(memory.New(), submitter, nil)

	err := r.Register(WorkflowDef{
		Name:        "ingest-then-validate",
		Concurrency: 2,
		Steps: []StepDef{
			{Name: "capture", Kind: workflow.StepPipeline, PipelineName: "otc_transparency"},
			{
				Name:      "summarize",
				Kind:      workflow.StepLambda,
				DependsOn: []string{"capture"},
				Lambda: func(_ context.Context, wfctx *Context, _ map[string]any) (map[string]any, error) {
					out, ok := wfctx.Output("capture")
					if !ok {
						return nil, errors.New("expected capture output to be visible")
					}
					return map[string]any{"seen_status": out["status"]}, nil
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	run, err := r.Run(context.Background(), "ingest-then-validate", "exec-trigger", map[string]any{"week_ending": "2025-12-19"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != workflow.RunCompleted {
		t.Fatalf("expected run to complete, got %s", run.Status)
	}
	if run.StepsCompleted != 2 {
		t.Fatalf("expected 2 completed steps, got %d", run.StepsCompleted)
	}
	if len(submitter.calls) != 1 || submitter.calls[0] != "otc_transparency" {
		t.Fatalf("expected pipeline step to submit otc_transparency, got %v", submitter.calls)
	}
}

func TestRunValidationFailureDoesNotRetry(t *testing.T) {
	attempts := 0
	r := New(memory.New(), &fakeSubmitter{}, nil)
	err := r.Register(WorkflowDef{
		Name: "strict",
		Steps: []StepDef{
			{
				Name:        "check",
				Kind:        workflow.StepLambda,
				RetryPolicy: service.RetryPolicy{Attempts: 3, Multiplier: 1},
				Lambda: func(context.Context, *Context, map[string]any) (map[string]any, error) {
					attempts++
					return nil, spineerr.Newf("check", spineerr.Validation, "missing required field")
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	run, err := r.Run(context.Background(), "strict", "exec-1", nil)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if run.Status != workflow.RunFailed {
		t.Fatalf("expected run status failed, got %s", run.Status)
	}
	if attempts != 1 {
		t.Fatalf("expected validation failure to abort without retry, got %d attempts", attempts)
	}
}

func TestRunTransientFailureRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	r := New(memory.New(), &fakeSubmitter{}, nil)
	err := r.Register(WorkflowDef{
		Name: "flaky",
		Steps: []StepDef{
			{
				Name:        "fetch",
				Kind:        workflow.StepLambda,
				RetryPolicy: service.RetryPolicy{Attempts: 3, Multiplier: 1},
				Lambda: func(context.Context, *Context, map[string]any) (map[string]any, error) {
					attempts++
					if attempts < 2 {
						return nil, spineerr.Newf("fetch", spineerr.Transient, "connection reset")
					}
					return map[string]any{"ok": true}, nil
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	run, err := r.Run(context.Background(), "flaky", "exec-1", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != workflow.RunCompleted {
		t.Fatalf("expected run to eventually complete, got %s", run.Status)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestRunChoiceSkipsDownstreamSteps(t *testing.T) {
	downstreamRan := false
	r := New(memory.New(), &fakeSubmitter{}, nil)
	err := r.Register(WorkflowDef{
		Name: "gated",
		Steps: []StepDef{
			{
				Name: "gate",
				Kind: workflow.StepChoice,
				Choice: func(context.Context, *Context) (bool, error) {
					return false, nil
				},
			},
			{
				Name:      "only-if-gated-open",
				Kind:      workflow.StepLambda,
				DependsOn: []string{"gate"},
				Lambda: func(context.Context, *Context, map[string]any) (map[string]any, error) {
					downstreamRan = true
					return nil, nil
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	run, err := r.Run(context.Background(), "gated", "exec-1", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != workflow.RunCompleted {
		t.Fatalf("expected run to complete even with a skipped branch, got %s", run.Status)
	}
	if downstreamRan {
		t.Fatal("expected downstream step to be skipped when choice evaluates false")
	}
}
