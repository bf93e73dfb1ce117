package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/spine-run/spine/internal/bookkeeping"
	"github.com/spine-run/spine/internal/domain/execution"
	domainpipeline "github.com/spine-run/spine/internal/domain/pipeline"
	"github.com/spine-run/spine/internal/storage/memory"
)

type fakePipeline struct {
	name string
	run  func(ctx domainpipeline.Context, params map[string]any) (domainpipeline.Result, error)
}

func (f fakePipeline) Name() string { return f.name }
func (f fakePipeline) Describe() domainpipeline.Descriptor {
	return domainpipeline.Descriptor{IsIngest: true}
}
func (f fakePipeline) Run(ctx domainpipeline.Context, params map[string]any) (domainpipeline.Result, error) {
	return f.run(ctx, params)
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	reg := NewRegistry()
	p := fakePipeline{name: "otc_transparency"}
	if err := reg.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(p); err == nil {
		t.Fatal("expected duplicate registration to be rejected")
	}
	if _, ok := reg.Resolve("otc_transparency"); !ok {
		t.Fatal("expected resolve to find registered pipeline")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "otc_transparency" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestRuntimeInvokeExposesBookkeeperCapability(t *testing.T) {
	store := memory.New()
	books := bookkeeping.New(store, nil)
	rt := New(books, nil)

	var sawCaptureID string
	p := fakePipeline{
		name: "otc_transparency",
		run: func(ctx domainpipeline.Context, params map[string]any) (domainpipeline.Result, error) {
			bk, ok := ctx.(Bookkeeper)
			if !ok {
				t.Fatal("expected runtime context to satisfy Bookkeeper")
			}
			decision, err := bk.PrepareCapture(ctx.Context(), "capture", "NMS_TIER_1", 1, domainpipeline.ModeCoexist, map[string]string{"row_count": "10"})
			if err != nil {
				return domainpipeline.Result{}, err
			}
			if decision.Skip {
				t.Fatal("expected first capture not to be skipped")
			}
			sawCaptureID = decision.CaptureID
			if err := bk.MarkManifest(ctx.Context(), "capture", 1, bookkeeping.ManifestUpdate{RowCount: 10, CaptureID: decision.CaptureID}); err != nil {
				return domainpipeline.Result{}, err
			}
			return domainpipeline.Result{Metrics: map[string]any{"row_count": 10}, CaptureIDs: []string{decision.CaptureID}}, nil
		},
	}

	e := execution.Execution{ID: "e1", PipelineName: "otc_transparency", Params: map[string]any{"partition_key": "2025-12-19"}}
	if err := rt.Invoke(context.Background(), e, p); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if sawCaptureID == "" {
		t.Fatal("expected a capture id to be minted")
	}

	mf, err := books.GetManifest(context.Background(), "otc_transparency", "2025-12-19", "capture")
	if err != nil {
		t.Fatalf("get manifest: %v", err)
	}
	if mf.CaptureID != sawCaptureID {
		t.Fatalf("expected manifest to record capture id %q, got %q", sawCaptureID, mf.CaptureID)
	}
}

func TestRuntimeInvokeSkipsAlreadyCompleteStage(t *testing.T) {
	store := memory.New()
	books := bookkeeping.New(store, nil)
	rt := New(books, nil)

	if err := books.MarkManifest(context.Background(), "otc_transparency", "2025-12-19", "capture", 1, bookkeeping.ManifestUpdate{RowCount: 10}); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}

	skipped := false
	p := fakePipeline{
		name: "otc_transparency",
		run: func(ctx domainpipeline.Context, _ map[string]any) (domainpipeline.Result, error) {
			bk := ctx.(Bookkeeper)
			decision, err := bk.PrepareCapture(ctx.Context(), "capture", "NMS_TIER_1", 1, domainpipeline.ModeCoexist, nil)
			if err != nil {
				return domainpipeline.Result{}, err
			}
			skipped = decision.Skip
			return domainpipeline.Result{}, nil
		},
	}

	e := execution.Execution{ID: "e2", PipelineName: "otc_transparency", Params: map[string]any{"partition_key": "2025-12-19"}}
	if err := rt.Invoke(context.Background(), e, p); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !skipped {
		t.Fatal("expected stage already complete at equal rank to be skipped")
	}
}

func TestRequireHistoryWindowRecordsAnomalyWhenEmpty(t *testing.T) {
	store := memory.New()
	books := bookkeeping.New(store, nil)

	_, err := RequireHistoryWindow(context.Background(), books, "otc_transparency", "capture", time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC), 4)
	if err == nil {
		t.Fatal("expected empty history window to error")
	}

	anomalies, listErr := books.ListAnomalies(context.Background(), "otc_transparency", true, 10)
	if listErr != nil {
		t.Fatalf("list anomalies: %v", listErr)
	}
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 anomaly recorded, got %d", len(anomalies))
	}
}

func TestRequireHistoryWindowToleratesPartialWindow(t *testing.T) {
	store := memory.New()
	books := bookkeeping.New(store, nil)
	asOf := time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)

	if err := books.MarkManifest(context.Background(), "otc_transparency", weeklyPartitionKey(asOf), "capture", 1, bookkeeping.ManifestUpdate{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	valid, err := RequireHistoryWindow(context.Background(), books, "otc_transparency", "capture", asOf, 4)
	if err != nil {
		t.Fatalf("expected partial window to be tolerated, got %v", err)
	}
	if len(valid) != 1 {
		t.Fatalf("expected 1 valid week, got %d", len(valid))
	}
}
