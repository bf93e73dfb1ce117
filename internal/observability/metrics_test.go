package observability

import (
	"fmt"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestRecordExecutionTransition(t *testing.T) {
	RecordExecutionTransition("otc_transparency", "completed", 250*time.Millisecond)
	if !metricCounterGreaterOrEqual(t, "spine_executions_transitions_total", map[string]string{
		"pipeline": "otc_transparency", "to_status": "completed",
	}, 1) {
		t.Fatal("expected execution transition counter to increment")
	}
	if !metricHistogramCountGreaterOrEqual(t, "spine_executions_duration_seconds", map[string]string{
		"pipeline": "otc_transparency", "status": "completed",
	}, 1) {
		t.Fatal("expected execution duration histogram to record")
	}
}

func TestRecordDeadLetter(t *testing.T) {
	RecordDeadLetter("otc_transparency", "TRANSIENT")
	if !metricCounterGreaterOrEqual(t, "spine_dlq_entries_total", map[string]string{
		"pipeline": "otc_transparency", "error_kind": "TRANSIENT",
	}, 1) {
		t.Fatal("expected dead letter counter to increment")
	}

	RecordDeadLetter("otc_transparency", "")
	if !metricCounterGreaterOrEqual(t, "spine_dlq_entries_total", map[string]string{
		"pipeline": "otc_transparency", "error_kind": "unknown",
	}, 1) {
		t.Fatal("expected empty error kind to record as unknown")
	}
}

func TestRecordWorkflowStepAndScheduleFiring(t *testing.T) {
	RecordWorkflowStep("weekly_close", "capture", "completed")
	if !metricCounterGreaterOrEqual(t, "spine_workflow_steps_total", map[string]string{
		"workflow": "weekly_close", "step": "capture", "status": "completed",
	}, 1) {
		t.Fatal("expected workflow step counter to increment")
	}

	RecordScheduleFiring("nightly", "submitted")
	if !metricCounterGreaterOrEqual(t, "spine_scheduler_firings_total", map[string]string{
		"schedule": "nightly", "result": "submitted",
	}, 1) {
		t.Fatal("expected schedule firing counter to increment")
	}
}

func TestObservationHooksCompletesWithSuccessAndError(t *testing.T) {
	hooks := ObservationHooks("spine_test", "unit", "op")
	if hooks.OnStart == nil || hooks.OnComplete == nil {
		t.Fatal("expected both hooks set")
	}

	hooks.OnStart(nil, map[string]string{"pipeline": "p1"})
	hooks.OnComplete(nil, map[string]string{"pipeline": "p1"}, nil, 10*time.Millisecond)
	hooks.OnComplete(nil, map[string]string{"pipeline": "p1"}, fmt.Errorf("boom"), 5*time.Millisecond)

	again := ObservationHooks("spine_test", "unit", "op")
	if again.OnStart == nil {
		t.Fatal("expected cached hooks to remain valid")
	}
}

func TestMetaLabelPrecedence(t *testing.T) {
	cases := []struct {
		meta map[string]string
		want string
	}{
		{nil, "unknown"},
		{map[string]string{}, "unknown"},
		{map[string]string{"op": "x"}, "x"},
		{map[string]string{"pipeline": "p", "op": "x"}, "p"},
		{map[string]string{"pipeline": "", "execution_id": "e1"}, "e1"},
	}
	for _, c := range cases {
		if got := metaLabel(c.meta); got != c.want {
			t.Errorf("metaLabel(%v) = %q, want %q", c.meta, got, c.want)
		}
	}
}

func metricCounterGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetCounter() != nil {
				return metric.GetCounter().GetValue() >= min
			}
		}
	}
	return false
}

func metricHistogramCountGreaterOrEqual(t *testing.T, name string, labels map[string]string, min uint64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetHistogram() != nil {
				return metric.GetHistogram().GetSampleCount() >= min
			}
		}
	}
	return false
}

func labelsMatch(metric *io_prometheus_client.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	matched := 0
	for _, lbl := range metric.GetLabel() {
		if val, ok := labels[lbl.GetName()]; ok && val == lbl.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}
