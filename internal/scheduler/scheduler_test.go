package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spine-run/spine/internal/dispatcher"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/domain/schedule"
	"github.com/spine-run/spine/internal/storage/memory"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	submits int
	status  execution.Status
}

func (f *fakeSubmitter) Submit(_ context.Context, req dispatcher.SubmitRequest) (execution.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return execution.Execution{ID: "exec-1", PipelineName: req.PipelineName, Status: f.status}, nil
}

func (f *fakeSubmitter) Status(_ context.Context, executionID string) (execution.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return execution.Execution{ID: executionID, Status: f.status}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func TestTickSubmitsDueSchedule(t *testing.T) {
	store := memory.New()
	submitter := &fakeSubmitter{status: execution.StatusCompleted}
	sched := New(store, submitter, "owner-1", nil)

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := store.CreateSchedule(context.Background(), schedule.Schedule{
		ID: "s1", Name: "nightly", PipelineName: "otc_transparency",
		CronExpression: "0 0 * * *", Enabled: true, NextRunAt: &past,
	}); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sched.tick(context.Background())

	if submitter.count() != 1 {
		t.Fatalf("expected 1 submit, got %d", submitter.count())
	}
	runs, err := store.ListScheduleRuns(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != schedule.RunSubmitted {
		t.Fatalf("expected 1 submitted run, got %#v", runs)
	}

	updated, err := store.GetSchedule(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if updated.NextRunAt == nil || !updated.NextRunAt.After(past) {
		t.Fatal("expected next_run_at to advance past the fired time")
	}
}

func TestTickSkipsWhenMisfireGraceExceeded(t *testing.T) {
	store := memory.New()
	submitter := &fakeSubmitter{status: execution.StatusCompleted}
	sched := New(store, submitter, "owner-1", nil)

	wayPast := time.Now().UTC().Add(-time.Hour)
	if _, err := store.CreateSchedule(context.Background(), schedule.Schedule{
		ID: "s1", Name: "nightly", PipelineName: "otc_transparency",
		CronExpression: "0 0 * * *", Enabled: true, NextRunAt: &wayPast, MisfireGraceSeconds: 60,
	}); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sched.tick(context.Background())

	if submitter.count() != 0 {
		t.Fatalf("expected misfire to skip submission, got %d submits", submitter.count())
	}
	runs, err := store.ListScheduleRuns(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != schedule.RunSkipped {
		t.Fatalf("expected 1 skipped run, got %#v", runs)
	}
}

func TestTickSkipsWhenMaxInstancesReached(t *testing.T) {
	store := memory.New()
	submitter := &fakeSubmitter{status: execution.StatusRunning}
	sched := New(store, submitter, "owner-1", nil)

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := store.CreateSchedule(context.Background(), schedule.Schedule{
		ID: "s1", Name: "nightly", PipelineName: "otc_transparency",
		CronExpression: "0 0 * * *", Enabled: true, NextRunAt: &past, MaxInstances: 1,
	}); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if _, err := store.CreateScheduleRun(context.Background(), schedule.Run{
		ID: "r0", ScheduleID: "s1", ExecutionID: "exec-prior", Status: schedule.RunSubmitted, FiredAt: past,
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	sched.tick(context.Background())

	if submitter.count() != 0 {
		t.Fatalf("expected max_instances to block a new submission, got %d submits", submitter.count())
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	store := memory.New()
	submitter := &fakeSubmitter{status: execution.StatusCompleted}
	sched := New(store, submitter, "owner-1", nil, WithInterval(10*time.Millisecond))

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
