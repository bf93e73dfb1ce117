// Package storage declares the persistence contracts the core depends on.
// Concrete backends live in the postgres and memory subpackages.
package storage

import (
	"context"
	"time"

	"github.com/spine-run/spine/internal/domain/bookkeeping"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/domain/schedule"
	"github.com/spine-run/spine/internal/domain/workflow"
)

// ExecutionStore persists the Execution Ledger's state machine, event log,
// dead letters, and concurrency locks (spec.md §4.2).
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e execution.Execution) (execution.Execution, error)
	GetExecution(ctx context.Context, id string) (execution.Execution, error)
	FindByIdempotencyKey(ctx context.Context, key string) (execution.Execution, error)
	FindActiveByLogicalKey(ctx context.Context, key string) (execution.Execution, error)
	TransitionExecution(ctx context.Context, id string, from, to execution.Status, opts TransitionOptions) (execution.Execution, error)

	// LeaseNext selects and locks up to limit executions ready to run for the
	// given lane, using SELECT ... FOR UPDATE SKIP LOCKED semantics so
	// concurrent workers never double-lease a row.
	LeaseNext(ctx context.Context, lane execution.Lane, limit int, ownerToken string, leaseFor time.Duration) ([]execution.Execution, error)

	// ListStaleRunning returns executions still marked running whose lease
	// expired before asOf — the survivors of a worker crash that the recovery
	// sweep marks failed(stale_lease).
	ListStaleRunning(ctx context.Context, asOf time.Time, limit int) ([]execution.Execution, error)

	AppendExecutionEvent(ctx context.Context, ev execution.ExecutionEvent) error
	ListExecutionEvents(ctx context.Context, executionID string) ([]execution.ExecutionEvent, error)

	CreateDeadLetter(ctx context.Context, dl execution.DeadLetter) (execution.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (execution.DeadLetter, error)
	ListDeadLetters(ctx context.Context, resolved bool, limit int) ([]execution.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id string) error
	MarkDeadLetterRetried(ctx context.Context, id string, at time.Time) error

	AcquireConcurrencyLock(ctx context.Context, lockKey, ownerToken string, ttl time.Duration) (execution.ConcurrencyLock, bool, error)
	ReleaseConcurrencyLock(ctx context.Context, lockKey, ownerToken string) error
}

// TransitionOptions carries the side-effects of a state transition that must
// be persisted atomically with it.
type TransitionOptions struct {
	ErrorKind    string
	ErrorMessage string
	RetryCount   *int
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// WorkflowStore persists the Workflow Runner's runs, steps, and event log
// (spec.md §4.4).
type WorkflowStore interface {
	CreateRun(ctx context.Context, r workflow.Run) (workflow.Run, error)
	GetRun(ctx context.Context, runID string) (workflow.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status workflow.RunStatus, finishedAt *time.Time) error

	CreateStep(ctx context.Context, st workflow.Step) (workflow.Step, error)
	UpdateStep(ctx context.Context, st workflow.Step) error
	ListSteps(ctx context.Context, runID string) ([]workflow.Step, error)

	AppendWorkflowEvent(ctx context.Context, ev workflow.Event) error
	ListWorkflowEvents(ctx context.Context, runID string) ([]workflow.Event, error)
}

// ScheduleStore persists cron-driven schedules, their firing history, and
// per-tick leases (spec.md §4.6).
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	GetSchedule(ctx context.Context, id string) (schedule.Schedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]schedule.Schedule, error)
	UpdateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	DueSchedules(ctx context.Context, asOf time.Time) ([]schedule.Schedule, error)

	CreateScheduleRun(ctx context.Context, r schedule.Run) (schedule.Run, error)
	ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]schedule.Run, error)

	AcquireScheduleLock(ctx context.Context, scheduleID, ownerToken string, ttl time.Duration) (schedule.Lock, bool, error)
	ReleaseScheduleLock(ctx context.Context, scheduleID, ownerToken string) error
}

// BookkeepingStore persists the bookkeeping primitives (spec.md §4.5): the
// manifest ledger, rejects, quality results, anomalies, work items,
// readiness certifications, watermarks, and backfill plans.
type BookkeepingStore interface {
	UpsertManifest(ctx context.Context, m bookkeeping.Manifest) error
	GetManifest(ctx context.Context, domain, partitionKey, stage string) (bookkeeping.Manifest, error)
	ListManifest(ctx context.Context, domain, partitionKey string) ([]bookkeeping.Manifest, error)

	CreateReject(ctx context.Context, r bookkeeping.Reject) error
	ListRejects(ctx context.Context, domain, partitionKey string, limit int) ([]bookkeeping.Reject, error)

	CreateQualityResult(ctx context.Context, q bookkeeping.QualityResult) error
	ListQualityResults(ctx context.Context, domain, partitionKey string) ([]bookkeeping.QualityResult, error)

	CreateAnomaly(ctx context.Context, a bookkeeping.Anomaly) (bookkeeping.Anomaly, error)
	ResolveAnomaly(ctx context.Context, id string) error
	ListAnomalies(ctx context.Context, domain string, unresolvedOnly bool, limit int) ([]bookkeeping.Anomaly, error)

	UpsertWorkItem(ctx context.Context, w bookkeeping.WorkItem) error
	GetWorkItem(ctx context.Context, domain, workflowName, partitionKey string) (bookkeeping.WorkItem, error)
	ListWorkItems(ctx context.Context, domain string, state bookkeeping.WorkItemState, limit int) ([]bookkeeping.WorkItem, error)

	CertifyReadiness(ctx context.Context, r bookkeeping.Readiness) error
	GetReadiness(ctx context.Context, domain, partitionKey, readyFor string) (bookkeeping.Readiness, error)

	AdvanceWatermark(ctx context.Context, w bookkeeping.Watermark, force bool) (bookkeeping.Watermark, error)
	GetWatermark(ctx context.Context, domain, source, partitionKey string) (bookkeeping.Watermark, error)

	CreateBackfillPlan(ctx context.Context, p bookkeeping.BackfillPlan) (bookkeeping.BackfillPlan, error)
	UpdateBackfillPlan(ctx context.Context, p bookkeeping.BackfillPlan) (bookkeeping.BackfillPlan, error)
	GetBackfillPlan(ctx context.Context, planID string) (bookkeeping.BackfillPlan, error)
	ListBackfillPlans(ctx context.Context, domain string, status bookkeeping.BackfillPlanStatus) ([]bookkeeping.BackfillPlan, error)
}
