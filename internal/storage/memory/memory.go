// Package memory is a thread-safe in-memory implementation of the storage
// interfaces, grounded on the teacher's internal/app/storage.Memory: a
// single mutex-guarded struct of maps, intended for tests and prototyping,
// deliberately simple rather than optimized.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spine-run/spine/internal/domain/bookkeeping"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/domain/schedule"
	"github.com/spine-run/spine/internal/domain/workflow"
	"github.com/spine-run/spine/internal/spineerr"
	"github.com/spine-run/spine/internal/storage"
)

// Memory implements every storage interface over in-process maps.
type Memory struct {
	mu sync.RWMutex

	executions       map[string]execution.Execution
	executionEvents  map[string][]execution.ExecutionEvent
	deadLetters      map[string]execution.DeadLetter
	concurrencyLocks map[string]execution.ConcurrencyLock

	workflowRuns  map[string]workflow.Run
	workflowSteps map[string][]workflow.Step
	workflowEvents map[string][]workflow.Event

	schedules     map[string]schedule.Schedule
	scheduleRuns  map[string][]schedule.Run
	scheduleLocks map[string]schedule.Lock

	manifest      map[string]bookkeeping.Manifest
	rejects       map[string][]bookkeeping.Reject
	quality       map[string][]bookkeeping.QualityResult
	anomalies     map[string]bookkeeping.Anomaly
	workItems     map[string]bookkeeping.WorkItem
	readiness     map[string]bookkeeping.Readiness
	watermarks    map[string]bookkeeping.Watermark
	backfillPlans map[string]bookkeeping.BackfillPlan
}

var _ storage.ExecutionStore = (*Memory)(nil)
var _ storage.WorkflowStore = (*Memory)(nil)
var _ storage.ScheduleStore = (*Memory)(nil)
var _ storage.BookkeepingStore = (*Memory)(nil)

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		executions:       make(map[string]execution.Execution),
		executionEvents:  make(map[string][]execution.ExecutionEvent),
		deadLetters:      make(map[string]execution.DeadLetter),
		concurrencyLocks: make(map[string]execution.ConcurrencyLock),
		workflowRuns:      make(map[string]workflow.Run),
		workflowSteps:     make(map[string][]workflow.Step),
		workflowEvents:    make(map[string][]workflow.Event),
		schedules:     make(map[string]schedule.Schedule),
		scheduleRuns:  make(map[string][]schedule.Run),
		scheduleLocks: make(map[string]schedule.Lock),
		manifest:      make(map[string]bookkeeping.Manifest),
		rejects:       make(map[string][]bookkeeping.Reject),
		quality:       make(map[string][]bookkeeping.QualityResult),
		anomalies:     make(map[string]bookkeeping.Anomaly),
		workItems:     make(map[string]bookkeeping.WorkItem),
		readiness:     make(map[string]bookkeeping.Readiness),
		watermarks:    make(map[string]bookkeeping.Watermark),
		backfillPlans: make(map[string]bookkeeping.BackfillPlan),
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- ExecutionStore ----------------------------------------------------------

func (m *Memory) CreateExecution(_ context.Context, e execution.Execution) (execution.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.LogicalKey != "" {
		for _, existing := range m.executions {
			if existing.LogicalKey == e.LogicalKey && !existing.Status.Terminal() {
				return execution.Execution{}, spineerr.New("memory.CreateExecution", spineerr.Orchestration, spineerr.ErrDuplicateKey)
			}
		}
	}
	if e.IdempotencyKey != "" {
		for _, existing := range m.executions {
			if existing.IdempotencyKey == e.IdempotencyKey {
				return execution.Execution{}, spineerr.New("memory.CreateExecution", spineerr.Orchestration, spineerr.ErrDuplicateKey)
			}
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Params = copyMap(e.Params)
	m.executions[e.ID] = e
	return e, nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return execution.Execution{}, spineerr.New("memory.GetExecution", spineerr.Internal, spineerr.ErrNotFound)
	}
	return e, nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.executions {
		if e.IdempotencyKey == key {
			return e, nil
		}
	}
	return execution.Execution{}, spineerr.New("memory.FindByIdempotencyKey", spineerr.Internal, spineerr.ErrNotFound)
}

func (m *Memory) FindActiveByLogicalKey(_ context.Context, key string) (execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.executions {
		if e.LogicalKey == key && !e.Status.Terminal() {
			return e, nil
		}
	}
	return execution.Execution{}, spineerr.New("memory.FindActiveByLogicalKey", spineerr.Internal, spineerr.ErrNotFound)
}

func (m *Memory) TransitionExecution(_ context.Context, id string, from, to execution.Status, opts storage.TransitionOptions) (execution.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return execution.Execution{}, spineerr.New("memory.TransitionExecution", spineerr.Internal, spineerr.ErrNotFound)
	}
	if e.Status != from || !execution.CanTransition(from, to) {
		return execution.Execution{}, spineerr.New("memory.TransitionExecution", spineerr.Orchestration, spineerr.ErrTerminalState)
	}
	e.Status = to
	e.ErrorKind = opts.ErrorKind
	e.ErrorMessage = opts.ErrorMessage
	if opts.RetryCount != nil {
		e.RetryCount = *opts.RetryCount
	}
	if opts.StartedAt != nil {
		e.StartedAt = opts.StartedAt
	}
	if opts.FinishedAt != nil {
		e.FinishedAt = opts.FinishedAt
	}
	m.executions[id] = e
	return e, nil
}

func (m *Memory) LeaseNext(_ context.Context, lane execution.Lane, limit int, ownerToken string, leaseFor time.Duration) ([]execution.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []execution.Execution
	for _, e := range m.executions {
		if e.Lane == lane && (e.Status == execution.StatusPending || e.Status == execution.StatusQueued) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()
	expires := now.Add(leaseFor)
	leased := make([]execution.Execution, 0, len(candidates))
	for _, e := range candidates {
		e.Status = execution.StatusRunning
		e.LockedBy = ownerToken
		le := expires
		e.LeaseExpiresAt = &le
		if e.StartedAt == nil {
			st := now
			e.StartedAt = &st
		}
		m.executions[e.ID] = e
		leased = append(leased, e)
	}
	return leased, nil
}

func (m *Memory) ListStaleRunning(_ context.Context, asOf time.Time, limit int) ([]execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []execution.Execution
	for _, e := range m.executions {
		if e.Status == execution.StatusRunning && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.Before(asOf) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaseExpiresAt.Before(*out[j].LeaseExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendExecutionEvent(_ context.Context, ev execution.ExecutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.IdempotencyKey != "" {
		for _, events := range m.executionEvents {
			for _, existing := range events {
				if existing.IdempotencyKey == ev.IdempotencyKey {
					return spineerr.New("memory.AppendEvent", spineerr.Orchestration, spineerr.ErrDuplicateKey)
				}
			}
		}
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	m.executionEvents[ev.ExecutionID] = append(m.executionEvents[ev.ExecutionID], ev)
	return nil
}

func (m *Memory) ListExecutionEvents(_ context.Context, executionID string) ([]execution.ExecutionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]execution.ExecutionEvent, len(m.executionEvents[executionID]))
	copy(out, m.executionEvents[executionID])
	return out, nil
}

func (m *Memory) CreateDeadLetter(_ context.Context, dl execution.DeadLetter) (execution.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	m.deadLetters[dl.ID] = dl
	return dl, nil
}

func (m *Memory) GetDeadLetter(_ context.Context, id string) (execution.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dl, ok := m.deadLetters[id]
	if !ok {
		return execution.DeadLetter{}, spineerr.New("memory.GetDeadLetter", spineerr.Internal, spineerr.ErrNotFound)
	}
	return dl, nil
}

func (m *Memory) ListDeadLetters(_ context.Context, resolved bool, limit int) ([]execution.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []execution.DeadLetter
	for _, dl := range m.deadLetters {
		if dl.Resolved() == resolved {
			out = append(out, dl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ResolveDeadLetter(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.deadLetters[id]
	if !ok {
		return spineerr.New("memory.ResolveDeadLetter", spineerr.Internal, spineerr.ErrNotFound)
	}
	now := time.Now().UTC()
	dl.ResolvedAt = &now
	m.deadLetters[id] = dl
	return nil
}

func (m *Memory) MarkDeadLetterRetried(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.deadLetters[id]
	if !ok {
		return spineerr.New("memory.MarkDeadLetterRetried", spineerr.Internal, spineerr.ErrNotFound)
	}
	dl.LastRetryAt = &at
	m.deadLetters[id] = dl
	return nil
}

func (m *Memory) AcquireConcurrencyLock(_ context.Context, lockKey, ownerToken string, ttl time.Duration) (execution.ConcurrencyLock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.concurrencyLocks[lockKey]; ok {
		if existing.OwnerToken != ownerToken && !existing.Expired(now) {
			return execution.ConcurrencyLock{}, false, nil
		}
	}
	lock := execution.ConcurrencyLock{LockKey: lockKey, OwnerToken: ownerToken, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	m.concurrencyLocks[lockKey] = lock
	return lock, true, nil
}

func (m *Memory) ReleaseConcurrencyLock(_ context.Context, lockKey, ownerToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.concurrencyLocks[lockKey]; ok && existing.OwnerToken == ownerToken {
		delete(m.concurrencyLocks, lockKey)
	}
	return nil
}
