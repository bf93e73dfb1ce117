package memory

import (
	"context"
	"sort"
	"time"

	"github.com/spine-run/spine/internal/domain/workflow"
	"github.com/spine-run/spine/internal/spineerr"
)

func (m *Memory) CreateRun(_ context.Context, r workflow.Run) (workflow.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.ContextSnapshot = copyMap(r.ContextSnapshot)
	m.workflowRuns[r.RunID] = r
	return r, nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.workflowRuns[runID]
	if !ok {
		return workflow.Run{}, spineerr.New("memory.GetRun", spineerr.Internal, spineerr.ErrNotFound)
	}
	return r, nil
}

func (m *Memory) UpdateRunStatus(_ context.Context, runID string, status workflow.RunStatus, finishedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.workflowRuns[runID]
	if !ok {
		return spineerr.New("memory.UpdateRunStatus", spineerr.Internal, spineerr.ErrNotFound)
	}
	r.Status = status
	if finishedAt != nil {
		r.FinishedAt = finishedAt
	}
	m.workflowRuns[runID] = r
	return nil
}

func (m *Memory) CreateStep(_ context.Context, st workflow.Step) (workflow.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now().UTC()
	}
	st.Output = copyMap(st.Output)
	m.workflowSteps[st.RunID] = append(m.workflowSteps[st.RunID], st)
	return st, nil
}

func (m *Memory) UpdateStep(_ context.Context, st workflow.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.workflowSteps[st.RunID]
	for i, existing := range steps {
		if existing.StepID == st.StepID {
			steps[i] = st
			return nil
		}
	}
	return spineerr.New("memory.UpdateStep", spineerr.Internal, spineerr.ErrNotFound)
}

func (m *Memory) ListSteps(_ context.Context, runID string) ([]workflow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]workflow.Step, len(m.workflowSteps[runID]))
	copy(out, m.workflowSteps[runID])
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) AppendWorkflowEvent(_ context.Context, ev workflow.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.IdempotencyKey != "" {
		for _, events := range m.workflowEvents {
			for _, existing := range events {
				if existing.IdempotencyKey == ev.IdempotencyKey {
					return spineerr.New("memory.workflow.AppendEvent", spineerr.Orchestration, spineerr.ErrDuplicateKey)
				}
			}
		}
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	ev.Details = copyMap(ev.Details)
	m.workflowEvents[ev.RunID] = append(m.workflowEvents[ev.RunID], ev)
	return nil
}

func (m *Memory) ListWorkflowEvents(_ context.Context, runID string) ([]workflow.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]workflow.Event, len(m.workflowEvents[runID]))
	copy(out, m.workflowEvents[runID])
	return out, nil
}
