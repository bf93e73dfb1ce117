package memory

import (
	"context"
	"sort"
	"time"

	"github.com/spine-run/spine/internal/domain/schedule"
	"github.com/spine-run/spine/internal/spineerr"
)

func (m *Memory) CreateSchedule(_ context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	s.Params = copyMap(s.Params)
	m.schedules[s.ID] = s
	return s, nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, spineerr.New("memory.GetSchedule", spineerr.Internal, spineerr.ErrNotFound)
	}
	return s, nil
}

func (m *Memory) ListSchedules(_ context.Context, enabledOnly bool) ([]schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schedule.Schedule
	for _, s := range m.schedules {
		if enabledOnly && !s.Enabled {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateSchedule(_ context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return schedule.Schedule{}, spineerr.New("memory.UpdateSchedule", spineerr.Internal, spineerr.ErrNotFound)
	}
	s.UpdatedAt = time.Now().UTC()
	s.Params = copyMap(s.Params)
	m.schedules[s.ID] = s
	return s, nil
}

func (m *Memory) DueSchedules(_ context.Context, asOf time.Time) ([]schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schedule.Schedule
	for _, s := range m.schedules {
		if s.Enabled && s.NextRunAt != nil && !s.NextRunAt.After(asOf) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

func (m *Memory) CreateScheduleRun(_ context.Context, r schedule.Run) (schedule.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.FiredAt.IsZero() {
		r.FiredAt = time.Now().UTC()
	}
	m.scheduleRuns[r.ScheduleID] = append(m.scheduleRuns[r.ScheduleID], r)
	return r, nil
}

func (m *Memory) ListScheduleRuns(_ context.Context, scheduleID string, limit int) ([]schedule.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := append([]schedule.Run(nil), m.scheduleRuns[scheduleID]...)
	sort.Slice(runs, func(i, j int) bool { return runs[i].FiredAt.After(runs[j].FiredAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *Memory) AcquireScheduleLock(_ context.Context, scheduleID, ownerToken string, ttl time.Duration) (schedule.Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.scheduleLocks[scheduleID]; ok {
		if existing.OwnerToken != ownerToken && !existing.Expired(now) {
			return schedule.Lock{}, false, nil
		}
	}
	lock := schedule.Lock{ScheduleID: scheduleID, OwnerToken: ownerToken, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	m.scheduleLocks[scheduleID] = lock
	return lock, true, nil
}

func (m *Memory) ReleaseScheduleLock(_ context.Context, scheduleID, ownerToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.scheduleLocks[scheduleID]; ok && existing.OwnerToken == ownerToken {
		delete(m.scheduleLocks, scheduleID)
	}
	return nil
}
