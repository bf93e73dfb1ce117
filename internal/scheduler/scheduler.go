// Package scheduler implements the Scheduler (spec.md §4.6): a tick loop
// that fires cron-driven Schedules through the Dispatcher and materializes
// ScheduleRun rows.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	service "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/dispatcher"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/domain/schedule"
	"github.com/spine-run/spine/internal/idgen"
	"github.com/spine-run/spine/internal/logging"
	"github.com/spine-run/spine/internal/storage"
)

// Submitter is the narrow Dispatcher view the Scheduler depends on: submit
// a firing, and check whether a prior firing is still outstanding (for
// max_instances enforcement).
type Submitter interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (execution.Execution, error)
	Status(ctx context.Context, executionID string) (execution.Execution, error)
}

// Scheduler polls ScheduleStore and drives the 5-step tick loop of spec.md
// §4.6.
type Scheduler struct {
	store      storage.ScheduleStore
	submitter  Submitter
	log        *logging.Logger
	hooks      service.ObservationHooks
	interval   time.Duration
	lockTTL    time.Duration
	ownerToken string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Option configures optional Scheduler behavior.
type Option func(*Scheduler)

// WithInterval overrides the tick period (default 15s, within spec.md
// §4.6's 10-30s range).
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithLockTTL overrides the per-schedule lock lease (default 1 minute).
func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithObservationHooks wires metrics/tracing around each firing.
func WithObservationHooks(hooks service.ObservationHooks) Option {
	return func(s *Scheduler) { s.hooks = hooks }
}

// New builds a Scheduler. ownerToken identifies this process for
// ScheduleLock contention across scheduler replicas.
func New(store storage.ScheduleStore, submitter Submitter, ownerToken string, log *logging.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = logging.NewDefault("scheduler")
	}
	s := &Scheduler{
		store: store, submitter: submitter, ownerToken: ownerToken, log: log,
		interval: 15 * time.Second, lockTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies this service for lifecycle management.
func (s *Scheduler) Name() string { return "scheduler" }

// Descriptor advertises the Scheduler's placement and capabilities.
func (s *Scheduler) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         "scheduler",
		Domain:       "orchestration",
		Layer:        service.LayerControl,
		Capabilities: []string{"cron", "misfire-grace", "max-instances"},
	}
}

// Start begins the background polling loop (idempotent).
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.Info("scheduler started")
	return nil
}

// Stop halts the polling loop (idempotent).
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("scheduler stopped")
	return nil
}

// tick implements spec.md §4.6's 5-step loop across every due schedule.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.log.WithError(err).Warn("scheduler tick: failed to list due schedules")
		return
	}

	var wg sync.WaitGroup
	for _, sch := range due {
		wg.Add(1)
		go func(sch schedule.Schedule) {
			defer wg.Done()
			s.fire(ctx, sch, now)
		}(sch)
	}
	wg.Wait()
}

func (s *Scheduler) fire(ctx context.Context, sch schedule.Schedule, now time.Time) {
	lock, acquired, err := s.store.AcquireScheduleLock(ctx, sch.ID, s.ownerToken, s.lockTTL)
	if err != nil {
		s.log.WithError(err).WithField("schedule_id", sch.ID).Warn("failed to acquire schedule lock")
		return
	}
	if !acquired {
		return // another scheduler instance holds an unexpired lock this tick
	}
	_ = lock
	defer func() {
		if err := s.store.ReleaseScheduleLock(ctx, sch.ID, s.ownerToken); err != nil {
			s.log.WithError(err).WithField("schedule_id", sch.ID).Warn("failed to release schedule lock")
		}
	}()

	done := service.StartObservation(ctx, s.hooks, map[string]string{"schedule_id": sch.ID, "pipeline": sch.PipelineName})
	var fireErr error
	defer func() { done(fireErr) }()

	run := schedule.Run{ID: idgen.NewID(), ScheduleID: sch.ID, FiredAt: now}

	switch {
	case s.misfired(sch, now):
		run.Status = schedule.RunSkipped
		run.SkipReason = "misfire: pre-submit window exceeded misfire_grace_seconds"

	case s.outstandingCount(ctx, sch) >= maxInstances(sch):
		run.Status = schedule.RunSkipped
		run.SkipReason = "max_instances concurrency limit reached"

	default:
		e, err := s.submitter.Submit(ctx, dispatcher.SubmitRequest{
			PipelineName:  sch.PipelineName,
			Params:        sch.Params,
			Lane:          execution.Lane(sch.Lane),
			TriggerSource: "scheduler",
		})
		if err != nil {
			fireErr = err
			run.Status = schedule.RunSkipped
			run.SkipReason = "submit failed: " + err.Error()
		} else {
			run.Status = schedule.RunSubmitted
			run.ExecutionID = e.ID
		}
	}

	if _, err := s.store.CreateScheduleRun(ctx, run); err != nil {
		s.log.WithError(err).WithField("schedule_id", sch.ID).Warn("failed to record schedule run")
	}

	next, err := nextRunAt(sch, now)
	if err != nil {
		s.log.WithError(err).WithField("schedule_id", sch.ID).Warn("failed to compute next_run_at")
		return
	}
	sch.NextRunAt = &next
	sch.LastRunAt = &now
	sch.LastRunStatus = string(run.Status)
	if _, err := s.store.UpdateSchedule(ctx, sch); err != nil {
		s.log.WithError(err).WithField("schedule_id", sch.ID).Warn("failed to persist next_run_at")
	}
}

func (s *Scheduler) misfired(sch schedule.Schedule, now time.Time) bool {
	if sch.NextRunAt == nil || sch.MisfireGraceSeconds <= 0 {
		return false
	}
	return now.Sub(*sch.NextRunAt) > time.Duration(sch.MisfireGraceSeconds)*time.Second
}

// outstandingCount approximates the number of this schedule's submissions
// still non-terminal, by checking the status of its most recent submitted
// runs through the Dispatcher.
func (s *Scheduler) outstandingCount(ctx context.Context, sch schedule.Schedule) int {
	recent, err := s.store.ListScheduleRuns(ctx, sch.ID, maxInstances(sch)*4)
	if err != nil {
		return 0
	}
	count := 0
	for _, r := range recent {
		if r.Status != schedule.RunSubmitted || r.ExecutionID == "" {
			continue
		}
		e, err := s.submitter.Status(ctx, r.ExecutionID)
		if err != nil {
			continue
		}
		if !e.Status.Terminal() {
			count++
		}
	}
	return count
}

func maxInstances(sch schedule.Schedule) int {
	if sch.MaxInstances <= 0 {
		return 1
	}
	return sch.MaxInstances
}

// nextRunAt computes the next firing after now from sch's cron expression,
// evaluated in sch's timezone (UTC if unset/unparseable).
func nextRunAt(sch schedule.Schedule, now time.Time) (time.Time, error) {
	loc := time.UTC
	if sch.Timezone != "" {
		if l, err := time.LoadLocation(sch.Timezone); err == nil {
			loc = l
		}
	}
	spec, err := cron.ParseStandard(sch.CronExpression)
	if err != nil {
		return time.Time{}, err
	}
	return spec.Next(now.In(loc)).UTC(), nil
}
