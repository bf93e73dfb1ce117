// Package ledger implements the Execution Ledger (spec.md §4.2): the
// persistent, authoritative state machine for every execution, its
// append-only event log, and retry/backoff/dead-letter semantics.
package ledger

import (
	"context"
	"errors"
	"time"

	service "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/idgen"
	"github.com/spine-run/spine/internal/logging"
	"github.com/spine-run/spine/internal/spineerr"
	"github.com/spine-run/spine/internal/storage"
)

// OnRetry is invoked after a retry Execution row has been created, so the
// caller (normally internal/app's wiring) can hand it to an Executor
// without the Ledger importing the Dispatcher package. A nil OnRetry means
// retries are created but left pending for a worker pool's lease sweep to
// pick up.
type OnRetry func(ctx context.Context, e execution.Execution) error

// Service implements the Execution Ledger's state-machine transitions,
// event log, and retry/DLQ semantics over a storage.ExecutionStore.
type Service struct {
	store   storage.ExecutionStore
	policy  service.RetryPolicy
	onRetry OnRetry
	log     *logging.Logger
	hooks   service.ObservationHooks
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithOnRetry wires the callback invoked after a retry row is created.
func WithOnRetry(fn OnRetry) Option { return func(s *Service) { s.onRetry = fn } }

// AttachOnRetry binds the hand-off callback after construction, for callers
// (internal/app) that must build the Dispatcher from this Service's
// executor-facing Ledger interface before the Dispatcher itself exists to
// supply OnRetry — the same break-the-cycle shape as the teacher's
// AttachExecutor/AttachDependencies methods.
func (s *Service) AttachOnRetry(fn OnRetry) { s.onRetry = fn }

// WithObservationHooks wires metrics/tracing around transitions.
func WithObservationHooks(hooks service.ObservationHooks) Option {
	return func(s *Service) { s.hooks = hooks }
}

// New builds a ledger Service. policy governs retry attempts/backoff
// (spec.md §4.2 "base delay × 2^attempt, capped").
func New(store storage.ExecutionStore, policy service.RetryPolicy, log *logging.Logger, opts ...Option) *Service {
	if log == nil {
		log = logging.NewDefault("ledger")
	}
	s := &Service{store: store, policy: policy, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Descriptor advertises the Ledger's placement and capabilities.
func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         "ledger",
		Domain:       "orchestration",
		Layer:        service.LayerData,
		Capabilities: []string{"state-machine", "events", "retries", "dead-letter"},
	}
}

// Get returns an Execution snapshot.
func (s *Service) Get(ctx context.Context, id string) (execution.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// ListEvents returns an execution's append-only event log (I2).
func (s *Service) ListEvents(ctx context.Context, executionID string) ([]execution.ExecutionEvent, error) {
	return s.store.ListExecutionEvents(ctx, executionID)
}

// MarkRunning transitions an execution into running, satisfying
// dispatcher.Ledger.
func (s *Service) MarkRunning(ctx context.Context, id string) (execution.Execution, error) {
	e, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return execution.Execution{}, err
	}
	now := time.Now().UTC()
	updated, err := s.store.TransitionExecution(ctx, id, e.Status, execution.StatusRunning, storage.TransitionOptions{StartedAt: &now})
	if err != nil {
		return execution.Execution{}, err
	}
	s.appendEvent(ctx, id, e.Status, execution.StatusRunning, "execution.running", "")
	return updated, nil
}

// MarkCompleted transitions an execution into completed, satisfying
// dispatcher.Ledger.
func (s *Service) MarkCompleted(ctx context.Context, id string) (execution.Execution, error) {
	now := time.Now().UTC()
	updated, err := s.store.TransitionExecution(ctx, id, execution.StatusRunning, execution.StatusCompleted, storage.TransitionOptions{FinishedAt: &now})
	if err != nil {
		return execution.Execution{}, err
	}
	s.appendEvent(ctx, id, execution.StatusRunning, execution.StatusCompleted, "execution.completed", "")
	return updated, nil
}

// MarkFailed transitions an execution into failed and, per spec.md §4.2,
// either schedules a retry (creating a new Execution linked by
// parent_execution_id) or writes a DeadLetter once max_retries is
// exhausted. The error kind determines retryability via
// spineerr.Kind.Retryable(); non-retryable kinds (VALIDATION, CONFIG, ...)
// go straight to the dead letter queue regardless of remaining attempts.
func (s *Service) MarkFailed(ctx context.Context, id string, kind, message string) (execution.Execution, error) {
	done := service.StartObservation(ctx, s.hooks, map[string]string{"op": "mark_failed", "execution_id": id})
	e, err := s.markFailed(ctx, id, kind, message)
	done(err)
	return e, err
}

func (s *Service) markFailed(ctx context.Context, id string, kind, message string) (execution.Execution, error) {
	now := time.Now().UTC()
	failed, err := s.store.TransitionExecution(ctx, id, execution.StatusRunning, execution.StatusFailed, storage.TransitionOptions{
		ErrorKind: kind, ErrorMessage: message, FinishedAt: &now,
	})
	if err != nil {
		return execution.Execution{}, err
	}
	s.appendEvent(ctx, id, execution.StatusRunning, execution.StatusFailed, "execution.failed", message)

	retryable := spineerr.Kind(kind).Retryable() && failed.RetryCount < failed.MaxRetries
	if !retryable {
		if err := s.deadLetter(ctx, failed); err != nil {
			s.log.WithError(err).WithField("execution_id", id).Error("failed to write dead letter")
		}
		return failed, nil
	}

	retry, err := s.createRetry(ctx, failed)
	if err != nil {
		s.log.WithError(err).WithField("execution_id", id).Error("failed to create retry execution")
		return failed, nil
	}
	if s.onRetry != nil {
		if err := s.onRetry(ctx, retry); err != nil {
			s.log.WithError(err).WithField("execution_id", retry.ID).Warn("retry created but hand-off to executor failed; it remains pending for lease pickup")
		}
	}
	return failed, nil
}

// createRetry builds and inserts the next-attempt Execution, per spec.md
// §4.2: "Each retry creates a new execution with parent_execution_id
// pointing at the previous one."
func (s *Service) createRetry(ctx context.Context, failed execution.Execution) (execution.Execution, error) {
	retry := execution.Execution{
		ID:                idgen.NewExecutionID(),
		PipelineName:      failed.PipelineName,
		Lane:              failed.Lane,
		TriggerSource:     failed.TriggerSource,
		Params:            failed.Params,
		LogicalKey:        failed.LogicalKey,
		Status:            execution.StatusPending,
		ParentExecutionID: failed.ID,
		RetryCount:        failed.RetryCount + 1,
		MaxRetries:        failed.MaxRetries,
		TimeoutSeconds:    failed.TimeoutSeconds,
		CreatedAt:         time.Now().UTC(),
	}
	created, err := s.store.CreateExecution(ctx, retry)
	if err != nil {
		return execution.Execution{}, err
	}
	s.appendEvent(ctx, created.ID, "", execution.StatusPending, "execution.retried", "")
	return created, nil
}

// RetryDeadLetter implements the Dead-Letter Queue's retry operation
// (spec.md §4.7): it creates a fresh Execution with
// parent_execution_id=dead_letter.execution_id, independent of the
// automatic retry path in markFailed. The dead letter row itself is left
// untouched — resolving it is a separate operator action.
func (s *Service) RetryDeadLetter(ctx context.Context, dl execution.DeadLetter) (execution.Execution, error) {
	original, err := s.store.GetExecution(ctx, dl.ExecutionID)
	if err != nil {
		return execution.Execution{}, err
	}
	retry, err := s.createRetry(ctx, original)
	if err != nil {
		return execution.Execution{}, err
	}
	if s.onRetry != nil {
		if err := s.onRetry(ctx, retry); err != nil {
			s.log.WithError(err).WithField("execution_id", retry.ID).Warn("dead-letter retry created but hand-off to executor failed; it remains pending for lease pickup")
		}
	}
	return retry, nil
}

// RecoverStale marks executions whose worker lease expired before asOf as
// failed(stale_lease), then applies the normal retry-or-dead-letter decision:
// a crash mid-execution is a transient condition, so retries remain and a new
// attempt is scheduled; exhausted rows dead-letter. Returns how many rows
// were recovered.
func (s *Service) RecoverStale(ctx context.Context, asOf time.Time, limit int) (int, error) {
	stale, err := s.store.ListStaleRunning(ctx, asOf, limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, e := range stale {
		if _, err := s.markFailed(ctx, e.ID, string(spineerr.Transient), "stale_lease: worker lease expired without a terminal transition"); err != nil {
			s.log.WithError(err).WithField("execution_id", e.ID).Warn("failed to recover stale execution")
			continue
		}
		recovered++
	}
	return recovered, nil
}

// BackoffForRetry returns the delay a caller should wait before dispatching
// the given retry attempt (1-indexed), for callers that drive retries
// on a timer rather than immediately (e.g. a scheduled lease sweep).
func (s *Service) BackoffForRetry(attempt int) time.Duration {
	return service.BackoffForAttempt(s.policy, attempt)
}

func (s *Service) deadLetter(ctx context.Context, failed execution.Execution) error {
	_, err := s.store.CreateDeadLetter(ctx, execution.DeadLetter{
		ID:           idgen.NewID(),
		ExecutionID:  failed.ID,
		PipelineName: failed.PipelineName,
		RetryCount:   failed.RetryCount,
		ErrorKind:    failed.ErrorKind,
		ErrorMessage: failed.ErrorMessage,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = s.store.TransitionExecution(ctx, failed.ID, execution.StatusFailed, execution.StatusDLQ, storage.TransitionOptions{})
	if err != nil {
		return err
	}
	s.appendEvent(ctx, failed.ID, execution.StatusFailed, execution.StatusDLQ, "execution.dead_lettered", "")
	return nil
}

func (s *Service) appendEvent(ctx context.Context, executionID string, from, to execution.Status, kind, message string) {
	err := s.store.AppendExecutionEvent(ctx, execution.ExecutionEvent{
		ID:          idgen.NewEventID(),
		ExecutionID: executionID,
		FromStatus:  from,
		ToStatus:    to,
		Kind:        kind,
		Message:     message,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, spineerr.ErrDuplicateKey) {
		// a duplicate idempotency_key means the edge was already recorded;
		// anything else is worth surfacing
		s.log.WithError(err).WithField("execution_id", executionID).Warn("failed to append execution event")
	}
}
