package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	service "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/domain/pipeline"
	"github.com/spine-run/spine/internal/idgen"
	"github.com/spine-run/spine/internal/logging"
	"github.com/spine-run/spine/internal/spineerr"
	"github.com/spine-run/spine/internal/storage"
)

// RunFunc performs the actual work behind an Execution — resolving and
// invoking a Pipeline. Built by the Dispatcher from a PipelineInvoker; run
// by whichever Executor tier handles the submission.
type RunFunc func(ctx context.Context, e execution.Execution) error

// Executor drives an Execution from its post-admission state to a terminal
// one, per spec.md §4.1 "Execution modes". InlineExecutor is the sync tier;
// PooledExecutor is the async tier.
type Executor interface {
	Submit(ctx context.Context, e execution.Execution, run RunFunc) error
}

// Ledger is the narrow execution-lifecycle view Executors depend on for
// transitions. internal/ledger.Service implements this with full
// retry/backoff/DLQ semantics (spec.md §4.2); storeLedger is a direct,
// retry-less adapter used when no ledger.Service is supplied.
type Ledger interface {
	MarkRunning(ctx context.Context, id string) (execution.Execution, error)
	MarkCompleted(ctx context.Context, id string) (execution.Execution, error)
	MarkFailed(ctx context.Context, id string, kind, message string) (execution.Execution, error)
}

// storeLedger transitions executions directly against an ExecutionStore,
// with no retry or DLQ handling. It satisfies Ledger for tests and for
// wiring that supplies no internal/ledger.Service.
type storeLedger struct {
	store storage.ExecutionStore
}

// NewStoreLedger builds a Ledger that transitions directly against store.
func NewStoreLedger(store storage.ExecutionStore) Ledger {
	return storeLedger{store: store}
}

func (l storeLedger) MarkRunning(ctx context.Context, id string) (execution.Execution, error) {
	e, err := l.store.GetExecution(ctx, id)
	if err != nil {
		return execution.Execution{}, err
	}
	now := time.Now().UTC()
	return l.store.TransitionExecution(ctx, id, e.Status, execution.StatusRunning, storage.TransitionOptions{StartedAt: &now})
}

func (l storeLedger) MarkCompleted(ctx context.Context, id string) (execution.Execution, error) {
	now := time.Now().UTC()
	return l.store.TransitionExecution(ctx, id, execution.StatusRunning, execution.StatusCompleted, storage.TransitionOptions{FinishedAt: &now})
}

func (l storeLedger) MarkFailed(ctx context.Context, id string, kind, message string) (execution.Execution, error) {
	now := time.Now().UTC()
	return l.store.TransitionExecution(ctx, id, execution.StatusRunning, execution.StatusFailed, storage.TransitionOptions{
		ErrorKind: kind, ErrorMessage: message, FinishedAt: &now,
	})
}

// PipelineInvoker runs a resolved Pipeline for an Execution. internal/pipeline's
// Runtime implements this with full bookkeeping (manifest, rejects, quality
// gates); directInvoker is a minimal fallback used when no Runtime is
// supplied.
type PipelineInvoker interface {
	Invoke(ctx context.Context, e execution.Execution, p pipeline.Pipeline) error
}

// directInvoker calls Pipeline.Run with a bare pipeline.Context, skipping
// bookkeeping. It keeps Dispatcher usable (and testable) without an
// internal/pipeline.Runtime.
type directInvoker struct{}

func (directInvoker) Invoke(ctx context.Context, e execution.Execution, p pipeline.Pipeline) error {
	pc := bareContext{ctx: ctx, executionID: e.ID}
	_, err := p.Run(pc, e.Params)
	return err
}

type bareContext struct {
	ctx         context.Context
	executionID string
}

func (b bareContext) ExecutionID() string { return b.executionID }
func (b bareContext) BatchID() string     { return b.executionID }
func (b bareContext) NewCaptureID(domain, tier, partition string, content map[string]string) string {
	return idgen.CaptureID(domain, tier, partition, content)
}
func (b bareContext) Context() context.Context { return b.ctx }

// InlineExecutor is the sync tier: Submit blocks until the Execution reaches
// a terminal state and returns the terminal error, if any (spec.md §4.1).
type InlineExecutor struct {
	ledger  Ledger
	log     *logging.Logger
	cancels *Cancellations
}

// NewInlineExecutor builds the sync-tier Executor.
func NewInlineExecutor(ledger Ledger, log *logging.Logger) *InlineExecutor {
	if log == nil {
		log = logging.NewDefault("dispatcher.inline")
	}
	return &InlineExecutor{ledger: ledger, log: log, cancels: NewCancellations()}
}

// AttachCancellations shares a cancellation-token registry so
// Dispatcher.Cancel can signal a run in flight on this executor.
func (e *InlineExecutor) AttachCancellations(c *Cancellations) { e.cancels = c }

// Submit ignores lane (InlineExecutor has no concurrency to bound, per the
// Lane semantics Open Question resolution) and runs synchronously.
func (e *InlineExecutor) Submit(ctx context.Context, exec execution.Execution, run RunFunc) error {
	if _, err := e.ledger.MarkRunning(ctx, exec.ID); err != nil {
		return err
	}
	runErr := runGuarded(ctx, e.cancels, exec, run)
	if runErr != nil {
		if errors.Is(runErr, spineerr.ErrCancelled) {
			// the cancel signal already transitioned the row to cancelled
			return runErr
		}
		kind, msg := classify(runErr)
		if _, err := e.ledger.MarkFailed(ctx, exec.ID, kind, msg); err != nil {
			e.log.WithError(err).WithField("execution_id", exec.ID).Warn("failed to record failed transition")
		}
		return runErr
	}
	if _, err := e.ledger.MarkCompleted(ctx, exec.ID); err != nil {
		return err
	}
	return nil
}

// PooledExecutor is the async tier: a bounded worker pool using
// golang.org/x/sync/errgroup for coordinated shutdown. Submit enqueues and
// returns immediately; the caller observes progress via Dispatcher.Status
// (spec.md §4.1 "Execution modes").
//
// Lane routing (Open Question, resolved in SPEC_FULL.md §9): realtime gets
// a dedicated, unbounded-priority goroutine; normal shares a bounded pool
// sized by capacity; backfill is capped at backfillFraction of capacity so
// large backfills never starve normal-priority traffic.
type PooledExecutor struct {
	ledger      Ledger
	log         *logging.Logger
	hooks       service.ObservationHooks
	cancels     *Cancellations
	normalSem   chan struct{}
	backfillSem chan struct{}
	group       *errgroup.Group
	groupCtx    context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	running     bool
}

// NewPooledExecutor builds the async-tier Executor. capacity bounds the
// normal lane's concurrency; backfillFraction (0,1] carves out a
// sub-allotment of capacity for the backfill lane (default 0.25 per
// SPEC_FULL.md §9 if zero is passed).
func NewPooledExecutor(ledger Ledger, capacity int, backfillFraction float64, log *logging.Logger) *PooledExecutor {
	if capacity <= 0 {
		capacity = 1
	}
	if backfillFraction <= 0 {
		backfillFraction = 0.25
	}
	backfillCap := int(float64(capacity) * backfillFraction)
	if backfillCap < 1 {
		backfillCap = 1
	}
	if log == nil {
		log = logging.NewDefault("dispatcher.pooled")
	}
	return &PooledExecutor{
		ledger:      ledger,
		log:         log,
		cancels:     NewCancellations(),
		normalSem:   make(chan struct{}, capacity),
		backfillSem: make(chan struct{}, backfillCap),
	}
}

// AttachCancellations shares a cancellation-token registry so
// Dispatcher.Cancel can signal a run in flight on this pool.
func (p *PooledExecutor) AttachCancellations(c *Cancellations) { p.cancels = c }

// Name satisfies system.Service.
func (p *PooledExecutor) Name() string { return "dispatcher.pooled-executor" }

// Start satisfies system.Service: it opens the pool for submissions.
func (p *PooledExecutor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	groupCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)
	p.group, p.groupCtx, p.cancel = group, groupCtx, cancel
	p.running = true
	return nil
}

// Stop satisfies system.Service: it stops accepting new work and waits for
// in-flight submissions to drain, mirroring the coordinated-shutdown
// pattern errgroup.Group provides.
func (p *PooledExecutor) Stop(context.Context) error {
	p.mu.Lock()
	group, cancel := p.group, p.cancel
	p.running = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		return group.Wait()
	}
	return nil
}

// Submit enqueues exec onto the lane-appropriate worker; it never blocks
// the caller beyond acquiring a semaphore slot inside the spawned
// goroutine, so callers observe async admission semantics.
func (p *PooledExecutor) Submit(_ context.Context, exec execution.Execution, run RunFunc) error {
	p.mu.Lock()
	group, groupCtx, running := p.group, p.groupCtx, p.running
	p.mu.Unlock()
	if !running {
		return fmt.Errorf("pooled executor not started")
	}

	sem := p.semFor(exec.Lane)
	group.Go(func() error {
		if sem != nil {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
		return p.execute(groupCtx, exec, run)
	})
	return nil
}

func (p *PooledExecutor) semFor(lane execution.Lane) chan struct{} {
	switch lane {
	case execution.LaneBackfill:
		return p.backfillSem
	case execution.LaneRealtime:
		return nil // dedicated, unbounded-priority goroutine
	default:
		return p.normalSem
	}
}

func (p *PooledExecutor) execute(ctx context.Context, exec execution.Execution, run RunFunc) error {
	if _, err := p.ledger.MarkRunning(ctx, exec.ID); err != nil {
		p.log.WithError(err).WithField("execution_id", exec.ID).Error("failed to mark execution running")
		return nil // a pool worker error would abort sibling goroutines via errgroup; swallow it here
	}
	done := service.StartObservation(ctx, p.hooks, map[string]string{"pipeline": exec.PipelineName, "lane": string(exec.Lane)})
	runErr := runGuarded(ctx, p.cancels, exec, run)
	done(runErr)
	if runErr != nil {
		if errors.Is(runErr, spineerr.ErrCancelled) {
			// the cancel signal already transitioned the row to cancelled
			p.log.WithField("execution_id", exec.ID).Info("execution cancelled cooperatively")
			return nil
		}
		kind, msg := classify(runErr)
		if _, err := p.ledger.MarkFailed(ctx, exec.ID, kind, msg); err != nil {
			p.log.WithError(err).WithField("execution_id", exec.ID).Error("failed to record failed transition")
		}
		return nil
	}
	if _, err := p.ledger.MarkCompleted(ctx, exec.ID); err != nil {
		p.log.WithError(err).WithField("execution_id", exec.ID).Error("failed to record completed transition")
	}
	return nil
}

// classify extracts a best-effort (kind, message) pair from a pipeline
// error for persistence on the ledger row.
func classify(err error) (string, string) {
	return string(spineerr.KindOf(err)), err.Error()
}
