// Package dispatcher implements the sole admission point for executable
// work (spec.md §4.1): submit, cancel, and status, routed to a lane-specific
// Executor after admission.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"time"

	service "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/domain/pipeline"
	"github.com/spine-run/spine/internal/idgen"
	"github.com/spine-run/spine/internal/logging"
	"github.com/spine-run/spine/internal/spineerr"
	"github.com/spine-run/spine/internal/storage"
)

// PipelineRegistry resolves a registered Pipeline by name. internal/pipeline
// owns the concrete implementation; this is the narrow view the Dispatcher
// depends on so it never imports the runtime package directly.
type PipelineRegistry interface {
	Resolve(name string) (pipeline.Pipeline, bool)
}

// ParamNormalizer rewrites tier/date aliases in submitted params before
// admission, e.g. "yesterday" -> an explicit date, "latest" -> a tier name.
// Pluggable per spec.md §4.1 step 2; NoopNormalizer is the zero-behavior
// default.
type ParamNormalizer interface {
	Normalize(pipelineName string, params map[string]any) (map[string]any, error)
}

// NoopNormalizer passes params through unchanged.
type NoopNormalizer struct{}

// Normalize implements ParamNormalizer.
func (NoopNormalizer) Normalize(_ string, params map[string]any) (map[string]any, error) {
	return params, nil
}

// SubmitRequest is the input to Dispatcher.Submit (spec.md §4.1 operations
// table).
type SubmitRequest struct {
	PipelineName       string
	Params             map[string]any
	Lane               execution.Lane
	TriggerSource      string
	LogicalKey         string
	IdempotencyKey     string
	ParentExecutionID  string
	MaxRetries         int
	TimeoutSeconds     int
}

// Dispatcher is the admission point described in spec.md §4.1.
type Dispatcher struct {
	store      storage.ExecutionStore
	pipelines  PipelineRegistry
	normalizer ParamNormalizer
	executor   Executor
	invoker    PipelineInvoker
	cancels    *Cancellations
	log        *logging.Logger
	hooks      service.ObservationHooks
}

// Option configures optional Dispatcher collaborators.
type Option func(*Dispatcher)

// WithNormalizer overrides the default NoopNormalizer.
func WithNormalizer(n ParamNormalizer) Option {
	return func(d *Dispatcher) { d.normalizer = n }
}

// WithInvoker overrides the default direct pipeline.Pipeline.Run invoker.
// internal/pipeline's Runtime satisfies PipelineInvoker with full
// bookkeeping; tests and early wiring can use the zero-value
// directInvoker.
func WithInvoker(inv PipelineInvoker) Option {
	return func(d *Dispatcher) { d.invoker = inv }
}

// WithObservationHooks wires metrics/tracing around Submit/Cancel.
func WithObservationHooks(hooks service.ObservationHooks) Option {
	return func(d *Dispatcher) { d.hooks = hooks }
}

// WithCancellations shares the cancellation-token registry the executors
// register in-flight runs against, so Cancel can signal a worker mid-I/O
// (spec.md §5 "Cancellation & timeouts").
func WithCancellations(c *Cancellations) Option {
	return func(d *Dispatcher) { d.cancels = c }
}

// New builds a Dispatcher. executor selects the tier (Inline for sync,
// Pooled for async); see spec.md §4.1 "Execution modes".
func New(store storage.ExecutionStore, pipelines PipelineRegistry, executor Executor, log *logging.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = logging.NewDefault("dispatcher")
	}
	d := &Dispatcher{
		store:      store,
		pipelines:  pipelines,
		normalizer: NoopNormalizer{},
		executor:   executor,
		invoker:    directInvoker{},
		log:        log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Descriptor advertises the Dispatcher's placement and capabilities.
func (d *Dispatcher) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         "dispatcher",
		Domain:       "orchestration",
		Layer:        service.LayerControl,
		Capabilities: []string{"submit", "cancel", "status"},
	}
}

// Submit is the admission algorithm of spec.md §4.1: resolve + validate,
// normalize, compute logical_key, insert (relying on the partial-unique
// index for I1), short-circuit on idempotency_key, emit
// execution.submitted, and route to the lane executor.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (execution.Execution, error) {
	done := service.StartObservation(ctx, d.hooks, map[string]string{"op": "submit", "pipeline": req.PipelineName})
	e, err := d.submit(ctx, req)
	done(err)
	return e, err
}

func (d *Dispatcher) submit(ctx context.Context, req SubmitRequest) (execution.Execution, error) {
	// (1) resolve pipeline and validate parameter schema.
	p, ok := d.pipelines.Resolve(req.PipelineName)
	if !ok {
		return execution.Execution{}, spineerr.New("dispatcher.Submit", spineerr.Config, spineerr.ErrPipelineUnknown)
	}
	if err := validateParams(p.Describe(), req.Params); err != nil {
		return execution.Execution{}, spineerr.New("dispatcher.Submit", spineerr.Validation, err)
	}

	// (2) normalize tier/date aliases.
	params, err := d.normalizer.Normalize(req.PipelineName, req.Params)
	if err != nil {
		return execution.Execution{}, spineerr.New("dispatcher.Submit", spineerr.Validation, err)
	}

	// (5, moved earlier) idempotency-key short-circuit: if a matching
	// execution already exists, return it without inserting a new row.
	if req.IdempotencyKey != "" {
		existing, err := d.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, spineerr.ErrNotFound):
			return execution.Execution{}, err
		}
	}

	// (3) compute logical_key if the caller didn't supply one.
	logicalKey := req.LogicalKey
	if logicalKey == "" {
		logicalKey = fmt.Sprintf("%s:%s", req.PipelineName, stableHash(params))
	}

	lane := req.Lane
	if lane == "" {
		lane = execution.LaneNormal
	}

	e := execution.Execution{
		ID:                idgen.NewExecutionID(),
		PipelineName:      req.PipelineName,
		Lane:              lane,
		TriggerSource:     req.TriggerSource,
		Params:            params,
		LogicalKey:        logicalKey,
		IdempotencyKey:    req.IdempotencyKey,
		Status:            execution.StatusPending,
		ParentExecutionID: req.ParentExecutionID,
		MaxRetries:        req.MaxRetries,
		TimeoutSeconds:    req.TimeoutSeconds,
		CreatedAt:         time.Now().UTC(),
	}

	// (4) insert, relying on the partial-unique index on logical_key for I1.
	created, err := d.store.CreateExecution(ctx, e)
	if err != nil {
		if spineerr.KindOf(err) == spineerr.Orchestration {
			// Someone else admitted the same logical_key concurrently; the
			// caller's request is satisfied by the active execution.
			if active, lookupErr := d.store.FindActiveByLogicalKey(ctx, logicalKey); lookupErr == nil {
				return active, nil
			}
		}
		return execution.Execution{}, err
	}

	// (6) emit execution.submitted.
	if err := d.store.AppendExecutionEvent(ctx, execution.ExecutionEvent{
		ID:          idgen.NewEventID(),
		ExecutionID: created.ID,
		FromStatus:  "",
		ToStatus:    execution.StatusPending,
		Kind:        "execution.submitted",
		OccurredAt:  time.Now().UTC(),
	}); err != nil {
		d.log.WithError(err).WithField("execution_id", created.ID).Warn("failed to append execution.submitted event")
	}

	// (7) route to the lane-specific executor.
	run := func(ctx context.Context, e execution.Execution) error {
		return d.invoker.Invoke(ctx, e, p)
	}
	if err := d.executor.Submit(ctx, created, run); err != nil {
		return execution.Execution{}, err
	}

	// Sync tiers (InlineExecutor) run to completion inside Executor.Submit;
	// re-read so the caller sees the terminal status. Async tiers return the
	// still-pending row, matching spec.md §4.1 "Execution modes".
	final, err := d.store.GetExecution(ctx, created.ID)
	if err != nil {
		return created, nil
	}
	return final, nil
}

// HandOff routes an already-created Execution (e.g. a dead-letter retry row
// minted by internal/ledger) to the lane-specific Executor, without
// repeating Submit's admission steps. It's the function internal/app wires
// as ledger.WithOnRetry's callback, keeping the Ledger decoupled from the
// Dispatcher's executor/invoker plumbing.
func (d *Dispatcher) HandOff(ctx context.Context, e execution.Execution) error {
	p, ok := d.pipelines.Resolve(e.PipelineName)
	if !ok {
		return spineerr.New("dispatcher.HandOff", spineerr.Config, spineerr.ErrPipelineUnknown)
	}
	run := func(ctx context.Context, e execution.Execution) error {
		return d.invoker.Invoke(ctx, e, p)
	}
	return d.executor.Submit(ctx, e, run)
}

// Cancel marks an execution cancelled if it is not already terminal.
func (d *Dispatcher) Cancel(ctx context.Context, executionID string) (bool, error) {
	e, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if !e.Cancellable() {
		return false, spineerr.New("dispatcher.Cancel", spineerr.Orchestration, spineerr.ErrTerminalState)
	}
	if _, err := d.store.TransitionExecution(ctx, executionID, e.Status, execution.StatusCancelled, storage.TransitionOptions{}); err != nil {
		return false, err
	}
	if d.cancels != nil {
		// cooperative: a worker mid-I/O observes a cancelled context at its
		// next suspension point
		d.cancels.Signal(executionID)
	}
	return true, nil
}

// Status returns the current snapshot of an Execution.
func (d *Dispatcher) Status(ctx context.Context, executionID string) (execution.Execution, error) {
	e, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return execution.Execution{}, err
	}
	return e, nil
}

// validateParams checks required params are present; it does not attempt
// full type coercion, matching the lightweight "validate parameter schema"
// step of spec.md §4.1.
func validateParams(desc pipeline.Descriptor, params map[string]any) error {
	for _, def := range desc.RequiredParams {
		if !def.Required {
			continue
		}
		if _, ok := params[def.Name]; !ok {
			return fmt.Errorf("missing required param %q", def.Name)
		}
	}
	return nil
}

// stableHash derives a short, deterministic hash from a canonicalized param
// map, used as the default logical_key suffix (spec.md §4.1 step 3). As
// with idgen.CaptureID, the input is sorted by key so map iteration order
// never affects the result.
func stableHash(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canon := ""
	for _, k := range keys {
		canon += fmt.Sprintf("|%s=%v", k, params[k])
	}
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(canon)))
}
