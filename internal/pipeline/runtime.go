package pipeline

import (
	"context"

	"github.com/spine-run/spine/internal/bookkeeping"
	service "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/domain/execution"
	domainpipeline "github.com/spine-run/spine/internal/domain/pipeline"
	"github.com/spine-run/spine/internal/logging"
)

// Runtime drives one Pipeline.Run call end to end: fetch, parse, validate,
// write, with the bookkeeping sinks of spec.md §4.5 reachable from the
// Context it builds. It satisfies dispatcher.PipelineInvoker.
type Runtime struct {
	books *bookkeeping.Service
	log   *logging.Logger
	hooks service.ObservationHooks
}

// Option configures optional Runtime behavior.
type Option func(*Runtime)

// WithObservationHooks wires metrics/tracing around pipeline runs.
func WithObservationHooks(hooks service.ObservationHooks) Option {
	return func(r *Runtime) { r.hooks = hooks }
}

// New builds a Runtime over books.
func New(books *bookkeeping.Service, log *logging.Logger, opts ...Option) *Runtime {
	if log == nil {
		log = logging.NewDefault("pipeline-runtime")
	}
	r := &Runtime{books: books, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Descriptor advertises this component's placement.
func (r *Runtime) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         "pipeline-runtime",
		Domain:       "orchestration",
		Layer:        service.LayerEngine,
		Capabilities: []string{"capture", "idempotency", "quality-gates"},
	}
}

// Invoke runs p for the given Execution, building a Context that exposes
// identity, capture-id minting, and the bookkeeping sinks. It satisfies
// dispatcher.PipelineInvoker.
func (r *Runtime) Invoke(ctx context.Context, e execution.Execution, p domainpipeline.Pipeline) error {
	done := service.StartObservation(ctx, r.hooks, map[string]string{"pipeline": p.Name(), "execution_id": e.ID})
	rc := &runtimeContext{
		ctx:          ctx,
		executionID:  e.ID,
		batchID:      batchIDFor(e),
		domain:       domainFor(e, p),
		tier:         tierFor(e),
		partitionKey: partitionKeyFor(e),
		books:        r.books,
	}
	_, err := p.Run(rc, e.Params)
	done(err)
	return err
}

func batchIDFor(e execution.Execution) string {
	if e.ParentExecutionID != "" {
		return e.ParentExecutionID
	}
	return e.ID
}

func domainFor(e execution.Execution, p domainpipeline.Pipeline) string {
	if v, ok := e.Params["domain"].(string); ok && v != "" {
		return v
	}
	return p.Name()
}

func tierFor(e execution.Execution) string {
	if v, ok := e.Params["tier"].(string); ok && v != "" {
		return v
	}
	return "default"
}

func partitionKeyFor(e execution.Execution) string {
	if v, ok := e.Params["partition_key"].(string); ok && v != "" {
		return v
	}
	if v, ok := e.Params["week_ending"].(string); ok && v != "" {
		return v
	}
	return ""
}
