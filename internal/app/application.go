// Package app wires Spine's components into one lifecycle-managed runtime,
// grounded on the teacher's internal/app/application.go: a Stores struct
// with in-memory defaults, an Option pattern for runtime configuration, and
// a New() that constructs every service and hands the background ones to a
// system.Manager.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spine-run/spine/internal/bookkeeping"
	"github.com/spine-run/spine/internal/command"
	core "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/dispatcher"
	"github.com/spine-run/spine/internal/dlq"
	domainpipeline "github.com/spine-run/spine/internal/domain/pipeline"
	"github.com/spine-run/spine/internal/ledger"
	"github.com/spine-run/spine/internal/logging"
	"github.com/spine-run/spine/internal/observability"
	pipelineruntime "github.com/spine-run/spine/internal/pipeline"
	"github.com/spine-run/spine/internal/scheduler"
	"github.com/spine-run/spine/internal/storage"
	"github.com/spine-run/spine/internal/storage/memory"
	"github.com/spine-run/spine/internal/system"
	"github.com/spine-run/spine/internal/workflow"
)

// Stores encapsulates persistence dependencies. A nil store is backed by a
// single shared in-memory implementation.
type Stores struct {
	Executions  storage.ExecutionStore
	Workflows   storage.WorkflowStore
	Schedules   storage.ScheduleStore
	Bookkeeping storage.BookkeepingStore
}

func (s *Stores) applyDefaults(mem *memory.Memory) {
	if s.Executions == nil {
		s.Executions = mem
	}
	if s.Workflows == nil {
		s.Workflows = mem
	}
	if s.Schedules == nil {
		s.Schedules = mem
	}
	if s.Bookkeeping == nil {
		s.Bookkeeping = mem
	}
}

// RuntimeConfig captures the environment-dependent wiring decisions made at
// startup: executor tier, retry/backoff policy, and scheduler cadence.
type RuntimeConfig struct {
	// DispatcherTier selects "sync" (InlineExecutor) or "async"
	// (PooledExecutor).
	DispatcherTier      string
	WorkerPoolSize      int
	BackfillFractionPct int
	MaxRetries          int
	SchedulerInterval   int // seconds
	SchedulerLockTTL    int // seconds
	SchedulerOwnerToken string
}

// Option customises the application runtime.
type Option func(*builderConfig)

type builderConfig struct {
	runtime  RuntimeConfig
	registry *pipelineruntime.Registry
	db       *sql.DB
}

// WithRuntimeConfig overrides the runtime configuration used when wiring
// services.
func WithRuntimeConfig(cfg RuntimeConfig) Option {
	return func(b *builderConfig) { b.runtime = cfg }
}

// WithPipelineRegistry supplies the pipeline registry pipelines are
// registered against before New is called. A nil registry builds an empty
// one, which is only useful for tests.
func WithPipelineRegistry(reg *pipelineruntime.Registry) Option {
	return func(b *builderConfig) { b.registry = reg }
}

// WithDB attaches a *sql.DB so the Command Layer's CheckHealth command can
// reach it. A nil DB leaves that command reporting an in-memory deployment.
func WithDB(db *sql.DB) Option {
	return func(b *builderConfig) { b.db = db }
}

// Application ties Spine's services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logging.Logger

	Dispatcher *dispatcher.Dispatcher
	Ledger     *ledger.Service
	Workflow   *workflow.Runner
	Pipelines  *pipelineruntime.Registry
	Runtime    *pipelineruntime.Runtime
	Books      *bookkeeping.Service
	Scheduler  *scheduler.Scheduler
	DLQ        *dlq.Service

	Commands Commands
}

// Commands groups the transport-neutral Command Layer entries (spec.md
// §4.8) that need collaborators assembled by New.
type Commands struct {
	ListPipelines    command.ListPipelines
	DescribePipeline command.DescribePipeline
	RunPipeline      command.RunPipeline
	CheckHealth      command.CheckHealth
	GetCapabilities  command.GetCapabilities
}

// New builds a fully wired Application over stores.
func New(stores Stores, log *logging.Logger, opts ...Option) (*Application, error) {
	cfg := builderConfig{runtime: defaultRuntimeConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if log == nil {
		log = logging.NewDefault("spine")
	}
	registry := cfg.registry
	if registry == nil {
		registry = pipelineruntime.NewRegistry()
	}

	mem := memory.New()
	stores.applyDefaults(mem)

	manager := system.NewManager()

	retryPolicy := core.RetryPolicy{
		Attempts:       cfg.runtime.MaxRetries,
		InitialBackoff: ledgerInitialBackoff,
		MaxBackoff:     ledgerMaxBackoff,
		Multiplier:     2,
	}
	if retryPolicy.Attempts <= 0 {
		retryPolicy.Attempts = 1
	}
	// Ledger is built before Dispatcher since the Dispatcher's executor tier
	// depends on it for Mark*/transition calls; its OnRetry hand-off (which
	// depends on the Dispatcher) is bound afterward via AttachOnRetry,
	// breaking the cycle the same way the teacher's service wiring uses
	// AttachExecutor/AttachDependencies.
	ledgerSvc := ledger.New(stores.Executions, retryPolicy, log, ledger.WithObservationHooks(observability.LedgerHooks()))

	books := bookkeeping.New(stores.Bookkeeping, log)
	runtime := pipelineruntime.New(books, log, pipelineruntime.WithObservationHooks(observability.PipelineRuntimeHooks()))

	cancels := dispatcher.NewCancellations()
	var executor dispatcher.Executor
	var pooled *dispatcher.PooledExecutor
	switch cfg.runtime.DispatcherTier {
	case "async":
		pooled = dispatcher.NewPooledExecutor(ledgerSvc, cfg.runtime.WorkerPoolSize, float64(cfg.runtime.BackfillFractionPct)/100, log)
		pooled.AttachCancellations(cancels)
		executor = pooled
	default:
		inline := dispatcher.NewInlineExecutor(ledgerSvc, log)
		inline.AttachCancellations(cancels)
		executor = inline
	}

	disp := dispatcher.New(stores.Executions, registry, executor, log,
		dispatcher.WithInvoker(runtime),
		dispatcher.WithObservationHooks(observability.DispatcherHooks()),
		dispatcher.WithCancellations(cancels),
	)
	ledgerSvc.AttachOnRetry(disp.HandOff)

	wfRunner := workflow.New(stores.Workflows, disp, log, workflow.WithObservationHooks(observability.WorkflowHooks()))

	sched := scheduler.New(stores.Schedules, disp, cfg.runtime.SchedulerOwnerToken, log,
		scheduler.WithObservationHooks(observability.SchedulerHooks()),
		scheduler.WithInterval(time.Duration(cfg.runtime.SchedulerInterval)*time.Second),
		scheduler.WithLockTTL(time.Duration(cfg.runtime.SchedulerLockTTL)*time.Second),
	)

	dlqSvc := dlq.New(stores.Executions, ledgerSvc, log)

	if pooled != nil {
		if err := manager.Register(pooled); err != nil {
			return nil, fmt.Errorf("register pooled executor: %w", err)
		}
		// crashed-worker leases only exist in the async tier
		recovery := ledger.NewRecoverySweeper(ledgerSvc, recoverySweepInterval, recoverySweepBatch, log)
		if err := manager.Register(recovery); err != nil {
			return nil, fmt.Errorf("register recovery sweeper: %w", err)
		}
	}
	if err := manager.Register(sched); err != nil {
		return nil, fmt.Errorf("register scheduler: %w", err)
	}

	commands := Commands{
		ListPipelines:    command.ListPipelines{Registry: registry},
		DescribePipeline: command.DescribePipeline{Registry: registry},
		RunPipeline:      command.RunPipeline{Submitter: disp},
		CheckHealth:      command.CheckHealth{DB: cfg.db},
		GetCapabilities: command.GetCapabilities{Capabilities: command.CapabilitiesResponse{
			Async:      cfg.runtime.DispatcherTier == "async",
			History:    true,
			Scheduling: true,
			Auth:       false,
		}},
	}

	return &Application{
		manager:    manager,
		log:        log,
		Dispatcher: disp,
		Ledger:     ledgerSvc,
		Workflow:   wfRunner,
		Pipelines:  registry,
		Runtime:    runtime,
		Books:      books,
		Scheduler:  sched,
		DLQ:        dlqSvc,
		Commands:   commands,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start begins every registered background service (the pooled executor and
// the recovery sweeper, if the async tier is selected, and the scheduler).
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops every registered background service in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors returns advertised component descriptors for introspection.
func (a *Application) Descriptors() []core.Descriptor {
	return a.manager.Descriptors()
}

const (
	ledgerInitialBackoff  = 2 * time.Second
	ledgerMaxBackoff      = 2 * time.Minute
	recoverySweepInterval = time.Minute
	recoverySweepBatch    = 25
)

func defaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DispatcherTier:      "sync",
		WorkerPoolSize:      4,
		BackfillFractionPct: 25,
		MaxRetries:          3,
		SchedulerInterval:   15,
		SchedulerLockTTL:    60,
		SchedulerOwnerToken: "spine-scheduler",
	}
}

// PipelineRegistrar exposes the registration surface pipelines need from an
// Application at startup. cmd/spine registers no concrete pipelines.
type PipelineRegistrar interface {
	Register(p domainpipeline.Pipeline) error
}
