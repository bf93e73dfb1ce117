// Package workflow implements the Workflow Runner (spec.md §4.4): an
// ordered DAG of steps sharing a WorkflowContext, with per-step retry
// policy. The runner records Step rows and WorkflowEvents only; it writes
// no manifest or anomaly rows.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	service "github.com/spine-run/spine/internal/core/service"
	"github.com/spine-run/spine/internal/dispatcher"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/domain/workflow"
	"github.com/spine-run/spine/internal/idgen"
	"github.com/spine-run/spine/internal/logging"
	"github.com/spine-run/spine/internal/spineerr"
	"github.com/spine-run/spine/internal/storage"
)

// LambdaFunc is a pure glue function for StepLambda steps: validation or
// small transformations, never the bulk work a pipeline should do.
type LambdaFunc func(ctx context.Context, wfctx *Context, cfg map[string]any) (map[string]any, error)

// ChoiceFunc evaluates a predicate against context for StepChoice steps. A
// false result skips the step's transitive dependents without failing the
// run.
type ChoiceFunc func(ctx context.Context, wfctx *Context) (bool, error)

// StepDef declares one node of a workflow's DAG.
type StepDef struct {
	Name        string
	Kind        workflow.StepKind
	DependsOn   []string
	RetryPolicy service.RetryPolicy

	// PipelineName and Lane are used when Kind == StepPipeline.
	PipelineName string
	Lane         execution.Lane
	Params       map[string]any

	Lambda LambdaFunc // used when Kind == StepLambda
	Choice ChoiceFunc // used when Kind == StepChoice
}

func (d StepDef) retryPolicy() service.RetryPolicy {
	if d.RetryPolicy.Attempts <= 0 {
		return service.DefaultRetryPolicy
	}
	return d.RetryPolicy
}

// WorkflowDef declares a registered workflow: its steps and the
// concurrency allowed within one topological layer.
type WorkflowDef struct {
	Name        string
	Steps       []StepDef
	Concurrency int
}

// PipelineSubmitter is the narrow view of the Dispatcher a StepPipeline
// step depends on. *dispatcher.Dispatcher satisfies this.
type PipelineSubmitter interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (execution.Execution, error)
}

// Runner executes registered WorkflowDefs (spec.md §4.4).
type Runner struct {
	store      storage.WorkflowStore
	submitter  PipelineSubmitter
	log        *logging.Logger
	hooks      service.ObservationHooks
	mu         sync.RWMutex
	defs       map[string]WorkflowDef
}

// Option configures optional Runner collaborators.
type Option func(*Runner)

// WithObservationHooks wires metrics/tracing around step execution.
func WithObservationHooks(hooks service.ObservationHooks) Option {
	return func(r *Runner) { r.hooks = hooks }
}

// New builds a Runner. submitter routes StepPipeline steps through the
// Dispatcher's admission algorithm (spec.md §4.1).
func New(store storage.WorkflowStore, submitter PipelineSubmitter, log *logging.Logger, opts ...Option) *Runner {
	if log == nil {
		log = logging.NewDefault("workflow")
	}
	r := &Runner{store: store, submitter: submitter, log: log, defs: make(map[string]WorkflowDef)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Descriptor advertises the Runner's placement and capabilities.
func (r *Runner) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         "workflow-runner",
		Domain:       "orchestration",
		Layer:        service.LayerEngine,
		Capabilities: []string{"dag", "retry", "choice"},
	}
}

// Register validates def's DAG (rejecting cycles and unknown dependency
// names per spec.md §4.4) and makes it runnable.
func (r *Runner) Register(def WorkflowDef) error {
	if def.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if def.Concurrency <= 0 {
		def.Concurrency = 1
	}
	if _, err := topoSort(def.Steps); err != nil {
		return fmt.Errorf("workflow %q: %w", def.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// Run executes workflowName's DAG to completion, associating the run with
// the given triggering execution (spec.md §4.4 "State").
func (r *Runner) Run(ctx context.Context, workflowName, executionID string, params map[string]any) (workflow.Run, error) {
	r.mu.RLock()
	def, ok := r.defs[workflowName]
	r.mu.RUnlock()
	if !ok {
		return workflow.Run{}, fmt.Errorf("workflow %q is not registered", workflowName)
	}
	layers, err := topoSort(def.Steps)
	if err != nil {
		return workflow.Run{}, err
	}

	run := workflow.Run{
		RunID:        idgen.NewID(),
		WorkflowName: workflowName,
		ExecutionID:  executionID,
		Status:       workflow.RunRunning,
		StepsTotal:   len(def.Steps),
		CreatedAt:    time.Now().UTC(),
	}
	created, err := r.store.CreateRun(ctx, run)
	if err != nil {
		return workflow.Run{}, err
	}

	wfctx := newContext(params)
	skipped := make(map[string]bool)
	completed, failed := 0, 0
	var runErr error

layers:
	for _, layer := range layers {
		sem := make(chan struct{}, def.Concurrency)
		var wg sync.WaitGroup
		var mu sync.Mutex

		for _, step := range layer {
			if dependencySkipped(step, skipped) {
				skipped[step.Name] = true
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(step StepDef) {
				defer wg.Done()
				defer func() { <-sem }()

				proceed, stepErr := r.runStep(ctx, created.RunID, step, wfctx)
				mu.Lock()
				defer mu.Unlock()
				if stepErr != nil {
					failed++
					if runErr == nil {
						runErr = stepErr
					}
					return
				}
				completed++
				if step.Kind == workflow.StepChoice && !proceed {
					skipped[step.Name] = true
				}
			}(step)
		}
		wg.Wait()
		if runErr != nil {
			break layers
		}
	}

	now := time.Now().UTC()
	status := workflow.RunCompleted
	if runErr != nil {
		status = workflow.RunFailed
	}
	if err := r.store.UpdateRunStatus(ctx, created.RunID, status, &now); err != nil {
		r.log.WithError(err).WithField("run_id", created.RunID).Warn("failed to update run status")
	}
	created.Status = status
	created.StepsCompleted = completed
	created.StepsFailed = failed
	created.FinishedAt = &now
	return created, runErr
}

// dependencySkipped reports whether any of step's dependencies were
// skipped (a StepChoice branch that evaluated false), in which case step
// itself is transitively skipped too.
func dependencySkipped(step StepDef, skipped map[string]bool) bool {
	for _, dep := range step.DependsOn {
		if skipped[dep] {
			return true
		}
	}
	return false
}

// runStep executes one step with its retry policy, appending a Step row
// and a WorkflowEvent (step.succeeded or step.failed) per attempt. It returns whether
// downstream steps should proceed (always true except a false StepChoice)
// and the terminal error, if any.
func (r *Runner) runStep(ctx context.Context, runID string, def StepDef, wfctx *Context) (bool, error) {
	policy := def.retryPolicy()
	var lastErr error

	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		stepID := idgen.NewID()
		started := time.Now().UTC()
		if _, err := r.store.CreateStep(ctx, workflow.Step{
			StepID: stepID, RunID: runID, StepName: def.Name, Kind: def.Kind,
			Attempt: attempt, Status: workflow.StepRunning, StartedAt: started,
		}); err != nil {
			r.log.WithError(err).WithField("step", def.Name).Warn("failed to record step start")
		}

		done := service.StartObservation(ctx, r.hooks, map[string]string{"step": def.Name, "kind": string(def.Kind)})
		out, proceed, runErr := r.execute(ctx, def, wfctx)
		done(runErr)
		finished := time.Now().UTC()

		if runErr == nil {
			_ = r.store.UpdateStep(ctx, workflow.Step{
				StepID: stepID, RunID: runID, StepName: def.Name, Kind: def.Kind,
				Attempt: attempt, Status: workflow.StepSucceeded, Output: out,
				StartedAt: started, FinishedAt: &finished,
			})
			r.appendEvent(ctx, runID, stepID, "step.succeeded")
			wfctx.set(def.Name, out)
			return proceed, nil
		}

		lastErr = runErr
		class := classifyFailure(runErr)
		_ = r.store.UpdateStep(ctx, workflow.Step{
			StepID: stepID, RunID: runID, StepName: def.Name, Kind: def.Kind,
			Attempt: attempt, Status: workflow.StepFailed, ErrorKind: string(class),
			ErrorMessage: runErr.Error(), StartedAt: started, FinishedAt: &finished,
		})
		r.appendEvent(ctx, runID, stepID, "step.failed")

		if class != workflow.FailureTransient {
			return false, runErr // VALIDATION/CONFIG failures are not retried (spec.md §4.4)
		}
		if attempt < policy.Attempts {
			backoff := service.BackoffForAttempt(policy, attempt)
			if backoff > 0 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return false, ctx.Err()
				}
			}
		}
	}
	return false, lastErr
}

// execute dispatches a step by kind and returns (output, proceed, error).
// proceed is only meaningful for StepChoice; other kinds always return true.
func (r *Runner) execute(ctx context.Context, def StepDef, wfctx *Context) (map[string]any, bool, error) {
	switch def.Kind {
	case workflow.StepPipeline:
		e, err := r.submitter.Submit(ctx, dispatcher.SubmitRequest{
			PipelineName: def.PipelineName,
			Params:       def.Params,
			Lane:         def.Lane,
		})
		if err != nil {
			return nil, true, err
		}
		if e.Status == execution.StatusFailed || e.Status == execution.StatusDLQ {
			return nil, true, spineerr.Newf("workflow.step.pipeline", spineerr.Kind(firstNonEmpty(e.ErrorKind, string(spineerr.Internal))), "%s", e.ErrorMessage)
		}
		return map[string]any{"execution_id": e.ID, "status": string(e.Status)}, true, nil

	case workflow.StepLambda:
		if def.Lambda == nil {
			return nil, true, fmt.Errorf("step %q is kind lambda but has no Lambda func", def.Name)
		}
		out, err := def.Lambda(ctx, wfctx, def.Params)
		return out, true, err

	case workflow.StepChoice:
		if def.Choice == nil {
			return nil, true, fmt.Errorf("step %q is kind choice but has no Choice func", def.Name)
		}
		proceed, err := def.Choice(ctx, wfctx)
		return map[string]any{"proceed": proceed}, proceed, err

	default:
		return nil, true, fmt.Errorf("unknown step kind %q", def.Kind)
	}
}

func (r *Runner) appendEvent(ctx context.Context, runID, stepID, eventType string) {
	if err := r.store.AppendWorkflowEvent(ctx, workflow.Event{
		ID: idgen.NewEventID(), RunID: runID, StepID: stepID, EventType: eventType, OccurredAt: time.Now().UTC(),
	}); err != nil {
		r.log.WithError(err).WithField("run_id", runID).Warn("failed to append workflow event")
	}
}

func classifyFailure(err error) workflow.FailureClass {
	switch spineerr.KindOf(err) {
	case spineerr.Transient, spineerr.Source:
		return workflow.FailureTransient
	case spineerr.Config:
		return workflow.FailureConfig
	default:
		return workflow.FailureValidation
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
