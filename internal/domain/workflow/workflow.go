// Package workflow defines the Workflow Runner's entities (spec.md §3.1,
// §4.4): runs, per-attempt steps, and the append-only event log.
package workflow

import "time"

// RunStatus is a WorkflowRun's lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run status accepts no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// StepKind is the kind of a DAG step (spec.md §4.4).
type StepKind string

const (
	StepPipeline StepKind = "pipeline"
	StepLambda   StepKind = "lambda"
	StepChoice   StepKind = "choice"
)

// StepStatus is a single step attempt's outcome.
type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Run is one DAG invocation.
type Run struct {
	RunID            string
	WorkflowName     string
	ExecutionID      string
	ParentRunID      string
	Status           RunStatus
	StepsTotal       int
	StepsCompleted   int
	StepsFailed      int
	ContextSnapshot  map[string]any
	CreatedAt        time.Time
	FinishedAt       *time.Time
}

// Step is one attempt of one DAG step.
type Step struct {
	StepID       string
	RunID        string
	StepName     string
	Kind         StepKind
	Attempt      int
	Status       StepStatus
	Output       map[string]any
	ErrorKind    string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// Event is an append-only lifecycle edge for a run.
type Event struct {
	ID             string
	RunID          string
	StepID         string
	EventType      string
	IdempotencyKey string
	Details        map[string]any
	OccurredAt     time.Time
}

// FailureClass classifies why a step failed, driving retry-vs-surface
// decisions (spec.md §4.4, §7).
type FailureClass string

const (
	FailureTransient  FailureClass = "TRANSIENT"
	FailureValidation FailureClass = "VALIDATION"
	FailureConfig     FailureClass = "CONFIG"
)
