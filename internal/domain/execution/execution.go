// Package execution defines the Execution Ledger's core entities (spec.md
// §3.1, §4.2): the Execution state machine, its append-only event log,
// dead letters, and concurrency locks.
package execution

import "time"

// Status is an Execution's lifecycle state (spec.md §4.2 state machine).
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusDLQ       Status = "dlq"
)

// Terminal reports whether a status is a terminal state (I6): no further
// transitions are accepted from it, except the failed -> dlq edge used for
// dead-lettering.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDLQ:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the state machine's accepted edges.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusQueued: true, StatusRunning: true, StatusCancelled: true},
	StatusQueued:  {StatusRunning: true, StatusCancelled: true},
	StatusRunning: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:  {StatusDLQ: true},
}

// CanTransition reports whether from -> to is an accepted edge.
func CanTransition(from, to Status) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Lane is a routing label selecting an Executor (spec.md §4.1).
type Lane string

const (
	LaneNormal   Lane = "normal"
	LaneBackfill Lane = "backfill"
	LaneRealtime Lane = "realtime"
)

// Execution is the persistent, authoritative record of one pipeline
// invocation (spec.md §3.1).
type Execution struct {
	ID                string
	PipelineName      string
	Lane              Lane
	TriggerSource     string
	Params            map[string]any
	LogicalKey        string
	IdempotencyKey    string
	Status            Status
	ParentExecutionID string
	RetryCount        int
	MaxRetries        int
	LockedBy          string
	LeaseExpiresAt    *time.Time
	TimeoutSeconds    int
	ErrorKind         string
	ErrorMessage      string
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// Cancellable reports whether the execution may still be cancelled.
func (e Execution) Cancellable() bool {
	return !e.Status.Terminal()
}

// ExecutionEvent is an append-only lifecycle edge (I2).
type ExecutionEvent struct {
	ID             string
	ExecutionID    string
	FromStatus     Status
	ToStatus       Status
	Kind           string
	Message        string
	IdempotencyKey string
	OccurredAt     time.Time
}

// DeadLetter represents a terminal failure after retry exhaustion (spec.md
// §4.7). Retrying a dead letter creates a fresh Execution; the dead letter
// row itself is only ever mutated to set ResolvedAt/LastRetryAt.
type DeadLetter struct {
	ID           string
	ExecutionID  string
	PipelineName string
	RetryCount   int
	ErrorKind    string
	ErrorMessage string
	CreatedAt    time.Time
	LastRetryAt  *time.Time
	ResolvedAt   *time.Time
}

// Resolved reports whether a dead letter has been marked resolved.
func (d DeadLetter) Resolved() bool { return d.ResolvedAt != nil }

// ConcurrencyLock is a bounded-TTL, key-based lease enforcing exclusive
// processing of a (domain, partition, tier) across workers (spec.md §5).
type ConcurrencyLock struct {
	LockKey    string
	OwnerToken string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lock is past its TTL as of now.
func (l ConcurrencyLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
