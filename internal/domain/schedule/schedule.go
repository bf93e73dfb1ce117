// Package schedule defines the Scheduler's entities (spec.md §3.1, §4.6).
package schedule

import "time"

// Schedule is a declarative, cron-driven trigger for a pipeline.
type Schedule struct {
	ID                  string
	Name                string
	PipelineName        string
	Params              map[string]any
	CronExpression      string
	Timezone            string
	Lane                string
	Enabled             bool
	MaxInstances        int
	MisfireGraceSeconds int
	NextRunAt           *time.Time
	LastRunAt           *time.Time
	LastRunStatus       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RunStatus is a ScheduleRun's outcome.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunSubmitted RunStatus = "submitted"
	RunSkipped   RunStatus = "skipped"
)

// Run is one materialized firing of a Schedule.
type Run struct {
	ID          string
	ScheduleID  string
	ExecutionID string
	Status      RunStatus
	SkipReason  string
	FiredAt     time.Time
	CompletedAt *time.Time
}

// Lock is a per-schedule lease held only during a tick.
type Lock struct {
	ScheduleID string
	OwnerToken string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lock is past its TTL as of now.
func (l Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
