// Package bookkeeping defines the progress-ledger, quality, and readiness
// entities of spec.md §3.1/§4.5: Manifest, Reject, Anomaly, QualityResult,
// WorkItem, DataReadiness, Watermark, and BackfillPlan.
package bookkeeping

import "time"

// Severity classifies an Anomaly (spec.md §4.5).
type Severity string

const (
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// QualityOutcome is a single quality check's verdict.
type QualityOutcome string

const (
	QualityPass QualityOutcome = "PASS"
	QualityWarn QualityOutcome = "WARN"
	QualityFail QualityOutcome = "FAIL"
)

// Manifest is the progress ledger keyed by (domain, partition_key, stage)
// (I3: stage_rank is monotonic per partition).
type Manifest struct {
	Domain       string
	PartitionKey string
	Stage        string
	StageRank    int
	RowCount     int64
	Metrics      map[string]any
	ExecutionID  string
	BatchID      string
	CaptureID    string
	UpdatedAt    time.Time
}

// Reject is one invalid source record, append-only.
type Reject struct {
	ID           string
	Domain       string
	PartitionKey string
	Stage        string
	ReasonCode   string
	ReasonDetail string
	RawJSON      map[string]any
	RecordKey    string
	ExecutionID  string
	CreatedAt    time.Time
}

// QualityResult is one quality check's outcome for one partition, append-only.
type QualityResult struct {
	ID            string
	Domain        string
	PartitionKey  string
	CheckName     string
	Result        QualityOutcome
	ActualValue   *float64
	ExpectedValue *float64
	ExecutionID   string
	CreatedAt     time.Time
}

// Anomaly is a detected quality event.
type Anomaly struct {
	ID              string
	Domain          string
	WorkflowName    string
	PartitionKey    string
	Stage           string
	Severity        Severity
	Category        string
	Message         string
	Details         map[string]any
	AffectedRecords *int64
	ExecutionID     string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}

// Resolved reports whether the anomaly has been marked resolved.
func (a Anomaly) Resolved() bool { return a.ResolvedAt != nil }

// WorkItemState is a backlog item's processing state.
type WorkItemState string

const (
	WorkItemPending    WorkItemState = "pending"
	WorkItemInProgress WorkItemState = "in_progress"
	WorkItemDone       WorkItemState = "done"
	WorkItemFailed     WorkItemState = "failed"
)

// WorkItem drives backlog ingestion, keyed by (domain, workflow, partition_key).
type WorkItem struct {
	Domain       string
	WorkflowName string
	PartitionKey string
	State        WorkItemState
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Readiness certifies a partition as ready for downstream consumption.
type Readiness struct {
	Domain       string
	PartitionKey string
	ReadyFor     string
	CertifiedAt  time.Time
}

// Watermark is a monotonic incremental cursor, keyed by (domain, source, partition_key).
type Watermark struct {
	Domain       string
	Source       string
	PartitionKey string
	HighValue    string
	UpdatedAt    time.Time
}

// BackfillPlanStatus is a BackfillPlan's lifecycle state.
type BackfillPlanStatus string

const (
	BackfillPlanned   BackfillPlanStatus = "planned"
	BackfillRunning   BackfillPlanStatus = "running"
	BackfillCompleted BackfillPlanStatus = "completed"
	BackfillFailed    BackfillPlanStatus = "failed"
)

// BackfillPlan describes a range-backfill operator request.
type BackfillPlan struct {
	PlanID       string
	Domain       string
	WorkflowName string
	RangeStart   string
	RangeEnd     string
	Tier         string
	Status       BackfillPlanStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
