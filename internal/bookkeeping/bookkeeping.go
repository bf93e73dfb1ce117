// Package bookkeeping wraps storage.BookkeepingStore with the primitive
// APIs of spec.md §4.5: the manifest progress ledger, reject sink, anomaly
// recorder, quality runner, readiness certifier, and watermark advancer.
package bookkeeping

import (
	"context"
	"fmt"
	"time"

	service "github.com/spine-run/spine/internal/core/service"
	bk "github.com/spine-run/spine/internal/domain/bookkeeping"
	"github.com/spine-run/spine/internal/idgen"
	"github.com/spine-run/spine/internal/logging"
	"github.com/spine-run/spine/internal/storage"
)

// Service is the single entry point the Pipeline Runtime and Workflow
// Runner reach for whenever they need to record progress, a reject, a
// quality result, an anomaly, or advance a watermark.
type Service struct {
	store storage.BookkeepingStore
	log   *logging.Logger
}

// New builds a Service over store.
func New(store storage.BookkeepingStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("bookkeeping")
	}
	return &Service{store: store, log: log}
}

// Descriptor advertises this component's placement.
func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         "bookkeeping",
		Domain:       "orchestration",
		Layer:        service.LayerData,
		Capabilities: []string{"manifest", "rejects", "quality", "anomalies", "readiness", "watermarks", "backfill-plans"},
	}
}

// ManifestUpdate carries the fields MarkManifest needs beyond the
// composite key.
type ManifestUpdate struct {
	RowCount    int64
	Metrics     map[string]any
	ExecutionID string
	BatchID     string
	CaptureID   string
}

// MarkManifest upserts progress for (domain, partitionKey, stage) at
// stageRank. I3 (stage_rank is monotonic per partition) is enforced by the
// store's upsert, which never lets a write regress an existing rank.
func (s *Service) MarkManifest(ctx context.Context, domain, partitionKey, stage string, stageRank int, upd ManifestUpdate) error {
	return s.store.UpsertManifest(ctx, bk.Manifest{
		Domain: domain, PartitionKey: partitionKey, Stage: stage, StageRank: stageRank,
		RowCount: upd.RowCount, Metrics: upd.Metrics, ExecutionID: upd.ExecutionID,
		BatchID: upd.BatchID, CaptureID: upd.CaptureID, UpdatedAt: time.Now().UTC(),
	})
}

// GetManifest returns the manifest row for one (domain, partitionKey, stage).
func (s *Service) GetManifest(ctx context.Context, domain, partitionKey, stage string) (bk.Manifest, error) {
	return s.store.GetManifest(ctx, domain, partitionKey, stage)
}

// StageComplete reports whether stage is already recorded at a rank >= the
// given minimum rank — the Pipeline Runtime's idempotency skip check
// (spec.md §4.3 "skips if the manifest shows the stage is complete at an
// equal-or-newer capture").
func (s *Service) StageComplete(ctx context.Context, domain, partitionKey, stage string, minRank int) (bool, error) {
	mf, err := s.store.GetManifest(ctx, domain, partitionKey, stage)
	if err != nil {
		return false, nil //nolint:nilerr // not-found means not yet staged, not an error
	}
	return mf.StageRank >= minRank, nil
}

// ListManifest returns every stage recorded for (domain, partitionKey),
// ordered by stage_rank.
func (s *Service) ListManifest(ctx context.Context, domain, partitionKey string) ([]bk.Manifest, error) {
	return s.store.ListManifest(ctx, domain, partitionKey)
}

// RecordReject appends a Reject row. executionID is mandatory per spec.md
// §4.5's invariant that every reject must carry its originating execution.
func (s *Service) RecordReject(ctx context.Context, domain, partitionKey, stage, reasonCode, reasonDetail, executionID string, raw map[string]any, recordKey string) error {
	if executionID == "" {
		return fmt.Errorf("reject at %s/%s/%s: execution_id is required", domain, partitionKey, stage)
	}
	return s.store.CreateReject(ctx, bk.Reject{
		ID: idgen.NewID(), Domain: domain, PartitionKey: partitionKey, Stage: stage,
		ReasonCode: reasonCode, ReasonDetail: reasonDetail, RawJSON: raw,
		RecordKey: recordKey, ExecutionID: executionID,
	})
}

// ListRejects returns the most recent rejects for a partition, newest first.
func (s *Service) ListRejects(ctx context.Context, domain, partitionKey string, limit int) ([]bk.Reject, error) {
	return s.store.ListRejects(ctx, domain, partitionKey, service.ClampLimit(limit, 0, 0))
}

// Check is one named quality assertion a quality pass evaluates.
type Check struct {
	Name string
	Run  func(ctx context.Context) (actual float64, expected float64, outcome bk.QualityOutcome)
}

// RunQuality executes checks in order, recording one QualityResult per
// check (spec.md §4.5 "Append per check").
func (s *Service) RunQuality(ctx context.Context, domain, partitionKey, executionID string, checks []Check) ([]bk.QualityResult, error) {
	results := make([]bk.QualityResult, 0, len(checks))
	for _, c := range checks {
		actual, expected, outcome := c.Run(ctx)
		res := bk.QualityResult{
			ID: idgen.NewID(), Domain: domain, PartitionKey: partitionKey, CheckName: c.Name,
			Result: outcome, ActualValue: &actual, ExpectedValue: &expected, ExecutionID: executionID,
		}
		if err := s.store.CreateQualityResult(ctx, res); err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// ListQualityResults returns quality history for a partition, newest first.
func (s *Service) ListQualityResults(ctx context.Context, domain, partitionKey string) ([]bk.QualityResult, error) {
	return s.store.ListQualityResults(ctx, domain, partitionKey)
}

// AnomalyInput is the caller-supplied half of an Anomaly row.
type AnomalyInput struct {
	Domain          string
	WorkflowName    string
	PartitionKey    string
	Stage           string
	Severity        bk.Severity
	Category        string
	Message         string
	Details         map[string]any
	AffectedRecords *int64
	ExecutionID     string
}

// RecordAnomaly appends an Anomaly row.
func (s *Service) RecordAnomaly(ctx context.Context, in AnomalyInput) (bk.Anomaly, error) {
	return s.store.CreateAnomaly(ctx, bk.Anomaly{
		ID: idgen.NewID(), Domain: in.Domain, WorkflowName: in.WorkflowName, PartitionKey: in.PartitionKey,
		Stage: in.Stage, Severity: in.Severity, Category: in.Category, Message: in.Message,
		Details: in.Details, AffectedRecords: in.AffectedRecords, ExecutionID: in.ExecutionID,
	})
}

// ResolveAnomaly marks an anomaly resolved.
func (s *Service) ResolveAnomaly(ctx context.Context, id string) error {
	return s.store.ResolveAnomaly(ctx, id)
}

// ListAnomalies returns anomalies for domain, optionally filtered to
// unresolved only, newest first.
func (s *Service) ListAnomalies(ctx context.Context, domain string, unresolvedOnly bool, limit int) ([]bk.Anomaly, error) {
	return s.store.ListAnomalies(ctx, domain, unresolvedOnly, service.ClampLimit(limit, 0, 0))
}

// HasCriticalAnomalies reports whether domain/partitionKey has any
// unresolved CRITICAL anomaly — the readiness certification gate.
func (s *Service) HasCriticalAnomalies(ctx context.Context, domain, partitionKey string) (bool, error) {
	anomalies, err := s.store.ListAnomalies(ctx, domain, true, service.MaxListLimit)
	if err != nil {
		return false, err
	}
	for _, a := range anomalies {
		if a.PartitionKey == partitionKey && a.Severity == bk.SeverityCritical {
			return true, nil
		}
	}
	return false, nil
}

// UpsertWorkItem records or advances a backlog item.
func (s *Service) UpsertWorkItem(ctx context.Context, w bk.WorkItem) error {
	return s.store.UpsertWorkItem(ctx, w)
}

// GetWorkItem returns one backlog item.
func (s *Service) GetWorkItem(ctx context.Context, domain, workflowName, partitionKey string) (bk.WorkItem, error) {
	return s.store.GetWorkItem(ctx, domain, workflowName, partitionKey)
}

// ListWorkItems returns backlog items in a given state, oldest first.
func (s *Service) ListWorkItems(ctx context.Context, domain string, state bk.WorkItemState, limit int) ([]bk.WorkItem, error) {
	return s.store.ListWorkItems(ctx, domain, state, service.ClampLimit(limit, 0, 0))
}

// CertifyReadiness marks (domain, partitionKey) ready for readyFor, after
// verifying the two gating conditions spec.md §4.5 requires:
// no_critical_anomalies and all_stages_complete (every stage in
// requiredStages present in the manifest).
func (s *Service) CertifyReadiness(ctx context.Context, domain, partitionKey, readyFor string, requiredStages []string) error {
	critical, err := s.HasCriticalAnomalies(ctx, domain, partitionKey)
	if err != nil {
		return err
	}
	if critical {
		return fmt.Errorf("cannot certify %s/%s ready for %s: unresolved critical anomalies", domain, partitionKey, readyFor)
	}
	staged, err := s.store.ListManifest(ctx, domain, partitionKey)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(staged))
	for _, mf := range staged {
		present[mf.Stage] = true
	}
	for _, stage := range requiredStages {
		if !present[stage] {
			return fmt.Errorf("cannot certify %s/%s ready for %s: stage %q not complete", domain, partitionKey, readyFor, stage)
		}
	}
	return s.store.CertifyReadiness(ctx, bk.Readiness{
		Domain: domain, PartitionKey: partitionKey, ReadyFor: readyFor, CertifiedAt: time.Now().UTC(),
	})
}

// GetReadiness returns one readiness certification.
func (s *Service) GetReadiness(ctx context.Context, domain, partitionKey, readyFor string) (bk.Readiness, error) {
	return s.store.GetReadiness(ctx, domain, partitionKey, readyFor)
}

// AdvanceWatermark moves a source's high-water cursor forward, rejecting a
// regression unless force is set (spec.md §4.5 "Rejects non-monotonic
// updates unless force=true").
func (s *Service) AdvanceWatermark(ctx context.Context, domain, source, partitionKey, newHigh string, force bool) (bk.Watermark, error) {
	return s.store.AdvanceWatermark(ctx, bk.Watermark{
		Domain: domain, Source: source, PartitionKey: partitionKey, HighValue: newHigh, UpdatedAt: time.Now().UTC(),
	}, force)
}

// GetWatermark returns one watermark.
func (s *Service) GetWatermark(ctx context.Context, domain, source, partitionKey string) (bk.Watermark, error) {
	return s.store.GetWatermark(ctx, domain, source, partitionKey)
}

// CreateBackfillPlan records a new range-backfill request (spec.md §4.8's
// backfill plan command surface).
func (s *Service) CreateBackfillPlan(ctx context.Context, p bk.BackfillPlan) (bk.BackfillPlan, error) {
	if p.Status == "" {
		p.Status = bk.BackfillPlanned
	}
	return s.store.CreateBackfillPlan(ctx, p)
}

// UpdateBackfillPlan persists a status transition for an existing plan.
func (s *Service) UpdateBackfillPlan(ctx context.Context, p bk.BackfillPlan) (bk.BackfillPlan, error) {
	return s.store.UpdateBackfillPlan(ctx, p)
}

// GetBackfillPlan returns one backfill plan.
func (s *Service) GetBackfillPlan(ctx context.Context, planID string) (bk.BackfillPlan, error) {
	return s.store.GetBackfillPlan(ctx, planID)
}

// ListBackfillPlans returns plans for domain in a given status.
func (s *Service) ListBackfillPlans(ctx context.Context, domain string, status bk.BackfillPlanStatus) ([]bk.BackfillPlan, error) {
	return s.store.ListBackfillPlans(ctx, domain, status)
}
