package pipeline

import (
	"context"
	"errors"

	"github.com/spine-run/spine/internal/bookkeeping"
	domainpipeline "github.com/spine-run/spine/internal/domain/pipeline"
	"github.com/spine-run/spine/internal/idgen"
	"github.com/spine-run/spine/internal/spineerr"
)

func isNotFound(err error) bool {
	return errors.Is(err, spineerr.ErrNotFound)
}

// Bookkeeper is the optional capability a Pipeline may type-assert its
// domainpipeline.Context against to reach the bookkeeping sinks of spec.md
// §4.5. It is kept separate from domainpipeline.Context so the plugin
// boundary stays narrow for pipelines that don't need it.
type Bookkeeper interface {
	// PrepareCapture implements the capture discipline and idempotency
	// check of spec.md §4.3: it decides whether (domain, partitionKey,
	// stage) is already complete at minRank, and if not, mints the
	// capture id every row this invocation writes must carry.
	PrepareCapture(ctx context.Context, stage, tier string, minRank int, mode domainpipeline.Mode, content map[string]string) (CaptureDecision, error)
	MarkManifest(ctx context.Context, stage string, stageRank int, upd bookkeeping.ManifestUpdate) error
	RecordReject(ctx context.Context, stage, reasonCode, reasonDetail string, raw map[string]any, recordKey string) error
	RecordAnomaly(ctx context.Context, in bookkeeping.AnomalyInput) error
	RunQuality(ctx context.Context, stage string, checks []bookkeeping.Check) error
	CertifyReadiness(ctx context.Context, readyFor string, requiredStages []string) error
	AdvanceWatermark(ctx context.Context, source, newHigh string, force bool) error
}

// runtimeContext is the concrete handle passed to Pipeline.Run. It
// satisfies domainpipeline.Context for identity/capture-id concerns and
// Bookkeeper for sink access.
type runtimeContext struct {
	ctx          context.Context
	executionID  string
	batchID      string
	domain       string
	tier         string
	partitionKey string
	books        *bookkeeping.Service
}

var (
	_ domainpipeline.Context = (*runtimeContext)(nil)
	_ Bookkeeper             = (*runtimeContext)(nil)
)

func (c *runtimeContext) ExecutionID() string { return c.executionID }
func (c *runtimeContext) BatchID() string     { return c.batchID }
func (c *runtimeContext) Context() context.Context { return c.ctx }

func (c *runtimeContext) NewCaptureID(domain, tier, partition string, content map[string]string) string {
	return idgen.CaptureID(domain, tier, partition, content)
}

func (c *runtimeContext) RecordReject(ctx context.Context, stage, reasonCode, reasonDetail string, raw map[string]any, recordKey string) error {
	return c.books.RecordReject(ctx, c.domain, c.partitionKey, stage, reasonCode, reasonDetail, c.executionID, raw, recordKey)
}

func (c *runtimeContext) RecordAnomaly(ctx context.Context, in bookkeeping.AnomalyInput) error {
	if in.Domain == "" {
		in.Domain = c.domain
	}
	if in.PartitionKey == "" {
		in.PartitionKey = c.partitionKey
	}
	if in.ExecutionID == "" {
		in.ExecutionID = c.executionID
	}
	_, err := c.books.RecordAnomaly(ctx, in)
	return err
}

func (c *runtimeContext) RunQuality(ctx context.Context, stage string, checks []bookkeeping.Check) error {
	_, err := c.books.RunQuality(ctx, c.domain, c.partitionKey, c.executionID, checks)
	return err
}

func (c *runtimeContext) MarkManifest(ctx context.Context, stage string, stageRank int, upd bookkeeping.ManifestUpdate) error {
	if upd.ExecutionID == "" {
		upd.ExecutionID = c.executionID
	}
	if upd.BatchID == "" {
		upd.BatchID = c.batchID
	}
	return c.books.MarkManifest(ctx, c.domain, c.partitionKey, stage, stageRank, upd)
}

func (c *runtimeContext) CertifyReadiness(ctx context.Context, readyFor string, requiredStages []string) error {
	return c.books.CertifyReadiness(ctx, c.domain, c.partitionKey, readyFor, requiredStages)
}

func (c *runtimeContext) AdvanceWatermark(ctx context.Context, source, newHigh string, force bool) error {
	_, err := c.books.AdvanceWatermark(ctx, c.domain, source, c.partitionKey, newHigh, force)
	return err
}

// CaptureDecision is PrepareCapture's verdict (spec.md §4.3).
type CaptureDecision struct {
	CaptureID         string
	PreviousCaptureID string // set in ModeReplace, for the caller to delete old rows keyed by it
	Skip              bool   // stage already complete at >= minRank; the caller should write nothing
}

func (c *runtimeContext) PrepareCapture(ctx context.Context, stage, tier string, minRank int, mode domainpipeline.Mode, content map[string]string) (CaptureDecision, error) {
	existing, err := c.books.GetManifest(ctx, c.domain, c.partitionKey, stage)
	hadPrior := err == nil
	if err != nil && !isNotFound(err) {
		return CaptureDecision{}, err
	}

	if hadPrior && existing.StageRank >= minRank {
		return CaptureDecision{CaptureID: existing.CaptureID, Skip: true}, nil
	}

	decision := CaptureDecision{CaptureID: idgen.CaptureID(c.domain, tier, c.partitionKey, content)}
	if mode == domainpipeline.ModeReplace && hadPrior {
		decision.PreviousCaptureID = existing.CaptureID
	}
	return decision, nil
}
