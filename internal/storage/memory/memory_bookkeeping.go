package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spine-run/spine/internal/domain/bookkeeping"
	"github.com/spine-run/spine/internal/spineerr"
)

func manifestKey(domain, partitionKey, stage string) string {
	return domain + "|" + partitionKey + "|" + stage
}

func workItemKey(domain, workflowName, partitionKey string) string {
	return domain + "|" + workflowName + "|" + partitionKey
}

func readinessKey(domain, partitionKey, readyFor string) string {
	return domain + "|" + partitionKey + "|" + readyFor
}

func watermarkKey(domain, source, partitionKey string) string {
	return domain + "|" + source + "|" + partitionKey
}

func (m *Memory) UpsertManifest(_ context.Context, mf bookkeeping.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := manifestKey(mf.Domain, mf.PartitionKey, mf.Stage)
	if existing, ok := m.manifest[key]; ok && existing.StageRank > mf.StageRank {
		mf.StageRank = existing.StageRank
	}
	if mf.UpdatedAt.IsZero() {
		mf.UpdatedAt = time.Now().UTC()
	}
	mf.Metrics = copyMap(mf.Metrics)
	m.manifest[key] = mf
	return nil
}

func (m *Memory) GetManifest(_ context.Context, domain, partitionKey, stage string) (bookkeeping.Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mf, ok := m.manifest[manifestKey(domain, partitionKey, stage)]
	if !ok {
		return bookkeeping.Manifest{}, spineerr.New("memory.GetManifest", spineerr.Internal, spineerr.ErrNotFound)
	}
	return mf, nil
}

func (m *Memory) ListManifest(_ context.Context, domain, partitionKey string) ([]bookkeeping.Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []bookkeeping.Manifest
	for _, mf := range m.manifest {
		if mf.Domain == domain && mf.PartitionKey == partitionKey {
			out = append(out, mf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageRank < out[j].StageRank })
	return out, nil
}

func (m *Memory) CreateReject(_ context.Context, r bookkeeping.Reject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.RawJSON = copyMap(r.RawJSON)
	key := r.Domain + "|" + r.PartitionKey
	m.rejects[key] = append(m.rejects[key], r)
	return nil
}

func (m *Memory) ListRejects(_ context.Context, domain, partitionKey string, limit int) ([]bookkeeping.Reject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]bookkeeping.Reject(nil), m.rejects[domain+"|"+partitionKey]...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateQualityResult(_ context.Context, q bookkeeping.QualityResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	key := q.Domain + "|" + q.PartitionKey
	m.quality[key] = append(m.quality[key], q)
	return nil
}

func (m *Memory) ListQualityResults(_ context.Context, domain, partitionKey string) ([]bookkeeping.QualityResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]bookkeeping.QualityResult(nil), m.quality[domain+"|"+partitionKey]...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateAnomaly(_ context.Context, a bookkeeping.Anomaly) (bookkeeping.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Details = copyMap(a.Details)
	m.anomalies[a.ID] = a
	return a, nil
}

func (m *Memory) ResolveAnomaly(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anomalies[id]
	if !ok {
		return spineerr.New("memory.ResolveAnomaly", spineerr.Internal, spineerr.ErrNotFound)
	}
	now := time.Now().UTC()
	a.ResolvedAt = &now
	m.anomalies[id] = a
	return nil
}

func (m *Memory) ListAnomalies(_ context.Context, domain string, unresolvedOnly bool, limit int) ([]bookkeeping.Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []bookkeeping.Anomaly
	for _, a := range m.anomalies {
		if a.Domain != domain {
			continue
		}
		if unresolvedOnly && a.Resolved() {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertWorkItem(_ context.Context, w bookkeeping.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	m.workItems[workItemKey(w.Domain, w.WorkflowName, w.PartitionKey)] = w
	return nil
}

func (m *Memory) GetWorkItem(_ context.Context, domain, workflowName, partitionKey string) (bookkeeping.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workItems[workItemKey(domain, workflowName, partitionKey)]
	if !ok {
		return bookkeeping.WorkItem{}, spineerr.New("memory.GetWorkItem", spineerr.Internal, spineerr.ErrNotFound)
	}
	return w, nil
}

func (m *Memory) ListWorkItems(_ context.Context, domain string, state bookkeeping.WorkItemState, limit int) ([]bookkeeping.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []bookkeeping.WorkItem
	for _, w := range m.workItems {
		if w.Domain == domain && w.State == state {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CertifyReadiness(_ context.Context, r bookkeeping.Readiness) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CertifiedAt.IsZero() {
		r.CertifiedAt = time.Now().UTC()
	}
	m.readiness[readinessKey(r.Domain, r.PartitionKey, r.ReadyFor)] = r
	return nil
}

func (m *Memory) GetReadiness(_ context.Context, domain, partitionKey, readyFor string) (bookkeeping.Readiness, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readiness[readinessKey(domain, partitionKey, readyFor)]
	if !ok {
		return bookkeeping.Readiness{}, spineerr.New("memory.GetReadiness", spineerr.Internal, spineerr.ErrNotFound)
	}
	return r, nil
}

// AdvanceWatermark mirrors the postgres store's semantics: a regression is
// rejected unless force is set.
func (m *Memory) AdvanceWatermark(_ context.Context, w bookkeeping.Watermark, force bool) (bookkeeping.Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := watermarkKey(w.Domain, w.Source, w.PartitionKey)
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}
	existing, ok := m.watermarks[key]
	if ok && !force && w.HighValue < existing.HighValue {
		return existing, spineerr.New("memory.AdvanceWatermark", spineerr.Validation, spineerr.ErrInvalidParams)
	}
	m.watermarks[key] = w
	return w, nil
}

func (m *Memory) GetWatermark(_ context.Context, domain, source, partitionKey string) (bookkeeping.Watermark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watermarks[watermarkKey(domain, source, partitionKey)]
	if !ok {
		return bookkeeping.Watermark{}, spineerr.New("memory.GetWatermark", spineerr.Internal, spineerr.ErrNotFound)
	}
	return w, nil
}

func (m *Memory) CreateBackfillPlan(_ context.Context, p bookkeeping.BackfillPlan) (bookkeeping.BackfillPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.PlanID == "" {
		p.PlanID = fmt.Sprintf("bfp-%d", len(m.backfillPlans)+1)
	}
	m.backfillPlans[p.PlanID] = p
	return p, nil
}

func (m *Memory) UpdateBackfillPlan(_ context.Context, p bookkeeping.BackfillPlan) (bookkeeping.BackfillPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backfillPlans[p.PlanID]; !ok {
		return bookkeeping.BackfillPlan{}, spineerr.New("memory.UpdateBackfillPlan", spineerr.Internal, spineerr.ErrNotFound)
	}
	p.UpdatedAt = time.Now().UTC()
	m.backfillPlans[p.PlanID] = p
	return p, nil
}

func (m *Memory) GetBackfillPlan(_ context.Context, planID string) (bookkeeping.BackfillPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.backfillPlans[planID]
	if !ok {
		return bookkeeping.BackfillPlan{}, spineerr.New("memory.GetBackfillPlan", spineerr.Internal, spineerr.ErrNotFound)
	}
	return p, nil
}

func (m *Memory) ListBackfillPlans(_ context.Context, domain string, status bookkeeping.BackfillPlanStatus) ([]bookkeeping.BackfillPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []bookkeeping.BackfillPlan
	for _, p := range m.backfillPlans {
		if p.Domain == domain && p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
