package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/spine-run/spine/internal/domain/bookkeeping"
	"github.com/spine-run/spine/internal/spineerr"
)

func (s *Store) UpsertManifest(ctx context.Context, m bookkeeping.Manifest) error {
	metrics, err := marshalMap(m.Metrics)
	if err != nil {
		return err
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_manifest (domain, partition_key, stage, stage_rank, row_count, metrics, execution_id, batch_id, capture_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (domain, partition_key, stage) DO UPDATE
		SET stage_rank = GREATEST(core_manifest.stage_rank, EXCLUDED.stage_rank),
		    row_count = EXCLUDED.row_count,
		    metrics = EXCLUDED.metrics,
		    execution_id = EXCLUDED.execution_id,
		    batch_id = EXCLUDED.batch_id,
		    capture_id = EXCLUDED.capture_id,
		    updated_at = EXCLUDED.updated_at
	`, m.Domain, m.PartitionKey, m.Stage, m.StageRank, m.RowCount, metrics, toNullString(m.ExecutionID),
		toNullString(m.BatchID), toNullString(m.CaptureID), m.UpdatedAt)
	return err
}

func (s *Store) GetManifest(ctx context.Context, domain, partitionKey, stage string) (bookkeeping.Manifest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, partition_key, stage, stage_rank, row_count, metrics, execution_id, batch_id, capture_id, updated_at
		FROM core_manifest WHERE domain = $1 AND partition_key = $2 AND stage = $3
	`, domain, partitionKey, stage)
	return scanManifest(row)
}

func (s *Store) ListManifest(ctx context.Context, domain, partitionKey string) ([]bookkeeping.Manifest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, partition_key, stage, stage_rank, row_count, metrics, execution_id, batch_id, capture_id, updated_at
		FROM core_manifest WHERE domain = $1 AND partition_key = $2 ORDER BY stage_rank
	`, domain, partitionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bookkeeping.Manifest
	for rows.Next() {
		m, err := scanManifestScanner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanManifest(row *sql.Row) (bookkeeping.Manifest, error) {
	return scanManifestScanner(row)
}

func scanManifestScanner(sc rowScanner) (bookkeeping.Manifest, error) {
	var (
		m                             bookkeeping.Manifest
		metrics                       []byte
		executionID, batchID, capture sql.NullString
	)
	if err := sc.Scan(&m.Domain, &m.PartitionKey, &m.Stage, &m.StageRank, &m.RowCount, &metrics,
		&executionID, &batchID, &capture, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bookkeeping.Manifest{}, spineerr.New("postgres.GetManifest", spineerr.Internal, spineerr.ErrNotFound)
		}
		return bookkeeping.Manifest{}, err
	}
	m.ExecutionID = executionID.String
	m.BatchID = batchID.String
	m.CaptureID = capture.String
	metricsMap, err := unmarshalMap(metrics)
	if err != nil {
		return bookkeeping.Manifest{}, err
	}
	m.Metrics = metricsMap
	return m, nil
}

func (s *Store) CreateReject(ctx context.Context, r bookkeeping.Reject) error {
	raw, err := marshalMap(r.RawJSON)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_rejects (id, domain, partition_key, stage, reason_code, reason_detail, raw_json, record_key, execution_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, r.ID, r.Domain, r.PartitionKey, r.Stage, r.ReasonCode, toNullString(r.ReasonDetail), raw,
		toNullString(r.RecordKey), r.ExecutionID, r.CreatedAt)
	return err
}

func (s *Store) ListRejects(ctx context.Context, domain, partitionKey string, limit int) ([]bookkeeping.Reject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, partition_key, stage, reason_code, reason_detail, raw_json, record_key, execution_id, created_at
		FROM core_rejects WHERE domain = $1 AND partition_key = $2 ORDER BY created_at DESC LIMIT $3
	`, domain, partitionKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bookkeeping.Reject
	for rows.Next() {
		var (
			r                        bookkeeping.Reject
			reasonDetail, recordKey  sql.NullString
			raw                      []byte
		)
		if err := rows.Scan(&r.ID, &r.Domain, &r.PartitionKey, &r.Stage, &r.ReasonCode, &reasonDetail,
			&raw, &recordKey, &r.ExecutionID, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ReasonDetail = reasonDetail.String
		r.RecordKey = recordKey.String
		rawMap, err := unmarshalMap(raw)
		if err != nil {
			return nil, err
		}
		r.RawJSON = rawMap
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateQualityResult(ctx context.Context, q bookkeeping.QualityResult) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_quality (id, domain, partition_key, check_name, result, actual_value, expected_value, execution_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, q.ID, q.Domain, q.PartitionKey, q.CheckName, string(q.Result), q.ActualValue, q.ExpectedValue,
		toNullString(q.ExecutionID), q.CreatedAt)
	return err
}

func (s *Store) ListQualityResults(ctx context.Context, domain, partitionKey string) ([]bookkeeping.QualityResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, partition_key, check_name, result, actual_value, expected_value, execution_id, created_at
		FROM core_quality WHERE domain = $1 AND partition_key = $2 ORDER BY created_at DESC
	`, domain, partitionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bookkeeping.QualityResult
	for rows.Next() {
		var (
			q           bookkeeping.QualityResult
			executionID sql.NullString
		)
		if err := rows.Scan(&q.ID, &q.Domain, &q.PartitionKey, &q.CheckName, &q.Result, &q.ActualValue,
			&q.ExpectedValue, &executionID, &q.CreatedAt); err != nil {
			return nil, err
		}
		q.ExecutionID = executionID.String
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) CreateAnomaly(ctx context.Context, a bookkeeping.Anomaly) (bookkeeping.Anomaly, error) {
	details, err := marshalMap(a.Details)
	if err != nil {
		return bookkeeping.Anomaly{}, err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_anomalies (id, domain, workflow_name, partition_key, stage, severity, category, message, details, affected_records, execution_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, a.ID, a.Domain, toNullString(a.WorkflowName), toNullString(a.PartitionKey), toNullString(a.Stage),
		string(a.Severity), a.Category, a.Message, details, a.AffectedRecords, toNullString(a.ExecutionID), a.CreatedAt)
	if err != nil {
		return bookkeeping.Anomaly{}, err
	}
	return a, nil
}

func (s *Store) ResolveAnomaly(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE core_anomalies SET resolved_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

func (s *Store) ListAnomalies(ctx context.Context, domain string, unresolvedOnly bool, limit int) ([]bookkeeping.Anomaly, error) {
	query := `
		SELECT id, domain, workflow_name, partition_key, stage, severity, category, message, details, affected_records, execution_id, created_at, resolved_at
		FROM core_anomalies WHERE domain = $1`
	if unresolvedOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, domain, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bookkeeping.Anomaly
	for rows.Next() {
		var (
			a                                     bookkeeping.Anomaly
			workflowName, partitionKey, stage     sql.NullString
			executionID                           sql.NullString
			details                               []byte
			resolvedAt                            sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.Domain, &workflowName, &partitionKey, &stage, &a.Severity, &a.Category,
			&a.Message, &details, &a.AffectedRecords, &executionID, &a.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		a.WorkflowName = workflowName.String
		a.PartitionKey = partitionKey.String
		a.Stage = stage.String
		a.ExecutionID = executionID.String
		a.ResolvedAt = fromNullTime(resolvedAt)
		d, err := unmarshalMap(details)
		if err != nil {
			return nil, err
		}
		a.Details = d
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpsertWorkItem(ctx context.Context, w bookkeeping.WorkItem) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_work_items (domain, workflow_name, partition_key, state, attempts, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (domain, workflow_name, partition_key) DO UPDATE
		SET state = EXCLUDED.state, attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at
	`, w.Domain, w.WorkflowName, w.PartitionKey, string(w.State), w.Attempts, toNullString(w.LastError), w.CreatedAt, w.UpdatedAt)
	return err
}

func (s *Store) GetWorkItem(ctx context.Context, domain, workflowName, partitionKey string) (bookkeeping.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, workflow_name, partition_key, state, attempts, last_error, created_at, updated_at
		FROM core_work_items WHERE domain = $1 AND workflow_name = $2 AND partition_key = $3
	`, domain, workflowName, partitionKey)

	var (
		w         bookkeeping.WorkItem
		lastError sql.NullString
	)
	if err := row.Scan(&w.Domain, &w.WorkflowName, &w.PartitionKey, &w.State, &w.Attempts, &lastError, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bookkeeping.WorkItem{}, spineerr.New("postgres.GetWorkItem", spineerr.Internal, spineerr.ErrNotFound)
		}
		return bookkeeping.WorkItem{}, err
	}
	w.LastError = lastError.String
	return w, nil
}

func (s *Store) ListWorkItems(ctx context.Context, domain string, state bookkeeping.WorkItemState, limit int) ([]bookkeeping.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, workflow_name, partition_key, state, attempts, last_error, created_at, updated_at
		FROM core_work_items WHERE domain = $1 AND state = $2 ORDER BY updated_at LIMIT $3
	`, domain, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bookkeeping.WorkItem
	for rows.Next() {
		var (
			w         bookkeeping.WorkItem
			lastError sql.NullString
		)
		if err := rows.Scan(&w.Domain, &w.WorkflowName, &w.PartitionKey, &w.State, &w.Attempts, &lastError, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.LastError = lastError.String
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) CertifyReadiness(ctx context.Context, r bookkeeping.Readiness) error {
	if r.CertifiedAt.IsZero() {
		r.CertifiedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_data_readiness (domain, partition_key, ready_for, certified_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (domain, partition_key, ready_for) DO UPDATE SET certified_at = EXCLUDED.certified_at
	`, r.Domain, r.PartitionKey, r.ReadyFor, r.CertifiedAt)
	return err
}

func (s *Store) GetReadiness(ctx context.Context, domain, partitionKey, readyFor string) (bookkeeping.Readiness, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, partition_key, ready_for, certified_at
		FROM core_data_readiness WHERE domain = $1 AND partition_key = $2 AND ready_for = $3
	`, domain, partitionKey, readyFor)
	var r bookkeeping.Readiness
	if err := row.Scan(&r.Domain, &r.PartitionKey, &r.ReadyFor, &r.CertifiedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bookkeeping.Readiness{}, spineerr.New("postgres.GetReadiness", spineerr.Internal, spineerr.ErrNotFound)
		}
		return bookkeeping.Readiness{}, err
	}
	return r, nil
}

// AdvanceWatermark advances the high watermark, refusing a regression unless
// force is set (spec.md open-question resolution: downgrade requires
// force=true). No anomaly is recorded for a forced downgrade.
func (s *Store) AdvanceWatermark(ctx context.Context, w bookkeeping.Watermark, force bool) (bookkeeping.Watermark, error) {
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}
	if force {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO core_watermarks (domain, source, partition_key, high_value, updated_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (domain, source, partition_key) DO UPDATE
			SET high_value = EXCLUDED.high_value, updated_at = EXCLUDED.updated_at
		`, w.Domain, w.Source, w.PartitionKey, w.HighValue, w.UpdatedAt)
		return w, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO core_watermarks (domain, source, partition_key, high_value, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (domain, source, partition_key) DO UPDATE
		SET high_value = EXCLUDED.high_value, updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.high_value >= core_watermarks.high_value
	`, w.Domain, w.Source, w.PartitionKey, w.HighValue, w.UpdatedAt)
	if err != nil {
		return bookkeeping.Watermark{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		current, getErr := s.GetWatermark(ctx, w.Domain, w.Source, w.PartitionKey)
		if getErr != nil {
			return bookkeeping.Watermark{}, getErr
		}
		return current, spineerr.New("postgres.AdvanceWatermark", spineerr.Validation, spineerr.ErrInvalidParams)
	}
	return w, nil
}

func (s *Store) GetWatermark(ctx context.Context, domain, source, partitionKey string) (bookkeeping.Watermark, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, source, partition_key, high_value, updated_at
		FROM core_watermarks WHERE domain = $1 AND source = $2 AND partition_key = $3
	`, domain, source, partitionKey)
	var w bookkeeping.Watermark
	if err := row.Scan(&w.Domain, &w.Source, &w.PartitionKey, &w.HighValue, &w.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bookkeeping.Watermark{}, spineerr.New("postgres.GetWatermark", spineerr.Internal, spineerr.ErrNotFound)
		}
		return bookkeeping.Watermark{}, err
	}
	return w, nil
}

func (s *Store) CreateBackfillPlan(ctx context.Context, p bookkeeping.BackfillPlan) (bookkeeping.BackfillPlan, error) {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_backfill_plans (plan_id, domain, workflow_name, range_start, range_end, tier, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, p.PlanID, p.Domain, p.WorkflowName, p.RangeStart, p.RangeEnd, toNullString(p.Tier), string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return bookkeeping.BackfillPlan{}, err
	}
	return p, nil
}

func (s *Store) UpdateBackfillPlan(ctx context.Context, p bookkeeping.BackfillPlan) (bookkeeping.BackfillPlan, error) {
	p.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE core_backfill_plans SET status = $1, updated_at = $2 WHERE plan_id = $3
	`, string(p.Status), p.UpdatedAt, p.PlanID)
	if err != nil {
		return bookkeeping.BackfillPlan{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return bookkeeping.BackfillPlan{}, spineerr.New("postgres.UpdateBackfillPlan", spineerr.Internal, spineerr.ErrNotFound)
	}
	return p, nil
}

func (s *Store) GetBackfillPlan(ctx context.Context, planID string) (bookkeeping.BackfillPlan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plan_id, domain, workflow_name, range_start, range_end, tier, status, created_at, updated_at
		FROM core_backfill_plans WHERE plan_id = $1
	`, planID)
	var (
		p    bookkeeping.BackfillPlan
		tier sql.NullString
	)
	if err := row.Scan(&p.PlanID, &p.Domain, &p.WorkflowName, &p.RangeStart, &p.RangeEnd, &tier, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bookkeeping.BackfillPlan{}, spineerr.New("postgres.GetBackfillPlan", spineerr.Internal, spineerr.ErrNotFound)
		}
		return bookkeeping.BackfillPlan{}, err
	}
	p.Tier = tier.String
	return p, nil
}

func (s *Store) ListBackfillPlans(ctx context.Context, domain string, status bookkeeping.BackfillPlanStatus) ([]bookkeeping.BackfillPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, domain, workflow_name, range_start, range_end, tier, status, created_at, updated_at
		FROM core_backfill_plans WHERE domain = $1 AND status = $2 ORDER BY created_at DESC
	`, domain, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bookkeeping.BackfillPlan
	for rows.Next() {
		var (
			p    bookkeeping.BackfillPlan
			tier sql.NullString
		)
		if err := rows.Scan(&p.PlanID, &p.Domain, &p.WorkflowName, &p.RangeStart, &p.RangeEnd, &tier, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Tier = tier.String
		out = append(out, p)
	}
	return out, rows.Err()
}
