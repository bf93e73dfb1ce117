package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/spine-run/spine/internal/domain/schedule"
	"github.com/spine-run/spine/internal/spineerr"
)

func (s *Store) CreateSchedule(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	params, err := marshalMap(sc.Params)
	if err != nil {
		return schedule.Schedule{}, err
	}
	now := time.Now().UTC()
	sc.CreatedAt, sc.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_schedules (id, name, pipeline_name, params, cron_expression, timezone, lane, enabled, max_instances, misfire_grace_seconds, next_run_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sc.ID, sc.Name, sc.PipelineName, params, sc.CronExpression, sc.Timezone, sc.Lane, sc.Enabled,
		sc.MaxInstances, sc.MisfireGraceSeconds, toNullTime(sc.NextRunAt), sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return sc, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	return s.scanSchedule(s.db.QueryRowContext(ctx, scheduleSelectCols+`FROM core_schedules WHERE id = $1`, id))
}

const scheduleSelectCols = `
	SELECT id, name, pipeline_name, params, cron_expression, timezone, lane, enabled, max_instances,
	       misfire_grace_seconds, next_run_at, last_run_at, last_run_status, created_at, updated_at
`

func (s *Store) scanSchedule(row *sql.Row) (schedule.Schedule, error) {
	var (
		sc                             schedule.Schedule
		params                         []byte
		lastRunStatus                  sql.NullString
		nextRunAt, lastRunAt           sql.NullTime
	)
	if err := row.Scan(&sc.ID, &sc.Name, &sc.PipelineName, &params, &sc.CronExpression, &sc.Timezone,
		&sc.Lane, &sc.Enabled, &sc.MaxInstances, &sc.MisfireGraceSeconds, &nextRunAt, &lastRunAt,
		&lastRunStatus, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return schedule.Schedule{}, spineerr.New("postgres.GetSchedule", spineerr.Internal, spineerr.ErrNotFound)
		}
		return schedule.Schedule{}, err
	}
	sc.NextRunAt = fromNullTime(nextRunAt)
	sc.LastRunAt = fromNullTime(lastRunAt)
	sc.LastRunStatus = lastRunStatus.String
	p, err := unmarshalMap(params)
	if err != nil {
		return schedule.Schedule{}, err
	}
	sc.Params = p
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]schedule.Schedule, error) {
	query := scheduleSelectCols + `FROM core_schedules`
	if enabledOnly {
		query += ` WHERE enabled = true`
	}
	query += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduleRows(rows)
}

func (s *Store) DueSchedules(ctx context.Context, asOf time.Time) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelectCols+`
		FROM core_schedules WHERE enabled = true AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at
	`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduleRows(rows)
}

func scanScheduleRows(rows *sql.Rows) ([]schedule.Schedule, error) {
	var out []schedule.Schedule
	for rows.Next() {
		var (
			sc                   schedule.Schedule
			params               []byte
			lastRunStatus        sql.NullString
			nextRunAt, lastRunAt sql.NullTime
		)
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.PipelineName, &params, &sc.CronExpression, &sc.Timezone,
			&sc.Lane, &sc.Enabled, &sc.MaxInstances, &sc.MisfireGraceSeconds, &nextRunAt, &lastRunAt,
			&lastRunStatus, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		sc.NextRunAt = fromNullTime(nextRunAt)
		sc.LastRunAt = fromNullTime(lastRunAt)
		sc.LastRunStatus = lastRunStatus.String
		p, err := unmarshalMap(params)
		if err != nil {
			return nil, err
		}
		sc.Params = p
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSchedule(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, error) {
	params, err := marshalMap(sc.Params)
	if err != nil {
		return schedule.Schedule{}, err
	}
	sc.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE core_schedules
		SET pipeline_name = $2, params = $3, cron_expression = $4, timezone = $5, lane = $6, enabled = $7,
		    max_instances = $8, misfire_grace_seconds = $9, next_run_at = $10, last_run_at = $11,
		    last_run_status = $12, updated_at = $13
		WHERE id = $1
	`, sc.ID, sc.PipelineName, params, sc.CronExpression, sc.Timezone, sc.Lane, sc.Enabled, sc.MaxInstances,
		sc.MisfireGraceSeconds, toNullTime(sc.NextRunAt), toNullTime(sc.LastRunAt), toNullString(sc.LastRunStatus), sc.UpdatedAt)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return schedule.Schedule{}, spineerr.New("postgres.UpdateSchedule", spineerr.Internal, spineerr.ErrNotFound)
	}
	return sc, nil
}

func (s *Store) CreateScheduleRun(ctx context.Context, r schedule.Run) (schedule.Run, error) {
	if r.FiredAt.IsZero() {
		r.FiredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_schedule_runs (id, schedule_id, execution_id, status, skip_reason, fired_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, r.ID, r.ScheduleID, toNullString(r.ExecutionID), string(r.Status), toNullString(r.SkipReason), r.FiredAt, toNullTime(r.CompletedAt))
	if err != nil {
		return schedule.Run{}, err
	}
	return r, nil
}

func (s *Store) ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]schedule.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, execution_id, status, skip_reason, fired_at, completed_at
		FROM core_schedule_runs WHERE schedule_id = $1 ORDER BY fired_at DESC LIMIT $2
	`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Run
	for rows.Next() {
		var (
			r                    schedule.Run
			executionID, reason  sql.NullString
			completedAt          sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.ScheduleID, &executionID, &r.Status, &reason, &r.FiredAt, &completedAt); err != nil {
			return nil, err
		}
		r.ExecutionID = executionID.String
		r.SkipReason = reason.String
		r.CompletedAt = fromNullTime(completedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AcquireScheduleLock(ctx context.Context, scheduleID, ownerToken string, ttl time.Duration) (schedule.Lock, bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schedule.Lock{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var existingOwner string
	var existingExpires time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT owner_token, expires_at FROM core_schedule_locks WHERE schedule_id = $1 FOR UPDATE
	`, scheduleID).Scan(&existingOwner, &existingExpires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO core_schedule_locks (schedule_id, owner_token, acquired_at, expires_at) VALUES ($1,$2,$3,$4)
		`, scheduleID, ownerToken, now, expires); err != nil {
			return schedule.Lock{}, false, err
		}
	case err != nil:
		return schedule.Lock{}, false, err
	default:
		if existingOwner != ownerToken && now.Before(existingExpires) {
			return schedule.Lock{}, false, tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE core_schedule_locks SET owner_token = $1, acquired_at = $2, expires_at = $3 WHERE schedule_id = $4
		`, ownerToken, now, expires, scheduleID); err != nil {
			return schedule.Lock{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return schedule.Lock{}, false, err
	}
	return schedule.Lock{ScheduleID: scheduleID, OwnerToken: ownerToken, AcquiredAt: now, ExpiresAt: expires}, true, nil
}

func (s *Store) ReleaseScheduleLock(ctx context.Context, scheduleID, ownerToken string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM core_schedule_locks WHERE schedule_id = $1 AND owner_token = $2`, scheduleID, ownerToken)
	return err
}
