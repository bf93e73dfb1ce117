package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/spineerr"
	"github.com/spine-run/spine/internal/storage"
)

func (s *Store) CreateExecution(ctx context.Context, e execution.Execution) (execution.Execution, error) {
	paramsJSON, err := marshalMap(e.Params)
	if err != nil {
		return execution.Execution{}, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_executions (
			id, pipeline_name, lane, trigger_source, params, logical_key, idempotency_key,
			status, parent_execution_id, retry_count, max_retries, timeout_seconds, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, e.ID, e.PipelineName, string(e.Lane), e.TriggerSource, paramsJSON, toNullString(e.LogicalKey),
		toNullString(e.IdempotencyKey), string(e.Status), toNullString(e.ParentExecutionID),
		e.RetryCount, e.MaxRetries, e.TimeoutSeconds, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return execution.Execution{}, spineerr.New("postgres.CreateExecution", spineerr.Orchestration, spineerr.ErrDuplicateKey)
		}
		return execution.Execution{}, err
	}
	return e, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (execution.Execution, error) {
	return s.scanExecutionRow(s.db.QueryRowContext(ctx, executionSelectCols+`
		FROM core_executions WHERE id = $1
	`, id))
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (execution.Execution, error) {
	return s.scanExecutionRow(s.db.QueryRowContext(ctx, executionSelectCols+`
		FROM core_executions WHERE idempotency_key = $1
	`, key))
}

func (s *Store) FindActiveByLogicalKey(ctx context.Context, key string) (execution.Execution, error) {
	return s.scanExecutionRow(s.db.QueryRowContext(ctx, executionSelectCols+`
		FROM core_executions
		WHERE logical_key = $1 AND status IN ('pending', 'queued', 'running')
	`, key))
}

const executionSelectCols = `
	SELECT id, pipeline_name, lane, trigger_source, params, logical_key, idempotency_key,
	       status, parent_execution_id, retry_count, max_retries, locked_by, lease_expires_at,
	       timeout_seconds, error_kind, error_message, created_at, started_at, finished_at
`

func (s *Store) scanExecutionRow(row *sql.Row) (execution.Execution, error) {
	return scanExecution(row)
}

func scanExecution(sc rowScanner) (execution.Execution, error) {
	var (
		e                                                    execution.Execution
		lane, logicalKey, idempotencyKey, parentID, lockedBy sql.NullString
		errKind, errMsg                                      sql.NullString
		paramsRaw                                            []byte
		leaseExpiresAt, startedAt, finishedAt                sql.NullTime
	)
	if err := sc.Scan(&e.ID, &e.PipelineName, &lane, &e.TriggerSource, &paramsRaw, &logicalKey,
		&idempotencyKey, &e.Status, &parentID, &e.RetryCount, &e.MaxRetries, &lockedBy,
		&leaseExpiresAt, &e.TimeoutSeconds, &errKind, &errMsg, &e.CreatedAt, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return execution.Execution{}, spineerr.New("postgres.scanExecution", spineerr.Internal, spineerr.ErrNotFound)
		}
		return execution.Execution{}, err
	}
	e.Lane = execution.Lane(lane.String)
	e.LogicalKey = logicalKey.String
	e.IdempotencyKey = idempotencyKey.String
	e.ParentExecutionID = parentID.String
	e.LockedBy = lockedBy.String
	e.ErrorKind = errKind.String
	e.ErrorMessage = errMsg.String
	e.LeaseExpiresAt = fromNullTime(leaseExpiresAt)
	e.StartedAt = fromNullTime(startedAt)
	e.FinishedAt = fromNullTime(finishedAt)
	params, err := unmarshalMap(paramsRaw)
	if err != nil {
		return execution.Execution{}, err
	}
	e.Params = params
	return e, nil
}

func (s *Store) TransitionExecution(ctx context.Context, id string, from, to execution.Status, opts storage.TransitionOptions) (execution.Execution, error) {
	if !execution.CanTransition(from, to) {
		return execution.Execution{}, spineerr.New("postgres.TransitionExecution", spineerr.Orchestration, spineerr.ErrTerminalState)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return execution.Execution{}, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE core_executions
		SET status = $1, error_kind = $2, error_message = $3,
		    retry_count = COALESCE($4, retry_count),
		    started_at = COALESCE($5, started_at),
		    finished_at = COALESCE($6, finished_at)
		WHERE id = $7 AND status = $8
	`, string(to), toNullString(opts.ErrorKind), toNullString(opts.ErrorMessage), opts.RetryCount,
		toNullTime(opts.StartedAt), toNullTime(opts.FinishedAt), id, string(from))
	if err != nil {
		return execution.Execution{}, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return execution.Execution{}, err
	}
	if rows == 0 {
		return execution.Execution{}, spineerr.New("postgres.TransitionExecution", spineerr.Orchestration, spineerr.ErrTerminalState)
	}
	if err := tx.Commit(); err != nil {
		return execution.Execution{}, err
	}
	return s.GetExecution(ctx, id)
}

// LeaseNext selects up to limit ready executions for lane and marks them
// running under the caller's ownerToken, using FOR UPDATE SKIP LOCKED so
// concurrent dispatcher workers never double-lease a row.
func (s *Store) LeaseNext(ctx context.Context, lane execution.Lane, limit int, ownerToken string, leaseFor time.Duration) ([]execution.Execution, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM core_executions
		WHERE lane = $1 AND status IN ('pending', 'queued')
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, string(lane), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	expires := now.Add(leaseFor)
	leased := make([]execution.Execution, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE core_executions
			SET status = 'running', locked_by = $1, lease_expires_at = $2, started_at = COALESCE(started_at, $3)
			WHERE id = $4
		`, ownerToken, expires, now, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		leased = append(leased, e)
	}
	return leased, nil
}

// ListStaleRunning returns running executions whose lease expired before
// asOf, oldest lease first. The recovery sweep marks them failed(stale_lease).
func (s *Store) ListStaleRunning(ctx context.Context, asOf time.Time, limit int) ([]execution.Execution, error) {
	rows, err := s.db.QueryContext(ctx, executionSelectCols+`
		FROM core_executions
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
		ORDER BY lease_expires_at
		LIMIT $2
	`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []execution.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AppendExecutionEvent(ctx context.Context, ev execution.ExecutionEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_execution_events (id, execution_id, from_status, to_status, kind, message, idempotency_key, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ev.ID, ev.ExecutionID, toNullString(string(ev.FromStatus)), string(ev.ToStatus), toNullString(ev.Kind),
		toNullString(ev.Message), toNullString(ev.IdempotencyKey), ev.OccurredAt)
	if err != nil && isUniqueViolation(err) {
		return spineerr.New("postgres.AppendEvent", spineerr.Orchestration, spineerr.ErrDuplicateKey)
	}
	return err
}

func (s *Store) ListExecutionEvents(ctx context.Context, executionID string) ([]execution.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, from_status, to_status, kind, message, idempotency_key, occurred_at
		FROM core_execution_events
		WHERE execution_id = $1
		ORDER BY occurred_at, id
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []execution.ExecutionEvent
	for rows.Next() {
		var (
			ev                      execution.ExecutionEvent
			from, kind, msg, idemp  sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &from, &ev.ToStatus, &kind, &msg, &idemp, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.FromStatus = execution.Status(from.String)
		ev.Kind = kind.String
		ev.Message = msg.String
		ev.IdempotencyKey = idemp.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) CreateDeadLetter(ctx context.Context, dl execution.DeadLetter) (execution.DeadLetter, error) {
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_dead_letters (id, execution_id, pipeline_name, retry_count, error_kind, error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, dl.ID, dl.ExecutionID, dl.PipelineName, dl.RetryCount, toNullString(dl.ErrorKind), toNullString(dl.ErrorMessage), dl.CreatedAt)
	if err != nil {
		return execution.DeadLetter{}, err
	}
	return dl, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (execution.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, pipeline_name, retry_count, error_kind, error_message, created_at, last_retry_at, resolved_at
		FROM core_dead_letters WHERE id = $1
	`, id)
	return scanDeadLetter(row)
}

func (s *Store) ListDeadLetters(ctx context.Context, resolved bool, limit int) ([]execution.DeadLetter, error) {
	clause := "resolved_at IS NULL"
	if resolved {
		clause = "resolved_at IS NOT NULL"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, pipeline_name, retry_count, error_kind, error_message, created_at, last_retry_at, resolved_at
		FROM core_dead_letters WHERE `+clause+`
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []execution.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetterRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *Store) ResolveDeadLetter(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE core_dead_letters SET resolved_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

func (s *Store) MarkDeadLetterRetried(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE core_dead_letters SET last_retry_at = $1 WHERE id = $2`, at, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row *sql.Row) (execution.DeadLetter, error) {
	return scanDeadLetterScanner(row)
}

func scanDeadLetterRows(rows *sql.Rows) (execution.DeadLetter, error) {
	return scanDeadLetterScanner(rows)
}

func scanDeadLetterScanner(sc rowScanner) (execution.DeadLetter, error) {
	var (
		dl                        execution.DeadLetter
		errKind, errMsg           sql.NullString
		lastRetryAt, resolvedAt   sql.NullTime
	)
	if err := sc.Scan(&dl.ID, &dl.ExecutionID, &dl.PipelineName, &dl.RetryCount, &errKind, &errMsg, &dl.CreatedAt, &lastRetryAt, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return execution.DeadLetter{}, spineerr.New("postgres.scanDeadLetter", spineerr.Internal, spineerr.ErrNotFound)
		}
		return execution.DeadLetter{}, err
	}
	dl.ErrorKind = errKind.String
	dl.ErrorMessage = errMsg.String
	dl.LastRetryAt = fromNullTime(lastRetryAt)
	dl.ResolvedAt = fromNullTime(resolvedAt)
	return dl, nil
}

func (s *Store) AcquireConcurrencyLock(ctx context.Context, lockKey, ownerToken string, ttl time.Duration) (execution.ConcurrencyLock, bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return execution.ConcurrencyLock{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var existingOwner string
	var existingExpires time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT owner_token, expires_at FROM core_concurrency_locks WHERE lock_key = $1 FOR UPDATE
	`, lockKey).Scan(&existingOwner, &existingExpires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO core_concurrency_locks (lock_key, owner_token, acquired_at, expires_at)
			VALUES ($1,$2,$3,$4)
		`, lockKey, ownerToken, now, expires); err != nil {
			return execution.ConcurrencyLock{}, false, err
		}
	case err != nil:
		return execution.ConcurrencyLock{}, false, err
	default:
		if existingOwner != ownerToken && now.Before(existingExpires) {
			return execution.ConcurrencyLock{}, false, tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE core_concurrency_locks SET owner_token = $1, acquired_at = $2, expires_at = $3 WHERE lock_key = $4
		`, ownerToken, now, expires, lockKey); err != nil {
			return execution.ConcurrencyLock{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return execution.ConcurrencyLock{}, false, err
	}
	return execution.ConcurrencyLock{LockKey: lockKey, OwnerToken: ownerToken, AcquiredAt: now, ExpiresAt: expires}, true, nil
}

func (s *Store) ReleaseConcurrencyLock(ctx context.Context, lockKey, ownerToken string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM core_concurrency_locks WHERE lock_key = $1 AND owner_token = $2`, lockKey, ownerToken)
	return err
}

// isUniqueViolation recognizes Postgres unique-constraint failures by SQLSTATE
// 23505, with a string fallback for wrapped drivers that don't expose pq.Error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key value") || strings.Contains(err.Error(), "unique constraint")
}
