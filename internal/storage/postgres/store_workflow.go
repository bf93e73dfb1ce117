package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/spine-run/spine/internal/domain/workflow"
	"github.com/spine-run/spine/internal/spineerr"
)

func (s *Store) CreateRun(ctx context.Context, r workflow.Run) (workflow.Run, error) {
	snapshot, err := marshalMap(r.ContextSnapshot)
	if err != nil {
		return workflow.Run{}, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_workflow_runs (run_id, workflow_name, execution_id, parent_run_id, status, steps_total, steps_completed, steps_failed, context_snapshot, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, r.RunID, r.WorkflowName, toNullString(r.ExecutionID), toNullString(r.ParentRunID), string(r.Status),
		r.StepsTotal, r.StepsCompleted, r.StepsFailed, snapshot, r.CreatedAt)
	if err != nil {
		return workflow.Run{}, err
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (workflow.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_name, execution_id, parent_run_id, status, steps_total, steps_completed, steps_failed, context_snapshot, created_at, finished_at
		FROM core_workflow_runs WHERE run_id = $1
	`, runID)

	var (
		r                       workflow.Run
		executionID, parentID   sql.NullString
		snapshot                []byte
		finishedAt              sql.NullTime
	)
	if err := row.Scan(&r.RunID, &r.WorkflowName, &executionID, &parentID, &r.Status, &r.StepsTotal,
		&r.StepsCompleted, &r.StepsFailed, &snapshot, &r.CreatedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.Run{}, spineerr.New("postgres.GetRun", spineerr.Internal, spineerr.ErrNotFound)
		}
		return workflow.Run{}, err
	}
	r.ExecutionID = executionID.String
	r.ParentRunID = parentID.String
	r.FinishedAt = fromNullTime(finishedAt)
	ctxSnap, err := unmarshalMap(snapshot)
	if err != nil {
		return workflow.Run{}, err
	}
	r.ContextSnapshot = ctxSnap
	return r, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status workflow.RunStatus, finishedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE core_workflow_runs SET status = $1, finished_at = COALESCE($2, finished_at) WHERE run_id = $3
	`, string(status), toNullTime(finishedAt), runID)
	return err
}

func (s *Store) CreateStep(ctx context.Context, st workflow.Step) (workflow.Step, error) {
	output, err := marshalMap(st.Output)
	if err != nil {
		return workflow.Step{}, err
	}
	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_workflow_steps (step_id, run_id, step_name, kind, attempt, status, output, error_kind, error_message, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, st.StepID, st.RunID, st.StepName, string(st.Kind), st.Attempt, string(st.Status), output,
		toNullString(st.ErrorKind), toNullString(st.ErrorMessage), st.StartedAt)
	if err != nil {
		return workflow.Step{}, err
	}
	return st, nil
}

func (s *Store) UpdateStep(ctx context.Context, st workflow.Step) error {
	output, err := marshalMap(st.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE core_workflow_steps
		SET status = $1, output = $2, error_kind = $3, error_message = $4, finished_at = $5
		WHERE step_id = $6
	`, string(st.Status), output, toNullString(st.ErrorKind), toNullString(st.ErrorMessage), toNullTime(st.FinishedAt), st.StepID)
	return err
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]workflow.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, run_id, step_name, kind, attempt, status, output, error_kind, error_message, started_at, finished_at
		FROM core_workflow_steps WHERE run_id = $1 ORDER BY started_at, attempt
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.Step
	for rows.Next() {
		var (
			st              workflow.Step
			output          []byte
			errKind, errMsg sql.NullString
			finishedAt      sql.NullTime
		)
		if err := rows.Scan(&st.StepID, &st.RunID, &st.StepName, &st.Kind, &st.Attempt, &st.Status,
			&output, &errKind, &errMsg, &st.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		st.ErrorKind = errKind.String
		st.ErrorMessage = errMsg.String
		st.FinishedAt = fromNullTime(finishedAt)
		outputMap, err := unmarshalMap(output)
		if err != nil {
			return nil, err
		}
		st.Output = outputMap
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) AppendWorkflowEvent(ctx context.Context, ev workflow.Event) error {
	details, err := marshalMap(ev.Details)
	if err != nil {
		return err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_workflow_events (id, run_id, step_id, event_type, idempotency_key, details, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, ev.ID, ev.RunID, toNullString(ev.StepID), ev.EventType, toNullString(ev.IdempotencyKey), details, ev.OccurredAt)
	if err != nil && isUniqueViolation(err) {
		return spineerr.New("postgres.workflow.AppendEvent", spineerr.Orchestration, spineerr.ErrDuplicateKey)
	}
	return err
}

func (s *Store) ListWorkflowEvents(ctx context.Context, runID string) ([]workflow.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, event_type, idempotency_key, details, occurred_at
		FROM core_workflow_events WHERE run_id = $1 ORDER BY occurred_at, id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.Event
	for rows.Next() {
		var (
			ev              workflow.Event
			stepID, idemp   sql.NullString
			details         []byte
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepID, &ev.EventType, &idemp, &details, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.StepID = stepID.String
		ev.IdempotencyKey = idemp.String
		d, err := unmarshalMap(details)
		if err != nil {
			return nil, err
		}
		ev.Details = d
		out = append(out, ev)
	}
	return out, rows.Err()
}
