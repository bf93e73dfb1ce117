package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/spineerr"
	"github.com/spine-run/spine/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func executionColumns() []string {
	return []string{
		"id", "pipeline_name", "lane", "trigger_source", "params", "logical_key", "idempotency_key",
		"status", "parent_execution_id", "retry_count", "max_retries", "locked_by", "lease_expires_at",
		"timeout_seconds", "error_kind", "error_message", "created_at", "started_at", "finished_at",
	}
}

func executionRow(id, status string, created time.Time) []driver.Value {
	return []driver.Value{
		id, "p", "normal", "manual", []byte(`{}`), nil, nil,
		status, nil, 0, 3, nil, nil,
		3600, nil, nil, created, nil, nil,
	}
}

func TestCreateExecutionMapsUniqueViolation(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO core_executions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ux_core_executions_active_logical_key"})

	_, err := store.CreateExecution(context.Background(), execution.Execution{
		ID: "e1", PipelineName: "p", Lane: execution.LaneNormal, Status: execution.StatusPending, LogicalKey: "lk",
	})
	if !errors.Is(err, spineerr.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransitionExecutionRejectsInvalidEdgeWithoutSQL(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	// completed -> running is not an edge of the state machine; no SQL runs
	_, err := store.TransitionExecution(context.Background(), "e1", execution.StatusCompleted, execution.StatusRunning, storage.TransitionOptions{})
	if !errors.Is(err, spineerr.ErrTerminalState) {
		t.Fatalf("expected terminal-state error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTransitionExecutionGuardsOnCurrentStatus(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	// the WHERE id AND status predicate matches nothing: lost-update guard
	mock.ExpectExec("UPDATE core_executions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.TransitionExecution(context.Background(), "e1", execution.StatusRunning, execution.StatusCompleted, storage.TransitionOptions{})
	if !errors.Is(err, spineerr.ErrTerminalState) {
		t.Fatalf("expected guarded transition to fail, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLeaseNextMarksRowsRunning(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	created := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM core_executions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("e1"))
	mock.ExpectExec("UPDATE core_executions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT id, pipeline_name").
		WillReturnRows(sqlmock.NewRows(executionColumns()).AddRow(executionRow("e1", "running", created)...))

	leased, err := store.LeaseNext(context.Background(), execution.LaneNormal, 1, "w1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 1 || leased[0].ID != "e1" {
		t.Fatalf("expected e1 leased, got %+v", leased)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendExecutionEventMapsIdempotencyCollision(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO core_execution_events").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ux_core_execution_events_idempotency_key"})

	err := store.AppendExecutionEvent(context.Background(), execution.ExecutionEvent{
		ID: "ev1", ExecutionID: "e1", ToStatus: execution.StatusRunning, IdempotencyKey: "k",
	})
	if !errors.Is(err, spineerr.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetExecutionMapsNoRowsToNotFound(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, pipeline_name").
		WillReturnRows(sqlmock.NewRows(executionColumns()))

	_, err := store.GetExecution(context.Background(), "missing")
	if !errors.Is(err, spineerr.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListStaleRunningScansRows(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	created := time.Now().UTC()
	row := executionRow("e1", "running", created)
	mock.ExpectQuery("SELECT id, pipeline_name").
		WillReturnRows(sqlmock.NewRows(executionColumns()).AddRow(row...))

	stale, err := store.ListStaleRunning(context.Background(), time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "e1" || stale[0].Status != execution.StatusRunning {
		t.Fatalf("expected one running stale row, got %+v", stale)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
