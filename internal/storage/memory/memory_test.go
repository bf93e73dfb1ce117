package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spine-run/spine/internal/domain/bookkeeping"
	"github.com/spine-run/spine/internal/domain/execution"
	"github.com/spine-run/spine/internal/spineerr"
	"github.com/spine-run/spine/internal/storage"
)

func TestCreateExecutionRejectsDuplicateActiveLogicalKey(t *testing.T) {
	m := New()
	ctx := context.Background()

	if _, err := m.CreateExecution(ctx, execution.Execution{ID: "e1", LogicalKey: "lk", Status: execution.StatusPending}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.CreateExecution(ctx, execution.Execution{ID: "e2", LogicalKey: "lk", Status: execution.StatusPending}); !errors.Is(err, spineerr.ErrDuplicateKey) {
		t.Fatalf("expected duplicate logical key error, got %v", err)
	}

	// a terminal holder of the key frees it for re-admission
	now := time.Now().UTC()
	if _, err := m.TransitionExecution(ctx, "e1", execution.StatusPending, execution.StatusCancelled, storage.TransitionOptions{FinishedAt: &now}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := m.CreateExecution(ctx, execution.Execution{ID: "e3", LogicalKey: "lk", Status: execution.StatusPending}); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
}

func TestLeaseNextOrdersByCreationAndNeverDoubleLeases(t *testing.T) {
	m := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"e-b", "e-a", "e-c"} {
		if _, err := m.CreateExecution(ctx, execution.Execution{
			ID: id, Lane: execution.LaneNormal, Status: execution.StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	first, err := m.LeaseNext(ctx, execution.LaneNormal, 2, "w1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(first) != 2 || first[0].ID != "e-b" || first[1].ID != "e-a" {
		t.Fatalf("expected oldest-first lease of e-b, e-a; got %+v", first)
	}
	for _, e := range first {
		if e.Status != execution.StatusRunning || e.LockedBy != "w1" {
			t.Fatalf("expected leased row running and locked by w1, got %+v", e)
		}
	}

	second, err := m.LeaseNext(ctx, execution.LaneNormal, 10, "w2", time.Minute)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(second) != 1 || second[0].ID != "e-c" {
		t.Fatalf("expected only e-c to remain leasable, got %+v", second)
	}
}

func TestAppendExecutionEventEnforcesIdempotencyKey(t *testing.T) {
	m := New()
	ctx := context.Background()
	ev := execution.ExecutionEvent{ID: "ev1", ExecutionID: "e1", ToStatus: execution.StatusRunning, IdempotencyKey: "k"}
	if err := m.AppendExecutionEvent(ctx, ev); err != nil {
		t.Fatalf("first append: %v", err)
	}
	ev.ID = "ev2"
	if err := m.AppendExecutionEvent(ctx, ev); !errors.Is(err, spineerr.ErrDuplicateKey) {
		t.Fatalf("expected duplicate idempotency key error, got %v", err)
	}
}

func TestUpsertManifestNeverRegressesStageRank(t *testing.T) {
	m := New()
	ctx := context.Background()

	if err := m.UpsertManifest(ctx, bookkeeping.Manifest{Domain: "d", PartitionKey: "p", Stage: "s", StageRank: 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.UpsertManifest(ctx, bookkeeping.Manifest{Domain: "d", PartitionKey: "p", Stage: "s", StageRank: 1, RowCount: 42}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	mf, err := m.GetManifest(ctx, "d", "p", "s")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mf.StageRank != 3 {
		t.Fatalf("expected rank to hold at 3, got %d", mf.StageRank)
	}
	if mf.RowCount != 42 {
		t.Fatalf("expected non-rank fields to update, got row_count %d", mf.RowCount)
	}
}

func TestAdvanceWatermarkRejectsRegressionUnlessForced(t *testing.T) {
	m := New()
	ctx := context.Background()

	if _, err := m.AdvanceWatermark(ctx, bookkeeping.Watermark{Domain: "d", Source: "s", PartitionKey: "p", HighValue: "2025-06-01"}, false); err != nil {
		t.Fatalf("initial advance: %v", err)
	}
	if _, err := m.AdvanceWatermark(ctx, bookkeeping.Watermark{Domain: "d", Source: "s", PartitionKey: "p", HighValue: "2025-05-01"}, false); err == nil {
		t.Fatal("expected regression without force to be rejected")
	}
	if _, err := m.AdvanceWatermark(ctx, bookkeeping.Watermark{Domain: "d", Source: "s", PartitionKey: "p", HighValue: "2025-05-01"}, true); err != nil {
		t.Fatalf("forced rewind: %v", err)
	}
	w, err := m.GetWatermark(ctx, "d", "s", "p")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if w.HighValue != "2025-05-01" {
		t.Fatalf("expected forced value to land, got %s", w.HighValue)
	}
}

func TestConcurrencyLockExpiryIsReclaimable(t *testing.T) {
	m := New()
	ctx := context.Background()

	if _, ok, err := m.AcquireConcurrencyLock(ctx, "k", "w1", -time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	// w1's lock is already expired; w2 reclaims it
	lock, ok, err := m.AcquireConcurrencyLock(ctx, "k", "w2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	if lock.OwnerToken != "w2" {
		t.Fatalf("expected w2 to own the reclaimed lock, got %s", lock.OwnerToken)
	}

	// an unexpired lock held by another owner stays contended
	if _, ok, err := m.AcquireConcurrencyLock(ctx, "k", "w3", time.Minute); err != nil || ok {
		t.Fatalf("expected contention, ok=%v err=%v", ok, err)
	}
}
