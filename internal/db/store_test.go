package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/posrelay/internal/model"
)

func openStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func TestOperationsKeepAppendOrder(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		op := model.QueuedOperation{
			ID:         fmt.Sprintf("op-%d", i),
			Queue:      "ops",
			Endpoint:   "/checks",
			Method:     "post",
			Body:       []byte(fmt.Sprintf(`{"n":%d}`, i)),
			EnqueuedAt: base,
		}
		if err := store.AppendOperation(ctx, op); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := store.AppendOperation(ctx, model.QueuedOperation{ID: "other", Queue: "print", Endpoint: "/print", Method: "POST"}); err != nil {
		t.Fatalf("append other queue: %v", err)
	}

	ops, err := store.ListOperations(ctx, "ops", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 5 {
		t.Fatalf("expected 5 ops, got %d", len(ops))
	}
	for i, op := range ops {
		if op.ID != fmt.Sprintf("op-%d", i) {
			t.Fatalf("position %d: got %s", i, op.ID)
		}
		if op.Method != "POST" {
			t.Fatalf("method should be upper-cased, got %s", op.Method)
		}
		if !op.EnqueuedAt.Equal(base) {
			t.Fatalf("enqueued_at mismatch: %s", op.EnqueuedAt)
		}
	}

	limited, err := store.ListOperations(ctx, "ops", 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 || limited[1].ID != "op-1" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	n, err := store.CountOperations(ctx, "ops")
	if err != nil || n != 5 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestOperationFailureAndDelete(t *testing.T) {
	store, ctx := openStore(t)
	op := model.QueuedOperation{ID: "op-1", Queue: "ops", Endpoint: "/checks/1/items", Method: "POST"}
	if err := store.AppendOperation(ctx, op); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendOperation(ctx, op); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := store.RecordOperationFailure(ctx, "op-1", "connection refused"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	ops, err := store.ListOperations(ctx, "ops", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if ops[0].Attempts != 1 || ops[0].LastError != "connection refused" {
		t.Fatalf("unexpected failure bookkeeping: %+v", ops[0])
	}
	if err := store.DeleteOperation(ctx, "op-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteOperation(ctx, "op-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := store.RecordOperationFailure(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectOperationMovesRow(t *testing.T) {
	store, ctx := openStore(t)
	for _, id := range []string{"op-1", "op-2"} {
		if err := store.AppendOperation(ctx, model.QueuedOperation{ID: id, Queue: "ops", Endpoint: "/checks", Method: "POST"}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.RejectOperation(ctx, "op-1", "E_INVALID_PAYLOAD: bad total", at); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := store.RejectOperation(ctx, "op-1", "again", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for already rejected op, got %v", err)
	}
	ops, err := store.ListOperations(ctx, "ops", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "op-2" {
		t.Fatalf("rejected op still queued: %+v", ops)
	}
	rejected, err := store.ListRejected(ctx, "ops")
	if err != nil {
		t.Fatalf("list rejected: %v", err)
	}
	if len(rejected) != 1 || rejected[0].ID != "op-1" || rejected[0].LastError != "E_INVALID_PAYLOAD: bad total" || rejected[0].Attempts != 1 {
		t.Fatalf("unexpected rejected rows: %+v", rejected)
	}
}

func TestSyncRecordRoundTrip(t *testing.T) {
	store, ctx := openStore(t)
	cooldown := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	rec := model.SyncRecord{
		Worker:        "deploy",
		TargetID:      "pkg-1",
		Action:        "install",
		Payload:       []byte(`{"version":"1.2.0"}`),
		State:         model.SyncCoolingDown,
		Attempts:      2,
		LastDelay:     120 * time.Second,
		CooldownUntil: &cooldown,
		LastError:     "download failed",
		UpdatedAt:     cooldown.Add(-2 * time.Minute),
	}
	if err := store.UpsertSyncRecord(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := store.GetSyncRecord(ctx, "deploy", "pkg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.SyncCoolingDown || got.LastDelay != 120*time.Second || got.Attempts != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CooldownUntil == nil || !got.CooldownUntil.Equal(cooldown) {
		t.Fatalf("cooldown mismatch: %+v", got.CooldownUntil)
	}

	rec.State = model.SyncCompleted
	rec.CooldownUntil = nil
	rec.LastError = ""
	if err := store.UpsertSyncRecord(ctx, rec); err != nil {
		t.Fatalf("upsert completed: %v", err)
	}
	got, err = store.GetSyncRecord(ctx, "deploy", "pkg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CooldownUntil != nil || got.LastError != "" {
		t.Fatalf("expected cleared cooldown, got %+v", got)
	}

	if _, err := store.GetSyncRecord(ctx, "deploy", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSyncRecordsFiltersAndPrune(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := store.UpsertSyncRecord(ctx, model.SyncRecord{
			Worker:    "deploy",
			TargetID:  fmt.Sprintf("done-%d", i),
			Action:    "install",
			State:     model.SyncCompleted,
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("seed completed %d: %v", i, err)
		}
	}
	if err := store.UpsertSyncRecord(ctx, model.SyncRecord{Worker: "deploy", TargetID: "q", Action: "install", State: model.SyncQueued, UpdatedAt: base}); err != nil {
		t.Fatalf("seed queued: %v", err)
	}
	if err := store.UpsertSyncRecord(ctx, model.SyncRecord{Worker: "upload", TargetID: "done-0", Action: "upload", State: model.SyncCompleted, UpdatedAt: base}); err != nil {
		t.Fatalf("seed other worker: %v", err)
	}

	queued, err := store.ListSyncRecords(ctx, "deploy", model.SyncQueued, model.SyncInFlight)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 1 || queued[0].TargetID != "q" {
		t.Fatalf("unexpected queued list: %+v", queued)
	}

	pruned, err := store.PruneCompleted(ctx, "deploy", 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned, got %d", pruned)
	}
	completed, err := store.ListSyncRecords(ctx, "deploy", model.SyncCompleted)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 2 || completed[0].TargetID != "done-2" || completed[1].TargetID != "done-3" {
		t.Fatalf("expected newest completions kept, got %+v", completed)
	}
	if _, err := store.GetSyncRecord(ctx, "upload", "done-0"); err != nil {
		t.Fatalf("other worker must be untouched: %v", err)
	}
}

func TestStoredErrorsAreRedacted(t *testing.T) {
	store, ctx := openStore(t)
	op := model.QueuedOperation{ID: "op-1", Queue: "ops", Endpoint: "/payments", Method: "POST"}
	if err := store.AppendOperation(ctx, op); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.RecordOperationFailure(ctx, "op-1", "declined 4111111111111111 token=abc123"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	ops, err := store.ListOperations(ctx, "ops", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(ops[0].LastError, "4111111111111111") || strings.Contains(ops[0].LastError, "abc123") {
		t.Fatalf("secret persisted: %q", ops[0].LastError)
	}
	if !strings.Contains(ops[0].LastError, "1111") {
		t.Fatalf("card suffix should survive masking: %q", ops[0].LastError)
	}
}
