package recorder

import (
	"context"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/wrapshop/fieldsync/errs"
	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
	"github.com/wrapshop/fieldsync/internal/infra/persistence/sqlite"
)

func newRecorder(t *testing.T) (*Recorder, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return New(store), store
}

func TestRecordCreateAssignsClientID(t *testing.T) {
	rec, store := newRecorder(t)
	ctx := context.Background()

	entry, err := rec.Record(ctx, outbox.Mutation{
		EntityType: entity.TypeTask,
		Operation:  outbox.OpCreate,
		Payload:    json.RawMessage(`{"title":"Full wrap","status":"draft","clientId":"c-1"}`),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.EntityID == "" {
		t.Fatalf("expected a client-generated entity id")
	}
	if entry.Status != outbox.StatusPending {
		t.Fatalf("expected pending entry, got %s", entry.Status)
	}

	snap, err := store.GetSnapshot(ctx, entity.TypeTask, entry.EntityID)
	if err != nil {
		t.Fatalf("snapshot must exist immediately: %v", err)
	}
	if snap.BaseVersion != 0 {
		t.Fatalf("unsynced create must have base version 0, got %d", snap.BaseVersion)
	}
}

func TestRecordUpdateKeepsStableIDAcrossOfflineSession(t *testing.T) {
	rec, store := newRecorder(t)
	ctx := context.Background()

	created, err := rec.Record(ctx, outbox.Mutation{
		EntityType: entity.TypeTask,
		Operation:  outbox.OpCreate,
		Payload:    json.RawMessage(`{"title":"v1","status":"draft","clientId":"c-1"}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := rec.Record(ctx, outbox.Mutation{
		EntityType: entity.TypeTask,
		EntityID:   created.EntityID,
		Operation:  outbox.OpUpdate,
		Payload:    json.RawMessage(`{"title":"v2","status":"draft","clientId":"c-1"}`),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.EntityID != created.EntityID {
		t.Fatalf("update must reference the create's id")
	}
	if updated.ID <= created.ID {
		t.Fatalf("entry ids must preserve enqueue order")
	}

	entries, err := store.EntriesFor(ctx, entity.TypeTask, created.EntityID)
	if err != nil {
		t.Fatalf("entries for: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected both mutations queued, got %d", len(entries))
	}
}

func TestRecordRejectsMalformedPayload(t *testing.T) {
	rec, _ := newRecorder(t)
	_, err := rec.Record(context.Background(), outbox.Mutation{
		EntityType: entity.TypeQuote,
		Operation:  outbox.OpCreate,
		Payload:    json.RawMessage(`{"total":"not-a-number"}`),
	})
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid code, got %v", err)
	}
}

func TestRecordUpdateOnMissingRecordFails(t *testing.T) {
	rec, _ := newRecorder(t)
	_, err := rec.Record(context.Background(), outbox.Mutation{
		EntityType: entity.TypeTask,
		EntityID:   "ghost",
		Operation:  outbox.OpUpdate,
		Payload:    json.RawMessage(`{"title":"x","status":"draft","clientId":"c-1"}`),
	})
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordBlockedByUnresolvedConflict(t *testing.T) {
	rec, store := newRecorder(t)
	ctx := context.Background()

	created, err := rec.Record(ctx, outbox.Mutation{
		EntityType: entity.TypeIntervention,
		Operation:  outbox.OpCreate,
		Payload:    json.RawMessage(`{"taskId":"t-1","kind":"full-front"}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkInFlight(ctx, created.ID); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}
	if err := store.MarkConflict(ctx, created.ID, json.RawMessage(`{"kind":"hood-only"}`), "base version 0 behind server version 1"); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}

	_, err = rec.Record(ctx, outbox.Mutation{
		EntityType: entity.TypeIntervention,
		EntityID:   created.EntityID,
		Operation:  outbox.OpUpdate,
		Payload:    json.RawMessage(`{"taskId":"t-1","kind":"full-body"}`),
	})
	if errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("conflicted record must refuse further local edits, got %v", err)
	}
}

func TestRecordDeleteKeepsLastPayloadOnTombstone(t *testing.T) {
	rec, store := newRecorder(t)
	ctx := context.Background()

	created, err := rec.Record(ctx, outbox.Mutation{
		EntityType: entity.TypeClient,
		Operation:  outbox.OpCreate,
		Payload:    json.RawMessage(`{"name":"Garage Nord"}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := rec.Record(ctx, outbox.Mutation{
		EntityType: entity.TypeClient,
		EntityID:   created.EntityID,
		Operation:  outbox.OpDelete,
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	snap, err := store.GetSnapshot(ctx, entity.TypeClient, created.EntityID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if !snap.Deleted {
		t.Fatalf("expected tombstone")
	}
	if string(snap.Payload) != `{"name":"Garage Nord"}` {
		t.Fatalf("tombstone must retain the last payload: %s", snap.Payload)
	}
}
