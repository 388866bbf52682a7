package status

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
	"github.com/wrapshop/fieldsync/internal/infra/persistence/sqlite"
)

func newTracker(t *testing.T) (*Tracker, *sqlite.Store) {
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

func queue(t *testing.T, store *sqlite.Store, typ entity.Type, id string, payload string) outbox.Entry {
	t.Helper()
	entry, err := store.RecordMutation(context.Background(), entity.Snapshot{
		Type:    typ,
		ID:      id,
		Payload: json.RawMessage(payload),
	}, outbox.Mutation{
		EntityType: typ,
		EntityID:   id,
		Operation:  outbox.OpUpdate,
		Payload:    json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("record mutation: %v", err)
	}
	return entry
}

func TestStatusForQueuedRecordIsPendingUpload(t *testing.T) {
	tracker, store := newTracker(t)
	queue(t, store, entity.TypeTask, "t-1", `{"v":1}`)

	st := tracker.StatusFor(context.Background(), entity.TypeTask, "t-1")
	if st.State != StatePendingUpload {
		t.Fatalf("expected pending_upload, got %s", st.State)
	}
	if st.QueuedEntries != 1 {
		t.Fatalf("expected 1 queued entry, got %d", st.QueuedEntries)
	}
}

func TestStatusForConflictWinsOverPendingUpload(t *testing.T) {
	tracker, store := newTracker(t)
	ctx := context.Background()

	head := queue(t, store, entity.TypeTask, "t-1", `{"v":1}`)
	queue(t, store, entity.TypeTask, "t-1", `{"v":2}`)
	if err := store.MarkInFlight(ctx, head.ID); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}
	if err := store.MarkConflict(ctx, head.ID, json.RawMessage(`{"v":9}`), "base version 0 behind server version 3"); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}

	st := tracker.StatusFor(ctx, entity.TypeTask, "t-1")
	if st.State != StateConflicted {
		t.Fatalf("expected conflicted, got %s", st.State)
	}
	if st.LastError == "" {
		t.Fatalf("expected conflict reason on status")
	}
}

func TestStatusForFailedEntryIsError(t *testing.T) {
	tracker, store := newTracker(t)
	ctx := context.Background()

	head := queue(t, store, entity.TypeClient, "c-1", `{"name":"A"}`)
	if err := store.MarkInFlight(ctx, head.ID); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}
	if err := store.MarkFailed(ctx, head.ID, "payload rejected"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	st := tracker.StatusFor(ctx, entity.TypeClient, "c-1")
	if st.State != StateError {
		t.Fatalf("expected error state, got %s", st.State)
	}
	if st.LastError != "payload rejected" {
		t.Fatalf("expected last error surfaced, got %q", st.LastError)
	}
}

func TestStatusForSyncedAndPendingDownload(t *testing.T) {
	tracker, store := newTracker(t)
	ctx := context.Background()

	applied := entity.Snapshot{
		Type:          entity.TypeTask,
		ID:            "t-1",
		BaseVersion:   3,
		RemoteVersion: 3,
		Payload:       json.RawMessage(`{"v":3}`),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := store.ApplyRemote(ctx, applied); err != nil {
		t.Fatalf("apply remote: %v", err)
	}

	st := tracker.StatusFor(ctx, entity.TypeTask, "t-1")
	if st.State != StateSynced {
		t.Fatalf("expected synced, got %s", st.State)
	}
	if st.LastSyncedAt.IsZero() {
		t.Fatalf("synced status must carry the apply time")
	}

	// A newer server version flips the record to pending_download.
	if err := store.NoteRemoteVersion(ctx, entity.TypeTask, "t-1", 5); err != nil {
		t.Fatalf("note remote version: %v", err)
	}
	st = tracker.StatusFor(ctx, entity.TypeTask, "t-1")
	if st.State != StatePendingDownload {
		t.Fatalf("expected pending_download, got %s", st.State)
	}
	if st.LocalVersion != 3 || st.RemoteVersion != 5 {
		t.Fatalf("unexpected versions: %+v", st)
	}
}

func TestStatusForUnknownRecord(t *testing.T) {
	tracker, _ := newTracker(t)
	st := tracker.StatusFor(context.Background(), entity.TypePhoto, "ghost")
	if st.State != StateUnknown {
		t.Fatalf("expected unknown for missing record, got %s", st.State)
	}
}

func TestAggregateCounts(t *testing.T) {
	tracker, store := newTracker(t)
	ctx := context.Background()

	queue(t, store, entity.TypeTask, "t-1", `{"v":1}`)
	failed := queue(t, store, entity.TypeClient, "c-1", `{"name":"A"}`)
	if err := store.MarkInFlight(ctx, failed.ID); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}
	if err := store.MarkFailed(ctx, failed.ID, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.ApplyRemote(ctx, entity.Snapshot{
		Type:          entity.TypePhoto,
		ID:            "p-1",
		BaseVersion:   1,
		RemoteVersion: 1,
		Payload:       json.RawMessage(`{"uri":"x"}`),
		UpdatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("apply remote: %v", err)
	}
	if err := store.NoteRemoteVersion(ctx, entity.TypePhoto, "p-1", 2); err != nil {
		t.Fatalf("note remote version: %v", err)
	}
	when := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.SetLastSyncedAt(ctx, when); err != nil {
		t.Fatalf("set last synced: %v", err)
	}

	agg, err := tracker.Aggregate(ctx)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.PendingUploads != 1 || agg.Failed != 1 || agg.Conflicts != 0 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
	if agg.PendingDownloads != 1 {
		t.Fatalf("expected one pending download, got %d", agg.PendingDownloads)
	}
	if !agg.LastSync.Equal(when) {
		t.Fatalf("last sync mismatch: got %v want %v", agg.LastSync, when)
	}
}
