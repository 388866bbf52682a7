// Package status derives per-record and aggregate sync state.
//
// Everything here is a read projection over the outbox and the snapshot
// table. Nothing is persisted; the facts in the replica are the only source
// of truth.
package status

import (
	"context"
	"time"

	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/localstore"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
)

// State is the user-visible sync condition of one record.
type State string

const (
	// StateSynced means the local copy matches the last known server state.
	StateSynced State = "synced"
	// StatePendingUpload means local mutations are queued for delivery.
	StatePendingUpload State = "pending_upload"
	// StatePendingDownload means the server has a newer version than the
	// one applied locally.
	StatePendingDownload State = "pending_download"
	// StateConflicted means a queued mutation was parked as a conflict.
	StateConflicted State = "conflicted"
	// StateError means a queued mutation failed terminally.
	StateError State = "error"
	// StateUnknown means the replica could not answer; callers degrade
	// instead of crashing.
	StateUnknown State = "unknown"
)

// Status is the derived sync condition of one record instance.
type Status struct {
	EntityType    entity.Type `json:"entityType"`
	EntityID      string      `json:"entityId"`
	State         State       `json:"state"`
	LocalVersion  int64       `json:"localVersion"`
	RemoteVersion int64       `json:"remoteVersion"`
	QueuedEntries int         `json:"queuedEntries"`
	LastError     string      `json:"lastError,omitempty"`
	LastSyncedAt  time.Time   `json:"lastSyncedAt"`
}

// Aggregate summarises queue depth for dashboards and the tray indicator.
type Aggregate struct {
	PendingUploads   int       `json:"pendingUploads"`
	PendingDownloads int       `json:"pendingDownloads"`
	Conflicts        int       `json:"conflicts"`
	Failed           int       `json:"failed"`
	LastSync         time.Time `json:"lastSync"`
}

// Tracker answers status queries against the replica store.
type Tracker struct {
	store localstore.Store
}

// New constructs a Tracker over the provided store.
func New(store localstore.Store) *Tracker {
	return &Tracker{store: store}
}

// StatusFor derives the sync state of one record. Replica read failures
// degrade to StateUnknown; list renders must never crash on a status badge.
func (t *Tracker) StatusFor(ctx context.Context, typ entity.Type, id string) Status {
	st := Status{EntityType: typ, EntityID: id, State: StateUnknown}
	if t == nil || t.store == nil {
		return st
	}

	entries, err := t.store.EntriesFor(ctx, typ, id)
	if err != nil {
		return st
	}
	st.QueuedEntries = len(entries)

	snap, err := t.store.GetSnapshot(ctx, typ, id)
	if err == nil {
		st.LocalVersion = snap.BaseVersion
		st.RemoteVersion = snap.RemoteVersion
	} else if len(entries) == 0 {
		return st
	}

	for _, e := range entries {
		switch e.Status {
		case outbox.StatusConflict:
			st.State = StateConflicted
			st.LastError = e.LastError
			return st
		case outbox.StatusFailed:
			st.State = StateError
			st.LastError = e.LastError
			return st
		}
	}
	if len(entries) > 0 {
		st.State = StatePendingUpload
		return st
	}
	if snap.RemoteVersion > snap.BaseVersion {
		st.State = StatePendingDownload
		return st
	}
	st.State = StateSynced
	st.LastSyncedAt = snap.UpdatedAt
	return st
}

// Aggregate tallies queue depth across all records.
func (t *Tracker) Aggregate(ctx context.Context) (Aggregate, error) {
	var agg Aggregate
	counts, err := t.store.CountByStatus(ctx)
	if err != nil {
		return Aggregate{}, err
	}
	agg.PendingUploads = counts[outbox.StatusPending] + counts[outbox.StatusInFlight]
	agg.Conflicts = counts[outbox.StatusConflict]
	agg.Failed = counts[outbox.StatusFailed]

	downloads, err := t.store.CountPendingDownloads(ctx)
	if err != nil {
		return Aggregate{}, err
	}
	agg.PendingDownloads = downloads

	lastSync, err := t.store.LastSyncedAt(ctx)
	if err != nil {
		return Aggregate{}, err
	}
	agg.LastSync = lastSync
	return agg, nil
}
