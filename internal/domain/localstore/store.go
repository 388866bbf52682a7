// Package localstore defines persistence contracts for the on-device replica.
package localstore

import (
	"context"
	"time"

	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
)

// Store owns the entity snapshots, the outbox, and the pull watermarks.
// All local mutation flows through RecordMutation; all remote-confirmed state
// flows through ApplyRemote. Nothing else writes to the replica.
type Store interface {
	outbox.Store

	// GetSnapshot returns the stored state for one record, including
	// tombstones. Missing records surface errs.CodeNotFound.
	GetSnapshot(ctx context.Context, typ entity.Type, id string) (entity.Snapshot, error)
	// ListSnapshots returns every live (non-tombstone) record of one type.
	ListSnapshots(ctx context.Context, typ entity.Type) ([]entity.Snapshot, error)

	// RecordMutation persists the optimistic snapshot and appends the outbox
	// entry in a single transaction; a crash between the two writes is never
	// observable.
	RecordMutation(ctx context.Context, snap entity.Snapshot, mut outbox.Mutation) (outbox.Entry, error)

	// ApplyRemote writes a server-confirmed snapshot. Deletes are kept as
	// tombstones so status queries stay answerable.
	ApplyRemote(ctx context.Context, snap entity.Snapshot) error
	// Rebase moves a record's queued mutations and its snapshot versions onto
	// a server-confirmed version after a predecessor applied. The optimistic
	// local payload stays untouched; only base/remote versions move.
	Rebase(ctx context.Context, typ entity.Type, id string, version int64) error
	// NoteRemoteVersion records that the server has advanced a record without
	// touching the local payload. Used when a pulled change is withheld
	// because the record still has queued local mutations.
	NoteRemoteVersion(ctx context.Context, typ entity.Type, id string, version int64) error
	// CountPendingDownloads tallies records whose known remote version is
	// ahead of the locally applied one.
	CountPendingDownloads(ctx context.Context) (int, error)

	// Watermark returns the instant up to which remote changes of one type
	// have been pulled; zero time when the type was never pulled.
	Watermark(ctx context.Context, typ entity.Type) (time.Time, error)
	SetWatermark(ctx context.Context, typ entity.Type, at time.Time) error

	LastSyncedAt(ctx context.Context) (time.Time, error)
	SetLastSyncedAt(ctx context.Context, at time.Time) error

	Close() error
}
