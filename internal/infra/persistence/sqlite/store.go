package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/wrapshop/fieldsync/errs"
	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/localstore"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
)

// Store persists entity snapshots, the outbox, and pull watermarks in one
// sqlite database. Timestamps are stored as unix milliseconds.
type Store struct {
	db *sql.DB
}

const (
	defaultListLimit = 128
	maxListLimit     = 1024

	metaLastSyncedAt = "last_synced_at"
)

const (
	entryColumns = `
    id,
    entity_type,
    entity_id,
    operation,
    payload,
    base_version,
    status,
    attempt_count,
    last_error,
    server_state,
    next_attempt_at,
    created_at,
    last_attempted_at`

	entryInsertSQL = `
INSERT INTO outbox_entries (
    entity_type,
    entity_id,
    operation,
    payload,
    base_version,
    status,
    next_attempt_at,
    created_at
)
VALUES (?, ?, ?, ?, ?, 'pending', 0, ?);
`

	entryGetSQL = `
SELECT` + entryColumns + `
FROM outbox_entries
WHERE id = ?;
`

	entryListHeadsSQL = `
SELECT` + entryColumns + `
FROM outbox_entries o
JOIN (
    SELECT MIN(id) AS head_id
    FROM outbox_entries
    GROUP BY entity_type, entity_id
) h ON h.head_id = o.id
WHERE o.status = 'pending'
  AND o.next_attempt_at <= ?
ORDER BY o.id ASC
LIMIT ?;
`

	entryListForEntitySQL = `
SELECT` + entryColumns + `
FROM outbox_entries
WHERE entity_type = ? AND entity_id = ?
ORDER BY id ASC;
`

	entryListUnresolvedSQL = `
SELECT` + entryColumns + `
FROM outbox_entries
WHERE status IN ('failed', 'conflict')
ORDER BY id ASC
LIMIT ?;
`

	entryPendingKeysSQL = `
SELECT DISTINCT entity_type, entity_id
FROM outbox_entries;
`

	entryCountByStatusSQL = `
SELECT status, COUNT(*)
FROM outbox_entries
GROUP BY status;
`

	entryMarkInFlightSQL = `
UPDATE outbox_entries
SET status = 'in_flight',
    attempt_count = attempt_count + 1,
    last_attempted_at = ?
WHERE id = ? AND status = 'pending';
`

	entryDeleteSQL = `
DELETE FROM outbox_entries
WHERE id = ?;
`

	entryMarkRetrySQL = `
UPDATE outbox_entries
SET status = 'pending',
    last_error = ?,
    next_attempt_at = ?
WHERE id = ?;
`

	entryMarkFailedSQL = `
UPDATE outbox_entries
SET status = 'failed',
    last_error = ?
WHERE id = ?;
`

	entryMarkConflictSQL = `
UPDATE outbox_entries
SET status = 'conflict',
    server_state = ?,
    last_error = ?
WHERE id = ?;
`

	entryRequeueSQL = `
UPDATE outbox_entries
SET status = 'pending',
    payload = COALESCE(?, payload),
    attempt_count = 0,
    last_error = '',
    server_state = NULL,
    next_attempt_at = 0
WHERE id = ? AND status IN ('failed', 'conflict');
`

	entryDiscardSQL = `
DELETE FROM outbox_entries
WHERE id = ? AND status IN ('failed', 'conflict');
`

	entryRebaseSQL = `
UPDATE outbox_entries
SET base_version = ?
WHERE entity_type = ? AND entity_id = ? AND status = 'pending';
`

	entryRevertInFlightSQL = `
UPDATE outbox_entries
SET status = 'pending'
WHERE status = 'in_flight';
`

	snapshotUpsertSQL = `
INSERT INTO entity_snapshots (entity_type, entity_id, base_version, remote_version, payload, deleted, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (entity_type, entity_id) DO UPDATE SET
    base_version = excluded.base_version,
    remote_version = excluded.remote_version,
    payload = excluded.payload,
    deleted = excluded.deleted,
    updated_at = excluded.updated_at;
`

	snapshotGetSQL = `
SELECT entity_type, entity_id, base_version, remote_version, payload, deleted, updated_at
FROM entity_snapshots
WHERE entity_type = ? AND entity_id = ?;
`

	snapshotListSQL = `
SELECT entity_type, entity_id, base_version, remote_version, payload, deleted, updated_at
FROM entity_snapshots
WHERE entity_type = ? AND deleted = 0
ORDER BY entity_id ASC;
`

	snapshotNoteRemoteSQL = `
INSERT INTO entity_snapshots (entity_type, entity_id, base_version, remote_version, payload, deleted, updated_at)
VALUES (?, ?, 0, ?, '{}', 0, ?)
ON CONFLICT (entity_type, entity_id) DO UPDATE SET
    remote_version = MAX(entity_snapshots.remote_version, excluded.remote_version);
`

	snapshotRebaseSQL = `
UPDATE entity_snapshots
SET base_version = ?,
    remote_version = MAX(remote_version, ?)
WHERE entity_type = ? AND entity_id = ?;
`

	snapshotPendingDownloadsSQL = `
SELECT COUNT(*)
FROM entity_snapshots
WHERE remote_version > base_version;
`

	watermarkGetSQL = `
SELECT pulled_at
FROM sync_watermarks
WHERE entity_type = ?;
`

	watermarkSetSQL = `
INSERT INTO sync_watermarks (entity_type, pulled_at)
VALUES (?, ?)
ON CONFLICT (entity_type) DO UPDATE SET pulled_at = excluded.pulled_at;
`

	metaGetSQL = `
SELECT value
FROM sync_meta
WHERE key = ?;
`

	metaSetSQL = `
INSERT INTO sync_meta (key, value)
VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value;
`
)

// RecordMutation persists the optimistic snapshot and the outbox entry in one
// transaction.
func (s *Store) RecordMutation(ctx context.Context, snap entity.Snapshot, mut outbox.Mutation) (outbox.Entry, error) {
	if s == nil || s.db == nil {
		return outbox.Entry{}, storageErr("nil database", nil)
	}
	if err := snap.Validate(); err != nil {
		return outbox.Entry{}, fmt.Errorf("replica store: %w", err)
	}
	if err := mut.Validate(); err != nil {
		return outbox.Entry{}, fmt.Errorf("replica store: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return outbox.Entry{}, storageErr("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = now
	}
	if _, err := tx.ExecContext(ctx, snapshotUpsertSQL,
		string(snap.Type), snap.ID, snap.BaseVersion, snap.RemoteVersion,
		payloadOrEmpty(snap.Payload), boolToInt(snap.Deleted), snap.UpdatedAt.UnixMilli(),
	); err != nil {
		return outbox.Entry{}, storageErr("write snapshot", err)
	}

	res, err := tx.ExecContext(ctx, entryInsertSQL,
		string(mut.EntityType), mut.EntityID, string(mut.Operation),
		payloadOrEmpty(mut.Payload), mut.BaseVersion, now.UnixMilli(),
	)
	if err != nil {
		return outbox.Entry{}, storageErr("append outbox entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return outbox.Entry{}, storageErr("read entry id", err)
	}

	entry, err := scanEntry(tx.QueryRowContext(ctx, entryGetSQL, id))
	if err != nil {
		return outbox.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return outbox.Entry{}, storageErr("commit mutation", err)
	}
	return entry, nil
}

// ListHeads returns the oldest pending, due entry per entity.
func (s *Store) ListHeads(ctx context.Context, now time.Time, limit int) ([]outbox.Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	} else if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.QueryContext(ctx, entryListHeadsSQL, now.UnixMilli(), limit)
	if err != nil {
		return nil, storageErr("list heads", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// EntriesFor lists every retained entry for one entity in id order.
func (s *Store) EntriesFor(ctx context.Context, typ entity.Type, id string) ([]outbox.Entry, error) {
	rows, err := s.db.QueryContext(ctx, entryListForEntitySQL, string(typ), id)
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListUnresolved lists failed and conflicted entries for operator review.
func (s *Store) ListUnresolved(ctx context.Context, limit int) ([]outbox.Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	} else if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.QueryContext(ctx, entryListUnresolvedSQL, limit)
	if err != nil {
		return nil, storageErr("list unresolved", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// PendingKeys reports every entity that still has retained entries.
func (s *Store) PendingKeys(ctx context.Context) (map[entity.Key]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, entryPendingKeysSQL)
	if err != nil {
		return nil, storageErr("list pending keys", err)
	}
	defer rows.Close()

	keys := make(map[entity.Key]struct{})
	for rows.Next() {
		var typ, id string
		if err := rows.Scan(&typ, &id); err != nil {
			return nil, storageErr("scan pending key", err)
		}
		keys[entity.Key{Type: entity.Type(typ), ID: id}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate pending keys", err)
	}
	return keys, nil
}

// CountByStatus tallies retained entries per status.
func (s *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, entryCountByStatusSQL)
	if err != nil {
		return nil, storageErr("count by status", err)
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storageErr("scan status count", err)
		}
		counts[outbox.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate status counts", err)
	}
	return counts, nil
}

// MarkInFlight transitions a pending entry to in_flight and counts the attempt.
func (s *Store) MarkInFlight(ctx context.Context, id int64) error {
	return s.execOne(ctx, "mark in flight", entryMarkInFlightSQL, time.Now().UTC().UnixMilli(), id)
}

// MarkApplied removes a delivered entry.
func (s *Store) MarkApplied(ctx context.Context, id int64) error {
	return s.execOne(ctx, "mark applied", entryDeleteSQL, id)
}

// MarkRetry returns the entry to pending with a scheduled next attempt.
func (s *Store) MarkRetry(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error {
	return s.execOne(ctx, "mark retry", entryMarkRetrySQL, strings.TrimSpace(lastError), nextAttemptAt.UnixMilli(), id)
}

// MarkFailed parks the entry terminally.
func (s *Store) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return s.execOne(ctx, "mark failed", entryMarkFailedSQL, strings.TrimSpace(lastError), id)
}

// MarkConflict parks the entry with the server's current state attached.
func (s *Store) MarkConflict(ctx context.Context, id int64, serverState json.RawMessage, reason string) error {
	var state any
	if len(serverState) > 0 {
		state = []byte(serverState)
	}
	return s.execOne(ctx, "mark conflict", entryMarkConflictSQL, state, strings.TrimSpace(reason), id)
}

// Requeue resets a failed or conflicted entry to pending.
func (s *Store) Requeue(ctx context.Context, id int64, payload json.RawMessage) error {
	var replacement any
	if len(payload) > 0 {
		replacement = []byte(payload)
	}
	return s.execOne(ctx, "requeue", entryRequeueSQL, replacement, id)
}

// Discard drops a failed or conflicted entry.
func (s *Store) Discard(ctx context.Context, id int64) error {
	return s.execOne(ctx, "discard", entryDiscardSQL, id)
}

// RevertInFlight returns every in-flight entry to pending.
func (s *Store) RevertInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, entryRevertInFlightSQL)
	if err != nil {
		return 0, storageErr("revert in flight", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("revert in flight count", err)
	}
	return int(n), nil
}

// Rebase moves a record's queued mutations and its snapshot versions onto a
// server-confirmed version. Both writes happen in one transaction so the
// queue never references a base the snapshot does not carry.
func (s *Store) Rebase(ctx context.Context, typ entity.Type, id string, version int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin rebase", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, entryRebaseSQL, version, string(typ), id); err != nil {
		return storageErr("rebase queued entries", err)
	}
	if _, err := tx.ExecContext(ctx, snapshotRebaseSQL, version, version, string(typ), id); err != nil {
		return storageErr("rebase snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit rebase", err)
	}
	return nil
}

// GetSnapshot returns the stored state for one record, including tombstones.
func (s *Store) GetSnapshot(ctx context.Context, typ entity.Type, id string) (entity.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, snapshotGetSQL, string(typ), id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Snapshot{}, errs.New("localstore", errs.CodeNotFound, errs.WithMessage("snapshot not found"))
	}
	return snap, err
}

// ListSnapshots returns every live record of one type.
func (s *Store) ListSnapshots(ctx context.Context, typ entity.Type) ([]entity.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, snapshotListSQL, string(typ))
	if err != nil {
		return nil, storageErr("list snapshots", err)
	}
	defer rows.Close()

	var snaps []entity.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate snapshots", err)
	}
	return snaps, nil
}

// ApplyRemote writes a server-confirmed snapshot.
func (s *Store) ApplyRemote(ctx context.Context, snap entity.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("replica store: %w", err)
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, snapshotUpsertSQL,
		string(snap.Type), snap.ID, snap.BaseVersion, snap.RemoteVersion,
		payloadOrEmpty(snap.Payload), boolToInt(snap.Deleted), snap.UpdatedAt.UnixMilli(),
	); err != nil {
		return storageErr("apply remote snapshot", err)
	}
	return nil
}

// NoteRemoteVersion records a newer server version without touching local state.
func (s *Store) NoteRemoteVersion(ctx context.Context, typ entity.Type, id string, version int64) error {
	if _, err := s.db.ExecContext(ctx, snapshotNoteRemoteSQL,
		string(typ), id, version, time.Now().UTC().UnixMilli(),
	); err != nil {
		return storageErr("note remote version", err)
	}
	return nil
}

// CountPendingDownloads tallies records whose remote version is ahead.
func (s *Store) CountPendingDownloads(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, snapshotPendingDownloadsSQL).Scan(&count); err != nil {
		return 0, storageErr("count pending downloads", err)
	}
	return count, nil
}

// Watermark returns the pull watermark for one entity type.
func (s *Store) Watermark(ctx context.Context, typ entity.Type) (time.Time, error) {
	var millis int64
	err := s.db.QueryRowContext(ctx, watermarkGetSQL, string(typ)).Scan(&millis)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storageErr("read watermark", err)
	}
	return time.UnixMilli(millis).UTC(), nil
}

// SetWatermark advances the pull watermark for one entity type.
func (s *Store) SetWatermark(ctx context.Context, typ entity.Type, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, watermarkSetSQL, string(typ), at.UnixMilli()); err != nil {
		return storageErr("set watermark", err)
	}
	return nil
}

// LastSyncedAt returns the completion instant of the last successful cycle.
func (s *Store) LastSyncedAt(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx, metaGetSQL, metaLastSyncedAt).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storageErr("read last synced", err)
	}
	at, parseErr := time.Parse(time.RFC3339Nano, value)
	if parseErr != nil {
		return time.Time{}, storageErr("parse last synced", parseErr)
	}
	return at, nil
}

// SetLastSyncedAt records the completion instant of a successful cycle.
func (s *Store) SetLastSyncedAt(ctx context.Context, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, metaSetSQL, metaLastSyncedAt, at.UTC().Format(time.RFC3339Nano)); err != nil {
		return storageErr("set last synced", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return storageErr("close database", err)
	}
	return nil
}

func (s *Store) execOne(ctx context.Context, verb, query string, args ...any) error {
	if s == nil || s.db == nil {
		return storageErr("nil database", nil)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr(verb, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(verb, err)
	}
	if n == 0 {
		return fmt.Errorf("replica store: %s: no rows updated", verb)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (outbox.Entry, error) {
	var (
		entry           outbox.Entry
		typ             string
		op              string
		status          string
		payload         []byte
		serverState     []byte
		nextAttemptAt   int64
		createdAt       int64
		lastAttemptedAt sql.NullInt64
	)
	if err := row.Scan(
		&entry.ID,
		&typ,
		&entry.EntityID,
		&op,
		&payload,
		&entry.BaseVersion,
		&status,
		&entry.AttemptCount,
		&entry.LastError,
		&serverState,
		&nextAttemptAt,
		&createdAt,
		&lastAttemptedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.Entry{}, errs.New("localstore", errs.CodeNotFound, errs.WithMessage("outbox entry not found"))
		}
		return outbox.Entry{}, storageErr("scan entry", err)
	}
	entry.EntityType = entity.Type(typ)
	entry.Operation = outbox.Operation(op)
	entry.Status = outbox.Status(status)
	entry.Payload = json.RawMessage(payload)
	if len(serverState) > 0 {
		entry.ServerState = json.RawMessage(serverState)
	}
	entry.NextAttemptAt = time.UnixMilli(nextAttemptAt).UTC()
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lastAttemptedAt.Valid {
		t := time.UnixMilli(lastAttemptedAt.Int64).UTC()
		entry.LastAttemptedAt = &t
	}
	return entry, nil
}

func collectEntries(rows *sql.Rows) ([]outbox.Entry, error) {
	var entries []outbox.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate entries", err)
	}
	return entries, nil
}

func scanSnapshot(row rowScanner) (entity.Snapshot, error) {
	var (
		snap      entity.Snapshot
		typ       string
		payload   []byte
		deleted   int
		updatedAt int64
	)
	if err := row.Scan(&typ, &snap.ID, &snap.BaseVersion, &snap.RemoteVersion, &payload, &deleted, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Snapshot{}, err
		}
		return entity.Snapshot{}, storageErr("scan snapshot", err)
	}
	snap.Type = entity.Type(typ)
	snap.Payload = json.RawMessage(payload)
	snap.Deleted = deleted != 0
	snap.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return snap, nil
}

func payloadOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return []byte(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func storageErr(verb string, cause error) error {
	return errs.New("localstore", errs.CodeStorage, errs.WithMessage(verb), errs.WithCause(cause))
}

var _ localstore.Store = (*Store)(nil)
