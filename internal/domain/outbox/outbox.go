// Package outbox defines the durable mutation queue contracts.
package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/wrapshop/fieldsync/internal/domain/entity"
)

// Operation names the kind of local mutation an entry replays.
type Operation string

const (
	// OpCreate records a local create.
	OpCreate Operation = "create"
	// OpUpdate records a local update.
	OpUpdate Operation = "update"
	// OpDelete records a local delete.
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is a known kind.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Status tracks the delivery lifecycle of an entry.
type Status string

const (
	// StatusPending marks an entry awaiting delivery.
	StatusPending Status = "pending"
	// StatusInFlight marks an entry currently being delivered.
	StatusInFlight Status = "in_flight"
	// StatusFailed marks an entry that exhausted retries or was rejected;
	// it blocks the entity queue until an operator requeues or discards it.
	StatusFailed Status = "failed"
	// StatusConflict marks an entry whose base version no longer matches the
	// server; retained with both payloads for operator resolution.
	StatusConflict Status = "conflict"
)

// Mutation describes one local write to be queued for upload.
type Mutation struct {
	EntityType  entity.Type
	EntityID    string
	Operation   Operation
	Payload     json.RawMessage
	BaseVersion int64
}

// Validate checks the mutation fields before recording.
func (m Mutation) Validate() error {
	if !m.EntityType.Valid() {
		return fmt.Errorf("outbox: unknown entity type %q", m.EntityType)
	}
	if strings.TrimSpace(m.EntityID) == "" {
		return fmt.Errorf("outbox: entity id required")
	}
	if !m.Operation.Valid() {
		return fmt.Errorf("outbox: unknown operation %q", m.Operation)
	}
	if m.Operation != OpDelete && len(m.Payload) == 0 {
		return fmt.Errorf("outbox: payload required for %s", m.Operation)
	}
	return nil
}

// Entry captures the persisted state of one queued mutation. Entry ids are
// assigned monotonically at enqueue time and define replay order per entity.
type Entry struct {
	ID              int64
	EntityType      entity.Type
	EntityID        string
	Operation       Operation
	Payload         json.RawMessage
	BaseVersion     int64
	Status          Status
	AttemptCount    int
	LastError       string
	ServerState     json.RawMessage
	NextAttemptAt   time.Time
	CreatedAt       time.Time
	LastAttemptedAt *time.Time
}

// Key returns the entity identity the entry belongs to.
func (e Entry) Key() entity.Key {
	return entity.Key{Type: e.EntityType, ID: e.EntityID}
}

// Store abstracts persistence operations for the outbox. Applied entries are
// removed; failed and conflicted entries are retained and block the queue for
// their entity until resolved.
type Store interface {
	// ListHeads returns, for each entity with queued work, the oldest entry,
	// restricted to entries that are pending and due at or before now.
	// Entities whose oldest entry is failed, conflicted, or scheduled later
	// are excluded, which is what blocks their queue.
	ListHeads(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	// EntriesFor lists every retained entry for one entity in id order.
	EntriesFor(ctx context.Context, typ entity.Type, id string) ([]Entry, error)
	// ListUnresolved lists failed and conflicted entries for operator review.
	ListUnresolved(ctx context.Context, limit int) ([]Entry, error)
	// PendingKeys reports every entity that still has retained entries.
	PendingKeys(ctx context.Context) (map[entity.Key]struct{}, error)
	// CountByStatus tallies retained entries per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	MarkInFlight(ctx context.Context, id int64) error
	// MarkApplied removes a delivered entry.
	MarkApplied(ctx context.Context, id int64) error
	// MarkRetry schedules another delivery attempt.
	MarkRetry(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error
	// MarkFailed parks the entry terminally; the entity queue stays blocked.
	MarkFailed(ctx context.Context, id int64, lastError string) error
	// MarkConflict parks the entry with the server's current state attached.
	MarkConflict(ctx context.Context, id int64, serverState json.RawMessage, reason string) error
	// Requeue resets a failed or conflicted entry to pending. A non-empty
	// payload replaces the queued one (edit-and-requeue).
	Requeue(ctx context.Context, id int64, payload json.RawMessage) error
	// Discard drops a failed or conflicted entry, unblocking the entity queue.
	Discard(ctx context.Context, id int64) error
	// RevertInFlight returns every in-flight entry to pending. Run at cycle
	// end and on startup so an interrupted delivery is retried from scratch.
	RevertInFlight(ctx context.Context) (int, error)
}
