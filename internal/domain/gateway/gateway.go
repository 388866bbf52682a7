// Package gateway defines the transport contract to the authoritative backend.
package gateway

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
)

// PushRequest replays one outbox entry against the backend.
type PushRequest struct {
	EntityType  entity.Type     `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Operation   outbox.Operation `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"baseVersion"`
}

// PushResult is the backend's verdict on one replayed mutation.
//
// A version mismatch is reported through Accepted=false with the server's
// current state attached; it is an outcome, not a transport error.
type PushResult struct {
	Accepted      bool            `json:"accepted"`
	NewVersion    int64           `json:"newVersion,omitempty"`
	ServerVersion int64           `json:"serverVersion,omitempty"`
	ServerState   json.RawMessage `json:"serverState,omitempty"`
	ServerDeleted bool            `json:"serverDeleted,omitempty"`
}

// Change is one remote mutation pulled from the backend change feed.
type Change struct {
	EntityType entity.Type     `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	ChangedAt  time.Time       `json:"changedAt"`
}

// Gateway adapts outbox entries and change pulls to the backend protocol.
// Implementations carry no business logic; transient transport failures
// surface as errs.CodeNetwork, payload rejections as errs.CodeValidation.
type Gateway interface {
	Push(ctx context.Context, req PushRequest) (PushResult, error)
	// Changes lists remote mutations of one type strictly after since,
	// ordered by ChangedAt. A zero since pulls the full set (hydration).
	Changes(ctx context.Context, typ entity.Type, since time.Time) ([]Change, error)
}
