// Package postgres syncs directly against the shop server database. Used on
// LAN deployments where the workstation reaches PostgreSQL without the
// hosted API in between.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wrapshop/fieldsync/errs"
	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/gateway"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
)

const (
	recordSelectForUpdateSQL = `
SELECT version, payload, deleted
FROM sync_records
WHERE entity_type = @entity_type AND entity_id = @entity_id
FOR UPDATE;
`

	recordUpsertSQL = `
INSERT INTO sync_records (entity_type, entity_id, version, payload, deleted, changed_at)
VALUES (@entity_type, @entity_id, @version, @payload, @deleted, @changed_at)
ON CONFLICT (entity_type, entity_id) DO UPDATE SET
    version    = excluded.version,
    payload    = excluded.payload,
    deleted    = excluded.deleted,
    changed_at = excluded.changed_at;
`

	recordChangesSQL = `
SELECT entity_id, version, payload, deleted, changed_at
FROM sync_records
WHERE entity_type = @entity_type AND changed_at > @since
ORDER BY changed_at ASC
LIMIT @limit;
`
)

// Gateway implements gateway.Gateway over a direct PostgreSQL connection.
// The version check and the write happen in one transaction with the row
// locked, so two workstations pushing the same record serialize instead of
// both winning.
type Gateway struct {
	pool      *pgxpool.Pool
	pullLimit int
}

var _ gateway.Gateway = (*Gateway)(nil)

// New constructs a Gateway over an existing pool.
func New(pool *pgxpool.Pool, pullLimit int) *Gateway {
	if pullLimit <= 0 {
		pullLimit = 500
	}
	return &Gateway{pool: pool, pullLimit: pullLimit}
}

// Connect dials the shop database and verifies the connection.
func Connect(ctx context.Context, dsn string, pullLimit int) (*Gateway, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres gateway: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres gateway: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("gateway/postgres", errs.CodeNetwork,
			errs.WithMessage("shop database unreachable"), errs.WithCause(err))
	}
	return New(pool, pullLimit), nil
}

// Close releases the connection pool.
func (g *Gateway) Close() {
	if g.pool != nil {
		g.pool.Close()
	}
}

// Push applies one queued mutation with a row-level version check.
func (g *Gateway) Push(ctx context.Context, req gateway.PushRequest) (gateway.PushResult, error) {
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite

	tx, err := g.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return gateway.PushResult{}, errs.New("gateway/postgres", errs.CodeNetwork,
			errs.WithMessage("begin push transaction"), errs.WithCause(err))
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		serverVersion int64
		serverPayload json.RawMessage
		serverDeleted bool
		exists        = true
	)
	row := tx.QueryRow(ctx, recordSelectForUpdateSQL, pgx.NamedArgs{
		"entity_type": string(req.EntityType),
		"entity_id":   req.EntityID,
	})
	if err := row.Scan(&serverVersion, &serverPayload, &serverDeleted); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return gateway.PushResult{}, fmt.Errorf("postgres gateway: read record: %w", err)
		}
		exists = false
	}

	switch req.Operation {
	case outbox.OpCreate:
		if exists && !serverDeleted {
			return rejected(serverVersion, serverPayload, serverDeleted), nil
		}
	case outbox.OpDelete:
		if !exists || serverDeleted {
			// Already gone on the server; the delete is a no-op success.
			if err := tx.Commit(ctx); err != nil {
				return gateway.PushResult{}, fmt.Errorf("postgres gateway: commit: %w", err)
			}
			return gateway.PushResult{Accepted: true, NewVersion: serverVersion}, nil
		}
		if serverVersion != req.BaseVersion {
			return rejected(serverVersion, serverPayload, serverDeleted), nil
		}
	default:
		if !exists {
			return rejected(0, nil, true), nil
		}
		if serverVersion != req.BaseVersion {
			return rejected(serverVersion, serverPayload, serverDeleted), nil
		}
	}

	newVersion := serverVersion + 1
	payload := req.Payload
	if req.Operation == outbox.OpDelete {
		payload = serverPayload
	}
	_, err = tx.Exec(ctx, recordUpsertSQL, pgx.NamedArgs{
		"entity_type": string(req.EntityType),
		"entity_id":   req.EntityID,
		"version":     newVersion,
		"payload":     []byte(payload),
		"deleted":     req.Operation == outbox.OpDelete,
		"changed_at":  time.Now().UTC(),
	})
	if err != nil {
		return gateway.PushResult{}, fmt.Errorf("postgres gateway: write record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return gateway.PushResult{}, fmt.Errorf("postgres gateway: commit: %w", err)
	}
	return gateway.PushResult{Accepted: true, NewVersion: newVersion}, nil
}

// Changes lists records of one type changed strictly after since.
func (g *Gateway) Changes(ctx context.Context, typ entity.Type, since time.Time) ([]gateway.Change, error) {
	rows, err := g.pool.Query(ctx, recordChangesSQL, pgx.NamedArgs{
		"entity_type": string(typ),
		"since":       since.UTC(),
		"limit":       g.pullLimit,
	})
	if err != nil {
		return nil, errs.New("gateway/postgres", errs.CodeNetwork,
			errs.WithMessage("query change feed"), errs.WithCause(err))
	}
	defer rows.Close()

	var changes []gateway.Change
	for rows.Next() {
		var (
			ch      gateway.Change
			payload []byte
		)
		if err := rows.Scan(&ch.EntityID, &ch.Version, &payload, &ch.Deleted, &ch.ChangedAt); err != nil {
			return nil, fmt.Errorf("postgres gateway: scan change: %w", err)
		}
		ch.EntityType = typ
		ch.Snapshot = json.RawMessage(payload)
		ch.ChangedAt = ch.ChangedAt.UTC()
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres gateway: iterate changes: %w", err)
	}
	return changes, nil
}

func rejected(version int64, payload json.RawMessage, deleted bool) gateway.PushResult {
	return gateway.PushResult{
		Accepted:      false,
		ServerVersion: version,
		ServerState:   payload,
		ServerDeleted: deleted,
	}
}
