// Package recorder intercepts local writes and queues them for upload.
package recorder

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wrapshop/fieldsync/errs"
	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/localstore"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
)

// Recorder applies local mutations optimistically and appends them to the
// outbox. Sync status needs no separate write: it is a projection over the
// outbox, so the entry appearing is what flips the record to pending-upload.
type Recorder struct {
	store localstore.Store
}

// New constructs a Recorder backed by the provided replica store.
func New(store localstore.Store) *Recorder {
	return &Recorder{store: store}
}

// Record validates the mutation, stages the optimistic snapshot, and appends
// the outbox entry in one transaction. Creates without an entity id get a
// client-generated UUID so later offline edits can reference the record
// before the server has seen it.
func (r *Recorder) Record(ctx context.Context, mut outbox.Mutation) (outbox.Entry, error) {
	if r == nil || r.store == nil {
		return outbox.Entry{}, errs.New("recorder", errs.CodeStorage, errs.WithMessage("store unavailable"))
	}
	if mut.Operation == outbox.OpCreate && strings.TrimSpace(mut.EntityID) == "" {
		mut.EntityID = uuid.NewString()
	}
	if err := mut.Validate(); err != nil {
		return outbox.Entry{}, errs.New("recorder", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	if mut.Operation != outbox.OpDelete {
		if _, err := entity.DecodePayload(mut.EntityType, mut.Payload); err != nil {
			return outbox.Entry{}, errs.New("recorder", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("malformed %s payload", mut.EntityType)), errs.WithCause(err))
		}
	}

	// A conflicted record stays frozen until the operator resolves it;
	// stacking more local edits on top would deepen the divergence.
	queued, err := r.store.EntriesFor(ctx, mut.EntityType, mut.EntityID)
	if err != nil {
		return outbox.Entry{}, err
	}
	for _, e := range queued {
		if e.Status == outbox.StatusConflict {
			return outbox.Entry{}, errs.New("recorder", errs.CodeConflict,
				errs.WithMessage(fmt.Sprintf("%s %s has an unresolved conflict", mut.EntityType, mut.EntityID)))
		}
	}

	current, err := r.store.GetSnapshot(ctx, mut.EntityType, mut.EntityID)
	switch {
	case err == nil:
		if mut.Operation == outbox.OpCreate && !current.Deleted {
			return outbox.Entry{}, errs.New("recorder", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("%s %s already exists", mut.EntityType, mut.EntityID)))
		}
	case errs.CodeOf(err) == errs.CodeNotFound:
		if mut.Operation != outbox.OpCreate {
			return outbox.Entry{}, errs.New("recorder", errs.CodeNotFound,
				errs.WithMessage(fmt.Sprintf("%s %s does not exist locally", mut.EntityType, mut.EntityID)))
		}
	default:
		return outbox.Entry{}, err
	}

	if mut.BaseVersion == 0 {
		mut.BaseVersion = current.BaseVersion
	}

	snap := entity.Snapshot{
		Type:          mut.EntityType,
		ID:            mut.EntityID,
		BaseVersion:   current.BaseVersion,
		RemoteVersion: current.RemoteVersion,
		Payload:       mut.Payload,
		Deleted:       mut.Operation == outbox.OpDelete,
	}
	if mut.Operation == outbox.OpDelete {
		snap.Payload = current.Payload
	}

	entry, err := r.store.RecordMutation(ctx, snap, mut)
	if err != nil {
		return outbox.Entry{}, err
	}
	return entry, nil
}
