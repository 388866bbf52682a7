// Package resolver classifies push outcomes for queued mutations.
package resolver

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/wrapshop/fieldsync/errs"
	"github.com/wrapshop/fieldsync/internal/domain/gateway"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
)

// Kind is the classification of one delivery attempt.
type Kind int

const (
	// KindApplied means the backend accepted the mutation.
	KindApplied Kind = iota
	// KindRetry means a transient failure; the entry stays queued with backoff.
	KindRetry
	// KindConflict means the entry's base version no longer matches the server.
	KindConflict
	// KindRejected means the backend refused the payload; never retried.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindApplied:
		return "applied"
	case KindRetry:
		return "retry"
	case KindConflict:
		return "conflict"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome carries the classification and the server facts needed to act on it.
type Outcome struct {
	Kind          Kind
	NewVersion    int64
	ServerVersion int64
	ServerState   json.RawMessage
	ServerDeleted bool
	Reason        string
}

// Resolve decides what a delivery attempt means for the queued entry.
//
// No field-level merging happens here: any base-version mismatch is a
// whole-record conflict surfaced to the operator. Intervention records carry
// quality checkpoints and signatures; silently merging them would corrupt the
// audit trail. That also covers deletes racing a remote update: the delete
// becomes a conflict instead of discarding the newer remote state.
func Resolve(entry outbox.Entry, res gateway.PushResult, pushErr error) Outcome {
	if pushErr != nil {
		switch errs.CodeOf(pushErr) {
		case errs.CodeValidation:
			return Outcome{Kind: KindRejected, Reason: pushErr.Error()}
		case errs.CodeConflict:
			return Outcome{Kind: KindConflict, Reason: pushErr.Error()}
		}
		if errors.Is(pushErr, context.Canceled) {
			return Outcome{Kind: KindRetry, Reason: "cancelled"}
		}
		// Timeouts, 5xx, and anything unclassified are treated as transient;
		// the retry ceiling bounds how long that optimism lasts.
		return Outcome{Kind: KindRetry, Reason: pushErr.Error()}
	}

	if res.Accepted {
		return Outcome{Kind: KindApplied, NewVersion: res.NewVersion}
	}

	reason := fmt.Sprintf("base version %d behind server version %d", entry.BaseVersion, res.ServerVersion)
	return Outcome{
		Kind:          KindConflict,
		ServerVersion: res.ServerVersion,
		ServerState:   res.ServerState,
		ServerDeleted: res.ServerDeleted,
		Reason:        reason,
	}
}
