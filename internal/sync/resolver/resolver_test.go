package resolver

import (
	"context"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/wrapshop/fieldsync/errs"
	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/gateway"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
)

func entryWithBase(op outbox.Operation, base int64) outbox.Entry {
	return outbox.Entry{
		ID:          1,
		EntityType:  entity.TypeTask,
		EntityID:    "t-1",
		Operation:   op,
		BaseVersion: base,
		Payload:     json.RawMessage(`{"title":"x"}`),
	}
}

func TestResolveAcceptedIsApplied(t *testing.T) {
	out := Resolve(entryWithBase(outbox.OpUpdate, 3), gateway.PushResult{Accepted: true, NewVersion: 4}, nil)
	if out.Kind != KindApplied || out.NewVersion != 4 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestResolveVersionMismatchIsConflictNeverOverwrite(t *testing.T) {
	server := json.RawMessage(`{"title":"edited on desk"}`)
	out := Resolve(entryWithBase(outbox.OpUpdate, 3), gateway.PushResult{
		Accepted:      false,
		ServerVersion: 5,
		ServerState:   server,
	}, nil)
	if out.Kind != KindConflict {
		t.Fatalf("base 3 against server 5 must conflict, got %s", out.Kind)
	}
	if out.ServerVersion != 5 || string(out.ServerState) != string(server) {
		t.Fatalf("conflict must carry server state: %+v", out)
	}
	if !strings.Contains(out.Reason, "base version 3") {
		t.Fatalf("reason should name the versions: %q", out.Reason)
	}
}

func TestResolveDeleteRacingRemoteUpdateConflicts(t *testing.T) {
	out := Resolve(entryWithBase(outbox.OpDelete, 2), gateway.PushResult{
		Accepted:      false,
		ServerVersion: 3,
		ServerState:   json.RawMessage(`{"title":"updated remotely"}`),
	}, nil)
	if out.Kind != KindConflict {
		t.Fatalf("delete racing a remote update must conflict, got %s", out.Kind)
	}
}

func TestResolveTransientErrorsRetry(t *testing.T) {
	cases := []error{
		errs.New("gateway/http", errs.CodeNetwork, errs.WithMessage("dial timeout")),
		errs.New("gateway/http", errs.CodeUnavailable, errs.WithHTTP(503)),
		context.DeadlineExceeded,
		context.Canceled,
	}
	for _, err := range cases {
		out := Resolve(entryWithBase(outbox.OpUpdate, 1), gateway.PushResult{}, err)
		if out.Kind != KindRetry {
			t.Fatalf("error %v must map to retry, got %s", err, out.Kind)
		}
	}
}

func TestResolveValidationRejectionIsTerminal(t *testing.T) {
	err := errs.New("gateway/http", errs.CodeValidation, errs.WithHTTP(422), errs.WithMessage("missing signature"))
	out := Resolve(entryWithBase(outbox.OpCreate, 0), gateway.PushResult{}, err)
	if out.Kind != KindRejected {
		t.Fatalf("validation rejection must be terminal, got %s", out.Kind)
	}
}

func TestKindString(t *testing.T) {
	if KindApplied.String() != "applied" || KindConflict.String() != "conflict" {
		t.Fatalf("unexpected kind names")
	}
}
