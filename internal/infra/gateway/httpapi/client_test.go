package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/wrapshop/fieldsync/config"
	"github.com/wrapshop/fieldsync/errs"
	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/gateway"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
)

func newClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(config.BackendSettings{
		BaseURL:        srv.URL,
		APIToken:       "token-1",
		RequestTimeout: 2 * time.Second,
		RequestsPerSec: 100,
	}, 100)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestPushAccepted(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sync/push" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("missing bearer token, got %q", got)
		}
		var req gateway.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode push: %v", err)
		}
		if req.EntityType != entity.TypeTask || req.BaseVersion != 3 {
			t.Errorf("unexpected push body: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true, "newVersion": 4})
	}))

	res, err := client.Push(context.Background(), gateway.PushRequest{
		EntityType:  entity.TypeTask,
		EntityID:    "t-1",
		Operation:   outbox.OpUpdate,
		Payload:     json.RawMessage(`{"v":1}`),
		BaseVersion: 3,
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !res.Accepted || res.NewVersion != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPushConflictIsAnOutcomeNotAnError(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accepted":      false,
			"serverVersion": 9,
			"serverState":   map[string]any{"v": "server"},
		})
	}))

	res, err := client.Push(context.Background(), gateway.PushRequest{
		EntityType:  entity.TypeTask,
		EntityID:    "t-1",
		Operation:   outbox.OpUpdate,
		Payload:     json.RawMessage(`{"v":1}`),
		BaseVersion: 3,
	})
	if err != nil {
		t.Fatalf("conflict must not surface as an error: %v", err)
	}
	if res.Accepted || res.ServerVersion != 9 || len(res.ServerState) == 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPushValidationRejection(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "unknown field checkpoints"})
	}))

	_, err := client.Push(context.Background(), gateway.PushRequest{
		EntityType:  entity.TypeIntervention,
		EntityID:    "i-1",
		Operation:   outbox.OpCreate,
		Payload:     json.RawMessage(`{"bad":true}`),
		BaseVersion: 0,
	})
	if errs.CodeOf(err) != errs.CodeValidation {
		t.Fatalf("expected validation code, got %v", err)
	}
}

func TestPushServerErrorIsUnavailable(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Push(context.Background(), gateway.PushRequest{
		EntityType:  entity.TypeTask,
		EntityID:    "t-1",
		Operation:   outbox.OpUpdate,
		Payload:     json.RawMessage(`{"v":1}`),
		BaseVersion: 1,
	})
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable code, got %v", err)
	}
	if !errs.Retryable(err) {
		t.Fatalf("5xx must be retryable")
	}
}

func TestPushTransportFailureIsNetwork(t *testing.T) {
	client, err := New(config.BackendSettings{
		BaseURL:        "http://127.0.0.1:1",
		RequestTimeout: 200 * time.Millisecond,
		RequestsPerSec: 100,
	}, 10)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Push(context.Background(), gateway.PushRequest{
		EntityType:  entity.TypeTask,
		EntityID:    "t-1",
		Operation:   outbox.OpUpdate,
		Payload:     json.RawMessage(`{"v":1}`),
		BaseVersion: 1,
	})
	if errs.CodeOf(err) != errs.CodeNetwork {
		t.Fatalf("expected network code, got %v", err)
	}
}

func TestChangesEncodesQueryAndDecodesFeed(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("type") != "client" {
			t.Errorf("unexpected type param: %q", q.Get("type"))
		}
		if q.Get("since") == "" || q.Get("limit") != "100" {
			t.Errorf("unexpected query: %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"changes": []map[string]any{
				{
					"entityType": "client",
					"entityId":   "c-1",
					"version":    2,
					"snapshot":   map[string]any{"name": "Garage Nord"},
					"changedAt":  since.Add(time.Hour).Format(time.RFC3339),
				},
			},
		})
	}))

	changes, err := client.Changes(context.Background(), entity.TypeClient, since)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 1 || changes[0].EntityID != "c-1" || changes[0].Version != 2 {
		t.Fatalf("unexpected feed: %+v", changes)
	}
}

func TestChangesOmitsSinceOnHydration(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("since") {
			t.Errorf("hydration pull must not send since: %v", r.URL.Query())
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"changes": []any{}})
	}))

	if _, err := client.Changes(context.Background(), entity.TypeTask, time.Time{}); err != nil {
		t.Fatalf("changes: %v", err)
	}
}
