// Package httpserver exposes the local API consumed by the workstation UI:
// recording mutations, triggering sync, inspecting queue and cache state.
package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/wrapshop/fieldsync/config"
	"github.com/wrapshop/fieldsync/errs"
	"github.com/wrapshop/fieldsync/internal/cache"
	"github.com/wrapshop/fieldsync/internal/domain/entity"
	"github.com/wrapshop/fieldsync/internal/domain/localstore"
	"github.com/wrapshop/fieldsync/internal/domain/outbox"
	"github.com/wrapshop/fieldsync/internal/sync/coordinator"
	"github.com/wrapshop/fieldsync/internal/sync/recorder"
	"github.com/wrapshop/fieldsync/internal/sync/status"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	mutationsPath = "/v1/mutations"

	recordsPrefix = "/v1/records/"

	syncNowPath      = "/v1/sync/now"
	syncStatusPrefix = "/v1/sync/status/"
	syncStatsPath    = "/v1/sync/stats"
	syncSessionsPath = "/v1/sync/sessions"
	syncQueuePath    = "/v1/sync/queue"
	syncQueuePrefix  = syncQueuePath + "/"
	syncSettingsPath = "/v1/sync/settings"

	cachePath      = "/v1/cache"
	cacheStatsPath = "/v1/cache/stats"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	store       localstore.Store
	recorder    *recorder.Recorder
	tracker     *status.Tracker
	coord       *coordinator.Coordinator
	cache       *cache.Cache
}

// NewHandler wires the local API routes.
func NewHandler(environment config.Environment, store localstore.Store, rec *recorder.Recorder, tracker *status.Tracker, coord *coordinator.Coordinator, c *cache.Cache) http.Handler {
	server := &httpServer{
		environment: environment,
		store:       store,
		recorder:    rec,
		tracker:     tracker,
		coord:       coord,
		cache:       c,
	}
	mux := http.NewServeMux()

	mux.Handle(mutationsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.recordMutation,
	}))
	mux.Handle(recordsPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRecords,
	}))

	mux.Handle(syncNowPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.syncNow,
	}))
	mux.Handle(syncStatusPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSyncStatus,
	}))
	mux.Handle(syncStatsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSyncStats,
	}))
	mux.Handle(syncSessionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSessions,
	}))
	mux.Handle(syncQueuePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listQueue,
	}))
	mux.Handle(syncQueuePrefix, http.HandlerFunc(server.handleQueueEntry))
	mux.Handle(syncSettingsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSyncSettings,
		http.MethodPut: server.updateSyncSettings,
	}))

	mux.Handle(cachePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.clearCache,
	}))
	mux.Handle(cacheStatsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getCacheStats,
	}))

	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type mutationPayload struct {
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Operation   string          `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"baseVersion"`
}

func (s *httpServer) recordMutation(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	var payload mutationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	entry, err := s.recorder.Record(r.Context(), outbox.Mutation{
		EntityType:  entity.Type(strings.TrimSpace(payload.EntityType)),
		EntityID:    strings.TrimSpace(payload.EntityID),
		Operation:   outbox.Operation(strings.TrimSpace(payload.Operation)),
		Payload:     payload.Payload,
		BaseVersion: payload.BaseVersion,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	// The stored record changed; cached views of its type are stale now.
	if s.cache != nil {
		s.cache.Clear(string(entry.EntityType))
	}
	// A queued mutation is a reason to sync soon.
	s.coord.Request(coordinator.TriggerNotified)
	writeJSON(w, http.StatusCreated, queueEntryView(entry))
}

// getRecords serves replica reads: /v1/records/{type} lists live records,
// /v1/records/{type}/{id} returns one including tombstones. List responses
// are served through the cache.
func (s *httpServer) getRecords(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, recordsPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "record type required")
		return
	}
	typeName, id, hasID := strings.Cut(rest, "/")
	typ, err := entity.ParseType(typeName)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	if hasID {
		snap, err := s.store.GetSnapshot(r.Context(), typ, strings.Trim(id, "/"))
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshotView(snap))
		return
	}

	cacheKey := cache.Key{Namespace: string(typ), ID: "list"}
	if s.cache != nil {
		if data, err := s.cache.Get(r.Context(), cacheKey); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}
	}
	snaps, err := s.store.ListSnapshots(r.Context(), typ)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, snapshotView(snap))
	}
	body, err := encodeJSON(map[string]any{"records": views})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.cache != nil {
		_ = s.cache.Set(r.Context(), cacheKey, body, 0)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *httpServer) syncNow(w http.ResponseWriter, r *http.Request) {
	session, err := s.coord.SyncNow(r.Context(), coordinator.TriggerManual)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	// Remote changes may have landed; cached views are stale.
	if s.cache != nil && session.Downloaded+session.Uploaded > 0 {
		s.cache.Clear()
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *httpServer) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, syncStatusPrefix), "/")
	typeName, id, hasID := strings.Cut(rest, "/")
	if !hasID || strings.TrimSpace(id) == "" {
		writeError(w, http.StatusNotFound, "record type and id required")
		return
	}
	typ, err := entity.ParseType(typeName)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.StatusFor(r.Context(), typ, strings.Trim(id, "/")))
}

func (s *httpServer) getSyncStats(w http.ResponseWriter, r *http.Request) {
	agg, err := s.tracker.Aggregate(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payload := map[string]any{
		"online":           s.coord.Online(),
		"pendingUploads":   agg.PendingUploads,
		"pendingDownloads": agg.PendingDownloads,
		"conflicts":        agg.Conflicts,
		"failed":           agg.Failed,
		"lastSync":         agg.LastSync,
	}
	if current, ok := s.coord.Current(); ok {
		payload["currentSession"] = current
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.coord.Sessions()})
}

func (s *httpServer) listQueue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	entries, err := s.store.ListUnresolved(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		views = append(views, queueEntryView(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

type requeuePayload struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// handleQueueEntry serves /v1/sync/queue/{id} (DELETE discards) and
// /v1/sync/queue/{id}/requeue (POST resets, optionally with a new payload).
func (s *httpServer) handleQueueEntry(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, syncQueuePrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "queue entry id required")
		return
	}
	rawID, action, hasAction := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "invalid queue entry id")
		return
	}

	if !hasAction {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, http.MethodDelete)
			return
		}
		if err := s.store.Discard(r.Context(), id); err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "discarded", "id": id})
		return
	}

	if strings.TrimSpace(action) != "requeue" {
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	// An empty body means requeue as-is.
	var payload requeuePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return
	}
	if err := s.store.Requeue(r.Context(), id, payload.Payload); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.coord.Request(coordinator.TriggerNotified)
	writeJSON(w, http.StatusOK, map[string]any{"status": "requeued", "id": id})
}

type syncSettingsPayload struct {
	OfflineMode    *bool `json:"offlineMode"`
	BackgroundSync *bool `json:"backgroundSync"`
}

func (s *httpServer) syncSettingsView() map[string]any {
	return map[string]any{
		"offlineMode":    s.coord.OfflineMode(),
		"backgroundSync": s.coord.BackgroundSync(),
		"online":         s.coord.Online(),
	}
}

func (s *httpServer) getSyncSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.syncSettingsView())
}

func (s *httpServer) updateSyncSettings(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	var payload syncSettingsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.OfflineMode == nil && payload.BackgroundSync == nil {
		writeError(w, http.StatusBadRequest, "offlineMode or backgroundSync required")
		return
	}
	if payload.BackgroundSync != nil {
		s.coord.SetBackground(*payload.BackgroundSync)
	}
	if payload.OfflineMode != nil {
		s.coord.SetOffline(*payload.OfflineMode)
		if !*payload.OfflineMode {
			s.coord.Request(coordinator.TriggerNotified)
		}
	}
	writeJSON(w, http.StatusOK, s.syncSettingsView())
}

func (s *httpServer) getCacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

// clearCache drops cached view data. Sync state lives in the replica and is
// untouched by this.
func (s *httpServer) clearCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	var namespaces []string
	if raw := strings.TrimSpace(r.URL.Query().Get("types")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				namespaces = append(namespaces, trimmed)
			}
		}
	}
	removed := s.cache.Clear(namespaces...)
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "removed": removed})
}

func (s *httpServer) writeEngineError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeConflict:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeValidation:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errs.CodeUnavailable, errs.CodeNetwork:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queueEntryView(entry outbox.Entry) map[string]any {
	view := map[string]any{
		"id":           entry.ID,
		"entityType":   entry.EntityType,
		"entityId":     entry.EntityID,
		"operation":    entry.Operation,
		"status":       entry.Status,
		"baseVersion":  entry.BaseVersion,
		"attemptCount": entry.AttemptCount,
		"createdAt":    entry.CreatedAt,
	}
	if len(entry.Payload) > 0 {
		view["payload"] = entry.Payload
	}
	if entry.LastError != "" {
		view["lastError"] = entry.LastError
	}
	if len(entry.ServerState) > 0 {
		view["serverState"] = entry.ServerState
	}
	if entry.LastAttemptedAt != nil {
		view["lastAttemptedAt"] = entry.LastAttemptedAt
	}
	return view
}

func snapshotView(snap entity.Snapshot) map[string]any {
	view := map[string]any{
		"entityType": snap.Type,
		"entityId":   snap.ID,
		"version":    snap.BaseVersion,
		"updatedAt":  snap.UpdatedAt,
	}
	if len(snap.Payload) > 0 {
		view["payload"] = snap.Payload
	}
	if snap.Deleted {
		view["deleted"] = true
	}
	if snap.RemoteVersion > snap.BaseVersion {
		view["remoteVersion"] = snap.RemoteVersion
	}
	return view
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func encodeJSON(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := encodeJSON(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
