package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"offline-sync-service/internal/cache"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

const maxBodyBytes = 4 << 20

func readBody(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", sync.ErrInvalidRequest, err)
	}
	return body, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", sync.ErrInvalidRequest, err)
	}
	return nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", sync.ErrInvalidRequest, name)
	}
	return n, nil
}

// Sync

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.syncManager.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.State())
}

type historyResponse struct {
	*store.SyncHistory
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	history, err := h.syncManager.History(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]historyResponse, 0, len(history))
	for _, hr := range history {
		item := historyResponse{SyncHistory: hr, Error: hr.ErrorMessage.String}
		if hr.CompletedAt.Valid {
			t := hr.CompletedAt.Time
			item.CompletedAt = &t
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Online == nil {
		writeError(w, fmt.Errorf("%w: online is required", sync.ErrInvalidRequest))
		return
	}
	h.syncManager.SetPlatformOnline(*req.Online)
	writeJSON(w, http.StatusOK, h.syncManager.State())
}

// Records

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.syncManager.ListOfflineData(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.syncManager.Record(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err == nil && rec.Action == store.ActionDelete {
		err = store.ErrNotFound
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PutRecord stores the body as the record's payload. Without an action query
// parameter it is a create for a new id and an update otherwise.
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")

	payload, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	action := store.Action(r.URL.Query().Get("action"))
	if action == "" {
		_, found, err := h.syncManager.GetOfflineData(ctx, collection, id)
		if err != nil {
			writeError(w, err)
			return
		}
		action = store.ActionCreate
		if found {
			action = store.ActionUpdate
		}
	}
	if action == store.ActionDelete {
		writeError(w, fmt.Errorf("%w: use DELETE to remove a record", sync.ErrInvalidRequest))
		return
	}

	if err := h.syncManager.StoreOfflineData(ctx, collection, id, payload, action); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "action": string(action)})
}

func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	if err := h.syncManager.StoreOfflineData(r.Context(), collection, id, nil, store.ActionDelete); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "action": string(store.ActionDelete)})
}

func (h *Handler) ClearRecords(w http.ResponseWriter, r *http.Request) {
	if err := h.syncManager.ClearOfflineData(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := h.syncManager.ListFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if failed == nil {
		failed = []*store.StoredRecord{}
	}
	writeJSON(w, http.StatusOK, failed)
}

func (h *Handler) RetryRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.syncManager.RetryFailed(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) DiscardRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.syncManager.DiscardFailed(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cache

type cachePutRequest struct {
	Data     json.RawMessage `json:"data"`
	TTL      string          `json:"ttl"`
	Version  string          `json:"version"`
	Tags     []string        `json:"tags"`
	Compress bool            `json:"compress"`
}

func (h *Handler) PutCache(w http.ResponseWriter, r *http.Request) {
	var req cachePutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Data) == 0 {
		writeError(w, fmt.Errorf("%w: data is required", sync.ErrInvalidRequest))
		return
	}

	opts := cache.Options{Version: req.Version, Tags: req.Tags, Compress: req.Compress}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, fmt.Errorf("%w: ttl: %v", sync.ErrInvalidRequest, err))
			return
		}
		opts.TTL = ttl
	}

	if !h.syncManager.CacheDataWith(chi.URLParam(r, "key"), req.Data, opts) {
		writeError(w, errors.New("value could not be cached"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetCache(w http.ResponseWriter, r *http.Request) {
	data, ok := h.syncManager.GetCachedVersion(chi.URLParam(r, "key"), r.URL.Query().Get("version"))
	if !ok {
		writeError(w, store.ErrNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.CacheStats())
}

func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string   `json:"pattern"`
		Tags    []string `json:"tags"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Pattern == "" && len(req.Tags) == 0 {
		writeError(w, fmt.Errorf("%w: pattern or tags required", sync.ErrInvalidRequest))
		return
	}

	removed := 0
	if req.Pattern != "" {
		removed += h.syncManager.InvalidateCache(req.Pattern)
	}
	if len(req.Tags) > 0 {
		removed += h.syncManager.InvalidateCacheTags(req.Tags)
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
