// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hmemran121/FinOs-sub002/internal/auth"
)

// HTTPHandlers exposes the sync service over HTTP. All endpoints expect the
// JWT middleware to have placed account and device IDs on the context.
type HTTPHandlers struct {
	service *Service
	jwtAuth *JWTAuth
	hub     *Hub
	logger  *slog.Logger
}

// NewHTTPHandlers creates handlers over a service. hub may be nil when the
// deployment runs without a realtime feed.
func NewHTTPHandlers(service *Service, jwtAuth *JWTAuth, hub *Hub, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service: service,
		jwtAuth: jwtAuth,
		hub:     hub,
		logger:  logger,
	}
}

// Routes returns a mux with every sync endpoint behind JWT authentication.
func (h *HTTPHandlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /sync/authority", h.jwtAuth.Middleware(http.HandlerFunc(h.HandleSnapshot)))
	mux.Handle("GET /sync/rows", h.jwtAuth.Middleware(http.HandlerFunc(h.HandleRows)))
	mux.Handle("GET /sync/row-version", h.jwtAuth.Middleware(http.HandlerFunc(h.HandleRowVersion)))
	mux.Handle("POST /sync/upsert", h.jwtAuth.Middleware(http.HandlerFunc(h.HandleUpsert)))
	mux.Handle("POST /sync/pulse", h.jwtAuth.Middleware(http.HandlerFunc(h.HandlePulse)))
	mux.Handle("GET /sync/feed", h.jwtAuth.Middleware(http.HandlerFunc(h.HandleFeed)))
	return mux
}

// HandleSnapshot serves the authority version summary.
func (h *HTTPHandlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	accountID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	snap, err := h.service.Snapshot(r.Context(), accountID)
	if err != nil {
		h.logger.Error("snapshot failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read snapshot", "")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// HandleRows serves one page of an entity's rows.
func (h *HTTPHandlers) HandleRows(w http.ResponseWriter, r *http.Request) {
	accountID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "entity is required", "")
		return
	}
	since := parseIntParam(r, "since", 0)
	offset := int(parseIntParam(r, "offset", 0))
	limit := int(parseIntParam(r, "limit", 100))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := h.service.FetchRows(r.Context(), accountID, entity, since, offset, limit)
	if err != nil {
		h.logger.Error("rows fetch failed", "entity", entity, "error", err)
		h.writeError(w, http.StatusBadRequest, ErrCodeUnknownEntity, err.Error(), "")
		return
	}
	h.writeJSON(w, http.StatusOK, RowsResponse{Rows: rows})
}

// HandleRowVersion serves a single row's stored version.
func (h *HTTPHandlers) HandleRowVersion(w http.ResponseWriter, r *http.Request) {
	accountID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	entity := r.URL.Query().Get("entity")
	pk := r.URL.Query().Get("pk")
	if entity == "" || pk == "" {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "entity and pk are required", "")
		return
	}
	version, found, err := h.service.RowVersion(r.Context(), accountID, entity, pk)
	if err != nil {
		h.logger.Error("row version failed", "entity", entity, "pk", pk, "error", err)
		h.writeError(w, http.StatusBadRequest, ErrCodeUnknownEntity, err.Error(), "")
		return
	}
	h.writeJSON(w, http.StatusOK, RowVersionResponse{Version: version, Found: found})
}

// HandleUpsert accepts one full row.
func (h *HTTPHandlers) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	accountID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body", "")
		return
	}
	if req.Entity == "" || len(req.Row) == 0 {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "entity and row are required", "")
		return
	}

	result, err := h.service.Upsert(r.Context(), accountID, deviceID, req.Entity, req.Row)
	if err != nil {
		var conflict *VersionConflictError
		var fkViolation *FKViolationError
		switch {
		case errors.As(err, &conflict):
			h.writeError(w, http.StatusConflict, ErrCodeVersionConflict, conflict.Entity, "")
		case errors.As(err, &fkViolation):
			h.writeError(w, http.StatusUnprocessableEntity, ErrCodeFKViolation, fkViolation.Entity, fkViolation.Field)
		default:
			h.logger.Error("upsert failed", "entity", req.Entity, "error", err)
			h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error(), "")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandlePulse broadcasts a payload-free pulse to the account's other devices.
func (h *HTTPHandlers) HandlePulse(w http.ResponseWriter, r *http.Request) {
	accountID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}
	if h.hub != nil {
		h.hub.BroadcastPulse(accountID, deviceID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFeed upgrades to the websocket change feed.
func (h *HTTPHandlers) HandleFeed(w http.ResponseWriter, r *http.Request) {
	accountID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	if h.hub == nil {
		h.writeError(w, http.StatusNotFound, ErrCodeInvalidRequest, "feed not enabled", "")
		return
	}
	h.hub.ServeFeed(w, r, accountID)
}

func (h *HTTPHandlers) identity(w http.ResponseWriter, r *http.Request) (accountID, deviceID string, ok bool) {
	accountID, aok := auth.GetAccountID(r.Context())
	deviceID, dok := auth.GetDeviceID(r.Context())
	if !aok || !dok || accountID == "" {
		h.writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing auth context", "")
		return "", "", false
	}
	return accountID, deviceID, true
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message, field string) {
	h.writeJSON(w, status, ErrorResponse{Error: code, Message: message, Field: field})
}

func parseIntParam(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
