package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/middleware"
	"github.com/browsergrid/browsergrid/internal/page"
	"github.com/browsergrid/browsergrid/internal/security"
	"github.com/browsergrid/browsergrid/internal/session"
	"github.com/browsergrid/browsergrid/internal/types"
	"github.com/browsergrid/browsergrid/pkg/version"
)

// pathID extracts and validates a path parameter. Returns "" after
// writing the rejection when the value is unsafe.
func pathID(w http.ResponseWriter, r *http.Request, name string) string {
	id := r.PathValue(name)
	if msg := security.ValidateID(id); msg != "" {
		badRequest(w, "INVALID_ID", msg)
		return ""
	}
	return id
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Full(),
		"uptime":  time.Since(h.started).String(),
	})
}

// handleStats reports pool, session, and policy state. Admin only; it
// exposes per-instance detail across all tenants.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r.Context())
	if !caller.IsAdmin() {
		writeErr(w, types.ErrAccessDenied)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pool":     h.pool.Snapshot(),
		"sessions": h.store.Count(),
		"pages":    h.pages.Count(),
		"actions":  h.exec.Dispatcher().Types(),
		"policy":   h.policy.Stats(),
		"version":  version.Full(),
	})
}

type createSessionRequest struct {
	TTLSeconds int            `json:"ttlSeconds,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (h *Handler) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.TTLSeconds < 0 {
		badRequest(w, "INVALID_TTL", "ttlSeconds must not be negative")
		return
	}

	caller := middleware.CallerFrom(r.Context())
	sess, err := h.store.Create(caller, session.CreateOptions{
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	log.Info().Str("session_id", sess.ID).Str("user_id", caller.UserID).Msg("Session created")
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleSessionList(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r.Context())

	var filter types.SessionFilter
	if state := r.URL.Query().Get("state"); state != "" {
		filter.States = []types.SessionState{types.SessionState(state)}
	}

	sessions := h.store.List(caller, filter)
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := pathID(w, r, "sessionId")
	if id == "" {
		return
	}

	sess, err := h.store.Get(middleware.CallerFrom(r.Context()), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	id := pathID(w, r, "sessionId")
	if id == "" {
		return
	}

	if err := h.store.Close(middleware.CallerFrom(r.Context()), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": id})
}

func (h *Handler) handleContextCreate(w http.ResponseWriter, r *http.Request) {
	id := pathID(w, r, "sessionId")
	if id == "" {
		return
	}

	cx, err := h.store.Contexts().Create(middleware.CallerFrom(r.Context()), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cx)
}

func (h *Handler) handleContextList(w http.ResponseWriter, r *http.Request) {
	id := pathID(w, r, "sessionId")
	if id == "" {
		return
	}

	// Access check runs through the store before listing.
	if _, err := h.store.Get(middleware.CallerFrom(r.Context()), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": h.store.Contexts().List(id)})
}

func (h *Handler) handleContextClose(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(w, r, "sessionId")
	if sessionID == "" {
		return
	}
	contextID := pathID(w, r, "contextId")
	if contextID == "" {
		return
	}

	if err := h.store.Contexts().Close(middleware.CallerFrom(r.Context()), sessionID, contextID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": contextID})
}

func (h *Handler) handlePageCreate(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(w, r, "sessionId")
	if sessionID == "" {
		return
	}

	var opts page.CreateOptions
	if r.ContentLength != 0 {
		if err := decode(w, r, &opts); err != nil {
			writeErr(w, err)
			return
		}
	}

	snap, err := h.pages.Create(r.Context(), middleware.CallerFrom(r.Context()), sessionID, opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) handlePageList(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(w, r, "sessionId")
	if sessionID == "" {
		return
	}

	snaps, err := h.pages.List(middleware.CallerFrom(r.Context()), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": snaps})
}

func (h *Handler) handlePageGet(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(w, r, "sessionId")
	if sessionID == "" {
		return
	}
	pageID := pathID(w, r, "pageId")
	if pageID == "" {
		return
	}

	snap, err := h.pages.Get(middleware.CallerFrom(r.Context()), sessionID, pageID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handlePageClose(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(w, r, "sessionId")
	if sessionID == "" {
		return
	}
	pageID := pathID(w, r, "pageId")
	if pageID == "" {
		return
	}

	if err := h.pages.Close(middleware.CallerFrom(r.Context()), sessionID, pageID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": pageID})
}

func (h *Handler) handleActionExecute(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(w, r, "sessionId")
	if sessionID == "" {
		return
	}

	var a types.Action
	if err := decode(w, r, &a); err != nil {
		writeErr(w, err)
		return
	}

	result := h.exec.Execute(r.Context(), middleware.CallerFrom(r.Context()), sessionID, a)

	// The action result carries its own success flag; the HTTP layer
	// only distinguishes "executed" from "rejected before execution".
	writeJSON(w, http.StatusOK, result)
}

type batchRequest struct {
	Actions     []types.Action `json:"actions"`
	StopOnError bool           `json:"stopOnError,omitempty"`
}

func (h *Handler) handleActionBatch(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(w, r, "sessionId")
	if sessionID == "" {
		return
	}

	var req batchRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}

	results, err := h.exec.ExecuteBatch(r.Context(), middleware.CallerFrom(r.Context()),
		sessionID, req.Actions, req.StopOnError)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) handleActionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := pathID(w, r, "sessionId")
	if sessionID == "" {
		return
	}

	// Ownership check before exposing the ledger.
	if _, err := h.store.Get(middleware.CallerFrom(r.Context()), sessionID); err != nil {
		writeErr(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries := h.exec.History().List(sessionID, limit)
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}
