// Package api exposes the REST surface of the control plane. Handlers
// translate HTTP into calls on the session store, page manager, and
// action executor, and map structured errors back to status codes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/action"
	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/page"
	"github.com/browsergrid/browsergrid/internal/policy"
	"github.com/browsergrid/browsergrid/internal/session"
	"github.com/browsergrid/browsergrid/internal/types"
)

// maxBodySize limits request bodies to prevent memory exhaustion (1MB).
const maxBodySize = 1 << 20

// Handler handles all REST API requests.
type Handler struct {
	cfg    *config.Config
	pool   *browser.Pool
	store  *session.Store
	pages  *page.Manager
	exec   *action.Executor
	policy *policy.Manager
	ws     http.Handler

	started time.Time
}

// New creates a new Handler. ws may be nil when the WebSocket fabric is
// not mounted.
func New(cfg *config.Config, pool *browser.Pool, store *session.Store, pages *page.Manager,
	exec *action.Executor, pm *policy.Manager, ws http.Handler) *Handler {
	return &Handler{
		cfg:     cfg,
		pool:    pool,
		store:   store,
		pages:   pages,
		exec:    exec,
		policy:  pm,
		ws:      ws,
		started: time.Now(),
	}
}

// errorPayload is the wire form of a failed request.
type errorPayload struct {
	Error struct {
		Kind    types.Kind `json:"kind"`
		Code    string     `json:"code"`
		Message string     `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeErr maps an error chain onto the REST status grid and the error
// envelope.
func writeErr(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)

	var payload errorPayload
	payload.Error.Kind = kind
	payload.Error.Code = string(kind)
	payload.Error.Message = err.Error()

	var se *types.Error
	if errors.As(err, &se) && se.Code != "" {
		payload.Error.Code = se.Code
	}

	writeJSON(w, kind.HTTPStatus(), payload)
}

func badRequest(w http.ResponseWriter, code, message string) {
	writeErr(w, types.E(types.KindValidation, code, "%s", message))
}

// decode reads a bounded JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return types.E(types.KindValidation, "BAD_JSON", "invalid JSON request body")
	}
	return nil
}
