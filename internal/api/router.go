package api

import "net/http"

// Routes wires every endpoint onto a ServeMux. The mux is returned bare;
// callers wrap it in the middleware chain.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /v1/stats", h.handleStats)

	mux.HandleFunc("POST /v1/sessions", h.handleSessionCreate)
	mux.HandleFunc("GET /v1/sessions", h.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{sessionId}", h.handleSessionGet)
	mux.HandleFunc("DELETE /v1/sessions/{sessionId}", h.handleSessionClose)

	mux.HandleFunc("POST /v1/sessions/{sessionId}/contexts", h.handleContextCreate)
	mux.HandleFunc("GET /v1/sessions/{sessionId}/contexts", h.handleContextList)
	mux.HandleFunc("DELETE /v1/sessions/{sessionId}/contexts/{contextId}", h.handleContextClose)

	mux.HandleFunc("POST /v1/sessions/{sessionId}/pages", h.handlePageCreate)
	mux.HandleFunc("GET /v1/sessions/{sessionId}/pages", h.handlePageList)
	mux.HandleFunc("GET /v1/sessions/{sessionId}/pages/{pageId}", h.handlePageGet)
	mux.HandleFunc("DELETE /v1/sessions/{sessionId}/pages/{pageId}", h.handlePageClose)

	mux.HandleFunc("POST /v1/sessions/{sessionId}/actions", h.handleActionExecute)
	mux.HandleFunc("POST /v1/sessions/{sessionId}/actions/batch", h.handleActionBatch)
	mux.HandleFunc("GET /v1/sessions/{sessionId}/actions/history", h.handleActionHistory)

	if h.ws != nil {
		mux.Handle("GET /ws", h.ws)
	}

	return mux
}
