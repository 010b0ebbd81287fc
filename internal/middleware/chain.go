package middleware

import "net/http"

// Middleware wraps an http.Handler with cross-cutting behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middleware outermost-first: Chain(A, B, C) runs
// requests through A, then B, then C, then the final handler. The REST
// server builds one chain at startup (recovery, CORS, rate limiting,
// auth, logging) and wraps the router with it.
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
