// Package types provides shared types, interfaces, and errors for the application.
package types

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrPoolShuttingDown = errors.New("browser pool is shutting down")
	ErrAcquireTimeout   = errors.New("timeout waiting for browser from pool")
	ErrPageCap          = errors.New("browser is at its page capacity")
	ErrInstanceGone     = errors.New("browser instance no longer exists")
	ErrBrowserUnhealthy = errors.New("browser is unhealthy")

	// Session errors
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrSessionExpired       = errors.New("session has expired")
	ErrSessionTerminated    = errors.New("session is terminated")
	ErrTooManySessions      = errors.New("maximum number of sessions reached")
	ErrAccessDenied         = errors.New("access denied")

	// Context errors
	ErrContextNotFound = errors.New("context not found")
	ErrContextMismatch = errors.New("context does not belong to session")

	// Page errors
	ErrPageNotFound      = errors.New("page not found")
	ErrPageGone          = errors.New("page is closed")
	ErrOwnershipMismatch = errors.New("page does not belong to session")

	// Action errors
	ErrUnsupportedAction = errors.New("unsupported action type")
	ErrBatchTooLarge     = errors.New("action batch exceeds maximum size")

	// Fabric errors
	ErrNotAuthenticated = errors.New("connection is not authenticated")
	ErrQueueOverflow    = errors.New("pre-auth message queue overflow")
	ErrConnectionClosed = errors.New("connection is closed")

	// Cancellation
	ErrCancelled = errors.New("operation canceled")
)

// Kind classifies an error for transport mapping and retry policy.
type Kind string

// Error kinds. Each kind carries an HTTP status, a gRPC code, and a
// retryability flag; see the methods below.
const (
	KindValidation        Kind = "VALIDATION_FAILED"
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindAccessDenied      Kind = "ACCESS_DENIED"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindTransient         Kind = "TRANSIENT"
	KindTimeout           Kind = "TIMEOUT"
	KindElementNotFound   Kind = "ELEMENT_NOT_FOUND"
	KindNavigationFailed  Kind = "NAVIGATION_FAILED"
	KindInteractionFailed Kind = "INTERACTION_FAILED"
	KindEvaluationFailed  Kind = "EVALUATION_FAILED"
	KindFileUploadFailed  Kind = "FILE_UPLOAD_FAILED"
	KindExecutionFailed   Kind = "EXECUTION_FAILED"
	KindPageClosed        Kind = "PAGE_CLOSED"
	KindBrowserClosed     Kind = "BROWSER_CLOSED"
	KindSecurityError     Kind = "SECURITY_ERROR"
	KindNotSupported      Kind = "NOT_SUPPORTED"
	KindCancelled         Kind = "CANCELLED"
	KindInternal          Kind = "INTERNAL"
)

// HTTPStatus maps an error kind to the REST status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound, KindElementNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error kind to the gRPC status code.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindValidation:
		return codes.InvalidArgument
	case KindUnauthenticated:
		return codes.Unauthenticated
	case KindAccessDenied:
		return codes.PermissionDenied
	case KindNotFound, KindElementNotFound:
		return codes.NotFound
	case KindConflict:
		return codes.AlreadyExists
	case KindRateLimited:
		return codes.ResourceExhausted
	case KindTransient:
		return codes.Unavailable
	case KindTimeout:
		return codes.DeadlineExceeded
	case KindCancelled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// Retryable reports whether the executor may retry errors of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindElementNotFound, KindNavigationFailed,
		KindInteractionFailed, KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is a structured error carrying a kind, a stable machine-readable
// code, and an optional wrapped cause. Handlers return these across the
// executor boundary instead of throwing.
type Error struct {
	Kind    Kind
	Code    string // machine-readable detail, e.g. "XSS_PATTERN_DETECTED"
	Message string
	Err     error // underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs a structured error.
func E(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a structured error around a cause.
func Wrap(kind Kind, code string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: err.Error(), Err: err}
}

// KindOf extracts the kind from an error chain. Sentinel errors map to
// their canonical kinds; anything unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrContextNotFound),
		errors.Is(err, ErrPageNotFound), errors.Is(err, ErrInstanceGone):
		return KindNotFound
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrContextMismatch),
		errors.Is(err, ErrOwnershipMismatch):
		return KindAccessDenied
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrNotAuthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrSessionAlreadyExists), errors.Is(err, ErrTooManySessions),
		errors.Is(err, ErrSessionTerminated), errors.Is(err, ErrPageCap),
		errors.Is(err, ErrBatchTooLarge):
		return KindConflict
	case errors.Is(err, ErrAcquireTimeout), errors.Is(err, ErrPoolShuttingDown),
		errors.Is(err, ErrQueueOverflow):
		return KindTransient
	case errors.Is(err, ErrPageGone):
		return KindPageClosed
	case errors.Is(err, ErrUnsupportedAction):
		return KindNotSupported
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindInternal
	}
}
