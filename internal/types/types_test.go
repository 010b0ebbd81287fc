package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
)

func TestKindHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindAccessDenied, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindElementNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindTransient, http.StatusServiceUnavailable},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindInternal, http.StatusInternalServerError},
		{KindExecutionFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestKindGRPCCode(t *testing.T) {
	tests := []struct {
		kind Kind
		want codes.Code
	}{
		{KindValidation, codes.InvalidArgument},
		{KindUnauthenticated, codes.Unauthenticated},
		{KindAccessDenied, codes.PermissionDenied},
		{KindNotFound, codes.NotFound},
		{KindConflict, codes.AlreadyExists},
		{KindRateLimited, codes.ResourceExhausted},
		{KindTransient, codes.Unavailable},
		{KindTimeout, codes.DeadlineExceeded},
		{KindCancelled, codes.Canceled},
		{KindSecurityError, codes.Internal},
	}
	for _, tt := range tests {
		if got := tt.kind.GRPCCode(); got != tt.want {
			t.Errorf("%s.GRPCCode() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{
		KindTimeout, KindElementNotFound, KindNavigationFailed,
		KindInteractionFailed, KindTransient, KindRateLimited,
	}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	terminal := []Kind{
		KindValidation, KindSecurityError, KindAccessDenied,
		KindNotFound, KindPageClosed, KindInternal, KindCancelled,
	}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestStructuredError(t *testing.T) {
	err := E(KindSecurityError, "XSS_PATTERN_DETECTED", "script rejected: %s", "document.write")
	if err.Error() != "XSS_PATTERN_DETECTED: script rejected: document.write" {
		t.Errorf("Error() = %q", err.Error())
	}

	noCode := &Error{Kind: KindInternal, Message: "boom"}
	if noCode.Error() != "boom" {
		t.Errorf("Error() without code = %q", noCode.Error())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	wrapped := Wrap(KindConflict, "POOL_SATURATED", ErrPageCap)
	if !errors.Is(wrapped, ErrPageCap) {
		t.Error("wrapped error should match sentinel via errors.Is")
	}
	if wrapped.Kind != KindConflict || wrapped.Code != "POOL_SATURATED" {
		t.Errorf("wrapped = %+v", wrapped)
	}

	if Wrap(KindInternal, "X", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{ErrSessionNotFound, KindNotFound},
		{ErrContextNotFound, KindNotFound},
		{ErrPageNotFound, KindNotFound},
		{ErrInstanceGone, KindNotFound},
		{ErrAccessDenied, KindAccessDenied},
		{ErrOwnershipMismatch, KindAccessDenied},
		{ErrSessionExpired, KindUnauthenticated},
		{ErrNotAuthenticated, KindUnauthenticated},
		{ErrTooManySessions, KindConflict},
		{ErrBatchTooLarge, KindConflict},
		{ErrAcquireTimeout, KindTransient},
		{ErrPoolShuttingDown, KindTransient},
		{ErrPageGone, KindPageClosed},
		{ErrUnsupportedAction, KindNotSupported},
		{ErrCancelled, KindCancelled},
		{errors.New("mystery"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestKindOfWrappedChains(t *testing.T) {
	// fmt.Errorf chains should still resolve the sentinel.
	err := fmt.Errorf("closing page: %w", ErrPageGone)
	if got := KindOf(err); got != KindPageClosed {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindPageClosed)
	}

	// A structured error wins over any sentinel underneath it.
	se := Wrap(KindValidation, "BATCH_TOO_LARGE", ErrBatchTooLarge)
	if got := KindOf(se); got != KindValidation {
		t.Errorf("KindOf(structured) = %s, want %s", got, KindValidation)
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil) != nil {
		t.Error("FromError(nil) should return nil")
	}

	ae := FromError(E(KindSecurityError, "BLOCKED_URL_SCHEME", "javascript: URLs are not allowed"))
	if ae.Kind != KindSecurityError || ae.Code != "BLOCKED_URL_SCHEME" {
		t.Errorf("FromError structured = %+v", ae)
	}

	plain := FromError(ErrSessionNotFound)
	if plain.Kind != KindNotFound || plain.Code != "" {
		t.Errorf("FromError sentinel = %+v", plain)
	}
	if plain.Message != ErrSessionNotFound.Error() {
		t.Errorf("Message = %q", plain.Message)
	}
}

func TestSessionCanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionState
		want     bool
	}{
		{SessionCreating, SessionActive, true},
		{SessionCreating, SessionIdle, false},
		{SessionActive, SessionIdle, true},
		{SessionActive, SessionExpiring, true},
		{SessionActive, SessionCreating, false},
		{SessionIdle, SessionActive, true},
		{SessionIdle, SessionExpiring, true},
		{SessionExpiring, SessionActive, true},
		{SessionExpiring, SessionIdle, false},
		// any live state may terminate
		{SessionCreating, SessionTerminated, true},
		{SessionActive, SessionTerminated, true},
		{SessionExpiring, SessionTerminated, true},
		// terminated is terminal
		{SessionTerminated, SessionActive, false},
		{SessionTerminated, SessionTerminated, false},
	}
	for _, tt := range tests {
		s := &Session{State: tt.from}
		if got := s.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := &Session{ExpiresAt: now.Add(-time.Second)}
	if !s.Expired(now) {
		t.Error("session past ExpiresAt should be expired")
	}
	s.ExpiresAt = now.Add(time.Minute)
	if s.Expired(now) {
		t.Error("session before ExpiresAt should not be expired")
	}
	s.ExpiresAt = time.Time{}
	if s.Expired(now) {
		t.Error("zero ExpiresAt means no TTL")
	}
}

func TestSessionCloneIsIndependent(t *testing.T) {
	orig := &Session{
		ID:       "sess-1",
		UserID:   "alice",
		Roles:    []string{"user"},
		Metadata: map[string]any{"team": "qa"},
	}
	cp := orig.Clone()
	cp.Roles[0] = "admin"
	cp.Metadata["team"] = "ops"

	if orig.Roles[0] != "user" {
		t.Error("Clone shares Roles slice with original")
	}
	if orig.Metadata["team"] != "qa" {
		t.Error("Clone shares Metadata map with original")
	}
}

func TestSessionFilterMatches(t *testing.T) {
	s := &Session{ID: "sess-1", UserID: "alice", State: SessionActive}

	tests := []struct {
		name   string
		filter SessionFilter
		want   bool
	}{
		{"empty filter matches all", SessionFilter{}, true},
		{"matching user", SessionFilter{UserID: "alice"}, true},
		{"wrong user", SessionFilter{UserID: "bob"}, false},
		{"matching id", SessionFilter{IDs: []string{"sess-2", "sess-1"}}, true},
		{"missing id", SessionFilter{IDs: []string{"sess-9"}}, false},
		{"matching state", SessionFilter{States: []SessionState{SessionActive}}, true},
		{"wrong state", SessionFilter{States: []SessionState{SessionIdle}}, false},
		{"all fields must match", SessionFilter{UserID: "alice", States: []SessionState{SessionIdle}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(s); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCallerAccess(t *testing.T) {
	user := Caller{UserID: "alice", Roles: []string{"user"}}
	admin := Caller{UserID: "root", Roles: []string{"user", "admin"}}
	anon := Caller{}

	if user.IsAdmin() || !admin.IsAdmin() {
		t.Error("IsAdmin role detection failed")
	}
	if !user.CanAccess("alice") {
		t.Error("owner should access own resources")
	}
	if user.CanAccess("bob") {
		t.Error("non-admin should not access foreign resources")
	}
	if !admin.CanAccess("bob") {
		t.Error("admin should access any resource")
	}
	if anon.CanAccess("") {
		t.Error("empty caller should not match empty owner")
	}
}
