package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/browsergrid/browsergrid/internal/action"
	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/driver"
	"github.com/browsergrid/browsergrid/internal/middleware"
	"github.com/browsergrid/browsergrid/internal/page"
	"github.com/browsergrid/browsergrid/internal/policy"
	"github.com/browsergrid/browsergrid/internal/session"
)

func apiConfig() *config.Config {
	return &config.Config{
		PoolMaxSize:            2,
		PoolMinSize:            0,
		MaxPagesPerBrowser:     4,
		IdleTimeout:            time.Hour,
		AcquireTimeout:         2 * time.Second,
		HealthCheckInterval:    time.Hour,
		RecycleAfterUses:       1000,
		SessionTTL:             time.Hour,
		SessionMaxPerUser:      10,
		SessionCleanupInterval: time.Hour,
		ActionMaxBatch:         10,
		ScriptMaxBytes:         50000,
		CSSMaxBytes:            100000,
		NavHistoryMax:          50,
		MaxRetries:             1,
		RetryBase:              time.Millisecond,
		RetryMax:               5 * time.Millisecond,
		RetryBackoff:           2.0,
		DefaultTimeout:         5 * time.Second,
		MaxTimeout:             10 * time.Second,
	}
}

type apiFixture struct {
	mux   *http.ServeMux
	store *session.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := apiConfig()
	fake := driver.NewFake()
	pool := browser.NewPool(cfg, fake, nil)
	store := session.NewStore(cfg, nil, nil)
	mgr := page.NewManager(cfg, pool, store, nil)

	pm, err := policy.NewManager("", false)
	if err != nil {
		t.Fatal(err)
	}
	dispatcher := action.NewDispatcher()
	validator := action.NewValidator(cfg, pm, dispatcher.Known)
	exec := action.NewExecutor(cfg, mgr, pool, store, validator, dispatcher, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown()
		_ = store.Shutdown(ctx)
		_ = pool.Shutdown(ctx)
		pm.Close()
	})

	h := New(cfg, pool, store, mgr, exec, pm, nil)
	return &apiFixture{mux: h.Routes(), store: store}
}

// do performs a request as the given user. Roles ride on the headers
// the way the gateway would assert them.
func (fx *apiFixture) do(t *testing.T, method, path, userID, roles string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		payload = bytes.NewBuffer(raw)
	} else {
		payload = &bytes.Buffer{}
	}

	req := httptest.NewRequest(method, path, payload)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if roles != "" {
		req.Header.Set("X-User-Roles", roles)
	}

	w := httptest.NewRecorder()
	middleware.Auth(&config.Config{})(fx.mux).ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func (fx *apiFixture) createSession(t *testing.T, userID string) string {
	t.Helper()
	w := fx.do(t, "POST", "/v1/sessions", userID, "user", map[string]any{"ttlSeconds": 600})
	if w.Code != http.StatusCreated {
		t.Fatalf("create session status = %d body = %s", w.Code, w.Body.String())
	}
	var sess struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &sess)
	return sess.ID
}

func (fx *apiFixture) createPage(t *testing.T, userID, sessionID string) string {
	t.Helper()
	w := fx.do(t, "POST", "/v1/sessions/"+sessionID+"/pages", userID, "user", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create page status = %d body = %s", w.Code, w.Body.String())
	}
	var snap struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &snap)
	return snap.ID
}

func TestHealthEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.do(t, "GET", "/health", "", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.createSession(t, "u-alice")

	w := fx.do(t, "GET", "/v1/sessions/"+id, "u-alice", "user", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = fx.do(t, "DELETE", "/v1/sessions/"+id, "u-alice", "user", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d body = %s", w.Code, w.Body.String())
	}

	w = fx.do(t, "GET", "/v1/sessions/"+id, "u-alice", "user", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestSessionOwnershipOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.createSession(t, "u-alice")

	w := fx.do(t, "GET", "/v1/sessions/"+id, "u-bob", "user", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign get = %d, want 403", w.Code)
	}

	// Admin bypasses ownership.
	w = fx.do(t, "GET", "/v1/sessions/"+id, "u-admin", "admin", nil)
	if w.Code != http.StatusOK {
		t.Errorf("admin get = %d, want 200", w.Code)
	}
}

func TestSessionListScoped(t *testing.T) {
	fx := newAPIFixture(t)
	fx.createSession(t, "u-alice")
	fx.createSession(t, "u-bob")

	w := fx.do(t, "GET", "/v1/sessions", "u-alice", "user", nil)
	var body struct {
		Sessions []struct {
			UserID string `json:"userId"`
		} `json:"sessions"`
	}
	decodeBody(t, w, &body)
	if len(body.Sessions) != 1 || body.Sessions[0].UserID != "u-alice" {
		t.Errorf("sessions = %+v", body.Sessions)
	}
}

func TestContextEndpoints(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.createSession(t, "u-alice")

	w := fx.do(t, "POST", "/v1/sessions/"+id+"/contexts", "u-alice", "user", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create context = %d body = %s", w.Code, w.Body.String())
	}
	var cx struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &cx)

	w = fx.do(t, "GET", "/v1/sessions/"+id+"/contexts", "u-alice", "user", nil)
	var list struct {
		Contexts []struct {
			Type string `json:"type"`
		} `json:"contexts"`
	}
	decodeBody(t, w, &list)
	if len(list.Contexts) != 2 { // default + incognito
		t.Fatalf("contexts = %+v", list.Contexts)
	}

	w = fx.do(t, "DELETE", "/v1/sessions/"+id+"/contexts/"+cx.ID, "u-alice", "user", nil)
	if w.Code != http.StatusOK {
		t.Errorf("close context = %d", w.Code)
	}
}

func TestPageEndpoints(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.createSession(t, "u-alice")
	pageID := fx.createPage(t, "u-alice", id)

	w := fx.do(t, "GET", "/v1/sessions/"+id+"/pages/"+pageID, "u-alice", "user", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get page = %d", w.Code)
	}

	w = fx.do(t, "GET", "/v1/sessions/"+id+"/pages/"+pageID, "u-bob", "user", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign page get = %d, want 403", w.Code)
	}

	w = fx.do(t, "DELETE", "/v1/sessions/"+id+"/pages/"+pageID, "u-alice", "user", nil)
	if w.Code != http.StatusOK {
		t.Errorf("close page = %d", w.Code)
	}

	// A second close reports the page gone.
	w = fx.do(t, "DELETE", "/v1/sessions/"+id+"/pages/"+pageID, "u-alice", "user", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second close = %d, want 404", w.Code)
	}
}

func TestExecuteActionOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.createSession(t, "u-alice")
	pageID := fx.createPage(t, "u-alice", id)

	w := fx.do(t, "POST", "/v1/sessions/"+id+"/actions", "u-alice", "user",
		map[string]any{"type": "navigate", "pageId": pageID, "url": "https://example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("execute = %d body = %s", w.Code, w.Body.String())
	}
	var result struct {
		Success    bool   `json:"success"`
		ActionType string `json:"actionType"`
	}
	decodeBody(t, w, &result)
	if !result.Success || result.ActionType != "navigate" {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteBlockedScriptOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.createSession(t, "u-alice")
	pageID := fx.createPage(t, "u-alice", id)

	w := fx.do(t, "POST", "/v1/sessions/"+id+"/actions", "u-alice", "user",
		map[string]any{"type": "evaluate", "pageId": pageID, "script": "require('child_process')"})
	if w.Code != http.StatusOK {
		t.Fatalf("execute = %d", w.Code)
	}
	var result struct {
		Success bool `json:"success"`
		Error   *struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	decodeBody(t, w, &result)
	if result.Success || result.Error == nil || result.Error.Kind != "VALIDATION_FAILED" {
		t.Errorf("result = %+v", result)
	}
}

func TestBatchOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.createSession(t, "u-alice")
	pageID := fx.createPage(t, "u-alice", id)

	w := fx.do(t, "POST", "/v1/sessions/"+id+"/actions/batch", "u-alice", "user",
		map[string]any{"actions": []map[string]any{
			{"type": "navigate", "pageId": pageID, "url": "https://example.com"},
			{"type": "refresh", "pageId": pageID},
		}})
	if w.Code != http.StatusOK {
		t.Fatalf("batch = %d body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Results []struct {
			Success bool `json:"success"`
		} `json:"results"`
	}
	decodeBody(t, w, &body)
	if len(body.Results) != 2 || !body.Results[0].Success || !body.Results[1].Success {
		t.Errorf("results = %+v", body.Results)
	}
}

func TestBatchTooLargeOverHTTP(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.createSession(t, "u-alice")

	actions := make([]map[string]any, 11) // cap is 10
	for i := range actions {
		actions[i] = map[string]any{"type": "refresh", "pageId": "p"}
	}
	w := fx.do(t, "POST", "/v1/sessions/"+id+"/actions/batch", "u-alice", "user",
		map[string]any{"actions": actions})
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversize batch = %d, want 400", w.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.createSession(t, "u-alice")
	pageID := fx.createPage(t, "u-alice", id)

	fx.do(t, "POST", "/v1/sessions/"+id+"/actions", "u-alice", "user",
		map[string]any{"type": "navigate", "pageId": pageID, "url": "https://example.com"})

	w := fx.do(t, "GET", "/v1/sessions/"+id+"/actions/history?limit=10", "u-alice", "user", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history = %d", w.Code)
	}
	var body struct {
		History []struct {
			ActionType string `json:"actionType"`
			Success    bool   `json:"success"`
		} `json:"history"`
	}
	decodeBody(t, w, &body)
	if len(body.History) != 1 || body.History[0].ActionType != "navigate" {
		t.Errorf("history = %+v", body.History)
	}
}

func TestStatsAdminOnly(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.do(t, "GET", "/v1/stats", "u-alice", "user", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("user stats = %d, want 403", w.Code)
	}

	w = fx.do(t, "GET", "/v1/stats", "u-admin", "admin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin stats = %d", w.Code)
	}
	var body map[string]any
	decodeBody(t, w, &body)
	if _, ok := body["pool"]; !ok {
		t.Errorf("stats body = %v", body)
	}
}

func TestInvalidPathIDRejected(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.do(t, "GET", "/v1/sessions/__proto__", "u-alice", "user", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestBadJSONRejected(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.createSession(t, "u-alice")

	req := httptest.NewRequest("POST", "/v1/sessions/"+id+"/actions", bytes.NewBufferString("{nope"))
	req.Header.Set("X-User-ID", "u-alice")
	w := httptest.NewRecorder()
	middleware.Auth(&config.Config{})(fx.mux).ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
