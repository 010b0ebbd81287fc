package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/driver"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/page"
	"github.com/browsergrid/browsergrid/internal/policy"
	"github.com/browsergrid/browsergrid/internal/session"
	"github.com/browsergrid/browsergrid/internal/types"
)

var (
	alice = types.Caller{UserID: "u-alice", Username: "alice", Roles: []string{"user"}}
	bob   = types.Caller{UserID: "u-bob", Username: "bob", Roles: []string{"user"}}
)

func executorConfig() *config.Config {
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
		MaxRetries:             2,
		RetryBase:              time.Millisecond,
		RetryMax:               5 * time.Millisecond,
		RetryBackoff:           2.0,
		DefaultTimeout:         5 * time.Second,
		MaxTimeout:             10 * time.Second,
	}
}

type execFixture struct {
	exec  *Executor
	store *session.Store
	mgr   *page.Manager
	fake  *driver.FakeDriver
	bus   *events.Bus

	sessionID string
	pageID    string
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	cfg := executorConfig()
	fake := driver.NewFake()
	bus := events.NewBus()
	pool := browser.NewPool(cfg, fake, nil)
	store := session.NewStore(cfg, nil, nil)
	mgr := page.NewManager(cfg, pool, store, nil)

	pm, err := policy.NewManager("", false)
	if err != nil {
		t.Fatal(err)
	}
	dispatcher := NewDispatcher()
	validator := NewValidator(cfg, pm, dispatcher.Known)
	exec := NewExecutor(cfg, mgr, pool, store, validator, dispatcher, bus)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown()
		_ = store.Shutdown(ctx)
		_ = pool.Shutdown(ctx)
		pm.Close()
		bus.Close()
	})

	sess, err := store.Create(alice, session.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := mgr.Create(context.Background(), alice, sess.ID, page.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return &execFixture{
		exec: exec, store: store, mgr: mgr, fake: fake, bus: bus,
		sessionID: sess.ID, pageID: snap.ID,
	}
}

func (f *execFixture) fakePage(t *testing.T) *driver.FakePage {
	t.Helper()
	pages := f.fake.Browsers()[0].Pages()
	if len(pages) == 0 {
		t.Fatal("no fake pages")
	}
	return pages[len(pages)-1]
}

func TestExecuteNavigate(t *testing.T) {
	f := newExecFixture(t)

	res := f.exec.Execute(context.Background(), alice, f.sessionID, types.Action{
		Type:   types.ActionNavigate,
		PageID: f.pageID,
		URL:    "https://example.com",
	})
	if !res.Success {
		t.Fatalf("navigate failed: %+v", res.Error)
	}
	if got := f.fakePage(t).Navigations; len(got) != 1 || got[0] != "https://example.com" {
		t.Errorf("navigations = %v", got)
	}

	// Successful navigations land in the page history.
	snap, _ := f.mgr.Get(alice, f.sessionID, f.pageID)
	if len(snap.History) != 1 || snap.History[0] != "https://example.com" {
		t.Errorf("page history = %v", snap.History)
	}
}

func TestExecuteBlockedScriptNeverReachesBrowser(t *testing.T) {
	f := newExecFixture(t)

	res := f.exec.Execute(context.Background(), alice, f.sessionID, types.Action{
		Type:     types.ActionEvaluate,
		PageID:   f.pageID,
		Function: `require("fs").readFileSync("/etc/passwd")`,
	})
	if res.Success {
		t.Fatal("blocked script executed")
	}
	if res.Error == nil || res.Error.Kind != types.KindValidation {
		t.Errorf("error = %+v, want validation kind", res.Error)
	}
	if res.Error != nil && res.Error.Code != "XSS_PATTERN_DETECTED" {
		t.Errorf("error code = %q, want XSS_PATTERN_DETECTED", res.Error.Code)
	}
	if got := f.fakePage(t).Evals; len(got) != 0 {
		t.Errorf("script reached the browser: %v", got)
	}
}

func TestExecuteOwnership(t *testing.T) {
	f := newExecFixture(t)

	res := f.exec.Execute(context.Background(), bob, f.sessionID, types.Action{
		Type:   types.ActionClick,
		PageID: f.pageID,
		Selector: "#go",
	})
	if res.Success {
		t.Fatal("cross-user action executed")
	}
	if res.Error.Kind != types.KindAccessDenied {
		t.Errorf("error kind = %q, want access denied", res.Error.Kind)
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	f := newExecFixture(t)

	calls := 0
	f.exec.Dispatcher().Register("flaky", func(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("net::ERR_CONNECTION_RESET")
		}
		return map[string]any{"ok": true}, nil
	})

	res := f.exec.Execute(context.Background(), alice, f.sessionID, types.Action{
		Type:   "flaky",
		PageID: f.pageID,
	})
	if !res.Success {
		t.Fatalf("flaky action failed: %+v", res.Error)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if res.Metadata["retryAttempts"] != 3 {
		t.Errorf("metadata retryAttempts = %v, want 3", res.Metadata["retryAttempts"])
	}
}

func TestExecuteSingleAttemptHasNoRetryMetadata(t *testing.T) {
	f := newExecFixture(t)

	res := f.exec.Execute(context.Background(), alice, f.sessionID, types.Action{
		Type: types.ActionNavigate, PageID: f.pageID, URL: "https://example.com",
	})
	if !res.Success {
		t.Fatalf("navigate failed: %+v", res.Error)
	}
	if _, ok := res.Metadata["retryAttempts"]; ok {
		t.Errorf("retryAttempts set on first-attempt success: %v", res.Metadata)
	}
	if rid, ok := res.Metadata["requestId"].(string); !ok || rid == "" {
		t.Error("requestId missing from result metadata")
	}
}

func TestExecuteDoesNotRetryTerminalErrors(t *testing.T) {
	f := newExecFixture(t)

	calls := 0
	f.exec.Dispatcher().Register("broken", func(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
		calls++
		return nil, types.E(types.KindElementNotFound, "NO_ELEMENT", "nothing matched")
	})
	f.exec.Dispatcher().Register("rejected", func(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
		calls++
		return nil, errors.New("invalid selector '#!!'")
	})

	f.exec.Execute(context.Background(), alice, f.sessionID, types.Action{Type: "rejected", PageID: f.pageID})
	if calls != 1 {
		t.Errorf("terminal driver error retried: %d calls", calls)
	}
}

func TestExecuteRetryBudgetBounded(t *testing.T) {
	f := newExecFixture(t)

	calls := 0
	f.exec.Dispatcher().Register("flappy", func(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
		calls++
		return nil, errors.New("timeout")
	})

	res := f.exec.Execute(context.Background(), alice, f.sessionID, types.Action{
		Type:   "flappy",
		PageID: f.pageID,
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if calls != 3 { // 1 + MaxRetries(2)
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecuteEmitsStartAudit(t *testing.T) {
	f := newExecFixture(t)

	sub := f.bus.Subscribe(16)
	defer sub.Cancel()

	f.exec.Execute(context.Background(), alice, f.sessionID, types.Action{
		Type: types.ActionNavigate, PageID: f.pageID, URL: "https://example.com",
	})

	var started, executed *events.Event
	deadline := time.After(2 * time.Second)
	for started == nil || executed == nil {
		select {
		case e := <-sub.C:
			switch e.Channel {
			case "action:started":
				ev := e
				started = &ev
			case "action:executed":
				ev := e
				executed = &ev
			}
		case <-deadline:
			t.Fatalf("audit events missing: started=%v executed=%v", started != nil, executed != nil)
		}
	}

	if started.SessionID != f.sessionID || started.PageID != f.pageID {
		t.Errorf("start audit = %+v", started)
	}
	if rid, _ := started.Data["requestId"].(string); rid == "" {
		t.Error("start audit missing requestId")
	}
	if executed.SessionID != f.sessionID {
		t.Errorf("terminal audit = %+v", executed)
	}
}

func TestExecuteHistoryCarriesContext(t *testing.T) {
	f := newExecFixture(t)

	f.exec.Execute(context.Background(), alice, f.sessionID, types.Action{
		Type: types.ActionNavigate, PageID: f.pageID, URL: "https://example.com",
	})

	entries := f.exec.History().List(f.sessionID, 0)
	if len(entries) != 1 {
		t.Fatalf("history has %d entries, want 1", len(entries))
	}
	snap, err := f.mgr.Get(alice, f.sessionID, f.pageID)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].ContextID == "" || entries[0].ContextID != snap.ContextID {
		t.Errorf("entry contextId = %q, want %q", entries[0].ContextID, snap.ContextID)
	}
	if entries[0].RequestID == "" {
		t.Error("entry missing requestId")
	}
}

func TestExecuteRecordsHistory(t *testing.T) {
	f := newExecFixture(t)

	f.exec.Execute(context.Background(), alice, f.sessionID, types.Action{
		Type: types.ActionNavigate, PageID: f.pageID, URL: "https://example.com",
	})
	f.exec.Execute(context.Background(), alice, f.sessionID, types.Action{
		Type: types.ActionEvaluate, PageID: f.pageID, Function: `require("x")`,
	})

	entries := f.exec.History().List(f.sessionID, 0)
	if len(entries) != 2 {
		t.Fatalf("history has %d entries, want 2", len(entries))
	}
	if !entries[0].Success || entries[1].Success {
		t.Errorf("history outcomes wrong: %+v", entries)
	}

	// History dies with the session.
	f.store.Close(alice, f.sessionID)
	if got := f.exec.History().List(f.sessionID, 0); len(got) != 0 {
		t.Errorf("history survived session close: %d entries", len(got))
	}
}

func TestExecuteBatchStopOnError(t *testing.T) {
	f := newExecFixture(t)

	actions := []types.Action{
		{Type: types.ActionNavigate, PageID: f.pageID, URL: "https://example.com"},
		{Type: types.ActionClick, PageID: "missing-page", Selector: "#x"},
		{Type: types.ActionClick, PageID: f.pageID, Selector: "#x"},
	}

	results, err := f.exec.ExecuteBatch(context.Background(), alice, f.sessionID, actions, true)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (stop on error)", len(results))
	}
	if results[0].Success == false || results[1].Success == true {
		t.Errorf("unexpected outcomes: %+v", results)
	}

	results, err = f.exec.ExecuteBatch(context.Background(), alice, f.sessionID, actions, false)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want all 3 without stopOnError", len(results))
	}
}

func TestHistoryRingBounded(t *testing.T) {
	h := NewHistory()
	for i := 0; i < historyCapacity+10; i++ {
		h.Record("s1", HistoryEntry{ActionType: types.ActionClick, Timestamp: time.Now()})
	}
	if got := len(h.List("s1", 0)); got != historyCapacity {
		t.Errorf("ring holds %d entries, want %d", got, historyCapacity)
	}
	if got := len(h.List("s1", 5)); got != 5 {
		t.Errorf("limited list = %d entries, want 5", got)
	}
}
