package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/types"
)

var (
	alice = types.Caller{UserID: "u-alice", Username: "alice", Roles: []string{"user"}}
	bob   = types.Caller{UserID: "u-bob", Username: "bob", Roles: []string{"user"}}
	admin = types.Caller{UserID: "u-admin", Username: "root", Roles: []string{"admin"}}
)

func storeConfig() *config.Config {
	return &config.Config{
		SessionTTL:             time.Hour,
		SessionMaxPerUser:      2,
		SessionCleanupInterval: time.Hour,
		SessionFlushInterval:   20 * time.Millisecond,
		SessionBatchSize:       1,
	}
}

func newTestStore(t *testing.T, p Persister) *Store {
	t.Helper()
	s := NewStore(storeConfig(), nil, p)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t, nil)

	sess, err := s.Create(alice, CreateOptions{Metadata: map[string]any{"job": "crawl"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.State != types.SessionActive {
		t.Errorf("state = %q, want active", sess.State)
	}
	if sess.ExpiresAt.IsZero() {
		t.Error("ExpiresAt not set")
	}

	got, err := s.Get(alice, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != alice.UserID || got.Metadata["job"] != "crawl" {
		t.Errorf("unexpected record: %+v", got)
	}

	// Every session starts with a default context.
	if _, err := s.Contexts().Default(sess.ID); err != nil {
		t.Errorf("Default context: %v", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Get(alice, "nope"); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestPerUserLimit(t *testing.T) {
	s := newTestStore(t, nil)

	for i := 0; i < 2; i++ {
		if _, err := s.Create(alice, CreateOptions{}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	if _, err := s.Create(alice, CreateOptions{}); !errors.Is(err, types.ErrTooManySessions) {
		t.Fatalf("err = %v, want ErrTooManySessions", err)
	}

	// Other users are not affected by alice's quota.
	if _, err := s.Create(bob, CreateOptions{}); err != nil {
		t.Errorf("bob blocked by alice's quota: %v", err)
	}
}

func TestLimitFreedOnClose(t *testing.T) {
	s := newTestStore(t, nil)

	first, _ := s.Create(alice, CreateOptions{})
	s.Create(alice, CreateOptions{})

	if err := s.Close(alice, first.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Create(alice, CreateOptions{}); err != nil {
		t.Errorf("quota not released on close: %v", err)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	s := newTestStore(t, nil)
	sess, _ := s.Create(alice, CreateOptions{})

	if _, err := s.Get(bob, sess.ID); !errors.Is(err, types.ErrAccessDenied) {
		t.Errorf("Get by non-owner: err = %v, want ErrAccessDenied", err)
	}
	if err := s.Close(bob, sess.ID); !errors.Is(err, types.ErrAccessDenied) {
		t.Errorf("Close by non-owner: err = %v, want ErrAccessDenied", err)
	}
	if _, err := s.Get(admin, sess.ID); err != nil {
		t.Errorf("admin access rejected: %v", err)
	}
}

func TestCloseTerminates(t *testing.T) {
	s := newTestStore(t, nil)
	sess, _ := s.Create(alice, CreateOptions{})

	if err := s.Close(alice, sess.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Get(alice, sess.ID); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("Get after close: err = %v, want ErrSessionNotFound", err)
	}
	if err := s.Close(alice, sess.ID); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("double close: err = %v, want ErrSessionNotFound", err)
	}
}

func TestCloseFiresTerminateHooks(t *testing.T) {
	s := newTestStore(t, nil)

	var gone []string
	s.OnTerminate(func(id string) { gone = append(gone, id) })

	sess, _ := s.Create(alice, CreateOptions{})
	s.Close(alice, sess.ID)

	if len(gone) != 1 || gone[0] != sess.ID {
		t.Errorf("terminate hooks = %v, want [%s]", gone, sess.ID)
	}
}

func TestListScopedToOwner(t *testing.T) {
	s := newTestStore(t, nil)
	s.Create(alice, CreateOptions{})
	s.Create(bob, CreateOptions{})

	got := s.List(alice, types.SessionFilter{})
	if len(got) != 1 || got[0].UserID != alice.UserID {
		t.Errorf("alice sees %d sessions, want only her own", len(got))
	}

	// Admin with an empty filter sees everything.
	if got := s.List(admin, types.SessionFilter{}); len(got) != 2 {
		t.Errorf("admin sees %d sessions, want 2", len(got))
	}

	// Filters still apply for admins.
	got = s.List(admin, types.SessionFilter{UserID: bob.UserID})
	if len(got) != 1 || got[0].UserID != bob.UserID {
		t.Errorf("filtered admin list wrong: %v", got)
	}
}

func TestSweepTerminatesExpired(t *testing.T) {
	s := newTestStore(t, nil)
	sess, _ := s.Create(alice, CreateOptions{TTL: time.Minute})

	s.sweep(time.Now().Add(2 * time.Minute))

	if _, err := s.Get(alice, sess.ID); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("expired session still reachable: %v", err)
	}
	if got := s.Count(); got != 0 {
		t.Errorf("count = %d after expiry, want 0", got)
	}
}

func TestSweepMarksExpiring(t *testing.T) {
	s := newTestStore(t, nil)
	sess, _ := s.Create(alice, CreateOptions{TTL: time.Hour})

	s.sweep(sess.ExpiresAt.Add(-30 * time.Second))

	got, err := s.Peek(sess.ID)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if got.State != types.SessionExpiring {
		t.Errorf("state = %q, want expiring", got.State)
	}

	// An access inside the expiry window rescues the session.
	rescued, err := s.Get(alice, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rescued.State != types.SessionActive {
		t.Errorf("state after touch = %q, want active", rescued.State)
	}
}

func TestSweepMarksIdle(t *testing.T) {
	s := newTestStore(t, nil)
	sess, _ := s.Create(alice, CreateOptions{})

	s.sweep(time.Now().Add(45 * time.Minute))

	got, _ := s.Peek(sess.ID)
	if got.State != types.SessionIdle {
		t.Errorf("state = %q after inactivity, want idle", got.State)
	}
}

func TestConnectionBinding(t *testing.T) {
	s := newTestStore(t, nil)
	sess, _ := s.Create(alice, CreateOptions{})

	if err := s.BindConnection(sess.ID, "conn-1"); err != nil {
		t.Fatalf("BindConnection: %v", err)
	}
	s.BindConnection(sess.ID, "conn-2")
	s.UnbindConnection(sess.ID, "conn-1")

	if got := s.Connections(sess.ID); len(got) != 1 || got[0] != "conn-2" {
		t.Errorf("connections = %v, want [conn-2]", got)
	}

	if err := s.BindConnection("nope", "conn-3"); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("bind to unknown session: err = %v", err)
	}
}

func TestBindWakesIdleSession(t *testing.T) {
	s := newTestStore(t, nil)
	sess, _ := s.Create(alice, CreateOptions{})

	s.sweep(time.Now().Add(45 * time.Minute))
	if got, _ := s.Peek(sess.ID); got.State != types.SessionIdle {
		t.Fatalf("state = %q before bind, want idle", got.State)
	}

	if err := s.BindConnection(sess.ID, "conn-1"); err != nil {
		t.Fatalf("BindConnection: %v", err)
	}
	if got, _ := s.Peek(sess.ID); got.State != types.SessionActive {
		t.Errorf("state = %q after bind, want active", got.State)
	}
}

func TestUnbindLastConnectionIdlesSession(t *testing.T) {
	s := newTestStore(t, nil)
	sess, _ := s.Create(alice, CreateOptions{})

	s.BindConnection(sess.ID, "conn-1")
	s.BindConnection(sess.ID, "conn-2")

	// Dropping one of two connections keeps the session active.
	s.UnbindConnection(sess.ID, "conn-1")
	if got, _ := s.Peek(sess.ID); got.State != types.SessionActive {
		t.Fatalf("state = %q with a live connection, want active", got.State)
	}

	// The last connection going away parks the session until the next touch.
	s.UnbindConnection(sess.ID, "conn-2")
	if got, _ := s.Peek(sess.ID); got.State != types.SessionIdle {
		t.Errorf("state = %q after last unbind, want idle", got.State)
	}
}

func TestPersistAndRecover(t *testing.T) {
	p := NewMemoryPersister()

	s := NewStore(storeConfig(), nil, p)
	sess, err := s.Create(alice, CreateOptions{Metadata: map[string]any{"job": "crawl"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Batch size 1: the create flushes on the next interval tick.
	deadline := time.Now().Add(2 * time.Second)
	for p.Stored(sess.ID) == nil {
		if time.Now().After(deadline) {
			t.Fatal("session never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Closing during shutdown deletes the record; re-seed it to model a
	// crash with the session still live.
	if err := p.Save(context.Background(), []*types.Session{sess}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2 := newTestStore(t, p)
	got, err := s2.Get(alice, sess.ID)
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if got.Metadata["job"] != "crawl" {
		t.Errorf("metadata lost in recovery: %+v", got.Metadata)
	}
}

func TestRecoverSkipsExpired(t *testing.T) {
	p := NewMemoryPersister()
	stale := &types.Session{
		ID:        "stale",
		UserID:    alice.UserID,
		State:     types.SessionActive,
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	p.Save(context.Background(), []*types.Session{stale})

	s := newTestStore(t, p)
	if got := s.Count(); got != 0 {
		t.Errorf("recovered %d sessions, want 0", got)
	}
}

func TestFilePersisterRoundTrip(t *testing.T) {
	path := t.TempDir() + "/sessions.json"
	f := NewFilePersister(path)
	ctx := context.Background()

	sess := &types.Session{
		ID:        "s1",
		UserID:    alice.UserID,
		State:     types.SessionActive,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := f.Save(ctx, []*types.Session{sess}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := f.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("loaded %v, want [s1]", got)
	}

	if err := f.Delete(ctx, []string{"s1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ = f.Load(ctx)
	if len(got) != 0 {
		t.Errorf("record survived delete: %v", got)
	}
}
