// Package session owns the session records: creation, the lifecycle
// state machine, per-user limits, access enforcement, TTL expiry, and
// durable persistence. Browser resources are NOT held here; pages and
// contexts reference sessions by ID and are torn down through terminate
// hooks when a session ends.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/types"
)

// Store is the authoritative session table.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	byUser   map[string]int      // live session count per user
	conns    map[string][]string // sessionID -> bound websocket connection ids

	cfg      *config.Config
	bus      *events.Bus
	contexts *Contexts
	writer   *writer

	terminateHooks []func(sessionID string)

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// CreateOptions carries the caller-supplied parts of a new session.
type CreateOptions struct {
	TTL      time.Duration
	Metadata map[string]any
}

// NewStore builds the store, recovers persisted sessions, and starts
// the expiry sweep. Pass a nil persister to run memory-only.
func NewStore(cfg *config.Config, bus *events.Bus, p Persister) *Store {
	s := &Store{
		sessions: make(map[string]*types.Session),
		byUser:   make(map[string]int),
		conns:    make(map[string][]string),
		cfg:      cfg,
		bus:      bus,
		stopCh:   make(chan struct{}),
	}
	s.contexts = newContexts(s)

	if p != nil {
		s.writer = newWriter(p, cfg.SessionBatchSize, cfg.SessionFlushInterval)
		s.recover(p)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop()
	}()

	log.Info().
		Dur("ttl", cfg.SessionTTL).
		Int("max_per_user", cfg.SessionMaxPerUser).
		Bool("persist", p != nil).
		Msg("Session store initialized")
	return s
}

// Contexts returns the context registry bound to this store.
func (s *Store) Contexts() *Contexts { return s.contexts }

// OnTerminate registers a hook invoked after a session reaches the
// terminated state. The page manager uses this to close orphan pages.
// Must be called before the store sees traffic.
func (s *Store) OnTerminate(fn func(sessionID string)) {
	s.terminateHooks = append(s.terminateHooks, fn)
}

// Create registers a session for the caller. Each session starts with a
// default context.
func (s *Store) Create(caller types.Caller, opts CreateOptions) (*types.Session, error) {
	ttl := opts.TTL
	if ttl <= 0 || ttl > 24*time.Hour {
		ttl = s.cfg.SessionTTL
	}
	now := time.Now()
	sess := &types.Session{
		ID:             uuid.NewString(),
		UserID:         caller.UserID,
		Username:       caller.Username,
		Roles:          append([]string(nil), caller.Roles...),
		Metadata:       opts.Metadata,
		State:          types.SessionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.E(types.KindTransient, "STORE_CLOSED", "session store is shutting down")
	}
	if s.byUser[caller.UserID] >= s.cfg.SessionMaxPerUser {
		s.mu.Unlock()
		return nil, types.ErrTooManySessions
	}
	s.sessions[sess.ID] = sess
	s.byUser[caller.UserID]++
	total := len(s.sessions)
	s.mu.Unlock()

	s.contexts.createDefault(sess.ID)
	s.dirty(sess)
	metrics.ActiveSessions.Set(float64(total))

	log.Info().
		Str("session_id", sess.ID).
		Str("user_id", caller.UserID).
		Int("total_sessions", total).
		Msg("Session created")
	s.publish("session:created", sess, nil)

	return sess.Clone(), nil
}

// Get returns the caller's session and refreshes its activity clock.
// Non-owners without the admin role get ErrAccessDenied.
func (s *Store) Get(caller types.Caller, id string) (*types.Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, types.ErrSessionNotFound
	}
	if !caller.CanAccess(sess.UserID) {
		s.mu.Unlock()
		return nil, types.ErrAccessDenied
	}
	s.touchLocked(sess)
	cp := sess.Clone()
	s.mu.Unlock()

	s.dirty(cp)
	return cp, nil
}

// Peek returns the session without touching it or checking access. The
// executor uses it to stamp audit records.
func (s *Store) Peek(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Touch refreshes the activity clock, rescuing idle or expiring
// sessions back to active.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		s.touchLocked(sess)
	}
	s.mu.Unlock()
	if ok {
		s.dirty(sess)
	}
}

// touchLocked refreshes timestamps and slides the TTL window.
func (s *Store) touchLocked(sess *types.Session) {
	now := time.Now()
	sess.LastAccessedAt = now
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(s.cfg.SessionTTL)
	if sess.State == types.SessionIdle || sess.State == types.SessionExpiring {
		if sess.CanTransition(types.SessionActive) {
			sess.State = types.SessionActive
		}
	}
}

// List returns the caller's sessions matching the filter. Non-admin
// callers only ever see their own sessions regardless of the filter.
func (s *Store) List(caller types.Caller, filter types.SessionFilter) []*types.Session {
	if !caller.IsAdmin() {
		filter.UserID = caller.UserID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Session, 0)
	for _, sess := range s.sessions {
		if filter.Matches(sess) {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// Close terminates a session. Terminating an already-terminated or
// unknown session returns ErrSessionNotFound.
func (s *Store) Close(caller types.Caller, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return types.ErrSessionNotFound
	}
	if !caller.CanAccess(sess.UserID) {
		s.mu.Unlock()
		return types.ErrAccessDenied
	}
	s.terminateLocked(sess)
	total := len(s.sessions)
	s.mu.Unlock()

	s.finishTerminate(sess, "closed")
	metrics.ActiveSessions.Set(float64(total))
	return nil
}

// terminateLocked flips the record to terminated and drops it from the
// live table. Resource teardown happens in finishTerminate, outside the
// lock.
func (s *Store) terminateLocked(sess *types.Session) {
	sess.State = types.SessionTerminated
	sess.UpdatedAt = time.Now()
	delete(s.sessions, sess.ID)
	if s.byUser[sess.UserID] > 0 {
		s.byUser[sess.UserID]--
	}
	delete(s.conns, sess.ID)
}

func (s *Store) finishTerminate(sess *types.Session, reason string) {
	s.contexts.dropSession(sess.ID)
	for _, hook := range s.terminateHooks {
		hook(sess.ID)
	}
	if s.writer != nil {
		s.writer.delete(sess.ID)
	}

	log.Info().
		Str("session_id", sess.ID).
		Str("reason", reason).
		Dur("lifetime", time.Since(sess.CreatedAt)).
		Msg("Session terminated")
	s.publish("session:closed", sess, map[string]any{"reason": reason})
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// BindConnection associates a websocket connection with a session so
// the fabric can be told when the session dies. The first connection
// wakes an idle session.
func (s *Store) BindConnection(sessionID, connID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return types.ErrSessionNotFound
	}
	s.conns[sessionID] = append(s.conns[sessionID], connID)
	var woke bool
	if sess.State == types.SessionIdle && sess.CanTransition(types.SessionActive) {
		sess.State = types.SessionActive
		sess.UpdatedAt = time.Now()
		woke = true
	}
	s.mu.Unlock()

	if woke {
		s.dirty(sess)
		s.publish("session:state", sess, map[string]any{"state": string(sess.State)})
	}
	return nil
}

// UnbindConnection removes a connection binding; it is a no-op for
// unknown pairs. When the last connection goes, an active session
// drops to idle.
func (s *Store) UnbindConnection(sessionID, connID string) {
	s.mu.Lock()
	bound := s.conns[sessionID]
	found := false
	for i, c := range bound {
		if c == connID {
			s.conns[sessionID] = append(bound[:i], bound[i+1:]...)
			found = true
			break
		}
	}
	var idled *types.Session
	if found && len(s.conns[sessionID]) == 0 {
		if sess, ok := s.sessions[sessionID]; ok &&
			sess.State == types.SessionActive && sess.CanTransition(types.SessionIdle) {
			sess.State = types.SessionIdle
			sess.UpdatedAt = time.Now()
			idled = sess
		}
	}
	s.mu.Unlock()

	if idled != nil {
		s.dirty(idled)
		s.publish("session:state", idled, map[string]any{"state": string(idled.State)})
	}
}

// Connections returns the connection ids bound to a session.
func (s *Store) Connections(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.conns[sessionID]...)
}

// Shutdown stops the sweeper, flushes the persister, and terminates all
// sessions in parallel.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	doomed := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		doomed = append(doomed, sess)
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, sess := range doomed {
		sess := sess
		eg.Go(func() error {
			s.mu.Lock()
			s.terminateLocked(sess)
			s.mu.Unlock()
			s.finishTerminate(sess, "shutdown")
			return nil
		})
	}
	_ = eg.Wait()

	if s.writer != nil {
		if err := s.writer.close(ctx); err != nil {
			log.Warn().Err(err).Msg("Session persister close failed")
			return err
		}
	}

	log.Info().Msg("Session store closed")
	return nil
}

// sweepLoop walks the table on an interval, demoting stale sessions and
// terminating expired ones.
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// idleFraction of the TTL without activity moves active -> idle;
// expiringWindow before the deadline moves idle/active -> expiring.
const (
	idleFraction   = 2
	expiringWindow = time.Minute
)

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	var expired []*types.Session
	var demoted []*types.Session
	for _, sess := range s.sessions {
		switch {
		case sess.Expired(now):
			s.terminateLocked(sess)
			expired = append(expired, sess)
		case now.Add(expiringWindow).After(sess.ExpiresAt) && sess.CanTransition(types.SessionExpiring):
			sess.State = types.SessionExpiring
			sess.UpdatedAt = now
			demoted = append(demoted, sess)
		case sess.State == types.SessionActive &&
			now.Sub(sess.LastAccessedAt) > s.cfg.SessionTTL/idleFraction:
			sess.State = types.SessionIdle
			sess.UpdatedAt = now
			demoted = append(demoted, sess)
		}
	}
	total := len(s.sessions)
	s.mu.Unlock()

	for _, sess := range demoted {
		s.dirty(sess)
		s.publish("session:state", sess, map[string]any{"state": string(sess.State)})
	}
	for _, sess := range expired {
		s.finishTerminate(sess, "expired")
	}
	if len(expired) > 0 {
		metrics.ActiveSessions.Set(float64(total))
		log.Debug().Int("expired", len(expired)).Int("remaining", total).Msg("Session sweep completed")
	}
}

// recover loads persisted sessions at startup. Browser resources did
// not survive the restart, so live sessions come back idle.
func (s *Store) recover(p Persister) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := p.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Session recovery failed, starting empty")
		return
	}

	now := time.Now()
	restored := 0
	for _, sess := range records {
		if sess.State == types.SessionTerminated || sess.Expired(now) {
			continue
		}
		sess.State = types.SessionIdle
		sess.UpdatedAt = now
		s.sessions[sess.ID] = sess
		s.byUser[sess.UserID]++
		s.contexts.createDefault(sess.ID)
		restored++
	}
	if restored > 0 {
		metrics.ActiveSessions.Set(float64(restored))
		log.Info().Int("restored", restored).Msg("Sessions recovered from store")
	}
}

func (s *Store) dirty(sess *types.Session) {
	if s.writer != nil {
		s.writer.enqueue(sess.Clone())
	}
}

func (s *Store) publish(typ string, sess *types.Session, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Channel:   "session:status",
		Type:      typ,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Data:      data,
	})
}
