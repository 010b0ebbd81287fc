// Package page tracks every open page: which session and context owns
// it, which pool instance hosts it, and its navigation history. All
// actions on one page are serialized through Page.Run.
package page

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/driver"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/session"
	"github.com/browsergrid/browsergrid/internal/types"
)

// Page is one live browser page plus its ownership record. Run
// serializes all driver access; history is guarded by the same lock.
type Page struct {
	ID        string
	SessionID string
	ContextID string
	UserID    string

	inst *browser.Instance
	dp   driver.Page

	mu         sync.Mutex
	history    []string
	histMax    int
	createdAt  time.Time
	lastUsedAt time.Time
	closed     bool
}

// Run executes fn with exclusive access to the underlying driver page.
// Concurrent actions on the same page queue here.
func (p *Page) Run(fn func(dp driver.Page) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return types.ErrPageGone
	}
	p.lastUsedAt = time.Now()
	return fn(p.dp)
}

// Instance returns the pool instance hosting this page, for health
// bookkeeping.
func (p *Page) Instance() *browser.Instance { return p.inst }

// RecordNav appends a visited URL, keeping the history bounded from the
// front.
func (p *Page) RecordNav(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, url)
	if len(p.history) > p.histMax {
		p.history = p.history[len(p.history)-p.histMax:]
	}
}

// Snapshot is the serializable view of a page.
type Snapshot struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	ContextID  string    `json:"contextId"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	History    []string  `json:"history,omitempty"`
}

func (p *Page) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		ID:         p.ID,
		SessionID:  p.SessionID,
		ContextID:  p.ContextID,
		CreatedAt:  p.createdAt,
		LastUsedAt: p.lastUsedAt,
		History:    append([]string(nil), p.history...),
	}
}

// CreateOptions are the caller-facing knobs for a new page.
type CreateOptions struct {
	ContextID      string `json:"contextId,omitempty"`
	ViewportWidth  int    `json:"viewportWidth,omitempty"`
	ViewportHeight int    `json:"viewportHeight,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
}

// Manager owns the page table.
type Manager struct {
	mu    sync.Mutex
	pages map[string]*Page

	cfg   *config.Config
	pool  *browser.Pool
	store *session.Store
	bus   *events.Bus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds the manager and hooks it into the session store so
// pages die with their session or context.
func NewManager(cfg *config.Config, pool *browser.Pool, store *session.Store, bus *events.Bus) *Manager {
	m := &Manager{
		pages:  make(map[string]*Page),
		cfg:    cfg,
		pool:   pool,
		store:  store,
		bus:    bus,
		stopCh: make(chan struct{}),
	}
	store.OnTerminate(m.closeBySession)
	store.Contexts().OnClose(m.closeByContext)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reapLoop()
	}()
	return m
}

// Create opens a page in the given context of the caller's session. An
// empty context id targets the session's default context.
func (m *Manager) Create(ctx context.Context, caller types.Caller, sessionID string, opts CreateOptions) (Snapshot, error) {
	if _, err := m.store.Get(caller, sessionID); err != nil {
		return Snapshot{}, err
	}

	var bctx *types.Context
	var err error
	if opts.ContextID == "" {
		bctx, err = m.store.Contexts().Default(sessionID)
	} else {
		bctx, err = m.store.Contexts().Get(sessionID, opts.ContextID)
	}
	if err != nil {
		return Snapshot{}, err
	}

	inst, err := m.pool.Acquire(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	dp, err := inst.Browser.NewPage(ctx, driver.PageOptions{
		Incognito:      bctx.Type == types.ContextIncognito,
		ViewportWidth:  opts.ViewportWidth,
		ViewportHeight: opts.ViewportHeight,
		UserAgent:      opts.UserAgent,
	})
	if err != nil {
		m.pool.RecordResult(inst, err)
		m.pool.Release(inst)
		return Snapshot{}, err
	}
	m.pool.RecordResult(inst, nil)

	now := time.Now()
	pg := &Page{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ContextID:  bctx.ID,
		UserID:     caller.UserID,
		inst:       inst,
		dp:         dp,
		histMax:    m.cfg.NavHistoryMax,
		createdAt:  now,
		lastUsedAt: now,
	}

	m.mu.Lock()
	m.pages[pg.ID] = pg
	total := len(m.pages)
	m.mu.Unlock()

	metrics.ActivePages.Set(float64(total))
	log.Info().
		Str("page_id", pg.ID).
		Str("session_id", sessionID).
		Str("context_id", bctx.ID).
		Str("instance_id", inst.ID).
		Msg("Page created")
	m.publish("page:created", pg)

	return pg.snapshot(), nil
}

// Resolve returns the page after checking that the caller may touch it
// and that it belongs to the given session.
func (m *Manager) Resolve(caller types.Caller, sessionID, pageID string) (*Page, error) {
	m.mu.Lock()
	pg, ok := m.pages[pageID]
	m.mu.Unlock()

	if !ok {
		return nil, types.ErrPageNotFound
	}
	if !caller.CanAccess(pg.UserID) {
		return nil, types.ErrAccessDenied
	}
	if sessionID != "" && pg.SessionID != sessionID {
		return nil, types.ErrOwnershipMismatch
	}
	return pg, nil
}

// Get returns a snapshot of the page.
func (m *Manager) Get(caller types.Caller, sessionID, pageID string) (Snapshot, error) {
	pg, err := m.Resolve(caller, sessionID, pageID)
	if err != nil {
		return Snapshot{}, err
	}
	return pg.snapshot(), nil
}

// List returns the session's pages.
func (m *Manager) List(caller types.Caller, sessionID string) ([]Snapshot, error) {
	if _, err := m.store.Get(caller, sessionID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0)
	for _, pg := range m.pages {
		if pg.SessionID == sessionID {
			out = append(out, pg.snapshot())
		}
	}
	return out, nil
}

// Close tears the page down. Closing a page that is already gone
// reports not-found; the registry itself stays consistent.
func (m *Manager) Close(caller types.Caller, sessionID, pageID string) error {
	pg, err := m.Resolve(caller, sessionID, pageID)
	if err != nil {
		return err
	}
	m.teardown(pg, "closed")
	return nil
}

// Count returns the number of live pages.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// Shutdown closes every page and stops the reaper.
func (m *Manager) Shutdown() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	doomed := make([]*Page, 0, len(m.pages))
	for _, pg := range m.pages {
		doomed = append(doomed, pg)
	}
	m.mu.Unlock()

	for _, pg := range doomed {
		m.teardown(pg, "shutdown")
	}
}

// teardown closes the driver page, releases the pool slot, and removes
// the record. Safe to race: the first caller wins, the rest no-op.
func (m *Manager) teardown(pg *Page, reason string) {
	pg.mu.Lock()
	if pg.closed {
		pg.mu.Unlock()
		return
	}
	pg.closed = true
	pg.mu.Unlock()

	m.mu.Lock()
	delete(m.pages, pg.ID)
	total := len(m.pages)
	m.mu.Unlock()

	if err := pg.dp.Close(); err != nil {
		log.Debug().Err(err).Str("page_id", pg.ID).Msg("Error closing driver page")
	}
	m.pool.Release(pg.inst)

	metrics.ActivePages.Set(float64(total))
	log.Info().
		Str("page_id", pg.ID).
		Str("session_id", pg.SessionID).
		Str("reason", reason).
		Msg("Page closed")
	m.publish("page:closed", pg)
}

func (m *Manager) closeBySession(sessionID string) {
	m.closeWhere("session_terminated", func(pg *Page) bool { return pg.SessionID == sessionID })
}

func (m *Manager) closeByContext(contextID string) {
	m.closeWhere("context_closed", func(pg *Page) bool { return pg.ContextID == contextID })
}

func (m *Manager) closeWhere(reason string, match func(*Page) bool) {
	m.mu.Lock()
	var doomed []*Page
	for _, pg := range m.pages {
		if match(pg) {
			doomed = append(doomed, pg)
		}
	}
	m.mu.Unlock()

	for _, pg := range doomed {
		m.teardown(pg, reason)
	}
}

// reapLoop closes pages nothing has touched within the idle timeout.
func (m *Manager) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapIdle(time.Now())
		}
	}
}

func (m *Manager) reapIdle(now time.Time) {
	m.mu.Lock()
	var idle []*Page
	for _, pg := range m.pages {
		pg.mu.Lock()
		stale := now.Sub(pg.lastUsedAt) > m.cfg.IdleTimeout
		pg.mu.Unlock()
		if stale {
			idle = append(idle, pg)
		}
	}
	m.mu.Unlock()

	for _, pg := range idle {
		log.Info().Str("page_id", pg.ID).Msg("Reaping idle page")
		m.teardown(pg, "idle")
	}
}

func (m *Manager) publish(typ string, pg *Page) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Channel:   "page:lifecycle",
		Type:      typ,
		SessionID: pg.SessionID,
		UserID:    pg.UserID,
		ContextID: pg.ContextID,
		PageID:    pg.ID,
	})
}
