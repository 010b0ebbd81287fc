package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/types"
)

// Contexts is the registry of browser contexts. A context is the
// isolation boundary inside a session: pages live in exactly one
// context, and closing a context closes its pages. Every session gets a
// default context; incognito contexts are created on demand.
type Contexts struct {
	mu        sync.RWMutex
	contexts  map[string]*types.Context
	bySession map[string][]string

	store *Store
	hooks []func(contextID string)
}

func newContexts(store *Store) *Contexts {
	return &Contexts{
		contexts:  make(map[string]*types.Context),
		bySession: make(map[string][]string),
		store:     store,
	}
}

// OnClose registers a hook invoked when a context is removed. The page
// manager uses this to close the context's pages.
func (c *Contexts) OnClose(fn func(contextID string)) {
	c.hooks = append(c.hooks, fn)
}

// createDefault registers the session's default context. Called by the
// store during session creation, so access was already checked.
func (c *Contexts) createDefault(sessionID string) *types.Context {
	return c.add(sessionID, types.ContextDefault)
}

// Create adds an incognito context to the caller's session.
func (c *Contexts) Create(caller types.Caller, sessionID string) (*types.Context, error) {
	if _, err := c.store.Get(caller, sessionID); err != nil {
		return nil, err
	}
	ctx := c.add(sessionID, types.ContextIncognito)
	log.Info().
		Str("session_id", sessionID).
		Str("context_id", ctx.ID).
		Msg("Incognito context created")
	return ctx, nil
}

func (c *Contexts) add(sessionID string, typ types.ContextType) *types.Context {
	ctx := &types.Context{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      typ,
		Status:    "active",
		CreatedAt: time.Now(),
	}
	c.mu.Lock()
	c.contexts[ctx.ID] = ctx
	c.bySession[sessionID] = append(c.bySession[sessionID], ctx.ID)
	c.mu.Unlock()
	return ctx
}

// Get resolves a context, verifying it belongs to the given session.
func (c *Contexts) Get(sessionID, contextID string) (*types.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctx, ok := c.contexts[contextID]
	if !ok {
		return nil, types.ErrContextNotFound
	}
	if ctx.SessionID != sessionID {
		return nil, types.ErrContextMismatch
	}
	cp := *ctx
	return &cp, nil
}

// Default returns the session's default context.
func (c *Contexts) Default(sessionID string) (*types.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.bySession[sessionID] {
		if ctx := c.contexts[id]; ctx != nil && ctx.Type == types.ContextDefault {
			cp := *ctx
			return &cp, nil
		}
	}
	return nil, types.ErrContextNotFound
}

// List returns the session's contexts in creation order.
func (c *Contexts) List(sessionID string) []*types.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Context, 0, len(c.bySession[sessionID]))
	for _, id := range c.bySession[sessionID] {
		if ctx := c.contexts[id]; ctx != nil {
			cp := *ctx
			out = append(out, &cp)
		}
	}
	return out
}

// Close removes a context from its session. The default context cannot
// be closed independently; it goes down with the session.
func (c *Contexts) Close(caller types.Caller, sessionID, contextID string) error {
	if _, err := c.store.Get(caller, sessionID); err != nil {
		return err
	}

	c.mu.Lock()
	ctx, ok := c.contexts[contextID]
	if !ok {
		c.mu.Unlock()
		return types.ErrContextNotFound
	}
	if ctx.SessionID != sessionID {
		c.mu.Unlock()
		return types.ErrContextMismatch
	}
	if ctx.Type == types.ContextDefault {
		c.mu.Unlock()
		return types.E(types.KindValidation, "DEFAULT_CONTEXT", "the default context cannot be closed")
	}
	c.removeLocked(contextID)
	c.mu.Unlock()

	c.fireClose(contextID)
	log.Info().
		Str("session_id", sessionID).
		Str("context_id", contextID).
		Msg("Context closed")
	return nil
}

// dropSession removes every context of a terminating session.
func (c *Contexts) dropSession(sessionID string) {
	c.mu.Lock()
	ids := append([]string(nil), c.bySession[sessionID]...)
	for _, id := range ids {
		delete(c.contexts, id)
	}
	delete(c.bySession, sessionID)
	c.mu.Unlock()

	for _, id := range ids {
		c.fireClose(id)
	}
}

func (c *Contexts) removeLocked(contextID string) {
	ctx := c.contexts[contextID]
	delete(c.contexts, contextID)
	if ctx == nil {
		return
	}
	ids := c.bySession[ctx.SessionID]
	for i, id := range ids {
		if id == contextID {
			c.bySession[ctx.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

func (c *Contexts) fireClose(contextID string) {
	for _, hook := range c.hooks {
		hook(contextID)
	}
}
