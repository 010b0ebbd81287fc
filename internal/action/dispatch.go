package action

import (
	"context"
	"sort"
	"sync"

	"github.com/browsergrid/browsergrid/internal/driver"
	"github.com/browsergrid/browsergrid/internal/types"
)

// Handler executes one action type against a driver page and returns
// the action's data payload.
type Handler func(ctx context.Context, dp driver.Page, a *types.Action) (any, error)

// Dispatcher maps action type tags to handlers. The built-in tags are
// registered at construction; callers may add more before serving
// traffic.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]Handler)}
	registerBuiltins(d)
	return d
}

// Register installs a handler for a type tag, replacing any existing
// registration.
func (d *Dispatcher) Register(actionType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[actionType] = h
}

// Known reports whether a handler is registered for the tag.
func (d *Dispatcher) Known(actionType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[actionType]
	return ok
}

// Types returns the registered tags, sorted.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the action's handler.
func (d *Dispatcher) Dispatch(ctx context.Context, dp driver.Page, a *types.Action) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[a.Type]
	d.mu.RUnlock()
	if !ok {
		return nil, types.Wrap(types.KindNotSupported, "UNSUPPORTED_ACTION", types.ErrUnsupportedAction)
	}
	return h(ctx, dp, a)
}
