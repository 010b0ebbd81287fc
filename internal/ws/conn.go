package ws

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/types"
)

// socket is the slice of *websocket.Conn the fabric needs; tests swap
// in an in-memory pair.
type socket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// subscription is one active channel subscription on a connection.
type subscription struct {
	ID      string
	Pattern string
	Filters map[string]string
}

// Conn is one websocket client. The connection starts unauthenticated;
// non-auth messages received before auth completes are queued (bounded)
// and replayed once the client authenticates. Overflowing that queue is
// a protocol error that closes the connection.
type Conn struct {
	ID string

	hub  *Hub
	sock socket

	wmu sync.Mutex // serializes socket writes

	mu        sync.Mutex
	authed    bool
	caller    types.Caller
	sessionID string
	preAuth   []Envelope
	subs      map[string]*subscription
	closed    bool

	send   chan Envelope
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newConn(hub *Hub, sock socket) *Conn {
	return &Conn{
		ID:     uuid.NewString(),
		hub:    hub,
		sock:   sock,
		subs:   make(map[string]*subscription),
		send:   make(chan Envelope, hub.cfg.WSSendBuffer),
		stopCh: make(chan struct{}),
	}
}

// run drives both loops and blocks until the connection dies.
func (c *Conn) run() {
	sub := c.hub.bus.Subscribe(c.hub.cfg.WSSendBuffer)
	defer sub.Cancel()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writeLoop(sub)
	}()

	c.readLoop()
	c.shutdown()
	c.wg.Wait()
}

func (c *Conn) readLoop() {
	for {
		var msg Envelope
		if err := c.sock.ReadJSON(&msg); err != nil {
			return
		}
		if !c.handleMessage(msg) {
			return
		}
	}
}

// handleMessage processes one inbound envelope. Returning false closes
// the connection.
func (c *Conn) handleMessage(msg Envelope) bool {
	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()

	if !authed {
		switch msg.Type {
		case MsgAuth:
			return c.handleAuth(msg)
		case MsgPing:
			c.enqueue(Envelope{Type: MsgPong, ID: msg.ID})
			return true
		default:
			// Queue for replay after auth; a client that backlogs past
			// the cap is broken or hostile.
			c.mu.Lock()
			if len(c.preAuth) >= c.hub.cfg.WSPreAuthQueue {
				c.mu.Unlock()
				_ = c.write(Envelope{
					Type:    MsgError,
					Code:    CodeQueueOverflow,
					Message: "too many messages before authentication",
				})
				return false
			}
			c.preAuth = append(c.preAuth, msg)
			c.mu.Unlock()
			return true
		}
	}

	switch msg.Type {
	case MsgAuth:
		// Re-auth on a live connection is a no-op.
		c.enqueue(Envelope{Type: MsgAuthSuccess, ID: msg.ID, UserID: c.caller.UserID})
		return true
	case MsgSubscribe:
		return c.handleSubscribe(msg)
	case MsgUnsubscribe:
		return c.handleUnsubscribe(msg)
	case MsgPing:
		c.enqueue(Envelope{Type: MsgPong, ID: msg.ID})
		return true
	default:
		c.enqueue(Envelope{Type: MsgError, ID: msg.ID, Code: CodeBadMessage,
			Message: "unknown message type " + msg.Type})
		return true
	}
}

func (c *Conn) handleAuth(msg Envelope) bool {
	caller, err := c.hub.auth(msg.Token)
	if err != nil {
		_ = c.write(Envelope{Type: MsgAuthFailed, ID: msg.ID, Code: CodeNotAuthenticated,
			Message: "authentication failed"})
		return false
	}

	if msg.SessionID != "" {
		if err := c.hub.store.BindConnection(msg.SessionID, c.ID); err != nil {
			_ = c.write(Envelope{Type: MsgAuthFailed, ID: msg.ID, Code: CodeSessionNotFound,
				Message: "session not found"})
			return false
		}
	}

	c.mu.Lock()
	c.authed = true
	c.caller = caller
	c.sessionID = msg.SessionID
	queued := c.preAuth
	c.preAuth = nil
	c.mu.Unlock()

	c.enqueue(Envelope{Type: MsgAuthSuccess, ID: msg.ID, UserID: caller.UserID})
	log.Debug().
		Str("conn_id", c.ID).
		Str("user_id", caller.UserID).
		Int("queued", len(queued)).
		Msg("WebSocket connection authenticated")

	// Replay messages the client sent while auth was in flight.
	for _, m := range queued {
		if !c.handleMessage(m) {
			return false
		}
	}
	return true
}

func (c *Conn) handleSubscribe(msg Envelope) bool {
	if msg.Channel == "" {
		c.enqueue(Envelope{Type: MsgError, ID: msg.ID, Code: CodeBadMessage,
			Message: "subscribe requires a channel"})
		return true
	}
	sub := &subscription{
		ID:      uuid.NewString(),
		Pattern: msg.Channel,
		Filters: msg.Filters,
	}
	c.mu.Lock()
	c.subs[sub.ID] = sub
	c.mu.Unlock()

	c.enqueue(Envelope{Type: MsgSubscribed, ID: msg.ID, Channel: msg.Channel, SubscriptionID: sub.ID})
	return true
}

func (c *Conn) handleUnsubscribe(msg Envelope) bool {
	c.mu.Lock()
	_, ok := c.subs[msg.SubscriptionID]
	if ok {
		delete(c.subs, msg.SubscriptionID)
	}
	c.mu.Unlock()

	if !ok {
		c.enqueue(Envelope{Type: MsgError, ID: msg.ID, Code: CodeUnknownSub,
			Message: "unknown subscription id"})
		return true
	}
	c.enqueue(Envelope{Type: MsgUnsubscribed, ID: msg.ID, SubscriptionID: msg.SubscriptionID})
	return true
}

// wants reports whether any of the connection's subscriptions match the
// event, after the ownership check.
func (c *Conn) wants(e events.Event) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authed {
		return "", false
	}
	// Events carrying an owner are only visible to that owner or an
	// admin; unowned (system) events are admin-only.
	if e.UserID != "" {
		if !c.caller.CanAccess(e.UserID) {
			return "", false
		}
	} else if !c.caller.IsAdmin() {
		return "", false
	}

	fields := e.Fields()
	for _, sub := range c.subs {
		if !events.ChannelMatch(sub.Pattern, e.Channel) {
			continue
		}
		if filtersMatch(sub.Filters, fields) {
			return sub.ID, true
		}
	}
	return "", false
}

func filtersMatch(filters, fields map[string]string) bool {
	for k, want := range filters {
		if fields[k] != want {
			return false
		}
	}
	return true
}

// enqueue hands an envelope to the write loop. Backpressure drops event
// deliveries rather than blocking the fabric; protocol replies are
// small and the buffer is sized to hold them.
func (c *Conn) enqueue(msg Envelope) {
	select {
	case c.send <- msg:
	case <-c.stopCh:
	default:
		if msg.Type == MsgEvent {
			metrics.WSEventsDropped.Inc()
			return
		}
		// Protocol reply with a saturated buffer: block until there is
		// room or the connection dies.
		select {
		case c.send <- msg:
		case <-c.stopCh:
		}
	}
}

// write pushes one envelope onto the socket. Socket writes must not
// interleave, so protocol replies and event fan-out share this lock.
func (c *Conn) write(msg Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.sock.WriteJSON(msg)
}

func (c *Conn) writeLoop(busSub *events.Subscription) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.shutdown()
				return
			}
		case e, ok := <-busSub.C:
			if !ok {
				c.shutdown()
				return
			}
			if subID, match := c.wants(e); match {
				evt := e
				env := Envelope{Type: MsgEvent, SubscriptionID: subID, Event: &evt}
				if err := c.write(env); err != nil {
					c.shutdown()
					return
				}
				metrics.WSEventsDelivered.WithLabelValues(e.Channel).Inc()
			}
		case <-c.stopCh:
			// Drain replies already queued before the socket closes.
			for {
				select {
				case msg := <-c.send:
					if c.write(msg) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// shutdown tears the connection down once; safe from both loops.
func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessionID := c.sessionID
	c.mu.Unlock()

	close(c.stopCh)
	_ = c.sock.Close()
	if sessionID != "" {
		c.hub.store.UnbindConnection(sessionID, c.ID)
	}
	c.hub.drop(c)
}
