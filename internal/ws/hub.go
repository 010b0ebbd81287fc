package ws

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/session"
	"github.com/browsergrid/browsergrid/internal/types"
)

// AuthFunc resolves a client-supplied token to a caller.
type AuthFunc func(token string) (types.Caller, error)

// Hub upgrades HTTP requests to websocket connections and fans bus
// events out to them. Each connection carries its own bus subscription
// and does its own channel/filter/ownership matching, so a slow client
// only drops its own events.
type Hub struct {
	cfg   *config.Config
	bus   *events.Bus
	store *session.Store
	auth  AuthFunc

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

func NewHub(cfg *config.Config, bus *events.Bus, store *session.Store, auth AuthFunc) *Hub {
	return &Hub{
		cfg:   cfg,
		bus:   bus,
		store: store,
		auth:  auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and blocks until the connection ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	h.serve(sock)
}

// serve registers a connection over an already-established socket and
// runs it to completion.
func (h *Hub) serve(sock socket) *Conn {
	c := newConn(h, sock)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = sock.Close()
		return nil
	}
	h.conns[c.ID] = c
	h.mu.Unlock()

	metrics.WSConnections.Inc()
	log.Debug().Str("conn_id", c.ID).Int("total", h.Count()).Msg("WebSocket connection opened")

	c.run()
	return c
}

func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.ID]
	if ok {
		delete(h.conns, c.ID)
	}
	h.mu.Unlock()

	if ok {
		metrics.WSConnections.Dec()
		log.Debug().Str("conn_id", c.ID).Msg("WebSocket connection closed")
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every connection and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	log.Info().Int("connections", len(conns)).Msg("WebSocket hub shut down")
}
