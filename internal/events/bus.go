// Package events provides the in-process event bus. Sources (session
// store, page manager, pool, executor) publish; the WebSocket fabric and
// the gRPC stream subscribe. A single publisher loop preserves per-source
// ordering; subscribers get bounded drop-oldest channels so a slow
// consumer never blocks a producer.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/metrics"
)

// Event is one published occurrence on a channel.
type Event struct {
	Channel   string         `json:"channel"`
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	PageID    string         `json:"pageId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Fields returns the event's filterable fields. Subscription filters are
// matched against this map; data values of string type are included.
func (e Event) Fields() map[string]string {
	f := make(map[string]string, 4+len(e.Data))
	if e.SessionID != "" {
		f["sessionId"] = e.SessionID
	}
	if e.UserID != "" {
		f["userId"] = e.UserID
	}
	if e.ContextID != "" {
		f["contextId"] = e.ContextID
	}
	if e.PageID != "" {
		f["pageId"] = e.PageID
	}
	for k, v := range e.Data {
		if s, ok := v.(string); ok {
			f[k] = s
		}
	}
	return f
}

// ChannelMatch reports whether an event channel matches a subscription
// pattern. A trailing "*" in the pattern matches any suffix.
func ChannelMatch(pattern, channel string) bool {
	if pattern == channel || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// Subscription is one subscriber's receive side.
type Subscription struct {
	C chan Event

	bus  *Bus
	id   int
	once sync.Once
}

// Cancel removes the subscription and closes C.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
	})
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int

	in     chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewBus starts the publisher loop.
func NewBus() *Bus {
	b := &Bus{
		subs:   make(map[int]*Subscription),
		in:     make(chan Event, 1024),
		stopCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run()
	}()
	return b
}

// Publish enqueues the event. It never blocks: if the bus is saturated the
// event is dropped with a warning, honoring the drop-oldest policy at the
// intake boundary.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.in <- e:
	case <-b.stopCh:
	default:
		metrics.WSEventsDropped.Inc()
		log.Warn().Str("channel", e.Channel).Msg("Event bus saturated, dropping event")
	}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{C: make(chan Event, buffer), bus: b, id: b.nextID}
	b.nextID++
	if b.closed {
		close(sub.C)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.C)
	}
}

// run is the single publisher loop; it preserves publish order per source.
func (b *Bus) run() {
	for {
		select {
		case e := <-b.in:
			b.deliver(e)
		case <-b.stopCh:
			// Drain what is already queued, then stop.
			for {
				select {
				case e := <-b.in:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.C <- e:
		default:
			// Subscriber is full: drop its oldest event to make room so
			// the newest is never lost entirely.
			select {
			case <-s.C:
				metrics.WSEventsDropped.Inc()
			default:
			}
			select {
			case s.C <- e:
			default:
				metrics.WSEventsDropped.Inc()
			}
		}
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.C)
	}
}
