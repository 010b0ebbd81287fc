package grpcapi

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/session"
	"github.com/browsergrid/browsergrid/internal/types"
)

// EventSender is the send side of a server stream. Generated stubs
// satisfy it after a one-line adapter converting events.Event to the
// wire message.
type EventSender interface {
	Send(*events.Event) error
	Context() context.Context
}

// StreamFilter narrows a event stream subscription.
type StreamFilter struct {
	Channel   string            // pattern; trailing "*" matches any suffix
	SessionID string            // restrict to one session (access-checked)
	Filters   map[string]string // field equality filters
}

// Streamer bridges the event bus onto gRPC server streams.
type Streamer struct {
	bus    *events.Bus
	store  *session.Store
	buffer int
}

func NewStreamer(bus *events.Bus, store *session.Store, buffer int) *Streamer {
	if buffer < 1 {
		buffer = 256
	}
	return &Streamer{bus: bus, store: store, buffer: buffer}
}

// StreamSessionEvents forwards matching bus events to the sender until
// the stream context ends or the bus closes. Ownership rules match the
// WebSocket fabric: owned events go to their owner or an admin, unowned
// system events are admin-only.
func (s *Streamer) StreamSessionEvents(caller types.Caller, filter StreamFilter, sender EventSender) error {
	if filter.Channel == "" {
		return StatusErr(types.E(types.KindValidation, "CHANNEL_REQUIRED", "a channel pattern is required"))
	}
	if filter.SessionID != "" {
		if _, err := s.store.Get(caller, filter.SessionID); err != nil {
			return StatusErr(err)
		}
	}

	sub := s.bus.Subscribe(s.buffer)
	defer sub.Cancel()

	ctx := sender.Context()
	log.Debug().
		Str("user_id", caller.UserID).
		Str("channel", filter.Channel).
		Str("session_id", filter.SessionID).
		Msg("Event stream opened")

	for {
		select {
		case <-ctx.Done():
			return StatusErr(ctx.Err())
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if !s.matches(caller, filter, e) {
				continue
			}
			evt := e
			if err := sender.Send(&evt); err != nil {
				return err
			}
			metrics.WSEventsDelivered.WithLabelValues(e.Channel).Inc()
		}
	}
}

func (s *Streamer) matches(caller types.Caller, filter StreamFilter, e events.Event) bool {
	if e.UserID != "" {
		if !caller.CanAccess(e.UserID) {
			return false
		}
	} else if !caller.IsAdmin() {
		return false
	}
	if !events.ChannelMatch(filter.Channel, e.Channel) {
		return false
	}
	if filter.SessionID != "" && e.SessionID != filter.SessionID {
		return false
	}
	fields := e.Fields()
	for k, want := range filter.Filters {
		if fields[k] != want {
			return false
		}
	}
	return true
}
