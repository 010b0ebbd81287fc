// Package ws is the realtime fabric: websocket connections
// authenticate, subscribe to event channels with field filters, and
// receive the bus events their owner is entitled to see.
package ws

import (
	"github.com/browsergrid/browsergrid/internal/events"
)

// Envelope is the wire format in both directions. Type selects which
// fields are meaningful.
type Envelope struct {
	Type string `json:"type"`

	// ID is the client's correlation id, echoed on replies.
	ID string `json:"id,omitempty"`

	// auth
	Token     string `json:"token,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`

	// subscribe / unsubscribe
	Channel        string            `json:"channel,omitempty"`
	Filters        map[string]string `json:"filters,omitempty"`
	SubscriptionID string            `json:"subscriptionId,omitempty"`

	// event delivery
	Event *events.Event `json:"event,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client-to-server message types.
const (
	MsgAuth        = "auth"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
)

// Server-to-client message types.
const (
	MsgAuthSuccess  = "auth_success"
	MsgAuthFailed   = "auth_failed"
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgEvent        = "event"
	MsgPong         = "pong"
	MsgError        = "error"
)

// Error codes sent on the wire.
const (
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeQueueOverflow    = "QUEUE_OVERFLOW"
	CodeBadMessage       = "BAD_MESSAGE"
	CodeUnknownSub       = "UNKNOWN_SUBSCRIPTION"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
)
