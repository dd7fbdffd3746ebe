// Package channel defines the transport contract a messaging session is
// built on. A Handle wraps one live connection to the channel provider;
// lifecycle and inbound-message notifications are delivered as Events on
// a single channel so consumers can process them in order.
package channel

import "context"

// EventType identifies a lifecycle or message event emitted by a Handle.
type EventType int

const (
	// EventQR carries a pairing payload the operator must scan/accept.
	EventQR EventType = iota
	// EventReady means the connection is established and usable.
	EventReady
	// EventAuthenticated means the provider accepted our credentials.
	EventAuthenticated
	// EventDisconnected means the connection dropped; the handle is dead.
	EventDisconnected
	// EventMessage carries an inbound message.
	EventMessage
)

// String returns a log-friendly name for the event type.
func (t EventType) String() string {
	switch t {
	case EventQR:
		return "qr"
	case EventReady:
		return "ready"
	case EventAuthenticated:
		return "authenticated"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// InboundMessage is a message received on a session.
type InboundMessage struct {
	// From is the counterpart's canonical channel address.
	From string
	// Body is the plain-text content.
	Body string
	// FromMe marks messages sent by the session owner itself.
	FromMe bool
	// NotifyName is the display name the transport attached to the
	// message, if any.
	NotifyName string
}

// Event is a single notification from a Handle. Exactly one payload
// field is meaningful per Type.
type Event struct {
	Type EventType
	// QR payload, set for EventQR.
	QR string
	// Reason for the drop, set for EventDisconnected.
	Reason string
	// Message content, set for EventMessage.
	Message *InboundMessage
}

// Handle is one live session connection. Implementations own the
// underlying transport; callers must treat a Handle as dead once an
// EventDisconnected has been observed or Close has been called.
type Handle interface {
	// Connect establishes the connection and starts event delivery.
	Connect(ctx context.Context) error
	// Send delivers body to the canonical address and returns the
	// channel-assigned message id.
	Send(ctx context.Context, address, body string) (string, error)
	// ContactName resolves a display name for the address, best-effort.
	ContactName(ctx context.Context, address string) (string, error)
	// Events returns the handle's event stream. The channel is closed
	// when the handle shuts down.
	Events() <-chan Event
	// Close tears the connection down and releases resources.
	Close() error
}

// Factory opens Handles keyed by session id. The session id selects the
// stored credential/profile for that session.
type Factory interface {
	Open(sessionID string) (Handle, error)
}
