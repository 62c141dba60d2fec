package engine

import (
	"context"
	"time"
)

// EventKind identifies a lifecycle event emitted by a Transport.
type EventKind int

const (
	// EventConnected means the link is authenticated and accepts sends.
	EventConnected EventKind = iota
	// EventClosed means the link dropped. Permanent closures (credential
	// rejection, stream replaced) require an explicit reset.
	EventClosed
	// EventPairingCode carries a fresh QR pairing code.
	EventPairingCode
	// EventCredentialsRotated signals that the link rotated its auth
	// material. Persistence happens synchronously inside the credential
	// store before this event is delivered.
	EventCredentialsRotated
	// EventInboundMessage carries an inbound text message.
	EventInboundMessage
)

// Event is one item on a Transport's event stream. The session state
// machine is driven exclusively by these.
type Event struct {
	Kind      EventKind
	Code      string
	Permanent bool
	Reason    string
	Message   *InboundMessage
}

// InboundMessage is the slice of an inbound message the gateway forwards
// to the configured webhook.
type InboundMessage struct {
	ChatJID   string
	SenderJID string
	MessageID string
	Text      string
	At        time.Time
}

// Document is an outbound document payload.
type Document struct {
	Data     []byte
	FileName string
	MimeType string
	Caption  string
}

// Transport is one live, authenticated connection to the messaging
// network. A transport is used until closed and never reconnected; the
// session dials a replacement instead.
type Transport interface {
	SendText(ctx context.Context, target, text string) (string, error)
	SendDocument(ctx context.Context, target string, doc Document) (string, error)
	// Events returns the transport's event stream. The channel is closed
	// by Close.
	Events() <-chan Event
	// Close tears the connection down and releases the credential store
	// handle. Best-effort, idempotent.
	Close()
}

// DialFunc opens a fresh Transport. The session calls it on startup and
// on every reconnect.
type DialFunc func(ctx context.Context) (Transport, error)
