// Package channel defines the inbound and outbound message shapes shared by
// every transport.
package channel

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive once the channel yields no more events.
var ErrClosed = errors.New("channel: closed")

// EventType names an inbound event kind.
type EventType string

// EventMessageNew is the only event kind the engine processes.
const EventMessageNew EventType = "message_new"

// Event is a normalized inbound update.
type Event struct {
	Type   EventType
	UserID string
	Text   string
}

// Kind tells how an outbound message is rendered by the transport.
type Kind string

const (
	KindText       Kind = "text"
	KindAttachment Kind = "attachment"
)

// Outbound is one message addressed to a user.
type Outbound struct {
	Kind     Kind
	UserID   string
	Body     string
	Data     []byte
	MimeType string
}

// Text builds a text message.
func Text(userID, body string) Outbound {
	return Outbound{Kind: KindText, UserID: userID, Body: body}
}

// Attachment builds a binary attachment message.
func Attachment(userID string, data []byte, mimeType string) Outbound {
	return Outbound{Kind: KindAttachment, UserID: userID, Data: data, MimeType: mimeType}
}

// Source yields inbound events. Receive blocks until an event arrives, ctx
// ends or the source is exhausted (ErrClosed).
type Source interface {
	Receive(ctx context.Context) (Event, error)
}

// Sink delivers outbound messages.
type Sink interface {
	Send(ctx context.Context, msg Outbound) error
}

// Channel is a bidirectional transport.
type Channel interface {
	Source
	Sink
	Name() string
}
