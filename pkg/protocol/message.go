package protocol

import (
	"bytes"
	"errors"
)

// ErrInvalidMessage is returned when encoding a message without info.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// Message is one framed protocol message.
//
// Payload is nil when the message carries no payload. A non-nil empty
// payload is encoded with the hasPayload flag set and a zero length.
type Message struct {
	Info    *Info
	Payload []byte
}

// NewMessage creates a message whose info starts with MessageType.
func NewMessage(messageType string) Message {
	return Message{Info: NewInfo().Set(KeyMessageType, messageType)}
}

// Set stores an info value and returns the message for chaining.
func (m Message) Set(key string, v any) Message {
	if m.Info == nil {
		m.Info = NewInfo()
	}
	m.Info.Set(key, v)
	return m
}

// WithPayload attaches a binary payload.
func (m Message) WithPayload(p []byte) Message {
	if p == nil {
		p = []byte{}
	}
	m.Payload = p
	return m
}

// Valid reports whether the message may be sent.
func (m Message) Valid() bool {
	return m.Info != nil
}

// HasPayload reports whether the message carries a payload.
func (m Message) HasPayload() bool {
	return m.Payload != nil
}

// Type returns the MessageType info value.
func (m Message) Type() string {
	return m.Info.String(KeyMessageType)
}

// Status returns the ResponseStatus info value.
func (m Message) Status() string {
	return m.Info.String(KeyResponseStatus)
}

// Equal reports whether two messages have identical info and payload.
func (m Message) Equal(other Message) bool {
	if m.HasPayload() != other.HasPayload() {
		return false
	}
	if !bytes.Equal(m.Payload, other.Payload) {
		return false
	}
	if m.Info == nil || other.Info == nil {
		return m.Info == nil && other.Info == nil
	}
	return m.Info.Equal(other.Info)
}

// Reply creates a response to m with the same MessageType and the given status.
func (m Message) Reply(status string) Message {
	return NewMessage(m.Type()).Set(KeyResponseStatus, status)
}
