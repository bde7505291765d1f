package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a protocol-level failure.
type ErrorKind uint8

const (
	KindProtocol ErrorKind = iota + 1
	KindAuth
	KindNotFound
	KindValidation
)

// String returns the kind name sent in the ErrorKind info key.
func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "ProtocolError"
	case KindAuth:
		return "AuthError"
	case KindNotFound:
		return "NotFoundError"
	case KindValidation:
		return "ValidationError"
	default:
		return "Unknown"
	}
}

// ParseErrorKind maps an ErrorKind info value back to its kind.
func ParseErrorKind(s string) (ErrorKind, bool) {
	switch s {
	case "ProtocolError":
		return KindProtocol, true
	case "AuthError":
		return KindAuth, true
	case "NotFoundError":
		return KindNotFound, true
	case "ValidationError":
		return KindValidation, true
	default:
		return 0, false
	}
}

// Sentinel kinds, matched with errors.Is against any *Error of that kind.
var (
	ErrProtocol   = &Error{Kind: KindProtocol}
	ErrAuth       = &Error{Kind: KindAuth}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrValidation = &Error{Kind: KindValidation}
)

// Error is a classified failure that is reported to the peer or logged.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil && (e.Message == "" || e.Message != e.Err.Error()) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// NewProtocolError wraps err as a ProtocolError.
func NewProtocolError(op, message string, err error) *Error {
	return newError(KindProtocol, op, message, err)
}

// Protocolf creates a ProtocolError with a formatted message.
func Protocolf(op, format string, args ...any) *Error {
	return newError(KindProtocol, op, fmt.Sprintf(format, args...), nil)
}

// Authf creates an AuthError with a formatted message.
func Authf(op, format string, args ...any) *Error {
	return newError(KindAuth, op, fmt.Sprintf(format, args...), nil)
}

// NotFoundf creates a NotFoundError with a formatted message.
func NotFoundf(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, fmt.Sprintf(format, args...), nil)
}

// Validationf creates a ValidationError with a formatted message.
func Validationf(op, format string, args ...any) *Error {
	return newError(KindValidation, op, fmt.Sprintf(format, args...), nil)
}

// KindOf returns the kind of the first *Error in err's chain. Unclassified
// errors are reported as protocol errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProtocol
}

// ErrorReply builds the ERROR response for a failed request.
func ErrorReply(messageType string, err error) Message {
	msg := NewMessage(messageType).Set(KeyResponseStatus, StatusError)
	msg.Set(KeyErrorKind, KindOf(err).String())

	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		msg.Set(KeyMessage, e.Message)
	} else if err != nil {
		msg.Set(KeyMessage, err.Error())
	}
	return msg
}

// ReplyError converts an ERROR reply back into an *Error. It returns nil when
// the message is not an ERROR reply.
func ReplyError(m Message) error {
	if !m.Valid() || m.Status() != StatusError {
		return nil
	}
	kind, ok := ParseErrorKind(m.Info.String(KeyErrorKind))
	if !ok {
		kind = KindProtocol
	}
	return newError(kind, m.Type(), m.Info.String(KeyMessage), nil)
}
