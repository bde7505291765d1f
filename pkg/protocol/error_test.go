package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		kind     ErrorKind
	}{
		{"protocol", Protocolf("decode", "bad flag %d", 3), ErrProtocol, KindProtocol},
		{"auth", Authf("authenticate", "wrong password"), ErrAuth, KindAuth},
		{"not_found", NotFoundf("module", "unknown module %q", "m"), ErrNotFound, KindNotFound},
		{"validation", Validationf("data", "bad slice index"), ErrValidation, KindValidation},
		{"wrapped", fmt.Errorf("handler: %w", Authf("x", "y")), ErrAuth, KindAuth},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.err, tc.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tc.err, tc.sentinel)
			}
			if got := KindOf(tc.err); got != tc.kind {
				t.Errorf("KindOf() = %v, want %v", got, tc.kind)
			}
			for _, other := range []error{ErrProtocol, ErrAuth, ErrNotFound, ErrValidation} {
				if other != tc.sentinel && errors.Is(tc.err, other) {
					t.Errorf("errors.Is(%v, %v) = true, want false", tc.err, other)
				}
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewProtocolError("decode", "invalid info JSON", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	want := "ProtocolError in decode: invalid info JSON: boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorReply(t *testing.T) {
	reply := ErrorReply(TypeModule, NotFoundf("module", "unknown module %q", "viewer"))

	if reply.Type() != TypeModule {
		t.Errorf("Type() = %q, want %q", reply.Type(), TypeModule)
	}
	if reply.Status() != StatusError {
		t.Errorf("Status() = %q, want %q", reply.Status(), StatusError)
	}
	if got := reply.Info.String(KeyErrorKind); got != "NotFoundError" {
		t.Errorf("ErrorKind = %q, want NotFoundError", got)
	}
	if got := reply.Info.String(KeyMessage); got != `unknown module "viewer"` {
		t.Errorf("Message = %q", got)
	}

	back := ReplyError(reply)
	if !errors.Is(back, ErrNotFound) {
		t.Errorf("ReplyError() = %v, want NotFoundError", back)
	}
	if ReplyError(NewMessage(TypeModule).Set(KeyResponseStatus, StatusSuccess)) != nil {
		t.Error("ReplyError(success) should be nil")
	}
}

func TestErrorReplyUnclassified(t *testing.T) {
	reply := ErrorReply(TypeData, errors.New("disk on fire"))
	if got := reply.Info.String(KeyErrorKind); got != "ProtocolError" {
		t.Errorf("ErrorKind = %q, want ProtocolError", got)
	}
	if got := reply.Info.String(KeyMessage); got != "disk on fire" {
		t.Errorf("Message = %q, want %q", got, "disk on fire")
	}
}
