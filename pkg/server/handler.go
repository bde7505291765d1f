package server

import (
	"context"
	"errors"

	"github.com/fisync/fisync/pkg/conn"
	"github.com/fisync/fisync/pkg/protocol"
)

// HandlerFunc handles one inbound message from an authenticated session.
// A returned error has already been answered on the wire; it is reported
// to middleware and logged.
type HandlerFunc func(ctx context.Context, s *Session, msg protocol.Message) error

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h with mws, the first middleware outermost.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// handleMessage is the connection handler. Authentication is handled for
// every session; anything else from a pending session is ignored without a
// reply.
func (s *Server) handleMessage(ctx context.Context, sess *Session, msg protocol.Message) {
	mt := msg.Type()
	s.metrics.messagesReceived.WithLabelValues(messageTypeLabel(mt)).Inc()

	if mt == protocol.TypeAuthentication {
		s.authenticate(sess, msg)
		return
	}
	if !sess.Authenticated() {
		s.metrics.unauthenticated.Inc()
		sess.logger.Debug("ignoring message from unauthenticated client",
			"message_type", mt,
			"remote", sess.Remote)
		return
	}
	if err := s.handler(ctx, sess, msg); err != nil {
		sess.logger.Debug("request failed", "message_type", mt, "error", err)
	}
}

func (s *Server) authenticate(sess *Session, msg protocol.Message) {
	result := s.registry.Authenticate(sess.ID, msg.Info.String(protocol.KeyPassword))
	if result == AuthError {
		s.metrics.authFailures.Inc()
	}
}

// route dispatches an authenticated message by MessageType.
func (s *Server) route(ctx context.Context, sess *Session, msg protocol.Message) error {
	switch mt := msg.Type(); mt {
	case protocol.TypeModuleList:
		return sess.Send(s.moduleList())
	case protocol.TypeModule:
		return s.handleModule(sess, msg)
	case protocol.TypeData:
		return s.handleData(ctx, sess, msg)
	default:
		err := protocol.Validationf("dispatch", "unknown %s %q", protocol.KeyMessageType, mt)
		_ = sess.Send(protocol.ErrorReply(mt, err))
		return err
	}
}

func (s *Server) moduleList() protocol.Message {
	type entry struct {
		ID   string `json:"ID"`
		Name string `json:"Name"`
	}
	mods := s.Modules()
	list := make([]entry, len(mods))
	for i, m := range mods {
		list[i] = entry{ID: m.ID, Name: m.Name}
	}
	return protocol.NewMessage(protocol.TypeModuleList).
		Set(protocol.KeyResponseStatus, protocol.StatusSuccess).
		Set(protocol.KeyModules, list)
}

func (s *Server) handleModule(sess *Session, msg protocol.Message) error {
	id := msg.Info.String(protocol.KeyModuleID)
	m, ok := s.Module(id)
	if !ok {
		var err error
		if id == "" {
			err = protocol.Validationf("module request", "missing %s", protocol.KeyModuleID)
		} else {
			err = protocol.NotFoundf("module request", "unknown module %q", id)
		}
		_ = sess.Send(protocol.ErrorReply(protocol.TypeModule, err).
			Set(protocol.KeyModuleID, id).
			Set(protocol.KeyRequestID, msg.Info.String(protocol.KeyRequestID)))
		return err
	}
	reply, err := m.HandleRequest(sess.ID, sess, msg)
	if reply.Valid() {
		_ = sess.Send(reply)
	}
	return err
}

func sendErrorReason(err error) string {
	switch {
	case errors.Is(err, conn.ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, conn.ErrClosed):
		return "closed"
	case errors.Is(err, protocol.ErrInfoTooLarge), errors.Is(err, protocol.ErrPayloadTooLarge):
		return "too_large"
	default:
		return "other"
	}
}
