package server

import (
	"crypto/subtle"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fisync/fisync/pkg/conn"
	"github.com/fisync/fisync/pkg/protocol"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult uint8

const (
	AuthSuccess AuthResult = iota
	AuthError
	AuthAlreadyAuthenticated
)

// String returns the result name.
func (r AuthResult) String() string {
	switch r {
	case AuthSuccess:
		return "success"
	case AuthError:
		return "error"
	case AuthAlreadyAuthenticated:
		return "already_authenticated"
	default:
		return "unknown"
	}
}

// Session is one live client connection.
type Session struct {
	ID        string
	Remote    string
	CreatedAt time.Time

	conn   *conn.Conn
	logger *slog.Logger

	mu              sync.Mutex
	authenticatedAt time.Time

	onSend func(protocol.Message, error)
}

// Send queues msg on the session's connection. It never blocks; a full
// queue drops the connection.
func (s *Session) Send(msg protocol.Message) error {
	err := s.conn.Send(msg)
	if s.onSend != nil {
		s.onSend(msg, err)
	}
	return err
}

// Conn returns the underlying connection.
func (s *Session) Conn() *conn.Conn { return s.conn }

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Authenticated reports whether the client passed the handshake.
func (s *Session) Authenticated() bool { return s.conn.Authenticated() }

// SessionInfo is a read-only view of a session for listings.
type SessionInfo struct {
	ClientID        string    `json:"client_id"`
	Remote          string    `json:"remote"`
	Authenticated   bool      `json:"authenticated"`
	CreatedAt       time.Time `json:"created_at"`
	AuthenticatedAt time.Time `json:"authenticated_at,omitzero"`
	BytesIn         uint64    `json:"bytes_in"`
	BytesOut        uint64    `json:"bytes_out"`
	MessagesIn      uint64    `json:"messages_in"`
	MessagesOut     uint64    `json:"messages_out"`
	QueueDepth      int       `json:"queue_depth"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	authAt := s.authenticatedAt
	s.mu.Unlock()
	st := s.conn.Stats()
	return SessionInfo{
		ClientID:        s.ID,
		Remote:          s.Remote,
		Authenticated:   s.Authenticated(),
		CreatedAt:       s.CreatedAt,
		AuthenticatedAt: authAt,
		BytesIn:         st.BytesIn,
		BytesOut:        st.BytesOut,
		MessagesIn:      st.MessagesIn,
		MessagesOut:     st.MessagesOut,
		QueueDepth:      st.QueueDepth,
	}
}

// Registry tracks live sessions, split into pending and authenticated.
// A client ID is in at most one of the two sets.
type Registry struct {
	mu            sync.RWMutex
	pending       map[string]*Session
	authenticated map[string]*Session

	password []byte
	logger   *slog.Logger

	// Callbacks
	onIdentified   func(*Session)
	onDisconnected func(*Session)
	onSend         func(protocol.Message, error)
}

// NewRegistry creates a registry that accepts password.
func NewRegistry(password string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pending:       make(map[string]*Session),
		authenticated: make(map[string]*Session),
		password:      []byte(password),
		logger:        logger.With("component", "session_registry"),
	}
}

// Accept registers c as a pending session and sends the INFO_REQUIRED
// challenge carrying the new client ID.
func (r *Registry) Accept(c *conn.Conn) string {
	id := uuid.NewString()
	s := &Session{
		ID:        id,
		Remote:    c.RemoteAddr(),
		CreatedAt: time.Now(),
		conn:      c,
		logger:    r.logger.With("client_id", id),
	}

	r.mu.Lock()
	s.onSend = r.onSend
	r.pending[id] = s
	r.mu.Unlock()

	s.logger.Debug("client accepted", "remote", s.Remote)
	_ = s.Send(protocol.NewMessage(protocol.TypeAuthentication).
		Set(protocol.KeyResponseStatus, protocol.StatusInfoRequired).
		Set(protocol.KeyClientID, id).
		Set(protocol.KeyMessage, "password required"))
	return id
}

// Authenticate checks password for clientID and replies on its connection.
// Repeated attempts are always allowed.
func (r *Registry) Authenticate(clientID, password string) AuthResult {
	r.mu.Lock()
	if s, ok := r.authenticated[clientID]; ok {
		r.mu.Unlock()
		_ = s.Send(authReply(clientID, "already authenticated"))
		return AuthAlreadyAuthenticated
	}
	s, ok := r.pending[clientID]
	if !ok {
		r.mu.Unlock()
		return AuthError
	}
	if subtle.ConstantTimeCompare([]byte(password), r.password) != 1 {
		r.mu.Unlock()
		s.logger.Warn("authentication failed", "remote", s.Remote)
		_ = s.Send(protocol.ErrorReply(protocol.TypeAuthentication,
			protocol.Authf("authenticate", "invalid password")).
			Set(protocol.KeyClientID, clientID))
		return AuthError
	}
	delete(r.pending, clientID)
	r.authenticated[clientID] = s
	s.conn.SetAuthenticated(true)
	s.mu.Lock()
	s.authenticatedAt = time.Now()
	s.mu.Unlock()
	onIdentified := r.onIdentified
	r.mu.Unlock()

	s.logger.Info("client authenticated", "remote", s.Remote)
	_ = s.Send(authReply(clientID, "authenticated"))
	if onIdentified != nil {
		onIdentified(s)
	}
	return AuthSuccess
}

func authReply(clientID, message string) protocol.Message {
	return protocol.NewMessage(protocol.TypeAuthentication).
		Set(protocol.KeyResponseStatus, protocol.StatusSuccess).
		Set(protocol.KeyClientID, clientID).
		Set(protocol.KeyMessage, message)
}

// Disconnect removes clientID from whichever set holds it and closes its
// connection. It is a no-op for unknown IDs.
func (r *Registry) Disconnect(clientID string) {
	r.mu.Lock()
	s, ok := r.authenticated[clientID]
	if ok {
		delete(r.authenticated, clientID)
	} else if s, ok = r.pending[clientID]; ok {
		delete(r.pending, clientID)
	}
	onDisconnected := r.onDisconnected
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = s.conn.Close()
	s.logger.Debug("client disconnected", "reason", s.conn.Err())
	if onDisconnected != nil {
		onDisconnected(s)
	}
}

// Get returns the session for clientID.
func (r *Registry) Get(clientID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.authenticated[clientID]; ok {
		return s, true
	}
	s, ok := r.pending[clientID]
	return s, ok
}

// AuthenticatedCount returns the number of authenticated sessions.
func (r *Registry) AuthenticatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.authenticated)
}

// PendingCount returns the number of sessions awaiting authentication.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending) + len(r.authenticated)
}

// List returns every live session, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.pending)+len(r.authenticated))
	for _, s := range r.pending {
		sessions = append(sessions, s)
	}
	for _, s := range r.authenticated {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	out := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = s.info()
	}
	return out
}

// CloseAll disconnects every session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.pending)+len(r.authenticated))
	for id := range r.pending {
		ids = append(ids, id)
	}
	for id := range r.authenticated {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Disconnect(id)
	}
}

// SetOnClientIdentified sets the callback run after a successful handshake.
func (r *Registry) SetOnClientIdentified(fn func(*Session)) {
	r.mu.Lock()
	r.onIdentified = fn
	r.mu.Unlock()
}

// SetOnClientDisconnected sets the callback run after a session is removed.
func (r *Registry) SetOnClientDisconnected(fn func(*Session)) {
	r.mu.Lock()
	r.onDisconnected = fn
	r.mu.Unlock()
}

// setOnSend observes every outbound message of sessions accepted later.
func (r *Registry) setOnSend(fn func(protocol.Message, error)) {
	r.mu.Lock()
	r.onSend = fn
	r.mu.Unlock()
}
