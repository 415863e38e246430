package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"realtime_chat/internal/domain"
	"realtime_chat/internal/membership"
	"realtime_chat/internal/presence"

	"github.com/google/uuid"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Authenticator verifies a session token and returns the user behind it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.Identity, error)
}

// Session is the per-connection state. The identity is fixed at the
// Authenticated transition and read by every later event on the connection.
type Session struct {
	conn        presence.Conn
	identity    domain.Identity
	state       atomic.Int32
	connectedAt time.Time
	// closed once the session row is written; the removal waits for it
	logged chan struct{}
}

func (s *Session) Conn() presence.Conn       { return s.conn }
func (s *Session) UserID() uuid.UUID         { return s.identity.UserID }
func (s *Session) Identity() domain.Identity { return s.identity }
func (s *Session) State() State              { return State(s.state.Load()) }

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Manager owns the connect, authenticate, disconnect cycle and the explicit
// chat join/leave and typing signals.
type Manager struct {
	registry *presence.Registry
	online   *presence.OnlineSet
	members  *membership.Resolver
	engine   *Engine
	auth     Authenticator
	logger   *slog.Logger

	sessions presence.SessionRepository
	nodeID   string
}

func NewManager(registry *presence.Registry, online *presence.OnlineSet, members *membership.Resolver, engine *Engine, auth Authenticator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		online:   online,
		members:  members,
		engine:   engine,
		auth:     auth,
		logger:   logger,
	}
}

// WithSessionLog mirrors register/unregister into repo under nodeID.
func (m *Manager) WithSessionLog(repo presence.SessionRepository, nodeID string) *Manager {
	m.sessions = repo
	m.nodeID = nodeID
	return m
}

// Connect runs a freshly opened connection through authentication. On error
// the connection must be closed by the caller; nothing was registered.
func (m *Manager) Connect(ctx context.Context, conn presence.Conn, token string) (*Session, error) {
	s := &Session{conn: conn, connectedAt: time.Now()}
	s.state.Store(int32(StateConnecting))

	if token == "" {
		s.state.Store(int32(StateDisconnected))
		return nil, fmt.Errorf("%w: please login to access this resource", domain.ErrAuthentication)
	}
	s.transition(StateConnecting, StateAuthenticating)

	identity, err := m.auth.Authenticate(ctx, token)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		if !errors.Is(err, domain.ErrAuthentication) {
			err = fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
		}
		m.logger.Warn("Connection rejected", "conn_id", conn.ID(), "error", err)
		return nil, err
	}

	s.identity = identity
	s.transition(StateAuthenticating, StateAuthenticated)
	first := m.registry.Register(identity.UserID, conn)

	if m.sessions != nil {
		s.logged = make(chan struct{})
		go func() {
			defer close(s.logged)
			if err := m.sessions.AddSession(context.Background(), identity.UserID, conn.ID(), m.nodeID); err != nil {
				m.logger.Error("Failed to add session", "user_id", identity.UserID, "error", err)
			}
		}()
	}

	m.logger.Info("Client registered", "user_id", identity.UserID, "conn_id", conn.ID(), "first", first)
	return s, nil
}

// Disconnect unregisters the session's connection. When it was the user's
// last one the user leaves the online set and one ONLINE_USERS_CHANGED is
// broadcast to the users still connected. Calling it twice is harmless.
func (m *Manager) Disconnect(ctx context.Context, s *Session) {
	if s == nil || !s.transition(StateAuthenticated, StateDisconnected) {
		return
	}

	userID, offline := m.registry.Unregister(s.conn)

	if m.sessions != nil {
		go func() {
			if s.logged != nil {
				<-s.logged
			}
			if err := m.sessions.RemoveSession(context.Background(), s.UserID(), s.conn.ID()); err != nil {
				m.logger.Error("Failed to remove session", "user_id", s.UserID(), "error", err)
			}
		}()
	}

	m.logger.Info("Client unregistered",
		"user_id", s.UserID(),
		"conn_id", s.conn.ID(),
		"offline", offline,
		"duration", time.Since(s.connectedAt).Round(time.Second),
	)

	if !offline {
		return
	}
	m.online.RemoveUser(userID)
	m.engine.Emit(ctx, domain.EventOnlineUsersChanged, m.registry.Online(), domain.OnlineUsersPayload{
		OnlineUsers: m.online.Users(),
	})
}

// CloseAll closes every live connection and returns how many there were.
// Each one is then disconnected by its transport.
func (m *Manager) CloseAll() int {
	conns := m.registry.Resolve(m.registry.Online())
	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// JoinChat marks the user present in chatID and tells the chat's members.
func (m *Manager) JoinChat(ctx context.Context, s *Session, chatID uuid.UUID) error {
	if err := requireAuthenticated(s); err != nil {
		return err
	}
	ok, members, err := m.members.IsMember(ctx, chatID, s.UserID())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user not in the chat", domain.ErrForbidden)
	}

	m.online.Join(chatID, s.UserID())
	m.broadcastChatPresence(ctx, chatID, members)
	return nil
}

// LeaveChat removes the user from chatID's online context.
func (m *Manager) LeaveChat(ctx context.Context, s *Session, chatID uuid.UUID) error {
	if err := requireAuthenticated(s); err != nil {
		return err
	}
	members, err := m.members.Members(ctx, chatID)
	if err != nil {
		return err
	}
	if !m.online.Contains(chatID, s.UserID()) {
		return nil
	}

	m.online.Leave(chatID, s.UserID())
	m.broadcastChatPresence(ctx, chatID, members)
	return nil
}

func (m *Manager) broadcastChatPresence(ctx context.Context, chatID uuid.UUID, members []uuid.UUID) {
	id := chatID
	m.engine.Emit(ctx, domain.EventOnlineUsersChanged, members, domain.OnlineUsersPayload{
		ChatID:      &id,
		OnlineUsers: m.online.ChatUsers(chatID),
	})
}

// Typing relays a typing indicator to the chat's members except the sender.
// Nothing is persisted.
func (m *Manager) Typing(ctx context.Context, s *Session, chatID uuid.UUID, start bool) error {
	if err := requireAuthenticated(s); err != nil {
		return err
	}
	ok, members, err := m.members.IsMember(ctx, chatID, s.UserID())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user not in the chat", domain.ErrForbidden)
	}

	eventType := domain.EventTypingStop
	if start {
		eventType = domain.EventTypingStart
	}
	m.engine.EmitExcept(ctx, eventType, members, s.UserID(), domain.TypingPayload{
		ChatID:   chatID,
		SenderID: s.UserID(),
	})
	return nil
}

func requireAuthenticated(s *Session) error {
	if s == nil || s.State() != StateAuthenticated {
		return fmt.Errorf("%w: connection is not authenticated", domain.ErrAuthentication)
	}
	return nil
}
