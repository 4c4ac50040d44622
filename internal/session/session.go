// Package session owns the process-wide connection lifecycle. The
// real-time connection exists exactly while the user is authenticated;
// it is created and destroyed on authentication transitions, never
// polled or retried here.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/socket"
)

// Dialer produces a connected socket for the given bearer token.
// Injected so the lifecycle logic is testable without a server.
type Dialer func(ctx context.Context, token string) (*socket.Conn, error)

// Session tracks authentication state and the single live connection.
type Session struct {
	logger *slog.Logger
	dial   Dialer

	mu     sync.Mutex
	userID int64
	conn   *socket.Conn
}

// New creates a Session that dials with the given Dialer.
func New(dial Dialer, logger *slog.Logger) *Session {
	return &Session{
		logger: logger,
		dial:   dial,
	}
}

// OnAuthenticated establishes the connection after a successful login.
// Called exactly once per login transition; a second call while a
// connection is live is a no-op returning the existing connection.
func (s *Session) OnAuthenticated(ctx context.Context, userID int64, token string) (*socket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.logger.Debug("connection already established", slog.Int64("user_id", s.userID))
		return s.conn, nil
	}

	conn, err := s.dial(ctx, token)
	if err != nil {
		return nil, err
	}

	s.userID = userID
	s.conn = conn
	s.logger.Info("session connected", slog.Int64("user_id", userID))

	return conn, nil
}

// OnUnauthenticated tears down the connection after a logout. Room
// subscriptions are discarded implicitly: the backend treats a dropped
// connection as a leave of every room. Calling this while logged out
// is a no-op.
func (s *Session) OnUnauthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return
	}

	if err := s.conn.Close(); err != nil {
		s.logger.Warn("closing connection", slog.String("error", err.Error()))
	}

	s.logger.Info("session disconnected", slog.Int64("user_id", s.userID))
	s.conn = nil
	s.userID = 0
}

// Conn returns the live connection, or nil while unauthenticated.
func (s *Session) Conn() *socket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn
}

// Authenticated reports whether a connection is currently live.
func (s *Session) Authenticated() bool {
	return s.Conn() != nil
}

// UserID returns the authenticated user's id, or 0.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.userID
}
