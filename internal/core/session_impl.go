package core

import "github.com/dkeye/Lobby/internal/domain"

// session implements Session by pairing a user with its transport.
type session struct {
	user *domain.User
	conn SignalConnection
}

func NewSession(user *domain.User, conn SignalConnection) Session {
	return &session{user: user, conn: conn}
}

func (s *session) User() *domain.User       { return s.user }
func (s *session) Signal() SignalConnection { return s.conn }
