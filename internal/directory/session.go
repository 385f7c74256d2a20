package directory

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andy6609/chatdir/internal/protocol"
)

type ClientState int32

const (
	StateConnecting ClientState = iota
	StateHandshaking
	StateIdle
	StateInRoom
	StateDisconnected
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "online_idle"
	case StateInRoom:
		return "online_in_room"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// errStopSession ends a session's request loop without it being a failure.
var errStopSession = errors.New("session stopped")

type session struct {
	conn  net.Conn
	user  protocol.User
	state atomic.Int32

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newSession(conn net.Conn) *session {
	s := &session{conn: conn}
	s.setState(StateConnecting)
	return s
}

func (s *session) State() ClientState { return ClientState(s.state.Load()) }

func (s *session) setState(st ClientState) { s.state.Store(int32(st)) }

func (s *session) reply(resp protocol.Response, timeout time.Duration) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return protocol.WriteResponse(s.conn, resp)
}

func (s *session) replyRoomList(resp protocol.Response, rooms []protocol.Room, timeout time.Duration) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return protocol.WriteRoomListReply(s.conn, resp, rooms)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateDisconnected)
		_ = s.conn.Close()
	})
}

// clientState refines an online session into idle or in-room using the
// registry's view of its membership.
func (s *Server) clientState(ctx context.Context, sess *session) ClientState {
	st := sess.State()
	if st != StateIdle {
		return st
	}
	u, found, err := s.reg.Client(ctx, sess.user.ID)
	if err == nil && found && u.RoomAlias != "" {
		return StateInRoom
	}
	return StateIdle
}
