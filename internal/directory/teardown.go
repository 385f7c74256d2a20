package directory

import (
	"github.com/andy6609/chatdir/internal/notify"
	"github.com/andy6609/chatdir/internal/protocol"
)

// teardown removes a client from the directory: out of the client table, out
// of any room it was in, and every room it hosts shut down. roomHint is the
// room the client itself reported, which may be ahead of the registry.
// Only the first call for a session does anything.
func (s *Server) teardown(id protocol.SessionID, roomHint string) {
	ctx, cancel := s.requestContext()
	u, found, err := s.reg.UnregisterClient(ctx, id)
	cancel()
	if err != nil {
		s.logger.Warn("failed to unregister client", "session", id.String(), "error", err)
	}
	if !found {
		return
	}

	aliases := []string{u.RoomAlias}
	if roomHint != "" && !protocol.SameAlias(roomHint, u.RoomAlias) {
		aliases = append(aliases, roomHint)
	}
	for _, alias := range aliases {
		if alias == "" {
			continue
		}
		if srv, ok := s.Room(alias); ok {
			// not-in-room is expected when the room already dropped the member
			_ = srv.RemoveMember(id)
		}
	}
	for _, srv := range s.roomsHostedBy(id) {
		srv.Shutdown()
	}
	s.delistHostedBy(u)

	s.logger.Info("client disconnected", "handle", u.Handle, "session", id.String())
	s.notifier.Emit(notify.Event{Type: notify.ClientLeft, Handle: u.Handle, Session: id.String()})
}

// delistHostedBy removes rooms u appended for servers outside this process.
// Rooms started here have already taken themselves out during Shutdown.
func (s *Server) delistHostedBy(u protocol.User) {
	ctx, cancel := s.requestContext()
	removed, err := s.reg.RemoveHostedBy(ctx, u.ID)
	cancel()
	if err != nil {
		s.logger.Warn("failed to delist hosted rooms", "session", u.ID.String(), "error", err)
		return
	}
	for _, rm := range removed {
		s.logger.Info("host left, room delisted", "alias", rm.Alias, "port", rm.Port, "handle", u.Handle)
		s.notifier.Emit(notify.Event{Type: notify.RoomShutdown, Room: rm.Alias, Port: rm.Port, Handle: u.Handle})
	}
}
