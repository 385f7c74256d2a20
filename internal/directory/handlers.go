package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/andy6609/chatdir/internal/metrics"
	"github.com/andy6609/chatdir/internal/notify"
	"github.com/andy6609/chatdir/internal/protocol"
	"github.com/andy6609/chatdir/internal/room"
)

// handlerFunc answers one request. A non-nil error ends the session; the
// handler has already written whatever reply was due.
type handlerFunc func(ctx context.Context, sess *session, req protocol.Request) (protocol.Code, error)

// routes has an entry for every command so an unexpected command is answered
// rather than ignored.
func (s *Server) routes() map[protocol.Command]handlerFunc {
	return map[protocol.Command]handlerFunc{
		protocol.CommandConnectClient:       s.handleConnectAgain,
		protocol.CommandDisconnectClient:    s.handleDisconnect,
		protocol.CommandRequestRoomList:     s.handleRoomList,
		protocol.CommandMakeRoom:            s.handleMakeRoom,
		protocol.CommandAppendRoom:          s.handleAppendRoom,
		protocol.CommandRemoveRoom:          s.handleRemoveRoom,
		protocol.CommandUpdateRoom:          s.handleUpdateRoom,
		protocol.CommandKickClient:          s.handleEvict,
		protocol.CommandBanClient:           s.handleEvict,
		protocol.CommandRelayMessage:        s.handleUnsupported,
		protocol.CommandPrintRelayedMessage: s.handleUnsupported,
		protocol.CommandJoinRoom:            s.handleLookupRoom,
		protocol.CommandLeaveRoom:           s.handleLeaveRoom,
		protocol.CommandShutdownRoom:        s.handleShutdownRoom,
		protocol.CommandPing:                s.handlePing,
	}
}

func (s *Server) dispatch(sess *session, req protocol.Request) error {
	start := time.Now()
	h, ok := s.handlers[req.Command]
	if !ok {
		h = s.handleUnsupported
	}

	ctx, cancel := s.requestContext()
	defer cancel()
	code, err := h(ctx, sess, req)
	metrics.ObserveRequest(req.Command.String(), code.String(), start)
	return err
}

// respond writes resp and turns a write failure into a session error.
func (s *Server) respond(sess *session, resp protocol.Response) (protocol.Code, error) {
	if err := sess.reply(resp, s.cfg.WriteTimeout); err != nil {
		return resp.Code, fmt.Errorf("write %s reply: %w", resp.Command, err)
	}
	return resp.Code, nil
}

func (s *Server) fail(sess *session, cmd protocol.Command, err error) (protocol.Code, error) {
	return s.respond(sess, protocol.Reply(cmd, protocol.CodeFromError(err)))
}

func (s *Server) ok(sess *session, cmd protocol.Command) (protocol.Code, error) {
	return s.respond(sess, protocol.Reply(cmd, protocol.CodeOK))
}

func (s *Server) handleUnsupported(_ context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	return s.respond(sess, protocol.Reply(req.Command, protocol.CodeBadRequest))
}

func (s *Server) handlePing(_ context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	resp := protocol.Reply(req.Command, protocol.CodeOK)
	resp.Flag = protocol.FlagNoDataChanged
	return s.respond(sess, resp)
}

func (s *Server) handleConnectAgain(_ context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	return s.fail(sess, req.Command, fmt.Errorf("%w: already connected as %s", protocol.ErrBadRequest, sess.user.Handle))
}

// handleDisconnect is answered by closing the connection. The user's room,
// as the client last saw it, is passed along to the teardown.
func (s *Server) handleDisconnect(ctx context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	s.logger.Debug("client requested disconnect", "handle", sess.user.Handle, "state", s.clientState(ctx, sess).String())
	s.teardown(sess.user.ID, req.User.RoomAlias)
	return protocol.CodeOK, errStopSession
}

func (s *Server) handleRoomList(ctx context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	rooms, err := s.reg.List(ctx)
	if err != nil {
		return s.fail(sess, req.Command, err)
	}
	for i := range rooms {
		rooms[i] = rooms[i].RedactedFor(sess.user.ID)
	}
	resp := protocol.Reply(req.Command, protocol.CodeOK)
	resp.Flag = protocol.FlagValueReturned
	if err := sess.replyRoomList(resp, rooms, s.cfg.WriteTimeout); err != nil {
		return protocol.CodeOK, fmt.Errorf("write room list: %w", err)
	}
	return protocol.CodeOK, nil
}

// handleMakeRoom reserves the alias and port, starts the room server and
// waits for it to bind. The reply goes out only after the room is listed or
// the reservation has been rolled back.
func (s *Server) handleMakeRoom(ctx context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	want := req.Room
	if err := protocol.ValidateAlias(want.Alias); err != nil {
		return s.fail(sess, req.Command, err)
	}
	if err := s.reg.Reserve(ctx, want.Alias, want.Port); err != nil {
		return s.fail(sess, req.Command, err)
	}

	host, found, err := s.reg.Client(ctx, sess.user.ID)
	if err != nil || !found {
		host = sess.user
	}
	host.RoomAlias = ""

	var srv *room.Server
	srv = room.New(room.Config{
		Alias:        want.Alias,
		Port:         want.Port,
		Capacity:     want.Capacity,
		Host:         host,
		BindHost:     s.cfg.RoomHost,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		Cipher:       s.cipher,
		Reporter:     s.reg,
		Notifier:     s.notifier,
		Logger:       s.logger,
		OnClosed: func(alias string) {
			s.forgetRoom(alias, srv)
		},
	})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.cancelReservation(want.Alias)
		return s.fail(sess, req.Command, fmt.Errorf("%w: directory is shutting down", protocol.ErrInternal))
	}
	s.rooms[roomKey(want.Alias)] = srv
	s.wg.Add(1)
	s.mu.Unlock()

	ready := make(chan error, 1)
	go func() {
		defer s.wg.Done()
		srv.Run(ready)
	}()

	timer := time.NewTimer(s.cfg.RoomStartTimeout)
	defer timer.Stop()
	select {
	case err = <-ready:
	case <-timer.C:
		err = fmt.Errorf("%w: room %s did not start within %s", protocol.ErrInternal, want.Alias, s.cfg.RoomStartTimeout)
		srv.Shutdown()
	}

	if err != nil {
		s.forgetRoom(want.Alias, srv)
		s.cancelReservation(want.Alias)
		s.logger.Warn("room start failed", "alias", want.Alias, "port", want.Port, "error", err)
		s.notifier.Emit(notify.Event{
			Type:   notify.RoomFailed,
			Room:   want.Alias,
			Port:   want.Port,
			Handle: sess.user.Handle,
			Detail: err.Error(),
		})
		return s.fail(sess, req.Command, err)
	}

	snap := srv.Snapshot()
	s.notifier.Emit(notify.Event{
		Type:    notify.RoomCreated,
		Room:    snap.Alias,
		Port:    snap.Port,
		Handle:  host.Handle,
		Session: host.ID.String(),
	})
	resp := protocol.Reply(req.Command, protocol.CodeOK)
	resp.Value = protocol.ValueRoom
	resp.Room = snap.RedactedFor(sess.user.ID)
	return s.respond(sess, resp)
}

func (s *Server) cancelReservation(alias string) {
	ctx, cancel := s.requestContext()
	defer cancel()
	if err := s.reg.CancelReservation(ctx, alias); err != nil {
		s.logger.Warn("failed to cancel room reservation", "alias", alias, "error", err)
	}
}

// handleAppendRoom lists a room served outside this process. The caller must
// be the room's host.
func (s *Server) handleAppendRoom(ctx context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	rm := req.Room
	if err := protocol.ValidateAlias(rm.Alias); err != nil {
		return s.fail(sess, req.Command, err)
	}
	if rm.Host.ID != sess.user.ID {
		return s.fail(sess, req.Command, protocol.ErrNotAuthorized)
	}
	if _, ok := s.Room(rm.Alias); ok {
		return s.fail(sess, req.Command, protocol.ErrNameInUse)
	}
	rm.Capacity = protocol.NormalizeCapacity(rm.Capacity)
	rm.Online = true
	if err := s.reg.Append(ctx, rm); err != nil {
		return s.fail(sess, req.Command, err)
	}
	return s.ok(sess, req.Command)
}

// hostedRoom looks alias up and checks that sess hosts it.
func (s *Server) hostedRoom(ctx context.Context, sess *session, alias string) (protocol.Room, error) {
	rm, found, err := s.reg.FindByAlias(ctx, alias)
	if err != nil {
		return rm, err
	}
	if !found {
		return rm, protocol.ErrNoSuchRoom
	}
	if rm.Host.ID != sess.user.ID {
		return rm, protocol.ErrNotAuthorized
	}
	return rm, nil
}

func (s *Server) handleRemoveRoom(ctx context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	rm, err := s.hostedRoom(ctx, sess, req.Room.Alias)
	if err != nil {
		return s.fail(sess, req.Command, err)
	}
	if srv, ok := s.Room(rm.Alias); ok {
		srv.Shutdown()
		return s.ok(sess, req.Command)
	}
	if err := s.reg.ReleasePort(ctx, rm.Port); err != nil {
		return s.fail(sess, req.Command, err)
	}
	if err := s.reg.Remove(ctx, rm.Alias); err != nil {
		return s.fail(sess, req.Command, err)
	}
	return s.ok(sess, req.Command)
}

// handleUpdateRoom replaces the record of an externally served room. Rooms
// started here report for themselves, so the caller gets their snapshot back
// unchanged.
func (s *Server) handleUpdateRoom(ctx context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	rm, err := s.hostedRoom(ctx, sess, req.Room.Alias)
	if err != nil {
		return s.fail(sess, req.Command, err)
	}
	if srv, ok := s.Room(rm.Alias); ok {
		resp := protocol.Reply(req.Command, protocol.CodeOK)
		resp.Flag = protocol.FlagNoDataChanged
		resp.Value = protocol.ValueRoom
		resp.Room = srv.Snapshot().RedactedFor(sess.user.ID)
		return s.respond(sess, resp)
	}

	next := req.Room
	next.Alias = rm.Alias
	next.Port = rm.Port
	next.Host = rm.Host
	if err := s.reg.ReplaceByAlias(ctx, next); err != nil {
		return s.fail(sess, req.Command, err)
	}
	return s.ok(sess, req.Command)
}

// currentRoom resolves the room a request refers to, falling back to the
// room the registry has the user in.
func (s *Server) currentRoom(ctx context.Context, sess *session, alias string) (*room.Server, error) {
	if alias == "" {
		u, found, err := s.reg.Client(ctx, sess.user.ID)
		if err != nil {
			return nil, err
		}
		if !found || u.RoomAlias == "" {
			return nil, protocol.ErrNotInRoom
		}
		alias = u.RoomAlias
	}
	srv, ok := s.Room(alias)
	if !ok {
		return nil, protocol.ErrNoSuchRoom
	}
	return srv, nil
}

func (s *Server) handleEvict(ctx context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	srv, err := s.currentRoom(ctx, sess, req.Room.Alias)
	if err != nil {
		return s.fail(sess, req.Command, err)
	}
	if req.Command == protocol.CommandBanClient {
		err = srv.Ban(sess.user.ID, req.Target)
	} else {
		err = srv.Kick(sess.user.ID, req.Target)
	}
	if err != nil {
		return s.fail(sess, req.Command, err)
	}
	return s.ok(sess, req.Command)
}

// handleLookupRoom answers a join request with the room's current record so
// the client knows where to connect.
func (s *Server) handleLookupRoom(ctx context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	rm, found, err := s.reg.FindByAlias(ctx, req.Room.Alias)
	if err != nil {
		return s.fail(sess, req.Command, err)
	}
	if !found || !rm.Online {
		return s.fail(sess, req.Command, protocol.ErrNoSuchRoom)
	}
	resp := protocol.Reply(req.Command, protocol.CodeOK)
	resp.Flag = protocol.FlagValueReturned
	resp.Value = protocol.ValueRoom
	resp.Room = rm.RedactedFor(sess.user.ID)
	return s.respond(sess, resp)
}

func (s *Server) handleLeaveRoom(ctx context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	srv, err := s.currentRoom(ctx, sess, req.Room.Alias)
	if err != nil {
		return s.fail(sess, req.Command, err)
	}
	if err := srv.RemoveMember(sess.user.ID); err != nil {
		return s.fail(sess, req.Command, err)
	}
	return s.ok(sess, req.Command)
}

func (s *Server) handleShutdownRoom(ctx context.Context, sess *session, req protocol.Request) (protocol.Code, error) {
	srv, err := s.currentRoom(ctx, sess, req.Room.Alias)
	if err != nil {
		return s.fail(sess, req.Command, err)
	}
	if !srv.IsHost(sess.user.ID) {
		return s.fail(sess, req.Command, protocol.ErrNotAuthorized)
	}
	srv.Shutdown()
	return s.ok(sess, req.Command)
}
