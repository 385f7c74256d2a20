// Package directory is the well-known server clients talk to first. It keeps
// the room registry, hands out session ids and starts one room server per
// created room.
package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andy6609/chatdir/internal/cipher"
	"github.com/andy6609/chatdir/internal/config"
	"github.com/andy6609/chatdir/internal/metrics"
	"github.com/andy6609/chatdir/internal/notify"
	"github.com/andy6609/chatdir/internal/protocol"
	"github.com/andy6609/chatdir/internal/registry"
	"github.com/andy6609/chatdir/internal/room"
)

type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	reg      *registry.Registry
	notifier *notify.Notifier
	cipher   cipher.Cipher
	handlers map[protocol.Command]handlerFunc

	listener net.Listener

	mu       sync.Mutex
	rooms    map[string]*room.Server // lower-cased alias
	sessions map[*session]struct{}
	closing  bool

	wg sync.WaitGroup
}

func NewServer(cfg config.Config, logger *slog.Logger, notifier *notify.Notifier) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := cipher.New(cfg.Cipher, cfg.CipherKey)
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = notify.New(logger)
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		reg: registry.NewRegistry(128, registry.Limits{
			MaxRooms:   cfg.MaxRooms,
			MaxClients: cfg.MaxClients,
		}, logger),
		notifier: notifier,
		cipher:   c,
		rooms:    make(map[string]*room.Server),
		sessions: make(map[*session]struct{}),
	}
	s.handlers = s.routes()
	return s, nil
}

func (s *Server) Registry() *registry.Registry { return s.reg }

// Addr is only valid after Start.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	go s.reg.Run()
	go s.acceptLoop(ln)

	s.logger.Info("directory started", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener, disconnects every client, shuts every room down
// and finally stops the registry.
func (s *Server) Stop() {
	s.logger.Info("shutting down")

	s.mu.Lock()
	s.closing = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, sess := range sessions {
		sess.close()
	}
	for _, srv := range s.liveRooms() {
		srv.Shutdown()
	}
	s.wg.Wait()

	s.reg.Stop()
	s.reg.Wait()

	s.logger.Info("shutdown complete")
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// listener가 닫히면 여기로 옴, 정상 종료
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", "error", err)
			}
			return
		}

		sess := newSession(conn)
		if !s.track(sess) {
			_ = conn.Close()
			return
		}

		s.logger.Info("client connected", "addr", conn.RemoteAddr().String())
		go func() {
			defer s.wg.Done()
			defer s.untrack(sess)
			s.serveClient(sess)
		}()
	}
}

func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
}

// serveClient owns one client connection for its whole life.
func (s *Server) serveClient(sess *session) {
	conn := sess.conn
	defer sess.close()

	if err := s.handshake(sess); err != nil {
		s.logger.Info("handshake failed", "addr", conn.RemoteAddr().String(), "error", err)
		return
	}
	defer s.teardown(sess.user.ID, "")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Info("client connection lost", "handle", sess.user.Handle, "error", err)
			}
			return
		}
		if err := s.dispatch(sess, req); err != nil {
			if !errors.Is(err, errStopSession) {
				s.logger.Info("closing client session", "handle", sess.user.Handle, "error", err)
			}
			return
		}
	}
}

// handshake reads connect requests until one carries a valid handle. Each
// refused attempt is answered so the client can retry on the same connection.
func (s *Server) handshake(sess *session) error {
	sess.setState(StateHandshaking)
	for {
		_ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		req, err := protocol.ReadRequest(sess.conn)
		if err != nil {
			return err
		}
		start := time.Now()
		if req.Command != protocol.CommandConnectClient {
			_ = sess.reply(protocol.Reply(req.Command, protocol.CodeBadRequest), s.cfg.WriteTimeout)
			metrics.ObserveRequest(req.Command.String(), protocol.CodeBadRequest.String(), start)
			continue
		}
		if err := protocol.ValidateHandle(req.User.Handle); err != nil {
			_ = sess.reply(protocol.Reply(req.Command, protocol.CodeFromError(err)), s.cfg.WriteTimeout)
			metrics.ObserveRequest(req.Command.String(), protocol.CodeInvalidHandle.String(), start)
			continue
		}

		u := protocol.User{
			ID:       uuid.New(),
			Handle:   req.User.Handle,
			JoinedAt: time.Now().UTC(),
		}
		ctx, cancel := s.requestContext()
		err = s.reg.RegisterClient(ctx, u)
		cancel()
		if err != nil {
			code := protocol.CodeFromError(err)
			_ = sess.reply(protocol.Reply(req.Command, code), s.cfg.WriteTimeout)
			metrics.ObserveRequest(req.Command.String(), code.String(), start)
			return fmt.Errorf("register %s: %w", u.Handle, err)
		}

		sess.user = u
		resp := protocol.Reply(req.Command, protocol.CodeOK)
		resp.Value = protocol.ValueUser
		resp.User = u
		if err := sess.reply(resp, s.cfg.WriteTimeout); err != nil {
			s.teardown(u.ID, "")
			return err
		}
		metrics.ObserveRequest(req.Command.String(), protocol.CodeOK.String(), start)

		sess.setState(StateIdle)
		s.logger.Info("client registered", "handle", u.Handle, "session", u.ID.String())
		s.notifier.Emit(notify.Event{Type: notify.ClientJoined, Handle: u.Handle, Session: u.ID.String()})
		return nil
	}
}

// track adds sess to the live set; it fails once Stop has begun.
func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func roomKey(alias string) string { return strings.ToLower(alias) }

// Room returns the running room server for alias, if this directory started it.
func (s *Server) Room(alias string) (*room.Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.rooms[roomKey(alias)]
	return srv, ok
}

func (s *Server) liveRooms() []*room.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*room.Server, 0, len(s.rooms))
	for _, srv := range s.rooms {
		out = append(out, srv)
	}
	return out
}

func (s *Server) roomsHostedBy(id protocol.SessionID) []*room.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*room.Server
	for _, srv := range s.rooms {
		if srv.IsHost(id) {
			out = append(out, srv)
		}
	}
	return out
}

// forgetRoom drops alias only while it still maps to srv; a newer room may
// already have taken the name.
func (s *Server) forgetRoom(alias string, srv *room.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rooms[roomKey(alias)]; ok && cur == srv {
		delete(s.rooms, roomKey(alias))
	}
}
