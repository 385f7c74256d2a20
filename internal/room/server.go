package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/andy6609/chatdir/internal/cipher"
	"github.com/andy6609/chatdir/internal/metrics"
	"github.com/andy6609/chatdir/internal/notify"
	"github.com/andy6609/chatdir/internal/protocol"
)

type Config struct {
	Alias    string
	Port     int
	Capacity int
	Host     protocol.User
	BindHost string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Cipher   cipher.Cipher
	Reporter Reporter
	Notifier *notify.Notifier
	Logger   *slog.Logger

	// OnClosed runs once after shutdown completes.
	OnClosed func(alias string)
}

// Server is one chat room. It owns its listener and member list and reports
// every membership or online change to the registry through Reporter.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.RWMutex
	state         State
	members       []*member // host first
	bannedIDs     map[protocol.SessionID]struct{}
	bannedHandles map[string]struct{}
	listener      net.Listener

	// reportMu orders registry updates so a stale snapshot never overwrites
	// a newer one.
	reportMu sync.Mutex

	shutdownOnce sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cipher == nil {
		cfg.Cipher = cipher.XOR{}
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	cfg.Capacity = protocol.NormalizeCapacity(cfg.Capacity)
	cfg.Host.RoomAlias = cfg.Alias

	return &Server{
		cfg:           cfg,
		logger:        cfg.Logger.With("alias", cfg.Alias, "port", cfg.Port),
		members:       []*member{{user: cfg.Host}},
		bannedIDs:     make(map[protocol.SessionID]struct{}),
		bannedHandles: make(map[string]struct{}),
		done:          make(chan struct{}),
	}
}

func (s *Server) Alias() string { return s.cfg.Alias }

func (s *Server) Host() protocol.User { return s.cfg.Host }

// Done is closed once Shutdown has finished.
func (s *Server) Done() <-chan struct{} { return s.done }

// IsHost compares session ids; handles are not unique.
func (s *Server) IsHost(id protocol.SessionID) bool { return id == s.cfg.Host.ID }

func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns the authoritative room record.
func (s *Server) Snapshot() protocol.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Server) snapshotLocked() protocol.Room {
	room := protocol.Room{
		Alias:    s.cfg.Alias,
		Port:     s.cfg.Port,
		Capacity: s.cfg.Capacity,
		Online:   s.state == StateListening,
		Host:     s.cfg.Host,
	}
	for _, m := range s.members {
		room.Members = append(room.Members, m.user)
	}
	return room
}

// Run binds the listener, registers the room and serves members until
// Shutdown. The bind outcome is sent on ready exactly once, before any
// member is accepted.
func (s *Server) Run(ready chan<- error) {
	ln, err := s.bind()
	ready <- err
	if err != nil {
		return
	}
	s.acceptLoop(ln)
	s.wg.Wait()
}

func (s *Server) bind() (net.Listener, error) {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: room %s already started", protocol.ErrInternal, s.cfg.Alias)
	}
	s.state = StateBinding
	s.mu.Unlock()

	addr := net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.setState(StateClosed)
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %v", protocol.ErrPortInUse, err)
		}
		return nil, fmt.Errorf("%w: listen %s: %v", protocol.ErrInternal, addr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBinding {
		_ = ln.Close()
		return nil, fmt.Errorf("%w: room %s shut down while binding", protocol.ErrInternal, s.cfg.Alias)
	}
	s.state = StateListening
	s.listener = ln

	ctx, cancel := s.reportContext()
	defer cancel()
	if err := s.cfg.Reporter.Append(ctx, s.snapshotLocked()); err != nil {
		s.state = StateClosed
		s.listener = nil
		_ = ln.Close()
		return nil, err
	}
	s.logger.Info("room listening", "host", s.cfg.Host.Handle, "capacity", s.cfg.Capacity)
	return ln, nil
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Server) reportContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
}

// report pushes the current snapshot to the registry.
func (s *Server) report() {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()

	snap := s.Snapshot()
	if !snap.Online {
		return
	}
	ctx, cancel := s.reportContext()
	defer cancel()
	if err := s.cfg.Reporter.ReplaceByAlias(ctx, snap); err != nil {
		s.logger.Warn("failed to report room state", "error", err)
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			if s.State() != StateListening {
				return
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveMember(conn)
		}()
	}
}

func (s *Server) serveMember(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	req, err := protocol.ReadRequest(conn)
	if err != nil {
		s.logger.Debug("join handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	if req.Command != protocol.CommandJoinRoom {
		s.reject(conn, req, fmt.Errorf("%w: expected join, got %s", protocol.ErrBadRequest, req.Command))
		return
	}

	m, err := s.join(req.User, conn)
	if err != nil {
		s.reject(conn, req, err)
		return
	}
	defer s.drop(m, notify.MemberLeft)

	s.report()
	s.cfg.Notifier.Emit(notify.Event{
		Type:    notify.MemberJoined,
		Room:    s.cfg.Alias,
		Handle:  m.user.Handle,
		Session: m.user.ID.String(),
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Info("member connection lost", "handle", m.user.Handle, "error", err)
			}
			return
		}
		if !s.handle(m, req) {
			return
		}
	}
}

func (s *Server) reject(conn net.Conn, req protocol.Request, err error) {
	code := protocol.CodeFromError(err)
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = protocol.WriteResponse(conn, protocol.Reply(protocol.CommandJoinRoom, code))
	_ = conn.Close()
	s.cfg.Notifier.Emit(notify.Event{
		Type:    notify.MemberRejected,
		Room:    s.cfg.Alias,
		Handle:  req.User.Handle,
		Session: req.User.ID.String(),
		Detail:  err.Error(),
	})
}

// verify resolves the joining user against the directory's client table. The
// session must be registered and the handle must be the one it registered
// with; the registry's record is what the room keeps.
func (s *Server) verify(u protocol.User) (protocol.User, error) {
	if u.IsZero() {
		return u, fmt.Errorf("%w: missing session id", protocol.ErrBadRequest)
	}
	ctx, cancel := s.reportContext()
	defer cancel()
	rec, found, err := s.cfg.Reporter.Client(ctx, u.ID)
	if err != nil {
		return u, fmt.Errorf("%w: look up session: %v", protocol.ErrInternal, err)
	}
	if !found || rec.Handle != u.Handle {
		return u, fmt.Errorf("%w: unknown session for %s", protocol.ErrNotAuthorized, u.Handle)
	}
	return rec, nil
}

// join admits u. The join reply carrying the room snapshot is written
// before any broadcast can reach the new member.
func (s *Server) join(u protocol.User, conn net.Conn) (*member, error) {
	u, err := s.verify(u)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", protocol.ErrNoSuchRoom, s.cfg.Alias, s.state)
	}
	if s.isBannedLocked(u) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", protocol.ErrBanned, u.Handle)
	}

	var m *member
	if idx := s.indexLocked(u.ID); idx >= 0 {
		m = s.members[idx]
		if m.conn != nil || !s.IsHost(u.ID) {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s already joined", protocol.ErrBadRequest, u.Handle)
		}
	} else {
		if len(s.members) >= s.cfg.Capacity {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %d/%d", protocol.ErrRoomFull, len(s.members), s.cfg.Capacity)
		}
		u.RoomAlias = s.cfg.Alias
		m = &member{user: u}
		s.members = append(s.members, m)
	}
	m.wmu.Lock()
	m.conn = conn
	snap := s.snapshotLocked()
	s.mu.Unlock()

	reply := protocol.Reply(protocol.CommandJoinRoom, protocol.CodeOK)
	reply.Flag = protocol.FlagValueReturned
	reply.Value = protocol.ValueRoom
	reply.Room = snap.RedactedFor(u.ID)
	reply.User = m.user
	err = m.sendLocked(reply, s.cfg.WriteTimeout)
	m.wmu.Unlock()
	if err != nil {
		s.drop(m, notify.MemberLeft)
		return nil, fmt.Errorf("%w: join reply: %v", protocol.ErrInternal, err)
	}

	s.logger.Info("member joined", "handle", u.Handle, "members", len(snap.Members))
	return m, nil
}

func (s *Server) isBannedLocked(u protocol.User) bool {
	if _, ok := s.bannedIDs[u.ID]; ok {
		return true
	}
	_, ok := s.bannedHandles[strings.ToLower(u.Handle)]
	return ok
}

func (s *Server) indexLocked(id protocol.SessionID) int {
	for i, m := range s.members {
		if m.user.ID == id {
			return i
		}
	}
	return -1
}

func (s *Server) isCurrentLocked(m *member) bool {
	idx := s.indexLocked(m.user.ID)
	return idx >= 0 && s.members[idx] == m
}

// handle runs one member request. It returns false when the member's
// worker should stop reading.
func (s *Server) handle(m *member, req protocol.Request) bool {
	start := time.Now()
	var (
		resp     protocol.Response
		keepOpen = true
	)

	switch req.Command {
	case protocol.CommandPing:
		resp = protocol.Reply(req.Command, protocol.CodeOK)
		resp.Flag = protocol.FlagNoDataChanged
	case protocol.CommandRelayMessage:
		resp = protocol.Reply(req.Command, protocol.CodeFromError(s.relay(m, req.Message)))
	case protocol.CommandUpdateRoom:
		resp = protocol.Reply(req.Command, protocol.CodeOK)
		resp.Flag = protocol.FlagValueReturned
		resp.Value = protocol.ValueRoom
		resp.Room = s.Snapshot().RedactedFor(m.user.ID)
	case protocol.CommandKickClient:
		resp = protocol.Reply(req.Command, protocol.CodeFromError(s.Kick(m.user.ID, req.Target)))
	case protocol.CommandBanClient:
		resp = protocol.Reply(req.Command, protocol.CodeFromError(s.Ban(m.user.ID, req.Target)))
	case protocol.CommandShutdownRoom:
		if !s.IsHost(m.user.ID) {
			resp = protocol.Reply(req.Command, protocol.CodeNotAuthorized)
			break
		}
		resp = protocol.Reply(req.Command, protocol.CodeOK)
		_ = m.send(resp, s.cfg.WriteTimeout)
		metrics.ObserveRequest(req.Command.String(), resp.Code.String(), start)
		s.Shutdown()
		return false
	case protocol.CommandLeaveRoom:
		// fire-and-forget: the connection is torn down instead of answered
		metrics.ObserveRequest(req.Command.String(), protocol.CodeOK.String(), start)
		return false
	default:
		resp = protocol.Reply(req.Command, protocol.CodeBadRequest)
	}

	if err := m.send(resp, s.cfg.WriteTimeout); err != nil {
		keepOpen = false
	}
	metrics.ObserveRequest(req.Command.String(), resp.Code.String(), start)
	return keepOpen
}

// relay fans a member's message out to every other member. A member whose
// send fails is removed after the fan-out.
func (s *Server) relay(from *member, msg protocol.Message) error {
	plain := cipher.Open(s.cfg.Cipher, protocol.IntentBroadcast, msg.Text)
	out := protocol.Message{
		Flag:   protocol.IntentPrint,
		Sender: from.user.Public(),
		Text:   cipher.Seal(s.cfg.Cipher, protocol.IntentPrint, plain),
	}
	push := protocol.Push(protocol.CommandPrintRelayedMessage, out)

	var failed []*member
	delivered := 0

	s.mu.RLock()
	if s.state != StateListening || !s.isCurrentLocked(from) {
		s.mu.RUnlock()
		return protocol.ErrNotInRoom
	}
	for _, m := range s.members {
		if m == from || m.conn == nil {
			continue
		}
		if err := m.send(push, s.cfg.WriteTimeout); err != nil {
			failed = append(failed, m)
			continue
		}
		delivered++
	}
	s.mu.RUnlock()

	metrics.MessagesRelayed.Add(float64(delivered))
	for _, m := range failed {
		s.logger.Info("dropping unreachable member", "handle", m.user.Handle)
		s.drop(m, notify.MemberLeft)
	}
	return nil
}

// Kick removes target from the room. Members never see each other's session
// ids, so a target without one is matched by handle.
func (s *Server) Kick(actor protocol.SessionID, target protocol.User) error {
	return s.evict(actor, target, false)
}

// Ban evicts target and refuses any later join by the same session or handle.
func (s *Server) Ban(actor protocol.SessionID, target protocol.User) error {
	return s.evict(actor, target, true)
}

// targetLocked finds target by session id, or by handle when the id is
// unknown to the caller. actor itself never matches a handle lookup.
func (s *Server) targetLocked(actor protocol.SessionID, target protocol.User) int {
	if !target.IsZero() {
		return s.indexLocked(target.ID)
	}
	for i, m := range s.members {
		if m.user.ID != actor && strings.EqualFold(m.user.Handle, target.Handle) {
			return i
		}
	}
	return -1
}

func (s *Server) evict(actor protocol.SessionID, target protocol.User, ban bool) error {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return protocol.ErrNoSuchRoom
	}
	if !s.IsHost(actor) {
		s.mu.Unlock()
		return protocol.ErrNotAuthorized
	}
	if target.ID == actor {
		s.mu.Unlock()
		return fmt.Errorf("%w: host cannot remove itself", protocol.ErrBadRequest)
	}
	idx := s.targetLocked(actor, target)
	if idx < 0 {
		s.mu.Unlock()
		return protocol.ErrNotInRoom
	}
	m := s.members[idx]
	s.members = append(s.members[:idx], s.members[idx+1:]...)
	if ban {
		s.bannedIDs[m.user.ID] = struct{}{}
		s.bannedHandles[strings.ToLower(m.user.Handle)] = struct{}{}
	}
	s.mu.Unlock()

	cmd, flag, ev := protocol.CommandKickClient, protocol.IntentKick, notify.MemberKicked
	if ban {
		cmd, flag, ev = protocol.CommandBanClient, protocol.IntentBan, notify.MemberBanned
	}
	_ = m.send(protocol.Push(cmd, protocol.Message{Flag: flag, Sender: s.cfg.Host.Public(), Text: s.cfg.Alias}), s.cfg.WriteTimeout)
	m.close()

	s.report()
	s.cfg.Notifier.Emit(notify.Event{Type: ev, Room: s.cfg.Alias, Handle: m.user.Handle, Session: m.user.ID.String()})
	return nil
}

// RemoveMember takes id out of the room. Removing the host shuts the room
// down.
func (s *Server) RemoveMember(id protocol.SessionID) error {
	s.mu.RLock()
	idx := s.indexLocked(id)
	var m *member
	if idx >= 0 {
		m = s.members[idx]
	}
	s.mu.RUnlock()
	if m == nil {
		return protocol.ErrNotInRoom
	}
	s.drop(m, notify.MemberLeft)
	return nil
}

// drop removes exactly m, so a stale worker cannot evict a newer session
// that rejoined with the same id.
func (s *Server) drop(m *member, ev notify.EventType) {
	if s.IsHost(m.user.ID) {
		s.mu.RLock()
		present := s.isCurrentLocked(m)
		s.mu.RUnlock()
		if present {
			s.logger.Info("host left, shutting room down", "handle", m.user.Handle)
			s.Shutdown()
		}
		return
	}

	s.mu.Lock()
	found := false
	for i, cur := range s.members {
		if cur == m {
			s.members = append(s.members[:i], s.members[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	m.close()
	if !found {
		return
	}
	s.report()
	s.cfg.Notifier.Emit(notify.Event{Type: ev, Room: s.cfg.Alias, Handle: m.user.Handle, Session: m.user.ID.String()})
}

// Shutdown takes the room offline, evicts every member, releases the port,
// removes the room from the registry and closes the listener, in that order.
// It is idempotent.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.mu.Lock()
	wasListening := s.state == StateListening
	s.state = StateShuttingDown
	members := s.members
	s.members = nil
	ln := s.listener
	s.mu.Unlock()

	push := protocol.Push(protocol.CommandShutdownRoom, protocol.Message{Flag: protocol.IntentNone, Sender: s.cfg.Host.Public(), Text: s.cfg.Alias})
	for _, m := range members {
		_ = m.send(push, s.cfg.WriteTimeout)
		m.close()
	}

	if wasListening {
		// waits for any in-flight report; later reports see the room offline
		s.reportMu.Lock()
		ctx, cancel := s.reportContext()
		if err := s.cfg.Reporter.ReleasePort(ctx, s.cfg.Port); err != nil {
			s.logger.Warn("failed to release port", "error", err)
		}
		if err := s.cfg.Reporter.Remove(ctx, s.cfg.Alias); err != nil {
			s.logger.Warn("failed to remove room from registry", "error", err)
		}
		cancel()
		s.reportMu.Unlock()
	}

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
			s.logger.Warn("failed to close listener", "error", err)
		}
	}

	s.setState(StateClosed)
	close(s.done)
	if wasListening {
		s.cfg.Notifier.Emit(notify.Event{Type: notify.RoomShutdown, Room: s.cfg.Alias, Port: s.cfg.Port, Handle: s.cfg.Host.Handle})
	}
	if s.cfg.OnClosed != nil {
		s.cfg.OnClosed(s.cfg.Alias)
	}
}
