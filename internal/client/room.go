package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/andy6609/chatdir/internal/cipher"
	"github.com/andy6609/chatdir/internal/protocol"
)

type EventType int

const (
	EventMessage EventType = iota + 1
	EventKicked
	EventBanned
	EventRoomClosed
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventKicked:
		return "kicked"
	case EventBanned:
		return "banned"
	case EventRoomClosed:
		return "room_closed"
	}
	return "unknown"
}

// Event is something a room pushed without being asked. Text is already
// decrypted.
type Event struct {
	Type EventType
	Room string
	From protocol.User
	Text string
}

// roomLink is the connection to the room the session is in. Replies go to
// pending; pushes become events.
type roomLink struct {
	alias string
	conn  net.Conn

	// reqMu allows one outstanding request at a time.
	reqMu   sync.Mutex
	pending chan protocol.Response

	closeOnce sync.Once
	closed    chan struct{}
	local     bool // closed by this side, guarded by closeOnce ordering
}

func (l *roomLink) close(local bool) {
	l.closeOnce.Do(func() {
		l.local = local
		close(l.closed)
		_ = l.conn.Close()
	})
}

func (l *roomLink) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	l.reqMu.Lock()
	defer l.reqMu.Unlock()

	// a reply that arrived after its caller gave up must not answer this one
	select {
	case <-l.pending:
	default:
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
	}
	if err := protocol.WriteRequest(l.conn, req); err != nil {
		select {
		case <-l.closed:
			return protocol.Response{}, protocol.ErrNotInRoom
		default:
		}
		return protocol.Response{}, err
	}
	select {
	case resp := <-l.pending:
		if resp.Command != req.Command {
			return resp, fmt.Errorf("%w: %s reply to %s", protocol.ErrBadRequest, resp.Command, req.Command)
		}
		if resp.Code != protocol.CodeOK {
			return resp, resp.Code.Err()
		}
		return resp, nil
	case <-l.closed:
		return protocol.Response{}, protocol.ErrNotInRoom
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

func (s *Session) currentLink() *roomLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Room is the alias of the room the session is in, or "".
func (s *Session) Room() string {
	if link := s.currentLink(); link != nil {
		return link.alias
	}
	return ""
}

// JoinRoom connects to rm's room server. The returned snapshot is the
// room as of the join, including this session.
func (s *Session) JoinRoom(ctx context.Context, rm protocol.Room) (protocol.Room, error) {
	u := s.User()
	if u.IsZero() {
		return protocol.Room{}, ErrNotConnected
	}
	if link := s.currentLink(); link != nil {
		return protocol.Room{}, fmt.Errorf("%w: already in room %s", protocol.ErrBadRequest, link.alias)
	}

	dialer := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.roomAddr(rm.Port))
	if err != nil {
		return protocol.Room{}, fmt.Errorf("%w: dial room %s: %v", protocol.ErrNoSuchRoom, rm.Alias, err)
	}

	_ = conn.SetDeadline(s.deadline(ctx))
	if err := protocol.WriteRequest(conn, protocol.Request{Command: protocol.CommandJoinRoom, User: u, Room: protocol.Room{Alias: rm.Alias}}); err != nil {
		_ = conn.Close()
		return protocol.Room{}, err
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		_ = conn.Close()
		return protocol.Room{}, err
	}
	if resp.Code != protocol.CodeOK {
		_ = conn.Close()
		return protocol.Room{}, resp.Code.Err()
	}
	_ = conn.SetDeadline(time.Time{})

	link := &roomLink{
		alias:   resp.Room.Alias,
		conn:    conn,
		pending: make(chan protocol.Response, 1),
		closed:  make(chan struct{}),
	}
	s.mu.Lock()
	if s.link != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return protocol.Room{}, fmt.Errorf("%w: already in room %s", protocol.ErrBadRequest, s.link.alias)
	}
	s.link = link
	s.user.RoomAlias = link.alias
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receive(link)

	s.logger.Info("joined room", "room", link.alias, "members", len(resp.Room.Members))
	return resp.Room, nil
}

// JoinRoomByAlias looks the room up on the directory and joins it.
func (s *Session) JoinRoomByAlias(ctx context.Context, alias string) (protocol.Room, error) {
	rm, err := s.LookupRoom(ctx, alias)
	if err != nil {
		return protocol.Room{}, err
	}
	return s.JoinRoom(ctx, rm)
}

// JoinRoomByIndex joins the i-th room of the cached list.
func (s *Session) JoinRoomByIndex(ctx context.Context, i int) (protocol.Room, error) {
	s.mu.Lock()
	if i < 0 || i >= len(s.rooms) {
		n := len(s.rooms)
		s.mu.Unlock()
		return protocol.Room{}, fmt.Errorf("%w: index %d of %d", protocol.ErrNoSuchRoom, i, n)
	}
	rm := s.rooms[i].Clone()
	s.mu.Unlock()
	return s.JoinRoom(ctx, rm)
}

func (s *Session) roomCall(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	link := s.currentLink()
	if link == nil {
		return protocol.Response{}, protocol.ErrNotInRoom
	}
	ctx, cancel := context.WithDeadline(ctx, s.deadline(ctx))
	defer cancel()
	req.User = s.User()
	return link.call(ctx, req)
}

// SendRoomMessage relays text to everyone else in the room.
func (s *Session) SendRoomMessage(ctx context.Context, text string) error {
	if len(text) > protocol.MaxMessageLen {
		return fmt.Errorf("%w: message is %d bytes, limit %d", protocol.ErrBadRequest, len(text), protocol.MaxMessageLen)
	}
	_, err := s.roomCall(ctx, protocol.Request{
		Command: protocol.CommandRelayMessage,
		Message: protocol.Message{
			Flag: protocol.IntentBroadcast,
			Text: cipher.Seal(s.opts.Cipher, protocol.IntentBroadcast, text),
		},
	})
	return err
}

// RoomInfo fetches the room's current snapshot from the room server.
func (s *Session) RoomInfo(ctx context.Context) (protocol.Room, error) {
	resp, err := s.roomCall(ctx, protocol.Request{Command: protocol.CommandUpdateRoom})
	if err != nil {
		return protocol.Room{}, err
	}
	return resp.Room, nil
}

// Kick removes the member called handle. Only the host may do this.
func (s *Session) Kick(ctx context.Context, handle string) error {
	return s.evict(ctx, protocol.CommandKickClient, handle)
}

// Ban removes the member called handle and keeps them out.
func (s *Session) Ban(ctx context.Context, handle string) error {
	return s.evict(ctx, protocol.CommandBanClient, handle)
}

func (s *Session) evict(ctx context.Context, cmd protocol.Command, handle string) error {
	rm, err := s.RoomInfo(ctx)
	if err != nil {
		return err
	}
	// other members' session ids are withheld, so the room matches the
	// target by handle
	var (
		target protocol.User
		found  bool
	)
	for _, m := range rm.Members {
		if strings.EqualFold(m.Handle, handle) {
			target, found = m, true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: no member %q", protocol.ErrNotInRoom, handle)
	}
	_, err = s.roomCall(ctx, protocol.Request{Command: cmd, Target: target})
	return err
}

// ShutdownRoom closes the room this session hosts.
func (s *Session) ShutdownRoom(ctx context.Context) error {
	link := s.currentLink()
	_, err := s.roomCall(ctx, protocol.Request{Command: protocol.CommandShutdownRoom})
	if err == nil && link != nil {
		s.closeLink(link)
	}
	return err
}

// Leave quits the current room without waiting for an answer.
func (s *Session) Leave() {
	link := s.currentLink()
	if link == nil {
		return
	}
	link.reqMu.Lock()
	_ = link.conn.SetWriteDeadline(time.Now().Add(s.opts.RequestTimeout))
	_ = protocol.WriteRequest(link.conn, protocol.Request{Command: protocol.CommandLeaveRoom, User: s.User()})
	link.reqMu.Unlock()
	s.closeLink(link)
}

func (s *Session) closeLink(link *roomLink) {
	link.close(true)
	s.clearLink(link)
}

func (s *Session) clearLink(link *roomLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == link {
		s.link = nil
		s.user.RoomAlias = ""
	}
}

// receive reads frames from the room until the connection ends.
func (s *Session) receive(link *roomLink) {
	defer s.wg.Done()
	defer s.clearLink(link)

	for {
		resp, err := protocol.ReadResponse(link.conn)
		if err != nil {
			link.close(false)
			s.clearLink(link)
			if !link.local {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					s.logger.Info("room connection lost", "room", link.alias, "error", err)
				}
				s.emit(Event{Type: EventRoomClosed, Room: link.alias})
			}
			return
		}

		if resp.Kind == protocol.KindReply {
			select {
			case link.pending <- resp:
			default:
				s.logger.Debug("dropping unexpected room reply", "command", resp.Command.String())
			}
			continue
		}

		switch resp.Command {
		case protocol.CommandPrintRelayedMessage:
			s.emit(Event{
				Type: EventMessage,
				Room: link.alias,
				From: resp.Message.Sender,
				Text: cipher.Open(s.opts.Cipher, resp.Message.Flag, resp.Message.Text),
			})
		case protocol.CommandKickClient, protocol.CommandBanClient:
			typ := EventKicked
			if resp.Command == protocol.CommandBanClient {
				typ = EventBanned
			}
			s.closeLink(link)
			s.emit(Event{Type: typ, Room: link.alias, From: resp.Message.Sender})
			return
		case protocol.CommandShutdownRoom:
			s.closeLink(link)
			s.emit(Event{Type: EventRoomClosed, Room: link.alias, From: resp.Message.Sender})
			return
		default:
			s.logger.Debug("ignoring room push", "command", resp.Command.String())
		}
	}
}

const eventBuffer = 64

// emit never blocks: the receive loop also carries replies, and a caller
// that stopped reading Events must not stall them.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event buffer full, event dropped", "type", ev.Type.String(), "room", ev.Room)
	}
}
