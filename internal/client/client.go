// Package client is the user side of the chat network: one connection to the
// directory plus at most one connection to a room server.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/andy6609/chatdir/internal/cipher"
	"github.com/andy6609/chatdir/internal/protocol"
)

var (
	ErrDirectoryUnreachable = errors.New("directory unreachable")
	ErrNotConnected         = errors.New("not connected to the directory")
	ErrClosed               = errors.New("session closed")
)

type Options struct {
	Addr   string
	Handle string
	Cipher cipher.Cipher
	Logger *slog.Logger

	// Attempts and Backoff bound Connect.
	Attempts int
	Backoff  time.Duration

	DialTimeout    time.Duration
	RequestTimeout time.Duration
	// PingInterval keeps idle connections from hitting the server's read
	// timeout. Negative disables keepalives.
	PingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Cipher == nil {
		o.Cipher = cipher.XOR{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 30 * time.Second
	}
	return o
}

// Session is safe for concurrent use.
type Session struct {
	opts   Options
	logger *slog.Logger

	// dirMu serialises request/reply pairs on the directory connection.
	dirMu sync.Mutex
	dir   net.Conn

	mu    sync.Mutex
	user  protocol.User
	rooms []protocol.Room
	link  *roomLink

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		opts:   opts,
		logger: opts.Logger.With("component", "client"),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Dial connects and completes the handshake.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	s := New(opts)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	if err := s.Handshake(ctx, s.opts.Handle); err != nil {
		s.closeDirectory()
		return nil, err
	}
	return s, nil
}

// Events delivers room pushes. It is closed by Disconnect. Pushes that
// arrive while eventBuffer events are already waiting are dropped, so an
// undrained channel never stalls room replies.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) User() protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Rooms returns the room list from the last successful RequestRoomList.
func (s *Session) Rooms() []protocol.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Room, len(s.rooms))
	for i, r := range s.rooms {
		out[i] = r.Clone()
	}
	return out
}

// Connect dials the directory, retrying a bounded number of times.
func (s *Session) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: s.opts.DialTimeout}
	var lastErr error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", s.opts.Addr)
		if err == nil {
			s.dirMu.Lock()
			s.dir = conn
			s.dirMu.Unlock()
			s.logger.Info("connected to directory", "addr", s.opts.Addr, "attempt", attempt)
			return nil
		}
		lastErr = err
		s.logger.Warn("directory connect failed", "addr", s.opts.Addr, "attempt", attempt, "error", err)
		if attempt == s.opts.Attempts {
			break
		}
		select {
		case <-time.After(s.opts.Backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrDirectoryUnreachable, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrDirectoryUnreachable, s.opts.Addr, s.opts.Attempts, lastErr)
}

// Handshake registers handle with the directory. A refused handle leaves the
// connection usable for another try.
func (s *Session) Handshake(ctx context.Context, handle string) error {
	if err := protocol.ValidateHandle(handle); err != nil {
		return err
	}
	resp, err := s.directoryCall(ctx, protocol.Request{
		Command: protocol.CommandConnectClient,
		User:    protocol.User{Handle: handle},
	})
	if err != nil {
		return err
	}
	if resp.Value != protocol.ValueUser || resp.User.IsZero() {
		return fmt.Errorf("%w: handshake reply carries no user", protocol.ErrInternal)
	}

	s.mu.Lock()
	s.user = resp.User
	s.mu.Unlock()

	if s.opts.PingInterval > 0 {
		s.wg.Add(1)
		go s.keepalive()
	}
	s.logger.Info("registered with directory", "handle", resp.User.Handle, "session", resp.User.ID.String())
	return nil
}

func (s *Session) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(s.opts.RequestTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

// directoryCall sends req and reads its reply. A non-OK code comes back as
// the matching protocol error.
func (s *Session) directoryCall(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	return s.directoryCallLocked(ctx, req)
}

func (s *Session) directoryCallLocked(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if s.dir == nil {
		return protocol.Response{}, ErrNotConnected
	}
	if err := s.dir.SetDeadline(s.deadline(ctx)); err != nil {
		return protocol.Response{}, s.dropDirectoryLocked(err)
	}
	if err := protocol.WriteRequest(s.dir, req); err != nil {
		return protocol.Response{}, s.dropDirectoryLocked(err)
	}
	resp, err := protocol.ReadResponse(s.dir)
	if err != nil {
		return resp, s.dropDirectoryLocked(err)
	}
	if resp.Command != req.Command {
		return resp, s.dropDirectoryLocked(fmt.Errorf("%w: %s reply to %s", protocol.ErrBadRequest, resp.Command, req.Command))
	}
	if resp.Code != protocol.CodeOK {
		return resp, resp.Code.Err()
	}
	return resp, nil
}

// RequestRoomList fetches the directory's room list. The cached list is
// replaced only when the whole reply arrived.
func (s *Session) RequestRoomList(ctx context.Context) ([]protocol.Room, error) {
	s.dirMu.Lock()
	_, err := s.directoryCallLocked(ctx, protocol.Request{
		Command: protocol.CommandRequestRoomList,
		User:    s.User(),
	})
	var rooms []protocol.Room
	if err == nil {
		if rooms, err = protocol.ReadRoomList(s.dir); err != nil {
			err = s.dropDirectoryLocked(err)
		}
	}
	s.dirMu.Unlock()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.rooms = rooms
	s.mu.Unlock()
	return s.Rooms(), nil
}

// CreateRoom asks the directory to start a room hosted by this session. The
// room shows up in the cached list after the next RequestRoomList.
func (s *Session) CreateRoom(ctx context.Context, alias string, port, capacity int) (protocol.Room, error) {
	if err := protocol.ValidateAlias(alias); err != nil {
		return protocol.Room{}, err
	}
	resp, err := s.directoryCall(ctx, protocol.Request{
		Command: protocol.CommandMakeRoom,
		User:    s.User(),
		Room:    protocol.Room{Alias: alias, Port: port, Capacity: capacity},
	})
	if err != nil {
		return protocol.Room{}, err
	}
	return resp.Room, nil
}

// LookupRoom asks the directory for the current record of alias.
func (s *Session) LookupRoom(ctx context.Context, alias string) (protocol.Room, error) {
	resp, err := s.directoryCall(ctx, protocol.Request{
		Command: protocol.CommandJoinRoom,
		User:    s.User(),
		Room:    protocol.Room{Alias: alias},
	})
	if err != nil {
		return protocol.Room{}, err
	}
	return resp.Room, nil
}

func (s *Session) keepalive() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
			if _, err := s.directoryCall(ctx, protocol.Request{Command: protocol.CommandPing, User: s.User()}); err != nil {
				s.logger.Warn("directory keepalive failed", "error", err)
			}
			if link := s.currentLink(); link != nil {
				if _, err := link.call(ctx, protocol.Request{Command: protocol.CommandPing, User: s.User()}); err != nil {
					s.logger.Warn("room keepalive failed", "room", link.alias, "error", err)
				}
			}
			cancel()
		case <-s.done:
			return
		}
	}
}

// Disconnect leaves the current room, tells the directory and closes
// everything. Calling it again does nothing.
func (s *Session) Disconnect(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		u := s.User()
		if link := s.currentLink(); link != nil {
			u.RoomAlias = link.alias
			s.closeLink(link)
		}

		s.dirMu.Lock()
		if s.dir != nil {
			_ = s.dir.SetWriteDeadline(s.deadline(ctx))
			err = protocol.WriteRequest(s.dir, protocol.Request{Command: protocol.CommandDisconnectClient, User: u})
		}
		s.dirMu.Unlock()

		close(s.done)
		s.closeDirectory()
		s.wg.Wait()
		close(s.events)
		s.logger.Info("disconnected", "handle", u.Handle)
	})
	return err
}

func (s *Session) closeDirectory() {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if s.dir != nil {
		_ = s.dir.Close()
		s.dir = nil
	}
}

// dropDirectoryLocked closes the directory connection after a failed or
// malformed exchange; whatever is left in the stream can no longer be matched
// to a request. It returns err unchanged.
func (s *Session) dropDirectoryLocked(err error) error {
	if s.dir != nil {
		s.logger.Warn("directory connection dropped", "error", err)
		_ = s.dir.Close()
		s.dir = nil
	}
	return err
}

// roomAddr places the room on the directory's host.
func (s *Session) roomAddr(port int) string {
	host, _, err := net.SplitHostPort(s.opts.Addr)
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}
