package client

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/chatdir/internal/cipher"
	"github.com/andy6609/chatdir/internal/protocol"
)

// fakeDirectory accepts one connection, answers the handshake and then hands
// the connection to serve.
func fakeDirectory(t *testing.T, serve func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			return
		}
		resp := protocol.Reply(protocol.CommandConnectClient, protocol.CodeOK)
		resp.Value = protocol.ValueUser
		resp.User = protocol.User{ID: uuid.New(), Handle: req.User.Handle, JoinedAt: time.Now().UTC()}
		if err := protocol.WriteResponse(conn, resp); err != nil {
			return
		}
		serve(conn)
	}()
	return ln.Addr().String()
}

func testOptions(addr string) Options {
	return Options{
		Addr:           addr,
		Handle:         "alice",
		Attempts:       1,
		Backoff:        10 * time.Millisecond,
		RequestTimeout: time.Second,
		PingInterval:   -1,
	}
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestConnectGivesUpAfterRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	opts := testOptions(addr)
	opts.Attempts = 3
	s := New(opts)

	start := time.Now()
	err = s.Connect(ctx(t))
	assert.ErrorIs(t, err, ErrDirectoryUnreachable)
	assert.Contains(t, err.Error(), "3 attempts")
	assert.GreaterOrEqual(t, time.Since(start), 2*opts.Backoff)
}

func TestConnectStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	opts := testOptions(addr)
	opts.Attempts = 5
	opts.Backoff = time.Hour
	c, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err = New(opts).Connect(c)
	assert.ErrorIs(t, err, ErrDirectoryUnreachable)
}

func TestDialRegistersUser(t *testing.T) {
	addr := fakeDirectory(t, func(conn net.Conn) {
		_, _ = protocol.ReadRequest(conn)
	})
	s, err := Dial(ctx(t), testOptions(addr))
	require.NoError(t, err)
	defer s.Disconnect(context.Background())

	u := s.User()
	assert.False(t, u.IsZero())
	assert.Equal(t, "alice", u.Handle)
}

func TestHandshakeRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := protocol.ReadRequest(conn); err != nil {
			return
		}
		_ = protocol.WriteResponse(conn, protocol.Reply(protocol.CommandConnectClient, protocol.CodeServerFull))
	}()

	_, err = Dial(ctx(t), testOptions(ln.Addr().String()))
	assert.ErrorIs(t, err, protocol.ErrServerFull)
}

func TestHandshakeValidatesHandleLocally(t *testing.T) {
	s := New(testOptions("127.0.0.1:1"))
	assert.ErrorIs(t, s.Handshake(ctx(t), "ab"), protocol.ErrInvalidHandle)
	assert.ErrorIs(t, s.Handshake(ctx(t), "has space"), protocol.ErrInvalidHandle)
}

func TestRequestRoomListIsAllOrNothing(t *testing.T) {
	first := []protocol.Room{{Alias: "lobby", Port: 20001, Capacity: 30, Online: true}}

	addr := fakeDirectory(t, func(conn net.Conn) {
		if _, err := protocol.ReadRequest(conn); err != nil {
			return
		}
		resp := protocol.Reply(protocol.CommandRequestRoomList, protocol.CodeOK)
		resp.Flag = protocol.FlagValueReturned
		if err := protocol.WriteRoomListReply(conn, resp, first); err != nil {
			return
		}

		if _, err := protocol.ReadRequest(conn); err != nil {
			return
		}
		head, _ := resp.MarshalBinary()
		full, _ := protocol.AppendRoomList(head, []protocol.Room{
			{Alias: "lobby", Port: 20001, Online: true},
			{Alias: "annex", Port: 20002, Online: true},
		})
		// announce two rooms, send one and a half
		_, _ = conn.Write(full[:len(full)-protocol.RoomSize/2])
	})

	s, err := Dial(ctx(t), testOptions(addr))
	require.NoError(t, err)
	defer s.Disconnect(context.Background())

	rooms, err := s.RequestRoomList(ctx(t))
	require.NoError(t, err)
	require.Len(t, rooms, 1)

	_, err = s.RequestRoomList(ctx(t))
	require.Error(t, err)
	assert.True(t, protocol.IsProtocolError(err))

	cached := s.Rooms()
	require.Len(t, cached, 1)
	assert.Equal(t, "lobby", cached[0].Alias)

	// the half-read stream is abandoned with the connection
	_, err = s.RequestRoomList(ctx(t))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTimedOutCallDropsDirectory(t *testing.T) {
	release := make(chan struct{})
	addr := fakeDirectory(t, func(conn net.Conn) {
		if _, err := protocol.ReadRequest(conn); err != nil {
			return
		}
		// answer only after the caller has given up
		<-release
		_ = protocol.WriteResponse(conn, protocol.Reply(protocol.CommandRequestRoomList, protocol.CodeOK))
	})
	defer close(release)

	s, err := Dial(ctx(t), testOptions(addr))
	require.NoError(t, err)
	defer s.Disconnect(context.Background())

	short, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = s.RequestRoomList(short)
	require.Error(t, err)

	_, err = s.LookupRoom(ctx(t), "lobby")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRoomListErrorCodeLeavesCache(t *testing.T) {
	addr := fakeDirectory(t, func(conn net.Conn) {
		if _, err := protocol.ReadRequest(conn); err != nil {
			return
		}
		_ = protocol.WriteResponse(conn, protocol.Reply(protocol.CommandRequestRoomList, protocol.CodeInternalError))
	})
	s, err := Dial(ctx(t), testOptions(addr))
	require.NoError(t, err)
	defer s.Disconnect(context.Background())

	_, err = s.RequestRoomList(ctx(t))
	assert.ErrorIs(t, err, protocol.ErrInternal)
	assert.Empty(t, s.Rooms())
}

func TestDisconnectSendsRequestOnce(t *testing.T) {
	got := make(chan protocol.Request, 2)
	addr := fakeDirectory(t, func(conn net.Conn) {
		for {
			req, err := protocol.ReadRequest(conn)
			if err != nil {
				close(got)
				return
			}
			got <- req
		}
	})
	s, err := Dial(ctx(t), testOptions(addr))
	require.NoError(t, err)
	id := s.User().ID

	require.NoError(t, s.Disconnect(ctx(t)))
	require.NoError(t, s.Disconnect(ctx(t)))

	req, ok := <-got
	require.True(t, ok)
	assert.Equal(t, protocol.CommandDisconnectClient, req.Command)
	assert.Equal(t, id, req.User.ID)
	_, ok = <-got
	assert.False(t, ok, "only one disconnect request expected")

	_, open := <-s.Events()
	assert.False(t, open)
}

func TestLocalValidation(t *testing.T) {
	s := New(testOptions("127.0.0.1:1"))

	_, err := s.CreateRoom(ctx(t), "no", 20000, 10)
	assert.ErrorIs(t, err, protocol.ErrInvalidAlias)

	_, err = s.JoinRoomByIndex(ctx(t), 0)
	assert.ErrorIs(t, err, protocol.ErrNoSuchRoom)

	err = s.SendRoomMessage(ctx(t), strings.Repeat("x", protocol.MaxMessageLen+1))
	assert.ErrorIs(t, err, protocol.ErrBadRequest)

	err = s.SendRoomMessage(ctx(t), "hi")
	assert.ErrorIs(t, err, protocol.ErrNotInRoom)

	_, err = s.RequestRoomList(ctx(t))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReceiveRoutesRepliesAndPushes(t *testing.T) {
	srvConn, cliConn := net.Pipe()
	defer srvConn.Close()

	s := New(testOptions("127.0.0.1:1"))
	link := &roomLink{
		alias:   "lobby",
		conn:    cliConn,
		pending: make(chan protocol.Response, 1),
		closed:  make(chan struct{}),
	}
	s.link = link
	s.wg.Add(1)
	go s.receive(link)

	host := protocol.User{ID: uuid.New(), Handle: "host"}
	go func() {
		if _, err := protocol.ReadRequest(srvConn); err != nil {
			return
		}
		msg := protocol.Message{Flag: protocol.IntentPrint, Sender: host, Text: cipher.Seal(cipher.XOR{}, protocol.IntentPrint, "hey")}
		_ = protocol.WriteResponse(srvConn, protocol.Push(protocol.CommandPrintRelayedMessage, msg))
		resp := protocol.Reply(protocol.CommandPing, protocol.CodeOK)
		_ = protocol.WriteResponse(srvConn, resp)
		_ = protocol.WriteResponse(srvConn, protocol.Push(protocol.CommandKickClient, protocol.Message{Flag: protocol.IntentKick, Sender: host}))
	}()

	_, err := s.roomCall(ctx(t), protocol.Request{Command: protocol.CommandPing})
	require.NoError(t, err)

	ev := <-s.Events()
	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, "hey", ev.Text)
	assert.Equal(t, "host", ev.From.Handle)

	ev = <-s.Events()
	assert.Equal(t, EventKicked, ev.Type)
	assert.Equal(t, "lobby", ev.Room)
	assert.Empty(t, s.Room())
}

func TestUndrainedEventsDoNotStallReplies(t *testing.T) {
	srvConn, cliConn := net.Pipe()
	defer srvConn.Close()

	s := New(testOptions("127.0.0.1:1"))
	link := &roomLink{
		alias:   "lobby",
		conn:    cliConn,
		pending: make(chan protocol.Response, 1),
		closed:  make(chan struct{}),
	}
	s.link = link
	s.wg.Add(1)
	go s.receive(link)

	host := protocol.User{Handle: "host"}
	go func() {
		if _, err := protocol.ReadRequest(srvConn); err != nil {
			return
		}
		msg := protocol.Message{Flag: protocol.IntentPrint, Sender: host, Text: cipher.Seal(cipher.XOR{}, protocol.IntentPrint, "spam")}
		for i := 0; i < 2*eventBuffer; i++ {
			if err := protocol.WriteResponse(srvConn, protocol.Push(protocol.CommandPrintRelayedMessage, msg)); err != nil {
				return
			}
		}
		_ = protocol.WriteResponse(srvConn, protocol.Reply(protocol.CommandPing, protocol.CodeOK))
	}()

	_, err := s.roomCall(ctx(t), protocol.Request{Command: protocol.CommandPing})
	require.NoError(t, err)
	assert.Len(t, s.Events(), eventBuffer)
}
