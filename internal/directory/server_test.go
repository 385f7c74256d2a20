package directory

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/chatdir/internal/client"
	"github.com/andy6609/chatdir/internal/config"
	"github.com/andy6609/chatdir/internal/protocol"
)

func startDirectory(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.RoomHost = "127.0.0.1"
	cfg.ReadTimeout = 5 * time.Second
	cfg.WriteTimeout = time.Second
	cfg.RoomStartTimeout = 2 * time.Second

	srv, err := NewServer(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func connect(t *testing.T, srv *Server, handle string) *client.Session {
	t.Helper()
	sess, err := client.Dial(ctx(t), client.Options{
		Addr:         srv.Addr().String(),
		Handle:       handle,
		Attempts:     1,
		PingInterval: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Disconnect(context.Background()) })
	return sess
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func waitEvent(t *testing.T, sess *client.Session, typ client.EventType) client.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sess.Events():
			require.True(t, ok, "events closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func assertNoEvent(t *testing.T, sess *client.Session) {
	t.Helper()
	select {
	case ev := <-sess.Events():
		t.Fatalf("unexpected event %s: %q", ev.Type, ev.Text)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRoutesCoverEveryCommand(t *testing.T) {
	srv, err := NewServer(config.Default(), nil, nil)
	require.NoError(t, err)
	for _, cmd := range protocol.Commands() {
		assert.Contains(t, srv.handlers, cmd, "no handler for %s", cmd)
	}
}

func TestHandshakeRetriesAfterInvalidHandle(t *testing.T) {
	srv := startDirectory(t)
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteRequest(conn, protocol.Request{Command: protocol.CommandConnectClient, User: protocol.User{Handle: "ab"}}))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeInvalidHandle, resp.Code)

	require.NoError(t, protocol.WriteRequest(conn, protocol.Request{Command: protocol.CommandConnectClient, User: protocol.User{Handle: "alice"}}))
	resp, err = protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, resp.Code)
	assert.Equal(t, protocol.ValueUser, resp.Value)
	assert.False(t, resp.User.IsZero())
	assert.Equal(t, "alice", resp.User.Handle)
	assert.False(t, resp.User.JoinedAt.IsZero())

	u, found, err := srv.Registry().Client(ctx(t), resp.User.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "alice", u.Handle)
}

func TestCommandBeforeHandshakeIsRefused(t *testing.T) {
	srv := startDirectory(t)
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteRequest(conn, protocol.Request{Command: protocol.CommandRequestRoomList}))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeBadRequest, resp.Code)
}

func TestCreateRoomIsListedOnce(t *testing.T) {
	srv := startDirectory(t)
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")
	port := freePort(t)

	created, err := alice.CreateRoom(ctx(t), "lobby", port, 0)
	require.NoError(t, err)
	assert.Equal(t, "lobby", created.Alias)
	assert.Equal(t, protocol.DefaultRoomCapacity, created.Capacity)
	assert.True(t, created.Online)
	assert.Equal(t, alice.User().ID, created.Host.ID)

	// creation does not touch the creator's cached list
	assert.Empty(t, alice.Rooms())

	rooms, err := bob.RequestRoomList(ctx(t))
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "lobby", rooms[0].Alias)
	assert.Equal(t, port, rooms[0].Port)
	assert.Equal(t, rooms, bob.Rooms())

	_, ok := srv.Room("LOBBY")
	assert.True(t, ok)
}

func TestCreateRoomRejectsDuplicateAlias(t *testing.T) {
	srv := startDirectory(t)
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")

	_, err := alice.CreateRoom(ctx(t), "lobby", freePort(t), 10)
	require.NoError(t, err)

	other := freePort(t)
	_, err = bob.CreateRoom(ctx(t), "LOBBY", other, 10)
	assert.ErrorIs(t, err, protocol.ErrNameInUse)

	inUse, err := srv.Registry().PortInUse(ctx(t), other)
	require.NoError(t, err)
	assert.False(t, inUse)

	rooms, err := bob.RequestRoomList(ctx(t))
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestCreateRoomRejectsDuplicatePort(t *testing.T) {
	srv := startDirectory(t)
	alice := connect(t, srv, "alice")
	port := freePort(t)

	_, err := alice.CreateRoom(ctx(t), "lobby", port, 10)
	require.NoError(t, err)
	_, err = alice.CreateRoom(ctx(t), "annex", port, 10)
	assert.ErrorIs(t, err, protocol.ErrPortInUse)

	rooms, err := alice.RequestRoomList(ctx(t))
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "lobby", rooms[0].Alias)

	// the failed attempt must not have released the live room's port
	inUse, err := srv.Registry().PortInUse(ctx(t), port)
	require.NoError(t, err)
	assert.True(t, inUse)
}

func TestCreateRoomOnBusyPortRollsBack(t *testing.T) {
	srv := startDirectory(t)
	alice := connect(t, srv, "alice")

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	_, err = alice.CreateRoom(ctx(t), "lobby", port, 10)
	assert.ErrorIs(t, err, protocol.ErrPortInUse)

	inUse, err := srv.Registry().PortInUse(ctx(t), port)
	require.NoError(t, err)
	assert.False(t, inUse)

	rooms, err := alice.RequestRoomList(ctx(t))
	require.NoError(t, err)
	assert.Empty(t, rooms)
	_, ok := srv.Room("lobby")
	assert.False(t, ok)

	// the name is free again
	_, err = alice.CreateRoom(ctx(t), "lobby", freePort(t), 10)
	assert.NoError(t, err)
}

func TestCreateRoomValidatesAlias(t *testing.T) {
	srv := startDirectory(t)
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteRequest(conn, protocol.Request{Command: protocol.CommandConnectClient, User: protocol.User{Handle: "alice"}}))
	_, err = protocol.ReadResponse(conn)
	require.NoError(t, err)

	require.NoError(t, protocol.WriteRequest(conn, protocol.Request{
		Command: protocol.CommandMakeRoom,
		Room:    protocol.Room{Alias: "two words", Port: freePort(t)},
	}))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeInvalidAlias, resp.Code)
}

type trio struct {
	alice, bob, carol *client.Session
	port              int
}

// threeMembers creates "lobby" hosted by alice and joins all three.
func threeMembers(t *testing.T, srv *Server) trio {
	t.Helper()
	r := trio{
		alice: connect(t, srv, "alice"),
		bob:   connect(t, srv, "bob"),
		carol: connect(t, srv, "carol"),
		port:  freePort(t),
	}
	created, err := r.alice.CreateRoom(ctx(t), "lobby", r.port, 10)
	require.NoError(t, err)
	_, err = r.alice.JoinRoom(ctx(t), created)
	require.NoError(t, err)

	_, err = r.bob.RequestRoomList(ctx(t))
	require.NoError(t, err)
	_, err = r.bob.JoinRoomByIndex(ctx(t), 0)
	require.NoError(t, err)

	snap, err := r.carol.JoinRoomByAlias(ctx(t), "Lobby")
	require.NoError(t, err)
	require.Len(t, snap.Members, 3)
	return r
}

func TestRoomMessageFanOut(t *testing.T) {
	srv := startDirectory(t)
	r := threeMembers(t, srv)

	require.NoError(t, r.alice.SendRoomMessage(ctx(t), "hello room"))

	for _, s := range []*client.Session{r.bob, r.carol} {
		ev := waitEvent(t, s, client.EventMessage)
		assert.Equal(t, "hello room", ev.Text)
		assert.Equal(t, "alice", ev.From.Handle)
		assert.Equal(t, "lobby", ev.Room)
	}
	assertNoEvent(t, r.alice)
}

func TestRegistryTracksMembership(t *testing.T) {
	srv := startDirectory(t)
	r := threeMembers(t, srv)

	require.Eventually(t, func() bool {
		rm, found, err := srv.Registry().FindByAlias(context.Background(), "lobby")
		return err == nil && found && len(rm.Members) == 3
	}, 2*time.Second, 20*time.Millisecond)

	u, found, err := srv.Registry().Client(ctx(t), r.bob.User().ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "lobby", u.RoomAlias)

	r.bob.Leave()
	require.Eventually(t, func() bool {
		rm, found, err := srv.Registry().FindByAlias(context.Background(), "lobby")
		return err == nil && found && len(rm.Members) == 2 && !rm.HasMember(r.bob.User().ID)
	}, 2*time.Second, 20*time.Millisecond)

	u, _, err = srv.Registry().Client(ctx(t), r.bob.User().ID)
	require.NoError(t, err)
	assert.Empty(t, u.RoomAlias)
	assert.Empty(t, r.bob.Room())
}

func TestKickRequiresHost(t *testing.T) {
	srv := startDirectory(t)
	r := threeMembers(t, srv)

	err := r.bob.Kick(ctx(t), "carol")
	assert.ErrorIs(t, err, protocol.ErrNotAuthorized)

	require.NoError(t, r.alice.Kick(ctx(t), "bob"))
	ev := waitEvent(t, r.bob, client.EventKicked)
	assert.Equal(t, "lobby", ev.Room)

	err = r.bob.SendRoomMessage(ctx(t), "still here?")
	assert.ErrorIs(t, err, protocol.ErrNotInRoom)

	info, err := r.alice.RoomInfo(ctx(t))
	require.NoError(t, err)
	assert.Len(t, info.Members, 2)
	lobby, ok := srv.Room("lobby")
	require.True(t, ok)
	assert.False(t, lobby.Snapshot().HasMember(r.bob.User().ID))

	// a kicked member may come back
	_, err = r.bob.JoinRoomByAlias(ctx(t), "lobby")
	assert.NoError(t, err)
}

func TestBanKeepsMemberOut(t *testing.T) {
	srv := startDirectory(t)
	r := threeMembers(t, srv)

	require.NoError(t, r.alice.Ban(ctx(t), "carol"))
	waitEvent(t, r.carol, client.EventBanned)

	_, err := r.carol.JoinRoomByAlias(ctx(t), "lobby")
	assert.ErrorIs(t, err, protocol.ErrBanned)
}

func TestRoomServerKickChecksHost(t *testing.T) {
	srv := startDirectory(t)
	r := threeMembers(t, srv)

	srvRoom, ok := srv.Room("lobby")
	require.True(t, ok)
	require.NoError(t, srvRoom.Kick(r.alice.User().ID, r.carol.User()))
	waitEvent(t, r.carol, client.EventKicked)
	assert.ErrorIs(t, srvRoom.Kick(r.bob.User().ID, r.alice.User()), protocol.ErrNotAuthorized)
}

func TestHostDisconnectShutsRoomDown(t *testing.T) {
	srv := startDirectory(t)
	r := threeMembers(t, srv)

	require.NoError(t, r.alice.Disconnect(ctx(t)))

	waitEvent(t, r.bob, client.EventRoomClosed)
	waitEvent(t, r.carol, client.EventRoomClosed)

	require.Eventually(t, func() bool {
		rooms, err := srv.Registry().List(context.Background())
		return err == nil && len(rooms) == 0
	}, 2*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		inUse, err := srv.Registry().PortInUse(context.Background(), r.port)
		return err == nil && !inUse
	}, 2*time.Second, 20*time.Millisecond)

	_, ok := srv.Room("lobby")
	assert.False(t, ok)
	_, found, err := srv.Registry().Client(ctx(t), r.alice.User().ID)
	require.NoError(t, err)
	assert.False(t, found)

	// the port can be used for a new room
	_, err = r.bob.CreateRoom(ctx(t), "annex", r.port, 10)
	assert.NoError(t, err)
}

func TestHostWhoNeverJoinedStillOwnsRoom(t *testing.T) {
	srv := startDirectory(t)
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")

	_, err := alice.CreateRoom(ctx(t), "lobby", freePort(t), 10)
	require.NoError(t, err)
	_, err = bob.JoinRoomByAlias(ctx(t), "lobby")
	require.NoError(t, err)

	require.NoError(t, alice.Disconnect(ctx(t)))
	waitEvent(t, bob, client.EventRoomClosed)
}

func TestShutdownRoomByHost(t *testing.T) {
	srv := startDirectory(t)
	r := threeMembers(t, srv)

	assert.ErrorIs(t, r.bob.ShutdownRoom(ctx(t)), protocol.ErrNotAuthorized)
	require.NoError(t, r.alice.ShutdownRoom(ctx(t)))

	waitEvent(t, r.bob, client.EventRoomClosed)
	require.Eventually(t, func() bool {
		rooms, err := r.carol.RequestRoomList(context.Background())
		return err == nil && len(rooms) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRoomFullRejectsJoin(t *testing.T) {
	srv := startDirectory(t)
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")
	carol := connect(t, srv, "carol")

	_, err := alice.CreateRoom(ctx(t), "tiny", freePort(t), 2)
	require.NoError(t, err)
	// the host's reserved slot counts toward capacity
	_, err = bob.JoinRoomByAlias(ctx(t), "tiny")
	require.NoError(t, err)
	_, err = carol.JoinRoomByAlias(ctx(t), "tiny")
	assert.ErrorIs(t, err, protocol.ErrRoomFull)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := startDirectory(t)
	alice := connect(t, srv, "alice")
	id := alice.User().ID

	require.NoError(t, alice.Disconnect(ctx(t)))
	assert.NoError(t, alice.Disconnect(ctx(t)))

	require.Eventually(t, func() bool {
		_, found, err := srv.Registry().Client(context.Background(), id)
		return err == nil && !found
	}, 2*time.Second, 20*time.Millisecond)

	// a second teardown for the same session is a no-op
	srv.teardown(id, "lobby")
}

func TestUpdateRoomRequiresHost(t *testing.T) {
	srv := startDirectory(t)
	alice := connect(t, srv, "alice")
	port := freePort(t)
	_, err := alice.CreateRoom(ctx(t), "lobby", port, 10)
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, protocol.WriteRequest(conn, protocol.Request{Command: protocol.CommandConnectClient, User: protocol.User{Handle: "mallory"}}))
	_, err = protocol.ReadResponse(conn)
	require.NoError(t, err)

	for _, cmd := range []protocol.Command{protocol.CommandUpdateRoom, protocol.CommandRemoveRoom} {
		require.NoError(t, protocol.WriteRequest(conn, protocol.Request{Command: cmd, Room: protocol.Room{Alias: "lobby", Port: port}}))
		resp, err := protocol.ReadResponse(conn)
		require.NoError(t, err)
		assert.Equal(t, protocol.CodeNotAuthorized, resp.Code, cmd.String())
	}
}

func TestStopShutsEverythingDown(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.RoomHost = "127.0.0.1"
	cfg.WriteTimeout = time.Second
	srv, err := NewServer(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	alice, err := client.Dial(ctx(t), client.Options{Addr: srv.Addr().String(), Handle: "alice", Attempts: 1, PingInterval: -1})
	require.NoError(t, err)
	port := freePort(t)
	_, err = alice.CreateRoom(ctx(t), "lobby", port, 10)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err, "room port still bound after Stop")
	_ = ln.Close()
	_ = alice.Disconnect(context.Background())
}

// dialRaw completes a handshake on a bare connection and returns it with the
// user the directory assigned.
func dialRaw(t *testing.T, addr string, handle string) (net.Conn, protocol.User) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))

	require.NoError(t, protocol.WriteRequest(conn, protocol.Request{Command: protocol.CommandConnectClient, User: protocol.User{Handle: handle}}))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.CodeOK, resp.Code)
	return conn, resp.User
}

func rawCall(t *testing.T, conn net.Conn, req protocol.Request) protocol.Response {
	t.Helper()
	require.NoError(t, protocol.WriteRequest(conn, req))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	return resp
}

func rawJoin(t *testing.T, port int, u protocol.User) protocol.Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	return rawCall(t, conn, protocol.Request{Command: protocol.CommandJoinRoom, User: u})
}

func TestRoomRecordsWithholdSessionIDs(t *testing.T) {
	srv := startDirectory(t)
	r := threeMembers(t, srv)
	alice := r.alice.User()

	conn, mallory := dialRaw(t, srv.Addr().String(), "mallory")
	resp := rawCall(t, conn, protocol.Request{Command: protocol.CommandRequestRoomList, User: mallory})
	require.Equal(t, protocol.CodeOK, resp.Code)
	rooms, err := protocol.ReadRoomList(conn)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "alice", rooms[0].Host.Handle)
	assert.True(t, rooms[0].Host.IsZero())
	for _, m := range rooms[0].Members {
		assert.True(t, m.IsZero(), m.Handle)
	}

	resp = rawCall(t, conn, protocol.Request{Command: protocol.CommandJoinRoom, User: mallory, Room: protocol.Room{Alias: "lobby"}})
	require.Equal(t, protocol.CodeOK, resp.Code)
	assert.True(t, resp.Room.Host.IsZero())

	// neither a made-up id nor mallory's own id passes for alice
	forged := alice
	forged.ID = mallory.ID
	assert.Equal(t, protocol.CodeNotAuthorized, rawJoin(t, r.port, forged).Code)
	forged.ID = uuid.New()
	assert.Equal(t, protocol.CodeNotAuthorized, rawJoin(t, r.port, forged).Code)

	// joining as herself gives no host rights
	assert.Equal(t, protocol.CodeOK, rawJoin(t, r.port, mallory).Code)
	lobby, ok := srv.Room("lobby")
	require.True(t, ok)
	assert.ErrorIs(t, lobby.Kick(mallory.ID, protocol.User{Handle: "bob"}), protocol.ErrNotAuthorized)
	assertNoEvent(t, r.bob)
}

func TestAppendedRoomIsDelistedWhenHostLeaves(t *testing.T) {
	srv := startDirectory(t)
	conn, host := dialRaw(t, srv.Addr().String(), "extern")
	port := freePort(t)

	resp := rawCall(t, conn, protocol.Request{
		Command: protocol.CommandAppendRoom,
		User:    host,
		Room:    protocol.Room{Alias: "outside", Port: port, Capacity: 10, Host: host},
	})
	require.Equal(t, protocol.CodeOK, resp.Code)

	rooms, err := srv.Registry().List(ctx(t))
	require.NoError(t, err)
	require.Len(t, rooms, 1)

	require.NoError(t, protocol.WriteRequest(conn, protocol.Request{Command: protocol.CommandDisconnectClient, User: host}))

	require.Eventually(t, func() bool {
		rooms, err := srv.Registry().List(context.Background())
		return err == nil && len(rooms) == 0
	}, 2*time.Second, 20*time.Millisecond)
	inUse, err := srv.Registry().PortInUse(ctx(t), port)
	require.NoError(t, err)
	assert.False(t, inUse)
}

func TestOfflineUpdateFreesAppendedRoomPort(t *testing.T) {
	srv := startDirectory(t)
	conn, host := dialRaw(t, srv.Addr().String(), "extern")
	port := freePort(t)
	appendReq := protocol.Request{
		Command: protocol.CommandAppendRoom,
		User:    host,
		Room:    protocol.Room{Alias: "outside", Port: port, Capacity: 10, Host: host},
	}
	require.Equal(t, protocol.CodeOK, rawCall(t, conn, appendReq).Code)

	resp := rawCall(t, conn, protocol.Request{Command: protocol.CommandUpdateRoom, User: host, Room: protocol.Room{Alias: "outside"}})
	require.Equal(t, protocol.CodeOK, resp.Code)

	inUse, err := srv.Registry().PortInUse(ctx(t), port)
	require.NoError(t, err)
	assert.False(t, inUse)
	assert.Equal(t, protocol.CodeOK, rawCall(t, conn, appendReq).Code)
}
