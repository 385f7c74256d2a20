package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/andy6609/chatdir/internal/metrics"
	"github.com/andy6609/chatdir/internal/protocol"
)

type Limits struct {
	MaxRooms   int
	MaxClients int
	PortSlots  int
}

func (l Limits) withDefaults() Limits {
	if l.MaxRooms <= 0 {
		l.MaxRooms = protocol.MaxRoomsOnline
	}
	if l.MaxClients <= 0 {
		l.MaxClients = protocol.MaxGlobalClients
	}
	if l.PortSlots < 2*l.MaxRooms {
		l.PortSlots = 2 * l.MaxRooms
	}
	return l
}

// Registry is the directory's authoritative table of rooms, online clients
// and allocated ports. All state lives in the Run goroutine; everyone else
// talks to it through events.
type Registry struct {
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	limits Limits
	logger *slog.Logger
}

func NewRegistry(buffer int, limits Limits, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events: make(chan Event, buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		limits: limits.withDefaults(),
		logger: logger,
	}
}

func (r *Registry) Events() chan<- Event {
	return r.events
}

// Stop signals the Run loop to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

type state struct {
	rooms    []protocol.Room
	reserved map[string]int // lower-cased alias -> port
	clients  map[protocol.SessionID]protocol.User
	ports    *PortTable
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	// Single-writer ownership: this state is only accessed in this goroutine.
	st := &state{
		reserved: make(map[string]int),
		clients:  make(map[protocol.SessionID]protocol.User),
		ports:    NewPortTable(r.limits.PortSlots),
	}

	for {
		select {
		case ev := <-r.events:
			start := time.Now()
			res := r.handle(st, ev)
			if ev.ReplyChan != nil {
				ev.ReplyChan <- res
				close(ev.ReplyChan)
			}

			metrics.ConnectedClients.Set(float64(len(st.clients)))
			metrics.OnlineRooms.Set(float64(len(st.rooms)))
			metrics.RegistryEvents.WithLabelValues(ev.Type.String()).Inc()
			metrics.RegistryEventDuration.WithLabelValues(ev.Type.String()).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) handle(st *state, ev Event) Result {
	switch ev.Type {
	case EventRegisterClient:
		return r.handleRegisterClient(st, ev)
	case EventUnregisterClient:
		u, ok := st.clients[ev.ID]
		if ok {
			delete(st.clients, ev.ID)
		}
		return Result{User: u, Found: ok}
	case EventLookupClient:
		u, ok := st.clients[ev.ID]
		return Result{User: u, Found: ok}
	case EventReserve:
		return r.handleReserve(st, ev)
	case EventCancelReservation:
		key := strings.ToLower(ev.Alias)
		if port, ok := st.reserved[key]; ok {
			delete(st.reserved, key)
			st.ports.Release(port)
		}
		return Result{}
	case EventAppend:
		return r.handleAppend(st, ev)
	case EventRemove:
		return r.handleRemove(st, ev)
	case EventReplace:
		return r.handleReplace(st, ev)
	case EventFind:
		if i := st.index(ev.Alias); i >= 0 {
			return Result{Room: st.rooms[i].Clone(), Found: true}
		}
		return Result{}
	case EventList:
		rooms := make([]protocol.Room, 0, len(st.rooms))
		for _, room := range st.rooms {
			rooms = append(rooms, room.Clone())
		}
		return Result{Rooms: rooms}
	case EventAllocatePort:
		return Result{Err: st.ports.Allocate(ev.Port)}
	case EventReleasePort:
		return Result{Found: st.ports.Release(ev.Port)}
	case EventPortInUse:
		return Result{Found: st.ports.InUse(ev.Port)}
	case EventRemoveHostedBy:
		return r.handleRemoveHostedBy(st, ev)
	}
	return Result{Err: fmt.Errorf("%w: unknown registry event %d", protocol.ErrInternal, ev.Type)}
}

// index returns the first room matching alias case-insensitively.
func (st *state) index(alias string) int {
	for i, room := range st.rooms {
		if protocol.SameAlias(room.Alias, alias) {
			return i
		}
	}
	return -1
}

func (r *Registry) handleRegisterClient(st *state, ev Event) Result {
	if _, exists := st.clients[ev.Client.ID]; exists {
		return Result{Err: fmt.Errorf("%w: session already registered", protocol.ErrBadRequest)}
	}
	if len(st.clients) >= r.limits.MaxClients {
		return Result{Err: fmt.Errorf("%w: %d clients online", protocol.ErrServerFull, len(st.clients))}
	}
	st.clients[ev.Client.ID] = ev.Client
	return Result{User: ev.Client, Found: true}
}

func (r *Registry) handleReserve(st *state, ev Event) Result {
	key := strings.ToLower(ev.Alias)
	if _, ok := st.reserved[key]; ok || st.index(ev.Alias) >= 0 {
		return Result{Err: fmt.Errorf("%w: %s", protocol.ErrNameInUse, ev.Alias)}
	}
	if len(st.rooms)+len(st.reserved) >= r.limits.MaxRooms {
		return Result{Err: fmt.Errorf("%w: %d rooms online", protocol.ErrServerFull, len(st.rooms))}
	}
	if err := st.ports.Allocate(ev.Port); err != nil {
		return Result{Err: err}
	}
	st.reserved[key] = ev.Port
	return Result{}
}

func (r *Registry) handleAppend(st *state, ev Event) Result {
	room := ev.Room.Clone()
	if !room.Online {
		return Result{Err: fmt.Errorf("%w: %s", ErrRoomOffline, room.Alias)}
	}
	if st.index(room.Alias) >= 0 {
		return Result{Err: fmt.Errorf("%w: %s", protocol.ErrNameInUse, room.Alias)}
	}
	key := strings.ToLower(room.Alias)
	port, reserved := st.reserved[key]
	switch {
	case reserved && port != room.Port:
		return Result{Err: fmt.Errorf("%w: %s reserved port %d, not %d", protocol.ErrBadRequest, room.Alias, port, room.Port)}
	case reserved:
		delete(st.reserved, key)
	default:
		if len(st.rooms)+len(st.reserved) >= r.limits.MaxRooms {
			return Result{Err: fmt.Errorf("%w: %d rooms online", protocol.ErrServerFull, len(st.rooms))}
		}
		if err := st.ports.Allocate(room.Port); err != nil {
			return Result{Err: err}
		}
	}
	st.rooms = append(st.rooms, room)
	st.syncMembership(room)
	r.logger.Debug("room appended", "alias", room.Alias, "port", room.Port)
	return Result{Room: room.Clone(), Found: true}
}

// handleRemove shift-deletes the room. Its port stays allocated until a
// separate release.
func (r *Registry) handleRemove(st *state, ev Event) Result {
	i := st.index(ev.Alias)
	if i < 0 {
		return Result{}
	}
	removed := st.rooms[i]
	st.rooms = append(st.rooms[:i], st.rooms[i+1:]...)
	removed.Members = nil
	st.syncMembership(removed)
	r.logger.Debug("room removed", "alias", removed.Alias)
	return Result{Room: removed, Found: true}
}

func (r *Registry) handleReplace(st *state, ev Event) Result {
	i := st.index(ev.Room.Alias)
	if i < 0 {
		return Result{Err: fmt.Errorf("%w: %s", protocol.ErrNoSuchRoom, ev.Room.Alias)}
	}
	if !ev.Room.Online {
		// going offline ends the listing, so the port is free again
		port := st.rooms[i].Port
		res := r.handleRemove(st, Event{Alias: ev.Room.Alias})
		st.ports.Release(port)
		return res
	}
	room := ev.Room.Clone()
	room.Alias = st.rooms[i].Alias
	st.rooms[i] = room
	st.syncMembership(room)
	return Result{Room: room.Clone(), Found: true}
}

// handleRemoveHostedBy delists every room hosted by ev.ID and releases its
// port.
func (r *Registry) handleRemoveHostedBy(st *state, ev Event) Result {
	var removed []protocol.Room
	if ev.ID == (protocol.SessionID{}) {
		return Result{}
	}
	for i := 0; i < len(st.rooms); {
		if st.rooms[i].Host.ID != ev.ID {
			i++
			continue
		}
		res := r.handleRemove(st, Event{Alias: st.rooms[i].Alias})
		st.ports.Release(res.Room.Port)
		removed = append(removed, res.Room)
	}
	return Result{Rooms: removed, Found: len(removed) > 0}
}

// syncMembership points every member's RoomAlias at room and clears it for
// clients that were in room but no longer are.
func (st *state) syncMembership(room protocol.Room) {
	for id, u := range st.clients {
		in := room.HasMember(id)
		switch {
		case in && u.RoomAlias != room.Alias:
			u.RoomAlias = room.Alias
			st.clients[id] = u
		case !in && protocol.SameAlias(u.RoomAlias, room.Alias):
			u.RoomAlias = ""
			st.clients[id] = u
		}
	}
}

// do sends ev and waits for its result.
func (r *Registry) do(ctx context.Context, ev Event) (Result, error) {
	ev.ReplyChan = make(chan Result, 1)
	select {
	case r.events <- ev:
	case <-r.stopCh:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-ev.ReplyChan:
		return res, res.Err
	case <-r.doneCh:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (r *Registry) RegisterClient(ctx context.Context, u protocol.User) error {
	_, err := r.do(ctx, Event{Type: EventRegisterClient, Client: u})
	return err
}

// UnregisterClient removes the client and returns its last known record.
// Calling it again for the same id is a no-op reporting found=false.
func (r *Registry) UnregisterClient(ctx context.Context, id protocol.SessionID) (protocol.User, bool, error) {
	res, err := r.do(ctx, Event{Type: EventUnregisterClient, ID: id})
	return res.User, res.Found, err
}

func (r *Registry) Client(ctx context.Context, id protocol.SessionID) (protocol.User, bool, error) {
	res, err := r.do(ctx, Event{Type: EventLookupClient, ID: id})
	return res.User, res.Found, err
}

// Reserve atomically claims alias and port for a room that is still being
// started. It fails with name-in-use or port-in-use.
func (r *Registry) Reserve(ctx context.Context, alias string, port int) error {
	_, err := r.do(ctx, Event{Type: EventReserve, Alias: alias, Port: port})
	return err
}

func (r *Registry) CancelReservation(ctx context.Context, alias string) error {
	_, err := r.do(ctx, Event{Type: EventCancelReservation, Alias: alias})
	return err
}

func (r *Registry) Append(ctx context.Context, room protocol.Room) error {
	_, err := r.do(ctx, Event{Type: EventAppend, Room: room})
	return err
}

func (r *Registry) Remove(ctx context.Context, alias string) error {
	_, err := r.do(ctx, Event{Type: EventRemove, Alias: alias})
	return err
}

func (r *Registry) ReplaceByAlias(ctx context.Context, room protocol.Room) error {
	_, err := r.do(ctx, Event{Type: EventReplace, Room: room})
	return err
}

// RemoveHostedBy delists every room whose host is id, releasing their ports,
// and returns what it removed.
func (r *Registry) RemoveHostedBy(ctx context.Context, id protocol.SessionID) ([]protocol.Room, error) {
	res, err := r.do(ctx, Event{Type: EventRemoveHostedBy, ID: id})
	return res.Rooms, err
}

func (r *Registry) FindByAlias(ctx context.Context, alias string) (protocol.Room, bool, error) {
	res, err := r.do(ctx, Event{Type: EventFind, Alias: alias})
	return res.Room, res.Found, err
}

func (r *Registry) List(ctx context.Context) ([]protocol.Room, error) {
	res, err := r.do(ctx, Event{Type: EventList})
	return res.Rooms, err
}

func (r *Registry) AllocatePort(ctx context.Context, port int) error {
	_, err := r.do(ctx, Event{Type: EventAllocatePort, Port: port})
	return err
}

func (r *Registry) ReleasePort(ctx context.Context, port int) error {
	_, err := r.do(ctx, Event{Type: EventReleasePort, Port: port})
	return err
}

func (r *Registry) PortInUse(ctx context.Context, port int) (bool, error) {
	res, err := r.do(ctx, Event{Type: EventPortInUse, Port: port})
	return res.Found, err
}
