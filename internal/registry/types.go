package registry

import (
	"errors"

	"github.com/andy6609/chatdir/internal/protocol"
)

type EventType int

const (
	EventRegisterClient EventType = iota
	EventUnregisterClient
	EventLookupClient
	EventReserve
	EventCancelReservation
	EventAppend
	EventRemove
	EventReplace
	EventFind
	EventList
	EventAllocatePort
	EventReleasePort
	EventPortInUse
	EventRemoveHostedBy
)

var eventNames = map[EventType]string{
	EventRegisterClient:    "register_client",
	EventUnregisterClient:  "unregister_client",
	EventLookupClient:      "lookup_client",
	EventReserve:           "reserve",
	EventCancelReservation: "cancel_reservation",
	EventAppend:            "append",
	EventRemove:            "remove",
	EventReplace:           "replace",
	EventFind:              "find",
	EventList:              "list",
	EventAllocatePort:      "allocate_port",
	EventReleasePort:       "release_port",
	EventPortInUse:         "port_in_use",
	EventRemoveHostedBy:    "remove_hosted_by",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

type Event struct {
	Type      EventType
	Client    protocol.User
	ID        protocol.SessionID
	Room      protocol.Room
	Alias     string
	Port      int
	ReplyChan chan Result // nil for fire-and-forget events
}

type Result struct {
	User  protocol.User
	Room  protocol.Room
	Rooms []protocol.Room
	Found bool
	Err   error
}

var (
	ErrStopped     = errors.New("registry stopped")
	ErrRoomOffline = errors.New("room is offline")
)
