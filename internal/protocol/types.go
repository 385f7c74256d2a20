package protocol

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultDirectoryPort = 18081

	MinHandleLen  = 3
	MaxHandleLen  = 20
	MinAliasLen   = 3
	MaxAliasLen   = 32
	MaxMessageLen = 500

	MaxRoomMembers      = 100
	DefaultRoomCapacity = 30
	MaxRoomsOnline      = 30
	MaxGlobalClients    = 1000
)

// SessionID identifies one handshaken client for the lifetime of its
// directory connection. Host checks compare it by value.
type SessionID = uuid.UUID

type User struct {
	ID        SessionID
	Handle    string
	JoinedAt  time.Time
	RoomAlias string // empty when not in a room
}

func (u User) IsZero() bool { return u.ID == uuid.Nil }

// Public strips the session id. The id doubles as the bearer credential for
// room joins and host rights, so only its owner ever sees it.
func (u User) Public() User {
	u.ID = uuid.Nil
	return u
}

type Room struct {
	Alias    string
	Port     int
	Capacity int
	Online   bool
	Host     User
	Members  []User
}

// HasMember reports whether id is in the member list.
func (r Room) HasMember(id SessionID) bool {
	for _, m := range r.Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// RedactedFor returns a copy safe to send to viewer: every session id other
// than viewer's own is zeroed.
func (r Room) RedactedFor(viewer SessionID) Room {
	r = r.Clone()
	if r.Host.ID != viewer {
		r.Host = r.Host.Public()
	}
	for i, m := range r.Members {
		if m.ID != viewer {
			r.Members[i] = m.Public()
		}
	}
	return r
}

// Clone returns a copy whose member slice is not shared with r.
func (r Room) Clone() Room {
	if r.Members != nil {
		r.Members = append([]User(nil), r.Members...)
	}
	return r
}

type Intent uint8

const (
	IntentNone Intent = iota
	IntentBroadcast
	IntentKick
	IntentBan
	IntentPrint
)

func (i Intent) valid() bool { return i <= IntentPrint }

type Message struct {
	Flag   Intent
	Sender User
	Text   string
}

type Command uint16

const (
	CommandNone Command = iota
	CommandConnectClient
	CommandDisconnectClient
	CommandRequestRoomList
	CommandMakeRoom
	CommandAppendRoom
	CommandRemoveRoom
	CommandUpdateRoom
	CommandKickClient
	CommandBanClient
	CommandRelayMessage
	CommandPrintRelayedMessage
	CommandJoinRoom
	CommandLeaveRoom
	CommandShutdownRoom
	CommandPing

	commandCount
)

var commandNames = [...]string{
	CommandNone:                "none",
	CommandConnectClient:       "connect_client",
	CommandDisconnectClient:    "disconnect_client",
	CommandRequestRoomList:     "request_room_list",
	CommandMakeRoom:            "make_room",
	CommandAppendRoom:          "append_room",
	CommandRemoveRoom:          "remove_room",
	CommandUpdateRoom:          "update_room",
	CommandKickClient:          "kick_client",
	CommandBanClient:           "ban_client",
	CommandRelayMessage:        "relay_message",
	CommandPrintRelayedMessage: "print_relayed_message",
	CommandJoinRoom:            "join_room",
	CommandLeaveRoom:           "leave_room",
	CommandShutdownRoom:        "shutdown_room",
	CommandPing:                "ping",
}

func (c Command) String() string {
	if c < commandCount {
		return commandNames[c]
	}
	return "unknown"
}

func (c Command) valid() bool { return c > CommandNone && c < commandCount }

// Commands lists every command that may appear on the wire.
func Commands() []Command {
	out := make([]Command, 0, commandCount-1)
	for c := CommandNone + 1; c < commandCount; c++ {
		out = append(out, c)
	}
	return out
}

type Request struct {
	Command Command
	User    User
	Target  User // kick/ban target
	Room    Room
	Message Message
}

type Kind uint8

const (
	KindReply Kind = iota + 1
	KindPush
)

// DataFlag says what happened to the data sent with a request.
type DataFlag uint8

const (
	FlagNone DataFlag = iota
	FlagDataUpdated
	FlagNoDataChanged
	FlagValueReturned
)

type ValueKind uint8

const (
	ValueNone ValueKind = iota
	ValueUser
	ValueRoom
)

type Response struct {
	Kind    Kind
	Command Command
	Code    Code
	Flag    DataFlag
	Value   ValueKind
	User    User
	Room    Room
	Message Message
}

// Reply builds a reply to cmd carrying only a result code.
func Reply(cmd Command, code Code) Response {
	flag := FlagNoDataChanged
	if code == CodeOK {
		flag = FlagDataUpdated
	}
	return Response{Kind: KindReply, Command: cmd, Code: code, Flag: flag}
}

func Push(cmd Command, msg Message) Response {
	return Response{Kind: KindPush, Command: cmd, Code: CodeOK, Flag: FlagNone, Message: msg}
}
