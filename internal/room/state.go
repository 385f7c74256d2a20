package room

import (
	"context"

	"github.com/andy6609/chatdir/internal/protocol"
)

type State int32

const (
	StateCreated State = iota
	StateBinding
	StateListening
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBinding:
		return "binding"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Reporter is how a room pushes its authoritative state back to the
// directory registry, and where it checks that a joining session is one the
// directory handed out. *registry.Registry implements it.
type Reporter interface {
	Append(ctx context.Context, room protocol.Room) error
	ReplaceByAlias(ctx context.Context, room protocol.Room) error
	Remove(ctx context.Context, alias string) error
	ReleasePort(ctx context.Context, port int) error
	Client(ctx context.Context, id protocol.SessionID) (protocol.User, bool, error)
}
