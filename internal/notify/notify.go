// Package notify reports lifecycle events: one log line per event and,
// optionally, a JSON copy published on NATS.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type EventType string

const (
	ClientJoined   EventType = "client_joined"
	ClientLeft     EventType = "client_left"
	RoomCreated    EventType = "room_created"
	RoomFailed     EventType = "room_failed"
	RoomShutdown   EventType = "room_shutdown"
	MemberJoined   EventType = "member_joined"
	MemberLeft     EventType = "member_left"
	MemberKicked   EventType = "member_kicked"
	MemberBanned   EventType = "member_banned"
	MemberRejected EventType = "member_rejected"
)

type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Handle  string    `json:"handle,omitempty"`
	Session string    `json:"-"` // logged only; session ids are credentials
	Room    string    `json:"room,omitempty"`
	Port    int       `json:"port,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

func (e Event) text() string {
	switch e.Type {
	case ClientJoined:
		return fmt.Sprintf("%s joined the directory", e.Handle)
	case ClientLeft:
		return fmt.Sprintf("%s left the directory", e.Handle)
	case RoomCreated:
		return fmt.Sprintf("room %s created by %s on port %d", e.Room, e.Handle, e.Port)
	case RoomFailed:
		return fmt.Sprintf("room %s could not be created on port %d", e.Room, e.Port)
	case RoomShutdown:
		return fmt.Sprintf("room %s shut down", e.Room)
	case MemberJoined:
		return fmt.Sprintf("%s joined room %s", e.Handle, e.Room)
	case MemberLeft:
		return fmt.Sprintf("%s left room %s", e.Handle, e.Room)
	case MemberKicked:
		return fmt.Sprintf("%s was kicked from room %s", e.Handle, e.Room)
	case MemberBanned:
		return fmt.Sprintf("%s was banned from room %s", e.Handle, e.Room)
	case MemberRejected:
		return fmt.Sprintf("%s was refused entry to room %s", e.Handle, e.Room)
	}
	return string(e.Type)
}

// Publisher is the part of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type route struct {
	pub     Publisher
	subject string
}

type Notifier struct {
	logger *slog.Logger
	routes []route
}

// New returns a Notifier that only logs. Use WithPublisher or ConnectNATS to
// also publish events.
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

// WithPublisher returns a copy of n that also publishes every event on
// subject.<type>.
func (n *Notifier) WithPublisher(pub Publisher, subject string) *Notifier {
	routes := append(append([]route(nil), n.routes...), route{pub: pub, subject: subject})
	return &Notifier{logger: n.logger, routes: routes}
}

// ConnectNATS dials url and returns a notifier publishing on subject.<type>.
// The caller owns the returned connection.
func ConnectNATS(n *Notifier, url, subject string) (*Notifier, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("chatdir-directory"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return n.WithPublisher(nc, subject), nc, nil
}

func (n *Notifier) Emit(ev Event) {
	if n == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	attrs := []any{"event", string(ev.Type)}
	if ev.Room != "" {
		attrs = append(attrs, "alias", ev.Room)
	}
	if ev.Handle != "" {
		attrs = append(attrs, "handle", ev.Handle)
	}
	if ev.Session != "" {
		attrs = append(attrs, "session", ev.Session)
	}
	if ev.Port != 0 {
		attrs = append(attrs, "port", ev.Port)
	}
	if ev.Detail != "" {
		attrs = append(attrs, "detail", ev.Detail)
	}
	n.logger.Info(ev.text(), attrs...)

	if len(n.routes) == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("failed to serialize event", "event", string(ev.Type), "error", err)
		return
	}
	for _, r := range n.routes {
		if err := r.pub.Publish(r.subject+"."+string(ev.Type), data); err != nil {
			n.logger.Warn("failed to publish event", "event", string(ev.Type), "subject", r.subject, "error", err)
		}
	}
}
