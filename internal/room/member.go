package room

import (
	"net"
	"sync"
	"time"

	"github.com/andy6609/chatdir/internal/protocol"
)

type member struct {
	user protocol.User

	// wmu serialises writes to conn. conn is nil for the host until the host
	// opens its room connection.
	wmu       sync.Mutex
	conn      net.Conn
	closeOnce sync.Once
}

// send writes one frame, bounded by timeout.
func (m *member) send(resp protocol.Response, timeout time.Duration) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return m.sendLocked(resp, timeout)
}

func (m *member) sendLocked(resp protocol.Response, timeout time.Duration) error {
	if m.conn == nil {
		return protocol.ErrNotInRoom
	}
	if err := m.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return protocol.WriteResponse(m.conn, resp)
}

func (m *member) close() {
	m.closeOnce.Do(func() {
		m.wmu.Lock()
		conn := m.conn
		m.wmu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}
