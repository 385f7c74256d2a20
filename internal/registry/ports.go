package registry

import (
	"fmt"

	"github.com/andy6609/chatdir/internal/protocol"
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotUsed
	slotDeleted
)

type portSlot struct {
	port  int
	state slotState
}

// PortTable is a fixed-size open addressing table keyed by port mod
// capacity. It is not safe for concurrent use; the registry goroutine owns it.
type PortTable struct {
	slots []portSlot
	used  int
}

func NewPortTable(capacity int) *PortTable {
	if capacity <= 0 {
		capacity = 2 * protocol.MaxRoomsOnline
	}
	return &PortTable{slots: make([]portSlot, capacity)}
}

// find returns the slot holding port, or -1.
func (t *PortTable) find(port int) int {
	n := len(t.slots)
	start := port % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := t.slots[idx]
		switch {
		case s.state == slotEmpty:
			return -1
		case s.state == slotUsed && s.port == port:
			return idx
		}
	}
	return -1
}

// Allocate marks port as in use. A port that is already in use is rejected;
// the caller must choose another one.
func (t *PortTable) Allocate(port int) error {
	if port <= 0 || port > 0xFFFF {
		return fmt.Errorf("%w: port %d out of range", protocol.ErrBadRequest, port)
	}
	n := len(t.slots)
	start := port % n
	free := -1
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := t.slots[idx]
		if s.state == slotUsed {
			if s.port == port {
				return fmt.Errorf("%w: %d", protocol.ErrPortInUse, port)
			}
			continue
		}
		if free < 0 {
			free = idx
		}
		if s.state == slotEmpty {
			break
		}
	}
	if free < 0 {
		return fmt.Errorf("%w: port table full", protocol.ErrServerFull)
	}
	t.slots[free] = portSlot{port: port, state: slotUsed}
	t.used++
	return nil
}

// Release frees port. It reports whether the port was in use.
func (t *PortTable) Release(port int) bool {
	if port <= 0 {
		return false
	}
	idx := t.find(port)
	if idx < 0 {
		return false
	}
	t.slots[idx] = portSlot{port: port, state: slotDeleted}
	t.used--
	return true
}

func (t *PortTable) InUse(port int) bool {
	if port <= 0 {
		return false
	}
	return t.find(port) >= 0
}

func (t *PortTable) Len() int { return t.used }
