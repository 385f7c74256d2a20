package protocol

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// Record sizes. Every record has a fixed layout so the reader always knows
// how many bytes to wait for.
const (
	userSize     = 16 + (1 + MaxHandleLen) + 8 + (1 + MaxAliasLen)
	roomSize     = (1 + MaxAliasLen) + 2 + 2 + 1 + userSize + 2 + MaxRoomMembers*userSize
	messageSize  = 1 + userSize + 2 + MaxMessageLen
	RequestSize  = 2 + userSize + userSize + roomSize + messageSize
	ResponseSize = 1 + 2 + 2 + 1 + 1 + userSize + roomSize + messageSize
	RoomSize     = roomSize
)

type encoder struct {
	buf []byte
	off int
	err error
	op  string
}

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = protoErr(e.op, format, args...)
	}
}

func (e *encoder) u8(v uint8) {
	e.buf[e.off] = v
	e.off++
}

func (e *encoder) u16(v uint16) {
	binary.BigEndian.PutUint16(e.buf[e.off:], v)
	e.off += 2
}

func (e *encoder) u64(v uint64) {
	binary.BigEndian.PutUint64(e.buf[e.off:], v)
	e.off += 8
}

func (e *encoder) raw(b []byte) {
	copy(e.buf[e.off:], b)
	e.off += len(b)
}

// str8 writes a one-byte length followed by a zero padded field of max bytes.
func (e *encoder) str8(field, s string, max int) {
	if len(s) > max {
		e.fail("%s longer than %d bytes", field, max)
		s = ""
	}
	e.u8(uint8(len(s)))
	copy(e.buf[e.off:e.off+max], s)
	e.off += max
}

func (e *encoder) str16(field, s string, max int) {
	if len(s) > max {
		e.fail("%s longer than %d bytes", field, max)
		s = ""
	}
	e.u16(uint16(len(s)))
	copy(e.buf[e.off:e.off+max], s)
	e.off += max
}

func (e *encoder) port(field string, v int) {
	if v < 0 || v > 0xFFFF {
		e.fail("%s %d out of range", field, v)
		v = 0
	}
	e.u16(uint16(v))
}

func (e *encoder) user(u User) {
	e.raw(u.ID[:])
	e.str8("handle", u.Handle, MaxHandleLen)
	var joined int64
	if !u.JoinedAt.IsZero() {
		joined = u.JoinedAt.UnixNano()
	}
	e.u64(uint64(joined))
	e.str8("room alias", u.RoomAlias, MaxAliasLen)
}

func (e *encoder) room(r Room) {
	e.str8("alias", r.Alias, MaxAliasLen)
	e.port("port", r.Port)
	e.port("capacity", r.Capacity)
	if r.Online {
		e.u8(1)
	} else {
		e.u8(0)
	}
	e.user(r.Host)
	members := r.Members
	if len(members) > MaxRoomMembers {
		e.fail("%d members exceeds %d", len(members), MaxRoomMembers)
		members = nil
	}
	e.u16(uint16(len(members)))
	for _, m := range members {
		e.user(m)
	}
	e.off += (MaxRoomMembers - len(members)) * userSize
}

func (e *encoder) message(m Message) {
	if !m.Flag.valid() {
		e.fail("unknown intent %d", m.Flag)
	}
	e.u8(uint8(m.Flag))
	e.user(m.Sender)
	e.str16("message", m.Text, MaxMessageLen)
}

type decoder struct {
	buf []byte
	off int
	err error
	op  string
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = protoErr(d.op, format, args...)
	}
}

// take returns the next n bytes, or nil once the buffer is exhausted.
func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.fail("short record: need %d bytes at offset %d, have %d", n, d.off, len(d.buf))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) str8(field string, max int) string {
	n := int(d.u8())
	b := d.take(max)
	if b == nil {
		return ""
	}
	if n > max {
		d.fail("%s length %d exceeds %d", field, n, max)
		return ""
	}
	return string(b[:n])
}

func (d *decoder) str16(field string, max int) string {
	n := int(d.u16())
	b := d.take(max)
	if b == nil {
		return ""
	}
	if n > max {
		d.fail("%s length %d exceeds %d", field, n, max)
		return ""
	}
	return string(b[:n])
}

func (d *decoder) user() User {
	var u User
	if b := d.take(16); b != nil {
		u.ID = uuid.UUID(b)
	}
	u.Handle = d.str8("handle", MaxHandleLen)
	if joined := int64(d.u64()); joined != 0 {
		u.JoinedAt = time.Unix(0, joined).UTC()
	}
	u.RoomAlias = d.str8("room alias", MaxAliasLen)
	return u
}

func (d *decoder) room() Room {
	var r Room
	r.Alias = d.str8("alias", MaxAliasLen)
	r.Port = int(d.u16())
	r.Capacity = int(d.u16())
	switch d.u8() {
	case 0:
	case 1:
		r.Online = true
	default:
		d.fail("bad online flag")
	}
	r.Host = d.user()
	n := int(d.u16())
	if n > MaxRoomMembers {
		d.fail("member count %d exceeds %d", n, MaxRoomMembers)
		return r
	}
	if n > 0 {
		r.Members = make([]User, 0, n)
	}
	for i := 0; i < n; i++ {
		r.Members = append(r.Members, d.user())
	}
	d.take((MaxRoomMembers - n) * userSize)
	return r
}

func (d *decoder) message() Message {
	var m Message
	m.Flag = Intent(d.u8())
	if !m.Flag.valid() {
		d.fail("unknown intent %d", m.Flag)
	}
	m.Sender = d.user()
	m.Text = d.str16("message", MaxMessageLen)
	return m
}

func (r Request) MarshalBinary() ([]byte, error) {
	e := &encoder{buf: make([]byte, RequestSize), op: "encode request"}
	if !r.Command.valid() {
		e.fail("unknown command %d", r.Command)
	}
	e.u16(uint16(r.Command))
	e.user(r.User)
	e.user(r.Target)
	e.room(r.Room)
	e.message(r.Message)
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

func (r *Request) UnmarshalBinary(data []byte) error {
	d := &decoder{buf: data, op: "decode request"}
	if len(data) != RequestSize {
		d.fail("request is %d bytes, want %d", len(data), RequestSize)
		return d.err
	}
	var out Request
	out.Command = Command(d.u16())
	if !out.Command.valid() {
		d.fail("unknown command %d", out.Command)
	}
	out.User = d.user()
	out.Target = d.user()
	out.Room = d.room()
	out.Message = d.message()
	if d.err != nil {
		return d.err
	}
	*r = out
	return nil
}

func (r Response) MarshalBinary() ([]byte, error) {
	e := &encoder{buf: make([]byte, ResponseSize), op: "encode response"}
	if r.Kind != KindReply && r.Kind != KindPush {
		e.fail("unknown kind %d", r.Kind)
	}
	if !r.Command.valid() {
		e.fail("unknown command %d", r.Command)
	}
	if !r.Code.valid() {
		e.fail("unknown code %d", r.Code)
	}
	if r.Flag > FlagValueReturned {
		e.fail("unknown data flag %d", r.Flag)
	}
	if r.Value > ValueRoom {
		e.fail("unknown value kind %d", r.Value)
	}
	e.u8(uint8(r.Kind))
	e.u16(uint16(r.Command))
	e.u16(uint16(r.Code))
	e.u8(uint8(r.Flag))
	e.u8(uint8(r.Value))
	e.user(r.User)
	e.room(r.Room)
	e.message(r.Message)
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

func (r *Response) UnmarshalBinary(data []byte) error {
	d := &decoder{buf: data, op: "decode response"}
	if len(data) != ResponseSize {
		d.fail("response is %d bytes, want %d", len(data), ResponseSize)
		return d.err
	}
	var out Response
	out.Kind = Kind(d.u8())
	if out.Kind != KindReply && out.Kind != KindPush {
		d.fail("unknown kind %d", out.Kind)
	}
	out.Command = Command(d.u16())
	if !out.Command.valid() {
		d.fail("unknown command %d", out.Command)
	}
	out.Code = Code(d.u16())
	if !out.Code.valid() {
		d.fail("unknown code %d", out.Code)
	}
	out.Flag = DataFlag(d.u8())
	if out.Flag > FlagValueReturned {
		d.fail("unknown data flag %d", out.Flag)
	}
	out.Value = ValueKind(d.u8())
	if out.Value > ValueRoom {
		d.fail("unknown value kind %d", out.Value)
	}
	out.User = d.user()
	out.Room = d.room()
	out.Message = d.message()
	if d.err != nil {
		return d.err
	}
	*r = out
	return nil
}

// EncodeRoom serialises a single room record as used in room lists.
func EncodeRoom(r Room) ([]byte, error) {
	e := &encoder{buf: make([]byte, roomSize), op: "encode room"}
	e.room(r)
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

func DecodeRoom(data []byte) (Room, error) {
	d := &decoder{buf: data, op: "decode room"}
	if len(data) != roomSize {
		d.fail("room is %d bytes, want %d", len(data), roomSize)
		return Room{}, d.err
	}
	r := d.room()
	if d.err != nil {
		return Room{}, d.err
	}
	return r, nil
}

func Encode(req Request) ([]byte, error) { return req.MarshalBinary() }

func Decode(data []byte) (Request, error) {
	var req Request
	err := req.UnmarshalBinary(data)
	return req, err
}
