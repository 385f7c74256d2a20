package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// readRecord fills a fixed-size record. io.EOF is returned untouched when the
// peer closed before sending anything; a close mid-record is a ProtocolError.
func readRecord(r io.Reader, size int, op string) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ProtocolError{Op: op, Reason: "truncated record", Err: err}
		}
		return nil, err
	}
	return buf, nil
}

func WriteRequest(w io.Writer, req Request) error {
	b, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func ReadRequest(r io.Reader) (Request, error) {
	buf, err := readRecord(r, RequestSize, "read request")
	if err != nil {
		return Request{}, err
	}
	return Decode(buf)
}

func WriteResponse(w io.Writer, resp Response) error {
	b, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func ReadResponse(r io.Reader) (Response, error) {
	buf, err := readRecord(r, ResponseSize, "read response")
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := resp.UnmarshalBinary(buf); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// AppendRoomList appends the room-list body to buf: a network order uint32
// count followed by that many room records.
func AppendRoomList(buf []byte, rooms []Room) ([]byte, error) {
	if len(rooms) > MaxRoomsOnline {
		return nil, protoErr("encode room list", "%d rooms exceeds %d", len(rooms), MaxRoomsOnline)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(rooms)))
	for _, room := range rooms {
		b, err := EncodeRoom(room)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// WriteRoomListReply writes resp immediately followed by the room list in a
// single Write so the two parts can never interleave with another frame.
func WriteRoomListReply(w io.Writer, resp Response, rooms []Room) error {
	head, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	buf, err := AppendRoomList(head, rooms)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadRoomList reads a count and then exactly that many rooms. It returns
// either the whole list or an error, never a prefix.
func ReadRoomList(r io.Reader) ([]Room, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &ProtocolError{Op: "read room list", Reason: "missing count", Err: err}
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxRoomsOnline {
		return nil, protoErr("read room list", "count %d exceeds %d", n, MaxRoomsOnline)
	}
	rooms := make([]Room, 0, n)
	for i := uint32(0); i < n; i++ {
		buf := make([]byte, roomSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, &ProtocolError{Op: "read room list", Reason: fmt.Sprintf("room %d of %d", i+1, n), Err: err}
		}
		room, err := DecodeRoom(buf)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}
