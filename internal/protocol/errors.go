package protocol

import (
	"errors"
	"fmt"
)

// Code is the result code carried by every Response.
type Code uint16

const (
	CodeOK Code = iota
	CodeInternalError
	CodePortInUse
	CodeNameInUse
	CodeInvalidAlias
	CodeInvalidHandle
	CodeRoomFull
	CodeNotAuthorized
	CodeNotInRoom
	CodeBanned
	CodeNoSuchRoom
	CodeServerFull
	CodeBadRequest

	codeCount
)

var (
	ErrInternal      = errors.New("internal error")
	ErrPortInUse     = errors.New("port in use")
	ErrNameInUse     = errors.New("name in use")
	ErrInvalidAlias  = errors.New("invalid room alias")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrRoomFull      = errors.New("room full")
	ErrNotAuthorized = errors.New("not authorized")
	ErrNotInRoom     = errors.New("not in room")
	ErrBanned        = errors.New("banned from room")
	ErrNoSuchRoom    = errors.New("no such room")
	ErrServerFull    = errors.New("server full")
	ErrBadRequest    = errors.New("bad request")
)

var codeErrors = [...]error{
	CodeOK:            nil,
	CodeInternalError: ErrInternal,
	CodePortInUse:     ErrPortInUse,
	CodeNameInUse:     ErrNameInUse,
	CodeInvalidAlias:  ErrInvalidAlias,
	CodeInvalidHandle: ErrInvalidHandle,
	CodeRoomFull:      ErrRoomFull,
	CodeNotAuthorized: ErrNotAuthorized,
	CodeNotInRoom:     ErrNotInRoom,
	CodeBanned:        ErrBanned,
	CodeNoSuchRoom:    ErrNoSuchRoom,
	CodeServerFull:    ErrServerFull,
	CodeBadRequest:    ErrBadRequest,
}

func (c Code) valid() bool { return c < codeCount }

// Err returns the sentinel error for c, or nil for CodeOK.
func (c Code) Err() error {
	if !c.valid() {
		return fmt.Errorf("%w: unknown result code %d", ErrInternal, c)
	}
	return codeErrors[c]
}

func (c Code) String() string {
	if c == CodeOK {
		return "ok"
	}
	if err := c.Err(); err != nil {
		return err.Error()
	}
	return "unknown"
}

// CodeFromError maps an error returned by the registry or a room server to
// the code sent back on the wire. Unrecognised errors are internal.
func CodeFromError(err error) Code {
	if err == nil {
		return CodeOK
	}
	for c := CodeInternalError + 1; c < codeCount; c++ {
		if errors.Is(err, codeErrors[c]) {
			return c
		}
	}
	return CodeInternalError
}

// ProtocolError reports a malformed or truncated frame. The connection it
// was read from must be dropped.
type ProtocolError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol: " + e.Op + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(op, format string, args ...any) *ProtocolError {
	return &ProtocolError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
