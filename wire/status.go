package wire

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/buffer"
)

// Engine errors
var (
	ErrRegistryFull  = errors.New("wire: connection registry full")
	ErrQueueFull     = errors.New("wire: dispatch queue full")
	ErrEngineStopped = errors.New("wire: engine stopped")
	ErrUnknownHandle = errors.New("wire: unknown connection handle")
	ErrNotConnected  = errors.New("wire: not connected")
	ErrBusy          = errors.New("wire: procedure already in progress")
	ErrUnsupported   = errors.New("wire: unsupported transport")
)

// Status is the closed set of outcomes reported to the layer above. Lower
// layer error codes are mapped onto it and never passed through.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusBadParameter
	StatusNoMemory
	StatusTimeout
	StatusNotConnected
	StatusBusy
	StatusSignatureFailed
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusBadParameter:
		return "bad parameter"
	case StatusNoMemory:
		return "no memory"
	case StatusTimeout:
		return "timeout"
	case StatusNotConnected:
		return "not connected"
	case StatusBusy:
		return "busy"
	case StatusSignatureFailed:
		return "signature failed"
	case StatusInternalError:
		return "internal error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// statusOf maps an error from any layer onto a Status
func statusOf(err error) Status {
	switch errors.Cause(err) {
	case nil:
		return StatusSuccess
	case att.ErrBadParameter, att.ErrValueTooLong, att.ErrNoRoomForEntry, buffer.ErrOutOfRange:
		return StatusBadParameter
	case ErrRegistryFull, ErrQueueFull:
		return StatusNoMemory
	case ErrUnknownHandle, ErrNotConnected:
		return StatusNotConnected
	case ErrBusy:
		return StatusBusy
	default:
		return StatusInternalError
	}
}

// ConnectStatus is delivered once per connect attempt
type ConnectStatus uint8

const (
	BredrConnectSuccess ConnectStatus = iota
	LEConnectSuccess
	ConnectTimeout
	BredrConnectFail
	LEConnectFail
	ConnectSecurityFail
)

func (s ConnectStatus) String() string {
	switch s {
	case BredrConnectSuccess:
		return "br/edr connect success"
	case LEConnectSuccess:
		return "le connect success"
	case ConnectTimeout:
		return "connect timeout"
	case BredrConnectFail:
		return "br/edr connect fail"
	case LEConnectFail:
		return "le connect fail"
	case ConnectSecurityFail:
		return "security fail"
	default:
		return fmt.Sprintf("connect(%d)", uint8(s))
	}
}

// Success reports whether the connect attempt produced a connection
func (s ConnectStatus) Success() bool {
	return s == BredrConnectSuccess || s == LEConnectSuccess
}

// DisconnectReason is delivered once per connection teardown
type DisconnectReason uint8

const (
	PassiveDisconnectSuccess DisconnectReason = iota
	InitiativeDisconnectSuccess
	InitiativeDisconnectFail
	DisconnectAbnormal
)

func (r DisconnectReason) String() string {
	switch r {
	case PassiveDisconnectSuccess:
		return "peer disconnected"
	case InitiativeDisconnectSuccess:
		return "local disconnect"
	case InitiativeDisconnectFail:
		return "local disconnect failed"
	case DisconnectAbnormal:
		return "abnormal disconnect"
	default:
		return fmt.Sprintf("disconnect(%d)", uint8(r))
	}
}

// ConnectFlag records which side opened a connection
type ConnectFlag uint8

const (
	Initiative ConnectFlag = iota // local side connected
	Passive                       // peer connected
)

func (f ConnectFlag) String() string {
	if f == Initiative {
		return "initiative"
	}
	return "passive"
}
