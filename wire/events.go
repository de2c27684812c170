package wire

import (
	"fmt"

	"github.com/user/attengine/wire/att"
	"github.com/user/attengine/wire/gap"
	"github.com/user/attengine/wire/l2cap"
)

// EventID identifies an event: the ATT opcode for PDU events, or one of the
// synthetic ids above 0xFF for events that have no PDU
type EventID uint16

const (
	EventTransactionTimeout  EventID = 0x100
	EventSignedWriteComplete EventID = 0x101
	EventRequestFailed       EventID = 0x102
	EventLongWriteComplete   EventID = 0x103
)

func (id EventID) String() string {
	switch id {
	case EventTransactionTimeout:
		return "Transaction Timeout"
	case EventSignedWriteComplete:
		return "Signed Write Complete"
	case EventRequestFailed:
		return "Request Failed"
	case EventLongWriteComplete:
		return "Long Write Complete"
	}
	if id <= 0xFF {
		return att.OpcodeName(uint8(id))
	}
	return fmt.Sprintf("event(0x%X)", uint16(id))
}

// Event is one delivery to a client or server callback.
//
// PDU is the decoded inbound PDU for opcode events and nil otherwise. Its
// byte slices borrow the receive buffer and are only valid until the callback
// returns.
type Event struct {
	Handle uint16
	ID     EventID
	Status Status
	PDU    att.PDU

	// Opcode of the request a synthetic event refers to
	Opcode uint8

	// Signed write outcome (EventSignedWriteComplete on the client, a Signed
	// Write Command on the server)
	Signature gap.SignatureResult

	// Unsigned attribute value of a Signed Write Command, server side
	Value []byte

	Err error
}

// ClientCallback receives every event for the client role. It runs on the
// engine goroutine and must not block.
type ClientCallback func(ev Event)

// ServerCallback receives every event for the server role
type ServerCallback func(ev Event)

// ConnectInfo describes a connection, or a failed attempt at one
type ConnectInfo struct {
	Handle    uint16
	Addr      l2cap.BDAddr
	Transport l2cap.Transport
	MTU       int
	Flag      ConnectFlag
	Session   string
}

// ConnectCallbacks are the upper layer's connection notifications. Any field
// may be nil.
type ConnectCallbacks struct {
	// ConnectIndication asks whether to accept an incoming BR/EDR channel;
	// answer with Engine.ConnectRsp
	ConnectIndication func(handle uint16, addr l2cap.BDAddr)

	// Connected fires exactly once per attempt, successful or not
	Connected func(info ConnectInfo, status ConnectStatus)

	Disconnected func(info ConnectInfo, reason DisconnectReason)
}
